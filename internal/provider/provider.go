// Package provider defines the interface for email delivery backends.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/acs-smtp-relay/internal/email"
)

// Result describes a successful delivery handoff to a backend.
type Result struct {
	// OperationID is the backend's identifier for the accepted send,
	// echoed to the SMTP client in the final 250 reply.
	OperationID string
}

// SendError is a classified delivery failure. Transient failures map to an
// SMTP 451 so the client retries; permanent ones map to 554.
type SendError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *SendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("send failed (HTTP %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("send failed: %s", e.Message)
}

// IsTransient reports whether err should be surfaced to the SMTP client as
// a temporary failure. Unclassified errors (network, timeouts) count as
// transient; the client owns retry.
func IsTransient(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// Provider is the interface that email delivery backends must implement.
// Each provider handles the actual sending of parsed email messages to the
// target service.
type Provider interface {
	// Send delivers an email message through this provider. Exactly one
	// upstream call is made per invocation; the relay never retries.
	Send(ctx context.Context, msg *email.Email) (*Result, error)

	// Name returns the human-readable name of this provider.
	Name() string
}
