package acs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shineum/acs-smtp-relay/internal/email"
	"github.com/shineum/acs-smtp-relay/internal/provider"
	"github.com/shineum/acs-smtp-relay/internal/sender"
)

// apiVersion is the emails:send API contract the relay is validated against.
const apiVersion = "2023-03-31"

// sendPath is the emails:send resource path.
const sendPath = "/emails:send"

// requestTimeout bounds a single upstream call so the SMTP client receives
// a deterministic reply, including during shutdown.
const requestTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is read for logging.
const maxErrorBody = 64 * 1024

// ProviderConfig holds the configuration for creating a Provider.
type ProviderConfig struct {
	// Endpoint is the ACS resource endpoint URL, no trailing slash.
	Endpoint string
	// AccessKey is the base64-encoded HMAC key from the connection string.
	AccessKey string
	// Sender is the default sender address.
	Sender string
	// AllowedSenderDomains lists domains whose MAIL FROM is passed through.
	AllowedSenderDomains []string
}

// Provider sends emails via the ACS email REST API. A single Provider is
// shared by all sessions; the embedded http.Client pools connections and is
// safe for concurrent use.
type Provider struct {
	policy     *sender.Policy
	sendURL    *url.URL
	signer     *Signer
	httpClient *http.Client
}

// New creates a Provider for the given endpoint and access key.
func New(cfg ProviderConfig) (*Provider, error) {
	signer, err := NewSigner(cfg.AccessKey)
	if err != nil {
		return nil, err
	}

	sendURL, err := url.Parse(cfg.Endpoint + sendPath + "?api-version=" + apiVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to parse endpoint URL: %w", err)
	}
	if sendURL.Host == "" {
		return nil, fmt.Errorf("endpoint URL has no host: %q", cfg.Endpoint)
	}

	return &Provider{
		policy:     sender.NewPolicy(cfg.Sender, cfg.AllowedSenderDomains),
		sendURL:    sendURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: requestTimeout},
	}, nil
}

// newWithClient creates a Provider with a custom HTTP client, used for testing.
func newWithClient(cfg ProviderConfig, client *http.Client) (*Provider, error) {
	p, err := New(cfg)
	if err != nil {
		return nil, err
	}
	p.httpClient = client
	return p, nil
}

// Send delivers one message with exactly one signed POST. Failures are
// classified into transient (429, 5xx, network) and permanent (other 4xx);
// the relay never retries.
func (p *Provider) Send(ctx context.Context, msg *email.Email) (*provider.Result, error) {
	from := p.policy.Effective(msg.EnvelopeFrom)

	payload := buildSendRequest(msg, from)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}

	signed := p.signer.Sign(http.MethodPost, p.sendURL, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-ms-date", signed.Date)
	req.Header.Set("x-ms-content-sha256", signed.ContentSHA256)
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, &provider.SendError{
			Message:   fmt.Sprintf("HTTP request failed: %v", err),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var accepted sendResponse
		if err := json.Unmarshal(respBody, &accepted); err != nil || accepted.ID == "" {
			// Accepted without a parseable id still counts as delivered.
			slog.Debug("send accepted without operation id", "status", resp.StatusCode)
		}
		return &provider.Result{OperationID: accepted.ID}, nil
	}

	return nil, classifyResponse(resp.StatusCode, respBody)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "acs"
}

// classifyResponse maps an ACS error response to a SendError. 429 and 5xx
// are transient; all other 4xx are permanent.
func classifyResponse(statusCode int, body []byte) *provider.SendError {
	message := string(body)
	var acsErr acsErrorResponse
	if err := json.Unmarshal(body, &acsErr); err == nil && acsErr.Error.Message != "" {
		message = acsErr.Error.Code + ": " + acsErr.Error.Message
	}

	transient := statusCode == http.StatusTooManyRequests || statusCode >= 500
	if !transient {
		slog.Error("send rejected by ACS",
			"status", statusCode,
			"response", message,
		)
	}

	return &provider.SendError{
		StatusCode: statusCode,
		Message:    message,
		Transient:  transient,
	}
}
