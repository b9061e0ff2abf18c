// Package sender decides the effective sender address presented upstream.
package sender

import (
	"log/slog"
	"strings"
)

// Policy selects between the client-provided MAIL FROM address and the
// configured default sender, based on an allowed-domain list.
type Policy struct {
	defaultSender  string
	allowedDomains []string
}

// NewPolicy creates a Policy. Domains are matched case-insensitively; the
// configured list is expected to be lowercase.
func NewPolicy(defaultSender string, allowedDomains []string) *Policy {
	return &Policy{
		defaultSender:  defaultSender,
		allowedDomains: allowedDomains,
	}
}

// Effective returns the sender address to use for the upstream request.
// The MAIL FROM address is used verbatim only when the allow-list is
// non-empty and contains its domain; everything else falls back to the
// configured default. The decision is logged so operators can audit which
// sender was chosen.
func (p *Policy) Effective(mailFrom string) string {
	if len(p.allowedDomains) == 0 || mailFrom == "" {
		return p.defaultSender
	}

	domain := addressDomain(mailFrom)
	if domain == "" {
		slog.Warn("could not parse domain from MAIL FROM address, using default sender",
			"client_sender", mailFrom,
			"chosen_sender", p.defaultSender,
		)
		return p.defaultSender
	}

	for _, allowed := range p.allowedDomains {
		if domain == allowed {
			slog.Info("using client-provided sender address",
				"client_sender", mailFrom,
				"chosen_sender", mailFrom,
				"sender_source", "envelope",
			)
			return mailFrom
		}
	}

	slog.Info("sender domain not in allow-list, using default sender",
		"client_sender", mailFrom,
		"chosen_sender", p.defaultSender,
		"sender_source", "default",
	)
	return p.defaultSender
}

// addressDomain returns the lowercase domain of an address, or "" if the
// address has no domain part.
func addressDomain(addr string) string {
	_, domain, found := strings.Cut(addr, "@")
	if !found || domain == "" {
		return ""
	}
	return strings.ToLower(domain)
}
