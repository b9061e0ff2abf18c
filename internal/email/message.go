// Package email defines the core email data model used throughout the relay.
package email

// Address is a single email address with an optional display name.
type Address struct {
	Address     string
	DisplayName string
}

// Email represents a parsed email message with all its components.
// The header-derived fields come from the RFC 5322 parse of the DATA
// payload; the Envelope fields carry the SMTP-level sender and recipients,
// which are a separate namespace.
type Email struct {
	From        string
	ReplyTo     []Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	RawHeaders  map[string][]string
	MessageID   string

	// EnvelopeFrom is the MAIL FROM address, empty for bounce messages.
	EnvelopeFrom string
	// EnvelopeTo is the ordered, de-duplicated RCPT TO list.
	EnvelopeTo []string
}

// HasHeaderRecipients reports whether the parsed headers yielded any
// recipient at all.
func (e *Email) HasHeaderRecipients() bool {
	return len(e.To) > 0 || len(e.Cc) > 0 || len(e.Bcc) > 0
}

// Attachment represents a file attached to an email message.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}
