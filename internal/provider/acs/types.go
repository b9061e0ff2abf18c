// Package acs implements a Provider that sends emails through the Azure
// Communication Services email REST API using HMAC-SHA256 request signing.
package acs

import (
	"encoding/base64"

	"github.com/shineum/acs-smtp-relay/internal/email"
)

// sendRequest is the request body for the emails:send operation. Field
// order matches the emitted JSON key order.
type sendRequest struct {
	SenderAddress string          `json:"senderAddress"`
	Content       emailContent    `json:"content"`
	Recipients    emailRecipients `json:"recipients"`
	Attachments   []acsAttachment `json:"attachments,omitempty"`
}

// emailContent holds the subject and body variants of a message.
type emailContent struct {
	Subject   string  `json:"subject"`
	PlainText *string `json:"plainText,omitempty"`
	Html      *string `json:"html,omitempty"`
}

// emailRecipients groups the recipient lists. Empty cc/bcc are omitted.
type emailRecipients struct {
	To  []acsAddress `json:"to"`
	Cc  []acsAddress `json:"cc,omitempty"`
	Bcc []acsAddress `json:"bcc,omitempty"`
}

// acsAddress is a recipient address with an optional display name.
type acsAddress struct {
	Address     string `json:"address"`
	DisplayName string `json:"displayName,omitempty"`
}

// acsAttachment is a file attachment in a send request.
type acsAttachment struct {
	Name            string `json:"name"`
	ContentType     string `json:"contentType"`
	ContentInBase64 string `json:"contentInBase64"`
}

// sendResponse is the body ACS returns for an accepted send.
type sendResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// acsErrorResponse is the error envelope ACS returns on failure.
type acsErrorResponse struct {
	Error acsError `json:"error"`
}

type acsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// buildSendRequest converts a parsed message into the emails:send payload.
// Recipients come from the message headers; the SMTP envelope recipients
// populate "to" only when the headers carry no recipients at all.
func buildSendRequest(msg *email.Email, senderAddress string) *sendRequest {
	to := toAddresses(msg.To)
	cc := toAddresses(msg.Cc)
	bcc := toAddresses(msg.Bcc)

	if !msg.HasHeaderRecipients() {
		to = make([]acsAddress, 0, len(msg.EnvelopeTo))
		for _, addr := range msg.EnvelopeTo {
			to = append(to, acsAddress{Address: addr})
		}
	}

	content := emailContent{Subject: msg.Subject}
	if msg.TextBody != "" {
		text := msg.TextBody
		content.PlainText = &text
	}
	if msg.HtmlBody != "" {
		html := msg.HtmlBody
		content.Html = &html
	}
	if content.PlainText == nil && content.Html == nil {
		// A body-less message is still relayed; ACS requires at least one
		// content variant, so include an empty plain text body.
		empty := ""
		content.PlainText = &empty
	}

	var attachments []acsAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, acsAttachment{
			Name:            att.Filename,
			ContentType:     att.ContentType,
			ContentInBase64: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &sendRequest{
		SenderAddress: senderAddress,
		Content:       content,
		Recipients: emailRecipients{
			To:  to,
			Cc:  cc,
			Bcc: bcc,
		},
		Attachments: attachments,
	}
}

func toAddresses(addrs []email.Address) []acsAddress {
	if len(addrs) == 0 {
		return nil
	}
	out := make([]acsAddress, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, acsAddress{
			Address:     a.Address,
			DisplayName: a.DisplayName,
		})
	}
	return out
}
