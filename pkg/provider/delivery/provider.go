// Package delivery defines the Provider interface for report delivery
// backends.
//
// The delivery stage renders a meeting's report according to the meeting's
// delivery recipe and hands it to a provider, typically email. Implementations
// must be safe for concurrent use and should classify errors (see
// internal/fault) so the worker can decide between retry and dead-letter.
package delivery

import "context"

// Attachment is a file attached to a delivered message.
type Attachment struct {
	// Filename is the name presented to the recipient.
	Filename string

	// ContentType is the MIME type of Data.
	ContentType string

	// Data is the attachment payload.
	Data []byte
}

// Message is one outbound delivery.
type Message struct {
	// To lists the recipient addresses. Must be non-empty.
	To []string

	// Subject is the message subject line.
	Subject string

	// TextBody is the plain-text body.
	TextBody string

	// HTMLBody is an optional HTML alternative body.
	HTMLBody string

	// Attachments are optional report renderings attached to the message.
	Attachments []Attachment
}

// Provider is the abstraction over any delivery backend.
type Provider interface {
	// Send delivers msg. A nil return means the provider accepted the
	// message; it does not guarantee final receipt.
	Send(ctx context.Context, msg Message) error

	// Name returns the provider's identifier as used in logs and metrics.
	Name() string
}
