// Package smtp provides a delivery provider backed by an SMTP server, using
// github.com/wneessen/go-mail.
package smtp

import (
	"bytes"
	"context"
	"fmt"

	"github.com/wneessen/go-mail"

	"github.com/MrWong99/parley/internal/fault"
	"github.com/MrWong99/parley/pkg/provider/delivery"
)

// Config holds SMTP connection settings.
type Config struct {
	// Host is the SMTP server hostname. Required.
	Host string

	// Port is the SMTP port. Default: 587 (submission with STARTTLS).
	Port int

	// Username and Password enable SMTP PLAIN auth when both are set.
	Username string
	Password string

	// From is the sender address on every message. Required.
	From string
}

// Provider implements delivery.Provider over SMTP.
type Provider struct {
	client *mail.Client
	from   string
}

var _ delivery.Provider = (*Provider)(nil)

// New validates cfg and connects the SMTP client. The connection itself is
// lazy; a bad host surfaces on the first Send.
func New(cfg Config) (*Provider, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("smtp delivery: host is required")
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("smtp delivery: from address is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("smtp delivery: create client: %w", err)
	}
	return &Provider{client: client, from: cfg.From}, nil
}

// Send implements delivery.Provider.
func (p *Provider) Send(ctx context.Context, msg delivery.Message) error {
	if len(msg.To) == 0 {
		return fault.New(fault.ClassPermanent, "no_recipients", "delivery message has no recipients")
	}

	m := mail.NewMsg()
	if err := m.From(p.from); err != nil {
		return fault.Wrap(fault.ClassPermanent, "invalid_sender", err)
	}
	if err := m.To(msg.To...); err != nil {
		return fault.Wrap(fault.ClassPermanent, "invalid_recipient", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.TextBody)
	if msg.HTMLBody != "" {
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTMLBody)
	}
	for _, att := range msg.Attachments {
		m.AttachReader(att.Filename, bytes.NewReader(att.Data))
	}

	if err := p.client.DialAndSendWithContext(ctx, m); err != nil {
		// SMTP rejections are usually server-side and temporary (greylisting,
		// rate limits); retrying is the right default.
		return fault.Wrap(fault.ClassTransient, "smtp_send", err)
	}
	return nil
}

// Name implements delivery.Provider.
func (p *Provider) Name() string { return "smtp" }
