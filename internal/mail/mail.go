// ABOUTME: SMTP delivery using go-mail. Dial-per-send; the bulk-email
// ABOUTME: handler bounds its own concurrency, so no connection pooling here.
package mail

import (
	"context"
	"fmt"
	"strings"

	gomail "github.com/wneessen/go-mail"
)

// Config holds SMTP connection parameters sourced from env config.
type Config struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// Sender sends one email per call. Implements tasks.Mailer.
type Sender struct {
	cfg Config
}

// New creates a Sender.
func New(cfg Config) *Sender {
	return &Sender{cfg: cfg}
}

// Send delivers one HTML email and returns the message id. Transient
// socket and SMTP failures surface as plain errors so the caller's retry
// policy applies.
func (s *Sender) Send(ctx context.Context, to, subject, htmlBody string) (string, error) {
	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	m := gomail.NewMsg()
	if err := m.FromFormat(s.cfg.FromName, s.cfg.From); err != nil {
		return "", fmt.Errorf("mail send: set from: %w", err)
	}
	if err := m.To(to); err != nil {
		return "", fmt.Errorf("mail send: set to: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(gomail.TypeTextHTML, htmlBody)
	m.SetMessageID()

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
	}
	if s.cfg.Username != "" {
		opts = append(opts, gomail.WithSMTPAuth(gomail.SMTPAuthPlain))
		opts = append(opts, gomail.WithUsername(s.cfg.Username))
		opts = append(opts, gomail.WithPassword(s.cfg.Password))
	}
	if s.cfg.TLS {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSMandatory))
	} else {
		opts = append(opts, gomail.WithTLSPortPolicy(gomail.TLSOpportunistic))
	}

	c, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return "", fmt.Errorf("mail send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return "", fmt.Errorf("mail send: %w", err)
	}
	return m.GetMessageID(), nil
}
