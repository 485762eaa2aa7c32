// ABOUTME: SMTP email delivery using go-mail, driven by the send_email background job.
// ABOUTME: Dial-per-send; a failed send surfaces as a job error and is retried with backoff.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// SmtpConfig holds SMTP connection parameters sourced from env vars.
type SmtpConfig struct {
	Host     string
	Port     int
	From     string
	FromName string
	Username string
	Password string
	TLS      bool
}

// Configured reports whether an SMTP host has been set.
func (c SmtpConfig) Configured() bool { return c.Host != "" && c.From != "" }

// Email is one outgoing message. At least one of Plain and HTML must be set.
type Email struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Plain     string `json:"plain"`
	HTML      string `json:"html"`
}

// Validate checks the fields EmailSend needs before any network traffic.
func (e Email) Validate() error {
	var errs []error
	if strings.TrimSpace(e.Recipient) == "" {
		errs = append(errs, errors.New("recipient is required"))
	}
	if e.Plain == "" && e.HTML == "" {
		errs = append(errs, errors.New("plain or html body is required"))
	}
	return errors.Join(errs...)
}

// EmailSend delivers e. Uses DialAndSend (dial-per-send), no persistent
// SMTP connection.
func EmailSend(ctx context.Context, cfg SmtpConfig, e Email) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	if !cfg.Configured() {
		return errors.New("email send: smtp not configured")
	}

	// Strip CR/LF from subject to prevent header injection.
	subject := strings.NewReplacer("\r", "", "\n", "").Replace(e.Subject)

	m := mail.NewMsg()
	fromName := cfg.FromName
	if fromName == "" {
		fromName = "Couchers.org"
	}
	if err := m.FromFormat(fromName, cfg.From); err != nil {
		return fmt.Errorf("email send: set from: %w", err)
	}
	if err := m.To(e.Recipient); err != nil {
		return fmt.Errorf("email send: set to: %w", err)
	}
	m.Subject(subject)
	switch {
	case e.Plain != "" && e.HTML != "":
		m.SetBodyString(mail.TypeTextPlain, e.Plain)
		m.AddAlternativeString(mail.TypeTextHTML, e.HTML)
	case e.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, e.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, e.Plain)
	}

	opts := []mail.Option{
		mail.WithPort(cfg.Port),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	if cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email send: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email send: %w", err)
	}
	return nil
}
