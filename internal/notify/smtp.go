package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

const defaultSendTimeout = time.Minute

// ErrNotConfigured is returned when no SMTP host or sender is set.
var ErrNotConfigured = errors.New("email not configured")

// SMTPConfig holds SMTP configuration
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// SMTPSender sends plain text mail through an SMTP relay.
type SMTPSender struct {
	config SMTPConfig
	server string
	auth   smtp.Auth
	send   func(ctx context.Context, from string, to []string, msg []byte) error
}

// NewSMTPSender creates a new sender
func NewSMTPSender(config SMTPConfig) *SMTPSender {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	s := &SMTPSender{
		config: config,
		server: net.JoinHostPort(config.Host, config.Port),
		auth:   auth,
	}
	s.send = s.deliver
	return s
}

// IsConfigured returns true if email is configured
func (s *SMTPSender) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Send delivers msg. The whole exchange with the relay is bounded by ctx.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(msg.To) == 0 {
		return errors.New("no recipients")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	raw := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(msg.To, ", "),
		from,
		sanitizeHeader(msg.Subject),
		strings.ReplaceAll(msg.Body, "\n", "\r\n"),
	))

	if err := s.send(ctx, s.config.From, msg.To, raw); err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "send mail")
		}
		return errors.Wrap(err, "send mail")
	}
	return nil
}

// deliver is smtp.SendMail over a connection whose deadline follows ctx, so a
// hung relay cannot outlive the caller.
func (s *SMTPSender) deliver(ctx context.Context, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.server)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()
	// Cancelling ctx unblocks any pending read or write. Without a ctx deadline
	// the exchange still gets a bound of its own.
	if _, ok := ctx.Deadline(); !ok {
		_ = conn.SetDeadline(time.Now().Add(defaultSendTimeout))
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	c, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return errors.Wrap(err, "greeting")
	}
	defer c.Close()
	if err := c.Hello("localhost"); err != nil {
		return errors.Wrap(err, "hello")
	}
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.config.Host}); err != nil {
			return errors.Wrap(err, "starttls")
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(s.auth); err != nil {
				return errors.Wrap(err, "auth")
			}
		}
	}
	if err := c.Mail(from); err != nil {
		return errors.Wrap(err, "mail from")
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return errors.Wrapf(err, "rcpt %s", rcpt)
		}
	}
	w, err := c.Data()
	if err != nil {
		return errors.Wrap(err, "data")
	}
	if _, err := w.Write(msg); err != nil {
		return errors.Wrap(err, "write body")
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "end data")
	}
	return c.Quit()
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
