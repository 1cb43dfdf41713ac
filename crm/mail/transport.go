package mail

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/crmpulse/errors"
)

// ErrTransportUnavailable marks a transport that cannot send anything right now.
// Send wraps it so the job stops instead of failing every email in turn.
var ErrTransportUnavailable = errors.New("mail transport unavailable")

// Message is one outgoing email
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Transport delivers messages
type Transport interface {
	Send(ctx context.Context, msg Message) error
}

// LogTransport writes messages to the log instead of delivering them.
// The daemon uses it when mail.smtp_addr is empty.
type LogTransport struct {
	Logger *zap.SugaredLogger
}

func (t LogTransport) Send(_ context.Context, msg Message) error {
	t.Logger.Infow("Email not delivered (no SMTP server configured)",
		"from", msg.From,
		"to", msg.To,
		"subject", msg.Subject)
	return nil
}

// SMTPTransport delivers through an SMTP relay
type SMTPTransport struct {
	Addr string // host:port
	Auth smtp.Auth

	// dialTimeout bounds the reachability check before each message
	dialTimeout time.Duration
}

// NewSMTPTransport creates a transport for addr, with PLAIN auth when user is set
func NewSMTPTransport(addr, user, password string) *SMTPTransport {
	t := &SMTPTransport{Addr: addr, dialTimeout: 10 * time.Second}
	if user != "" {
		host, _, _ := net.SplitHostPort(addr)
		t.Auth = smtp.PlainAuth("", user, password, host)
	}
	return t
}

// Send delivers msg. A relay that cannot be reached wraps ErrTransportUnavailable;
// a rejected recipient or message is a plain error for that email only.
func (t *SMTPTransport) Send(ctx context.Context, msg Message) error {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Addr)
	if err != nil {
		return errors.Wrapf(errors.Mark(err, ErrTransportUnavailable), "failed to reach SMTP relay %s", t.Addr)
	}
	conn.Close()

	if err := smtp.SendMail(t.Addr, t.Auth, msg.From, []string{msg.To}, formatMessage(msg)); err != nil {
		return errors.Wrapf(err, "failed to send email to %s", msg.To)
	}
	return nil
}

// formatMessage renders a minimal RFC 5322 message
func formatMessage(msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", msg.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.NewReplacer("\r", "", "\n", " ").Replace(msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}
