package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// smtpSender is swappable in tests; the default is net/smtp.SendMail.
type smtpSender func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// EmailSink delivers escalations over SMTP.
type EmailSink struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string
	send     smtpSender
}

// NewEmailSink builds an SMTP sink. The to argument accepts a
// comma-separated recipient list.
func NewEmailSink(host string, port int, username, password, from, to string) *EmailSink {
	recipients := make([]string, 0, 2)
	for _, addr := range strings.Split(to, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			recipients = append(recipients, addr)
		}
	}
	return &EmailSink{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       recipients,
		send:     smtp.SendMail,
	}
}

// Name identifies the channel in logs and metrics.
func (e *EmailSink) Name() string { return "email" }

// Send delivers the message with the severity tagged into the subject.
func (e *EmailSink) Send(ctx context.Context, msg Message) error {
	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(string(msg.Severity)), msg.Subject)
	body := buildEmailBody(e.from, e.to, subject, msg)

	// net/smtp has no context support; run the dial in a goroutine so the
	// per-channel timeout still applies.
	done := make(chan error, 1)
	go func() {
		var auth smtp.Auth
		if e.username != "" {
			auth = smtp.PlainAuth("", e.username, e.password, e.host)
		}
		done <- e.send(fmt.Sprintf("%s:%d", e.host, e.port), auth, e.from, e.to, body)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildEmailBody(from string, to []string, subject string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", msg.Timestamp.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "Target: %s\r\nSeverity: %s\r\n\r\n%s\r\n", msg.Target, msg.Severity, msg.Body)
	return []byte(b.String())
}
