package notify

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

// Email sends plain-text mail through an SMTP relay.
type Email struct {
	host     string
	port     int
	username string
	password string
	from     string
	to       []string

	// sendMail is deliver; replaced in tests.
	sendMail func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail creates an email channel.
func NewEmail(host string, port int, username, password, from string, to []string) *Email {
	e := &Email{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		to:       to,
	}
	e.sendMail = e.deliver
	return e
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, msg Message) error {
	if len(e.to) == 0 {
		return fmt.Errorf("no recipients configured")
	}
	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	addr := net.JoinHostPort(e.host, strconv.Itoa(e.port))
	body := e.compose(msg)

	if err := e.sendMail(ctx, addr, auth, e.from, e.to, body); err != nil {
		return fmt.Errorf("smtp %s: %w", addr, err)
	}
	return nil
}

// deliver is smtp.SendMail over a connection bound to ctx. When ctx ends the
// socket is closed, which fails any pending read or write.
func (e *Email) deliver(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) (err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer func() {
		if err != nil && ctx.Err() != nil {
			err = errors.Join(ctx.Err(), err)
		}
	}()

	c, err := smtp.NewClient(conn, e.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: e.host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(auth); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (e *Email) compose(msg Message) []byte {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(e.to, ", "))
	fmt.Fprintf(&b, "Subject: [qmoi-heal][%s] %s\r\n", strings.ToUpper(string(msg.Severity)), sanitizeHeader(msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", ts.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	for k, v := range msg.Fields {
		fmt.Fprintf(&b, "\r\n%s: %s", k, v)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
