// Package email delivers one-time passcodes.
//
// [Service] sends through SMTP with STARTTLS and authentication. [LogSender]
// only logs, for development and tests.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"
)

// Sender delivers a plain text message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Config holds SMTP configuration.
type Config struct {
	Host     string `json:"host" yaml:"host"`
	Port     string `json:"port,omitempty" yaml:"port,omitempty"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	From     string `json:"from" yaml:"from"`
}

// Enabled returns true if SMTP is configured with at least a host.
func (c *Config) Enabled() bool {
	return c.Host != ""
}

// Validate checks that required fields are set and applies defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("smtp: host is required")
	}
	if c.Username == "" {
		return errors.New("smtp: username is required")
	}
	if c.Password == "" {
		return errors.New("smtp: password is required")
	}
	if c.From == "" {
		return errors.New("smtp: from is required")
	}
	if c.Port == "" {
		c.Port = "587"
	}
	return nil
}

// Service sends mail through an SMTP relay.
type Service struct {
	Config Config
}

// Send implements Sender.
func (s *Service) Send(ctx context.Context, to, subject, body string) error {
	addr := net.JoinHostPort(s.Config.Host, s.Config.Port)

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	client, err := smtp.NewClient(conn, s.Config.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp client: %w", err)
	}
	defer func() {
		if err := client.Quit(); err != nil {
			slog.WarnContext(ctx, "SMTP quit failed", "err", err)
		}
	}()

	tlsConfig := &tls.Config{
		ServerName: s.Config.Host,
		MinVersion: tls.VersionTLS12,
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starttls: %w", err)
	}
	auth := smtp.PlainAuth("", s.Config.Username, s.Config.Password, s.Config.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := client.Mail(s.Config.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to %s: %w", to, err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write([]byte(buildMessage(s.Config.From, to, subject, body))); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close: %w", err)
	}

	slog.InfoContext(ctx, "Email sent", "to", to, "subject", subject)
	return nil
}

func buildMessage(from, to, subject, body string) string {
	var sb strings.Builder
	sb.WriteString("From: ")
	sb.WriteString(from)
	sb.WriteString("\r\n")
	sb.WriteString("To: ")
	sb.WriteString(to)
	sb.WriteString("\r\n")
	sb.WriteString("Subject: ")
	sb.WriteString(subject)
	sb.WriteString("\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(body)
	return sb.String()
}

// Message is one message handed to a LogSender.
type Message struct {
	To, Subject, Body string
}

// LogSender logs messages instead of sending them and remembers them.
type LogSender struct {
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	mu   sync.Mutex
	sent []Message
}

// Send implements Sender.
func (l *LogSender) Send(ctx context.Context, to, subject, body string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Email not sent (no SMTP)", "to", to, "subject", subject, "body", body)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, Message{To: to, Subject: subject, Body: body})
	return nil
}

// Sent returns the messages passed to Send so far.
func (l *LogSender) Sent() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Message(nil), l.sent...)
}

// OTPEmail returns the subject and body carrying a passcode for purpose.
func OTPEmail(purpose, code string) (subject, body string) {
	switch purpose {
	case "verify-email":
		subject = "Verify your email address"
		body = "Your verification code is " + code + ".\r\n\r\nEnter it to confirm your email address."
	case "login":
		subject = "Your sign-in code"
		body = "Your sign-in code is " + code + ".\r\n\r\nIf you did not try to sign in, you can ignore this message."
	default:
		subject = "Your one-time code"
		body = "Your code for " + purpose + " is " + code + "."
	}
	body += "\r\n"
	return subject, body
}
