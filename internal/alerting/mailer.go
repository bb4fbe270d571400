package alerting

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/verrors"
)

// Mailer delivers alert emails. Implementations must be safe for concurrent
// use.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// SMTPMailer speaks SMTP with the port-specific connection discipline:
// 465 implicit TLS, 587 mandatory STARTTLS, 25 plain with AUTH only when the
// server advertises it.
type SMTPMailer struct {
	mu  sync.RWMutex
	cfg config.SMTPConfig

	// minInterval rate-limits outbound mail; zero disables the limit.
	minInterval time.Duration
	lastSend    time.Time
}

// NewSMTPMailer builds a mailer from the deployment config.
func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, minInterval: time.Second}
}

// UpdateConfig swaps the SMTP settings, e.g. after a config reload.
func (m *SMTPMailer) UpdateConfig(cfg config.SMTPConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Send delivers one message. Failures are classified into SMTP error kinds
// and must never abort the caller's evaluation loop.
func (m *SMTPMailer) Send(ctx context.Context, to []string, subject, body string) error {
	m.mu.Lock()
	cfg := m.cfg
	if m.minInterval > 0 {
		if wait := m.minInterval - time.Since(m.lastSend); wait > 0 {
			m.mu.Unlock()
			select {
			case <-ctx.Done():
				return verrors.New(verrors.KindSendFailed, "smtp_send", "", ctx.Err())
			case <-time.After(wait):
			}
			m.mu.Lock()
		}
		m.lastSend = time.Now()
	}
	m.mu.Unlock()

	if cfg.Host == "" {
		return verrors.New(verrors.KindSendFailed, "smtp_send", "", errors.New("smtp not configured"))
	}
	if len(to) == 0 {
		return verrors.New(verrors.KindSendFailed, "smtp_send", "", errors.New("no recipients"))
	}

	deadline := time.Now().Add(30 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	client, err := m.connect(cfg, deadline)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := m.authenticate(client, cfg); err != nil {
		return err
	}

	msg := buildMessage(cfg.From, to, subject, body)
	if err := client.Mail(cfg.From); err != nil {
		return verrors.New(verrors.KindSendFailed, "smtp_mail", "", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return verrors.New(verrors.KindSendFailed, "smtp_rcpt", "", err)
		}
	}
	w, err := client.Data()
	if err != nil {
		return verrors.New(verrors.KindSendFailed, "smtp_data", "", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return verrors.New(verrors.KindSendFailed, "smtp_write", "", err)
	}
	if err := w.Close(); err != nil {
		return verrors.New(verrors.KindSendFailed, "smtp_write", "", err)
	}
	if err := client.Quit(); err != nil {
		log.Debug().Err(err).Msg("SMTP quit failed after successful send")
	}
	log.Info().Strs("to", to).Str("subject", subject).Msg("Alert email sent")
	return nil
}

func (m *SMTPMailer) connect(cfg config.SMTPConfig, deadline time.Time) (*smtp.Client, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	dialer := net.Dialer{Deadline: deadline}

	switch cfg.Port {
	case 465:
		conn, err := tls.DialWithDialer(&dialer, "tcp", addr, &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return nil, verrors.New(verrors.KindTLSError, "smtp_connect", "", err)
		}
		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, verrors.New(verrors.KindConnectFailed, "smtp_connect", "", err)
		}
		return client, nil

	default:
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			return nil, verrors.New(verrors.KindConnectFailed, "smtp_connect", "", err)
		}
		conn.SetDeadline(deadline)
		client, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			conn.Close()
			return nil, verrors.New(verrors.KindConnectFailed, "smtp_connect", "", err)
		}
		if cfg.Port == 587 {
			// STARTTLS is mandatory on the submission port.
			if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
				client.Close()
				return nil, verrors.New(verrors.KindTLSError, "smtp_starttls", "", err)
			}
		}
		return client, nil
	}
}

func (m *SMTPMailer) authenticate(client *smtp.Client, cfg config.SMTPConfig) error {
	if cfg.Username == "" || cfg.Password == "" {
		return nil
	}
	if ok, _ := client.Extension("AUTH"); !ok {
		if cfg.Port == 25 {
			// Port 25 relays commonly accept mail without AUTH; fall back
			// silently rather than failing the send.
			return nil
		}
		return verrors.New(verrors.KindAuthFailed, "smtp_auth", "", errors.New("server does not advertise AUTH"))
	}
	auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	if err := client.Auth(auth); err != nil {
		return verrors.New(verrors.KindAuthFailed, "smtp_auth", "", err)
	}
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
	return []byte(b.String())
}
