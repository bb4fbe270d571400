package alerting

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/verrors"
)

func TestBuildMessage(t *testing.T) {
	msg := string(buildMessage("vigil@example.com", []string{"a@example.com", "b@example.com"},
		"[vigil] ALERT on web-1", "CPU over threshold"))

	assert.Contains(t, msg, "From: vigil@example.com\r\n")
	assert.Contains(t, msg, "To: a@example.com, b@example.com\r\n")
	assert.Contains(t, msg, "Subject: [vigil] ALERT on web-1\r\n")
	assert.Contains(t, msg, "Content-Type: text/plain")

	// Headers and body separated by a blank line, body terminated with CRLF.
	parts := strings.SplitN(msg, "\r\n\r\n", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, "CPU over threshold\r\n", parts[1])
}

func TestSendWithoutConfigurationFails(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{})
	m.minInterval = 0

	err := m.Send(context.Background(), []string{"ops@example.com"}, "subject", "body")
	require.Error(t, err)
	assert.True(t, verrors.IsKind(err, verrors.KindSendFailed), "got %v", err)

	m = NewSMTPMailer(config.SMTPConfig{Host: "smtp.example.com", Port: 587})
	m.minInterval = 0
	err = m.Send(context.Background(), nil, "subject", "body")
	require.Error(t, err)
	assert.True(t, verrors.IsKind(err, verrors.KindSendFailed), "got %v", err)
}

func TestUpdateConfigSwapsSettings(t *testing.T) {
	m := NewSMTPMailer(config.SMTPConfig{Host: "old.example.com"})
	m.UpdateConfig(config.SMTPConfig{Host: "new.example.com", Port: 465})

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Equal(t, "new.example.com", m.cfg.Host)
	assert.Equal(t, 465, m.cfg.Port)
}
