package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
)

// HandleConnectionChange processes one SSH probe outcome. Edge-triggered: an
// email and AlertRecord are produced only when reachability flips, at most
// one offline event per episode. A recent suspend/resume action opens a
// 60-second quiet window during which nothing fires.
func (e *Engine) HandleConnectionChange(ctx context.Context, host *models.Host, online bool) {
	prev, known := e.cache.ConnectionState(ctx, host.ID)
	e.cache.SetConnectionState(ctx, host.ID, online)

	if known && prev == online {
		return
	}
	if !known && online {
		// First observation of a healthy host is not a transition.
		return
	}

	cfg, err := e.store.GetConfig(ctx, host.ID)
	if err != nil {
		log.Warn().Err(err).Str("host", host.Name).Msg("Connection alert config load failed")
		return
	}
	if !cfg.Enabled || cfg.Suspended || cfg.AlertsSuppressed {
		return
	}
	if e.cache.InQuietWindow(ctx, host.ID) {
		log.Debug().Str("host", host.Name).Msg("Connection transition during quiet window, suppressed")
		return
	}

	now := e.now().UTC()
	status := models.AlertTriggered
	subject := fmt.Sprintf("[vigil] CONNECTION offline: %s", host.Name)
	body := fmt.Sprintf("Host %s (%s) stopped responding to SSH probes.\n", host.Name, host.Address)
	if online {
		status = models.AlertResolved
		subject = fmt.Sprintf("[vigil] CONNECTION online: %s", host.Name)
		body = fmt.Sprintf("Host %s (%s) is responding to SSH probes again.\n", host.Name, host.Address)
	}

	if err := e.mailer.Send(ctx, cfg.AlertRecipients, subject, body); err != nil {
		log.Error().Err(err).Str("host", host.Name).Msg("Connection alert email failed")
	}

	record := &models.AlertRecord{
		HostID:     host.ID,
		Type:       models.AlertConnection,
		Status:     status,
		Message:    subject,
		Recipients: cfg.AlertRecipients,
		SentAt:     now,
	}
	if online {
		ts := now
		record.ResolvedAt = &ts
		if err := e.store.ResolveTriggeredAlerts(ctx, host.ID, models.AlertConnection, now); err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Failed to close connection alert records")
		}
	}
	if err := e.store.InsertAlertRecord(ctx, record); err != nil {
		log.Error().Err(err).Str("host", host.Name).Msg("Failed to persist connection alert record")
	}
	e.pushAlert(record)
}
