package alerting

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
)

// consecutiveFailureThreshold is how many failed checks (30 s apart) a
// non-failed outage needs before alerting. systemd "failed" bypasses it.
const consecutiveFailureThreshold = 2

// HandleServiceStatus processes one service check result. One alert per
// failure episode, resolution email on recovery.
func (e *Engine) HandleServiceStatus(ctx context.Context, host *models.Host, svc *models.Service) {
	cfg, err := e.store.GetConfig(ctx, host.ID)
	if err != nil {
		log.Warn().Err(err).Str("host", host.Name).Msg("Service alert config load failed")
		return
	}
	if !cfg.Enabled || cfg.Suspended || cfg.AlertsSuppressed {
		return
	}

	switch svc.Status {
	case models.ServiceRunning:
		e.handleServiceRecovery(ctx, host, cfg, svc)
	case models.ServiceFailed:
		// systemd reported failed: alert immediately.
		e.handleServiceFailure(ctx, host, cfg, svc, true)
	default:
		e.handleServiceFailure(ctx, host, cfg, svc, false)
	}
}

func (e *Engine) handleServiceFailure(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig, svc *models.Service, immediate bool) {
	failures := e.cache.IncrServiceFailure(ctx, host.ID, svc.Name)
	if !immediate && failures < consecutiveFailureThreshold {
		log.Debug().Str("host", host.Name).Str("service", svc.Name).Int("failures", failures).
			Msg("Service check failed, waiting for consecutive confirmation")
		return
	}
	if e.cache.ServiceAlertSent(ctx, host.ID, svc.Name) {
		return
	}

	now := e.now().UTC()
	subject := fmt.Sprintf("[vigil] SERVICE down on %s: %s", host.Name, svc.Name)
	body := fmt.Sprintf("Service %s on host %s is %s.\n", svc.Name, host.Name, svc.Status)

	if err := e.mailer.Send(ctx, cfg.AlertRecipients, subject, body); err != nil {
		log.Error().Err(err).Str("host", host.Name).Str("service", svc.Name).
			Msg("Service alert email failed")
	}
	record := &models.AlertRecord{
		HostID:     host.ID,
		Type:       models.AlertService,
		Status:     models.AlertTriggered,
		Message:    subject,
		Recipients: cfg.AlertRecipients,
		SentAt:     now,
	}
	if err := e.store.InsertAlertRecord(ctx, record); err != nil {
		log.Error().Err(err).Str("host", host.Name).Msg("Failed to persist service alert record")
	}
	e.pushAlert(record)
	e.cache.MarkServiceAlertSent(ctx, host.ID, svc.Name)
}

func (e *Engine) handleServiceRecovery(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig, svc *models.Service) {
	alerted := e.cache.ServiceAlertSent(ctx, host.ID, svc.Name)
	e.cache.ClearServiceFailure(ctx, host.ID, svc.Name)
	if !alerted {
		return
	}
	e.cache.ClearServiceAlertSent(ctx, host.ID, svc.Name)

	now := e.now().UTC()
	subject := fmt.Sprintf("[vigil] SERVICE recovered on %s: %s", host.Name, svc.Name)
	body := fmt.Sprintf("Service %s on host %s is running again.\n", svc.Name, host.Name)

	if err := e.mailer.Send(ctx, cfg.AlertRecipients, subject, body); err != nil {
		log.Error().Err(err).Str("host", host.Name).Str("service", svc.Name).
			Msg("Service recovery email failed")
	}
	ts := now
	record := &models.AlertRecord{
		HostID:     host.ID,
		Type:       models.AlertService,
		Status:     models.AlertResolved,
		Message:    subject,
		Recipients: cfg.AlertRecipients,
		SentAt:     now,
		ResolvedAt: &ts,
	}
	if err := e.store.ResolveTriggeredAlerts(ctx, host.ID, models.AlertService, now); err != nil {
		log.Warn().Err(err).Str("host", host.Name).Msg("Failed to close service alert records")
	}
	if err := e.store.InsertAlertRecord(ctx, record); err != nil {
		log.Error().Err(err).Str("host", host.Name).Msg("Failed to persist service recovery record")
	}
	e.pushAlert(record)
}
