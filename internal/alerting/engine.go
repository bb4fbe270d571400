// Package alerting evaluates operator thresholds against fresh samples,
// tracks hysteresis state, and delivers email notifications for metric,
// connection, and service channels.
package alerting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/store"
)

const bytesPerMB = 1024 * 1024

// Broadcaster pushes alert records to live dashboard clients.
type Broadcaster interface {
	PushAlert(record *models.AlertRecord)
}

// Engine is the alert state machine. Evaluations of the same host are
// serialized by the scheduler's per-host single-flight.
type Engine struct {
	store     *store.Store
	cache     *cache.Cache
	mailer    Mailer
	broadcast Broadcaster

	now func() time.Time
}

// NewEngine builds the alert engine.
func NewEngine(st *store.Store, ca *cache.Cache, mailer Mailer) *Engine {
	return &Engine{store: st, cache: ca, mailer: mailer, now: time.Now}
}

// SetBroadcaster attaches the live push sink for alert records.
func (e *Engine) SetBroadcaster(b Broadcaster) { e.broadcast = b }

// pushAlert forwards a persisted record to the broadcaster when one is set.
func (e *Engine) pushAlert(record *models.AlertRecord) {
	if e.broadcast != nil {
		e.broadcast.PushAlert(record)
	}
}

// alertItem is one entry of a triggered or resolved email.
type alertItem struct {
	alertType models.AlertType
	label     string
	value     float64
	threshold float64
}

func (i alertItem) String() string {
	return fmt.Sprintf("%s: %.1f (threshold %.1f)", i.label, i.value, i.threshold)
}

// OnSample implements collector.SampleSink: every fresh sample is evaluated.
func (e *Engine) OnSample(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig, sample *models.Sample) {
	if err := e.EvaluateAndSend(ctx, host, sample); err != nil {
		log.Error().Err(err).Str("host", host.Name).Msg("Alert evaluation failed")
	}
}

// EvaluateAndSend runs the metric-channel evaluation for one sample:
// hysteresis against the cached alert state, one email per non-empty list,
// one AlertRecord per item.
func (e *Engine) EvaluateAndSend(ctx context.Context, host *models.Host, sample *models.Sample) error {
	// Reload the config so threshold updates apply immediately.
	cfg, err := e.store.GetConfig(ctx, host.ID)
	if err != nil {
		return err
	}
	if !cfg.Enabled || cfg.Suspended || cfg.AlertsSuppressed {
		return nil
	}

	prev, _ := e.cache.AlertState(ctx, host.ID)
	next := prev.Clone()

	var triggered, resolved []alertItem

	evalChannel := func(alertType models.AlertType, label string, value, threshold float64, wasAbove bool) bool {
		above := value >= threshold
		switch {
		case above && !wasAbove:
			triggered = append(triggered, alertItem{alertType, label, value, threshold})
		case !above && wasAbove:
			resolved = append(resolved, alertItem{alertType, label, value, threshold})
		}
		return above
	}

	next.CPU = evalChannel(models.AlertCPU, "CPU", sample.CPUPercent, cfg.CPUThreshold, prev.CPU)
	next.Memory = evalChannel(models.AlertMemory, "Memory", sample.MemoryPercent, cfg.MemoryThreshold, prev.Memory)

	// Disk is tracked per mountpoint, restricted to the monitored set.
	for _, mount := range cfg.MonitoredDisks {
		du, ok := sample.DiskUsage[mount]
		if !ok {
			continue
		}
		next.Disk[mount] = evalChannel(models.AlertDisk, "Disk "+mount, du.Percent, cfg.DiskThreshold, prev.Disk[mount])
	}

	diskIOMBs := (sample.DiskIOReadBps + sample.DiskIOWriteBps) / bytesPerMB
	next.DiskIO = evalChannel(models.AlertDiskIO, "Disk I/O MB/s", diskIOMBs, cfg.DiskIOThresholdMBs, prev.DiskIO)

	netIOMBs := (sample.NetIOSentBps + sample.NetIORecvBps) / bytesPerMB
	next.NetworkIO = evalChannel(models.AlertNetworkIO, "Network I/O MB/s", netIOMBs, cfg.NetIOThresholdMBs, prev.NetworkIO)

	now := e.now().UTC()
	if len(triggered) > 0 {
		e.deliver(ctx, host, cfg, models.AlertTriggered, triggered, now)
	}
	if len(resolved) > 0 {
		e.deliver(ctx, host, cfg, models.AlertResolved, resolved, now)
	}

	e.cache.SetAlertState(ctx, host.ID, next)
	return nil
}

// deliver sends one email for the list and writes one AlertRecord per item.
// Send failures are logged to history but never abort the loop.
func (e *Engine) deliver(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig, status models.AlertStatus, items []alertItem, now time.Time) {
	subject, body := composeEmail(host.Name, status, items)

	sendErr := e.mailer.Send(ctx, cfg.AlertRecipients, subject, body)
	if sendErr != nil {
		log.Error().Err(sendErr).Str("host", host.Name).Str("status", string(status)).
			Msg("Alert email delivery failed")
	}

	for _, item := range items {
		record := &models.AlertRecord{
			HostID:     host.ID,
			Type:       item.alertType,
			Status:     status,
			Value:      item.value,
			Threshold:  item.threshold,
			Message:    item.String(),
			Recipients: cfg.AlertRecipients,
			SentAt:     now,
		}
		if sendErr != nil {
			record.Message += " (delivery failed: " + sendErr.Error() + ")"
		}
		if status == models.AlertResolved {
			ts := now
			record.ResolvedAt = &ts
			if err := e.store.ResolveTriggeredAlerts(ctx, host.ID, item.alertType, now); err != nil {
				log.Warn().Err(err).Str("host", host.Name).Msg("Failed to close triggered alert records")
			}
		}
		if err := e.store.InsertAlertRecord(ctx, record); err != nil {
			log.Error().Err(err).Str("host", host.Name).Msg("Failed to persist alert record")
		}
		e.pushAlert(record)
	}
}

func composeEmail(hostName string, status models.AlertStatus, items []alertItem) (subject, body string) {
	var b strings.Builder
	if status == models.AlertTriggered {
		subject = fmt.Sprintf("[vigil] ALERT on %s: %d metric(s) over threshold", hostName, len(items))
		fmt.Fprintf(&b, "The following metrics on %s crossed their thresholds:\n\n", hostName)
	} else {
		subject = fmt.Sprintf("[vigil] RESOLVED on %s: %d metric(s) back to normal", hostName, len(items))
		fmt.Fprintf(&b, "The following metrics on %s returned below their thresholds:\n\n", hostName)
	}
	for _, item := range items {
		fmt.Fprintf(&b, "  - %s\n", item)
	}
	return subject, b.String()
}
