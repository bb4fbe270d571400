// Package heartbeat tracks host liveness via the SSH pull probe and the
// optional agent push path, and computes the tri-state host status with the
// adaptive grace period.
package heartbeat

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/sshexec"
	"github.com/vigilops/vigil/internal/store"
)

// appDownAfter is how stale the app heartbeat may be before the monitoring
// app itself is considered to have been down.
const appDownAfter = 5 * time.Minute

// ConnectionObserver is notified of SSH probe outcomes (the alert engine).
type ConnectionObserver interface {
	HandleConnectionChange(ctx context.Context, host *models.Host, online bool)
}

// Manager owns liveness bookkeeping.
type Manager struct {
	store    *store.Store
	cache    *cache.Cache
	exec     *sshexec.Executor
	observer ConnectionObserver

	heartbeatFile string
	probeTimeout  time.Duration
	baseGrace     time.Duration
	adaptiveGrace time.Duration

	now func() time.Time
}

// Options configure the manager; zero durations select the defaults.
type Options struct {
	HeartbeatFile string
	ProbeTimeout  time.Duration
	BaseGrace     time.Duration
	AdaptiveGrace time.Duration
}

// NewManager builds the heartbeat manager.
func NewManager(st *store.Store, ca *cache.Cache, ex *sshexec.Executor, observer ConnectionObserver, opts Options) *Manager {
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.BaseGrace <= 0 {
		opts.BaseGrace = 60 * time.Second
	}
	if opts.AdaptiveGrace <= 0 {
		opts.AdaptiveGrace = 600 * time.Second
	}
	return &Manager{
		store:         st,
		cache:         ca,
		exec:          ex,
		observer:      observer,
		heartbeatFile: opts.HeartbeatFile,
		probeTimeout:  opts.ProbeTimeout,
		baseGrace:     opts.BaseGrace,
		adaptiveGrace: opts.AdaptiveGrace,
		now:           time.Now,
	}
}

// ProbeHost runs one short SSH probe. Success refreshes the heartbeat;
// either outcome feeds the edge-triggered connection alerts.
func (m *Manager) ProbeHost(ctx context.Context, host *models.Host) error {
	err := m.exec.Ping(ctx, host, m.probeTimeout)
	online := err == nil
	if online {
		if uerr := m.store.UpsertHeartbeat(ctx, host.ID, m.now().UTC(), ""); uerr != nil {
			log.Warn().Err(uerr).Str("host", host.Name).Msg("Heartbeat upsert failed")
		}
	} else {
		log.Debug().Err(err).Str("host", host.Name).Msg("Heartbeat probe failed")
	}
	if m.observer != nil {
		m.observer.HandleConnectionChange(ctx, host, online)
	}
	return err
}

// RecordPush handles an agent heartbeat POST. Idempotent for equal
// timestamps.
func (m *Manager) RecordPush(ctx context.Context, hostID int64, agentVersion string) error {
	return m.store.UpsertHeartbeat(ctx, hostID, m.now().UTC(), agentVersion)
}

// WriteAppHeartbeat records that the monitoring app is alive, in the cache
// and in a persistent file that survives cache restarts.
func (m *Manager) WriteAppHeartbeat(ctx context.Context) {
	now := m.now().UTC()
	m.cache.SetAppHeartbeat(ctx, now)
	if m.heartbeatFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(m.heartbeatFile), 0o755); err != nil {
		log.Warn().Err(err).Msg("App heartbeat directory create failed")
		return
	}
	data := strconv.FormatInt(now.Unix(), 10) + "\n"
	if err := os.WriteFile(m.heartbeatFile, []byte(data), 0o644); err != nil {
		log.Warn().Err(err).Str("path", m.heartbeatFile).Msg("App heartbeat file write failed")
	}
}

// appHeartbeat reads the app liveness timestamp, cache first, file fallback.
func (m *Manager) appHeartbeat(ctx context.Context) (time.Time, bool) {
	if ts, ok := m.cache.AppHeartbeat(ctx); ok {
		return ts, true
	}
	if m.heartbeatFile == "" {
		return time.Time{}, false
	}
	blob, err := os.ReadFile(m.heartbeatFile)
	if err != nil {
		return time.Time{}, false
	}
	unix, err := strconv.ParseInt(string(blob[:len(blob)-1]), 10, 64)
	if err != nil {
		// Tolerate a missing trailing newline.
		unix, err = strconv.ParseInt(string(blob), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
	}
	return time.Unix(unix, 0).UTC(), true
}

// graceThreshold picks the heartbeat staleness threshold. When the app
// heartbeat is missing or stale the monitoring app itself was down, so hosts
// get the adaptive grace instead of being declared offline en masse.
func (m *Manager) graceThreshold(ctx context.Context, now time.Time) time.Duration {
	appTS, ok := m.appHeartbeat(ctx)
	if !ok || now.Sub(appTS) >= appDownAfter {
		return m.adaptiveGrace
	}
	return m.baseGrace
}

// Status computes the tri-state host status.
func (m *Manager) Status(ctx context.Context, host *models.Host) (models.HostStatus, error) {
	cfg, err := m.store.GetConfig(ctx, host.ID)
	if err != nil {
		return models.StatusOffline, err
	}
	if cfg.Suspended {
		return models.StatusOffline, nil
	}

	now := m.now().UTC()
	threshold := m.graceThreshold(ctx, now)

	hb, err := m.store.HeartbeatFor(ctx, host.ID)
	if err != nil {
		return models.StatusOffline, err
	}
	// Staleness equal to the threshold is still online; strictly beyond is
	// offline.
	if hb == nil || now.Sub(hb.LastHeartbeat) > threshold {
		return models.StatusOffline, nil
	}

	unresolved, err := m.store.UnresolvedCount(ctx, host.ID)
	if err != nil {
		return models.StatusOffline, err
	}
	if unresolved > 0 {
		return models.StatusWarning, nil
	}
	triggered, err := m.store.HasTriggeredAlerts(ctx, host.ID)
	if err != nil {
		return models.StatusOffline, err
	}
	if triggered {
		return models.StatusWarning, nil
	}
	return models.StatusOnline, nil
}
