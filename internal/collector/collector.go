// Package collector runs the remote probe against one host and turns its
// output into a normalized sample.
package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/sshexec"
	"github.com/vigilops/vigil/internal/store"
	"github.com/vigilops/vigil/internal/verrors"
)

var (
	errEmptyOutput = errors.New("probe produced no output")
)

func missingError(field string) error { return fmt.Errorf("missing field %s", field) }

func percentError(field string, v float64) error {
	return fmt.Errorf("field %s out of range: %v", field, v)
}

func counterError(iface string) error {
	return fmt.Errorf("negative counters for interface %s", iface)
}

const remoteProbePath = "/tmp/vigil-probe.py"

// SampleSink receives every freshly collected sample. The alert engine and
// the live websocket hub subscribe through this.
type SampleSink interface {
	OnSample(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig, sample *models.Sample)
}

// Collector drives per-host probe runs.
type Collector struct {
	store    *store.Store
	cache    *cache.Cache
	exec     *sshexec.Executor
	timeout  time.Duration
	sinks    []SampleSink

	now func() time.Time
}

// New builds a collector. probeTimeout bounds one remote probe run.
func New(st *store.Store, ca *cache.Cache, ex *sshexec.Executor, probeTimeout time.Duration) *Collector {
	if probeTimeout <= 0 {
		probeTimeout = 90 * time.Second
	}
	return &Collector{store: st, cache: ca, exec: ex, timeout: probeTimeout, now: time.Now}
}

// AddSink registers a sample consumer. Not safe to call after collection
// starts.
func (c *Collector) AddSink(sink SampleSink) {
	c.sinks = append(c.sinks, sink)
}

// CollectOnce runs one collection cycle for the host: gate on config, apply
// the adaptive interval, execute the probe, persist and fan out the sample.
func (c *Collector) CollectOnce(ctx context.Context, host *models.Host) (*models.Sample, error) {
	cfg, err := c.store.GetConfig(ctx, host.ID)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled || cfg.Suspended {
		return nil, verrors.New(verrors.KindSkipped, "collect", host.Name, errors.New("monitoring disabled or suspended"))
	}

	now := c.now().UTC()
	interval := time.Duration(cfg.CollectionIntervalSecs) * time.Second
	if cfg.AdaptiveCollection {
		if hot, err := c.hasRecentAnomaly(ctx, host.ID, now); err == nil && hot {
			interval = time.Duration(cfg.AnomalyIntervalSecs) * time.Second
		}
	}
	if latest := c.latestSample(ctx, host.ID); latest != nil {
		if age := now.Sub(latest.Timestamp); age < interval {
			log.Debug().
				Str("host", host.Name).
				Dur("age", age).
				Dur("interval", interval).
				Msg("Last sample still fresh, skipping collection")
			return nil, verrors.New(verrors.KindSkipped, "collect", host.Name, errors.New("interval not elapsed"))
		}
	}

	sample, err := c.runProbe(ctx, host)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		// Cancelled mid-flight: discard partial results, write nothing.
		return nil, verrors.New(verrors.KindTimeout, "collect", host.Name, err)
	}

	if err := c.store.InsertSample(ctx, sample); err != nil {
		return nil, err
	}
	c.cache.SetLatestSample(ctx, sample)

	for _, sink := range c.sinks {
		sink.OnSample(ctx, host, cfg, sample)
	}

	log.Debug().
		Str("host", host.Name).
		Float64("cpu", sample.CPUPercent).
		Float64("memory", sample.MemoryPercent).
		Msg("Sample collected")
	return sample, nil
}

func (c *Collector) runProbe(ctx context.Context, host *models.Host) (*models.Sample, error) {
	if err := c.exec.PutFile(ctx, host, remoteProbePath, []byte(probeScript), 0o755); err != nil {
		return nil, err
	}

	res, err := c.exec.Exec(ctx, host, "python3 "+remoteProbePath, c.timeout)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		if strings.Contains(stderr, "psutil missing") {
			return nil, verrors.New(verrors.KindDependencyMissing, "run_probe", host.Name, errors.New(stderr))
		}
		return nil, verrors.New(verrors.KindRemoteExecFailed, "run_probe", host.Name,
			fmt.Errorf("exit %d: %s", res.ExitCode, stderr))
	}

	return parseProbeOutput(host.ID, res.Stdout, c.now())
}

// latestSample is cache-through: the cached copy is good enough for the
// freshness check, the store is authoritative.
func (c *Collector) latestSample(ctx context.Context, hostID int64) *models.Sample {
	if s := c.cache.LatestSample(ctx, hostID); s != nil {
		return s
	}
	s, err := c.store.LatestSample(ctx, hostID)
	if err != nil {
		log.Warn().Err(err).Int64("host_id", hostID).Msg("Latest sample lookup failed")
		return nil
	}
	return s
}

func (c *Collector) hasRecentAnomaly(ctx context.Context, hostID int64, now time.Time) (bool, error) {
	anomalies, err := c.store.AnomaliesSince(ctx, hostID, now.Add(-time.Hour))
	if err != nil {
		return false, err
	}
	for _, a := range anomalies {
		if !a.Resolved {
			return true, nil
		}
	}
	return false, nil
}
