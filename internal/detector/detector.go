// Package detector runs the anomaly detection pipeline over a host's recent
// samples: threshold, persistence, level-shift, volatility-shift, and a
// cross-metric correlation engine.
package detector

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/store"
)

const (
	// minSamples is the floor below which no detection runs.
	minSamples = 10

	// dedupeWindow suppresses a duplicate anomaly for the same metric.
	dedupeWindow = 10 * time.Minute

	defaultThresholdFactor   = 2.0
	defaultPersistenceSigmas = 3.0
	defaultLevelShiftSigmas  = 3.0
	defaultVolatilityRatio   = 4.0
	defaultCorrelationFactor = 2.0
)

// Options tune the pipeline. Zero values select the defaults.
type Options struct {
	ThresholdFactor   float64
	PersistenceSigmas float64
	LevelShiftSigmas  float64
	VolatilityRatio   float64
	CorrelationFactor float64
}

func (o *Options) normalize() {
	if o.ThresholdFactor <= 0 {
		o.ThresholdFactor = defaultThresholdFactor
	}
	if o.PersistenceSigmas <= 0 {
		o.PersistenceSigmas = defaultPersistenceSigmas
	}
	if o.LevelShiftSigmas <= 0 {
		o.LevelShiftSigmas = defaultLevelShiftSigmas
	}
	if o.VolatilityRatio <= 0 {
		o.VolatilityRatio = defaultVolatilityRatio
	}
	if o.CorrelationFactor <= 0 {
		o.CorrelationFactor = defaultCorrelationFactor
	}
}

// Detector evaluates recent samples and persists anomalies.
type Detector struct {
	store *store.Store
	cache *cache.Cache
	opts  Options

	now func() time.Time
}

// New builds a detector.
func New(st *store.Store, ca *cache.Cache, opts Options) *Detector {
	opts.normalize()
	return &Detector{store: st, cache: ca, opts: opts, now: time.Now}
}

// metricSpec binds one metric type to its series extractor and operator
// threshold.
type metricSpec struct {
	metricType models.MetricType
	metricName string
	extract    func(*models.Sample) float64
	threshold  func(*models.MonitoringConfig) float64
}

var metricSpecs = []metricSpec{
	{models.MetricCPU, "cpu_percent",
		func(s *models.Sample) float64 { return s.CPUPercent },
		func(c *models.MonitoringConfig) float64 { return c.CPUThreshold }},
	{models.MetricMemory, "memory_percent",
		func(s *models.Sample) float64 { return s.MemoryPercent },
		func(c *models.MonitoringConfig) float64 { return c.MemoryThreshold }},
	{models.MetricDisk, "disk_percent",
		func(s *models.Sample) float64 { return s.MaxDiskPercent() },
		func(c *models.MonitoringConfig) float64 { return c.DiskThreshold }},
	{models.MetricNetwork, "network_mbps",
		func(s *models.Sample) float64 { return (s.NetIOSentBps + s.NetIORecvBps) / (1024 * 1024) },
		func(c *models.MonitoringConfig) float64 { return c.NetIOThresholdMBs }},
}

// Detect runs the pipeline for a host. It reads only samples written before
// the call (snapshot by max known timestamp), evaluates every metric type,
// and persists new anomalies subject to the 10-minute dedupe.
func (d *Detector) Detect(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig) ([]models.Anomaly, error) {
	window := cfg.DetectionWindow
	if window <= 0 {
		window = 30
	}

	// The correlation frame looks further back than the per-metric
	// detectors, so fetch whichever is wider and slice afterwards.
	fetch := window
	if fetch < correlationWindowCap {
		fetch = correlationWindowCap
	}
	samples, err := d.store.RecentSamples(ctx, host.ID, fetch)
	if err != nil {
		return nil, err
	}
	if len(samples) < minSamples {
		return nil, nil
	}

	period := time.Duration(cfg.CollectionIntervalSecs) * time.Second
	corr := correlate(samples, d.opts.CorrelationFactor)
	latest := &samples[len(samples)-1]
	now := d.now().UTC()

	recent := samples
	if len(recent) > window {
		recent = recent[len(recent)-window:]
	}

	var emitted []models.Anomaly
	for _, spec := range metricSpecs {
		series := values(resample(recent, spec.extract, period))
		anomaly := d.evaluateMetric(series, spec, cfg, corr, latest)
		if anomaly == nil {
			continue
		}

		dup, err := d.store.HasRecentUnresolved(ctx, host.ID, spec.metricType, spec.metricName, now.Add(-dedupeWindow))
		if err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Anomaly dedupe lookup failed")
			continue
		}
		if dup {
			continue
		}

		anomaly.HostID = host.ID
		anomaly.SampleID = latest.ID
		anomaly.Timestamp = now
		if err := d.store.InsertAnomaly(ctx, anomaly); err != nil {
			log.Error().Err(err).Str("host", host.Name).Str("metric", spec.metricName).
				Msg("Failed to persist anomaly")
			continue
		}
		d.cache.InvalidateAnomalySummary(ctx, host.ID)
		log.Info().
			Str("host", host.Name).
			Str("metric", spec.metricName).
			Str("severity", string(anomaly.Severity)).
			Float64("value", anomaly.MetricValue).
			Float64("score", anomaly.AnomalyScore).
			Msg("Anomaly detected")
		emitted = append(emitted, *anomaly)
	}
	return emitted, nil
}

// evaluateMetric composes the per-metric verdict from the individual
// detectors, then applies the correlation lift.
func (d *Detector) evaluateMetric(series []float64, spec metricSpec, cfg *models.MonitoringConfig, corr correlationResult, latest *models.Sample) *models.Anomaly {
	if len(series) < minSamples {
		return nil
	}
	w := len(series)
	persistenceWindow := maxInt(5, w/6)
	shiftWindow := maxInt(10, w/3)

	operatorThreshold := spec.threshold(cfg)
	thresholdHit, excess := thresholdFire(series, operatorThreshold, d.opts.ThresholdFactor)
	persistenceHit := persistenceFire(series, persistenceWindow, d.opts.PersistenceSigmas)
	shiftHit := levelShiftFire(series, shiftWindow, d.opts.LevelShiftSigmas)
	volatilityHit := volatilityFire(series, shiftWindow, d.opts.VolatilityRatio)
	corrHit := corr.fired && abs(corr.zScores[string(spec.metricType)]) > 1

	if !thresholdHit && !persistenceHit && !shiftHit && !volatilityHit && !corrHit {
		return nil
	}

	latestValue := series[len(series)-1]
	if !thresholdHit && operatorThreshold > 0 {
		excess = (latestValue - operatorThreshold) / operatorThreshold
		if excess < 0 {
			excess = 0
		}
	}

	severity := severityFromExcess(excess)
	score := clip(excess, 0, 1)
	anomaly := &models.Anomaly{
		MetricType:   spec.metricType,
		MetricName:   spec.metricName,
		MetricValue:  latestValue,
		Severity:     severity,
		AnomalyScore: score,
	}

	if corrHit {
		// Correlation can only raise severity, never lower it.
		anomaly.Severity = models.MaxSeverity(anomaly.Severity, models.SeverityHigh)
		anomaly.Correlation = &models.CorrelationContext{
			Score:   corr.score,
			ZScores: corr.zScores,
			Weights: correlationWeights,
			Window:  corr.window,
		}
		if s := clip(corr.score/5, 0, 1); s > anomaly.AnomalyScore {
			anomaly.AnomalyScore = s
		}
	}
	return anomaly
}

// severityFromExcess maps relative threshold excess to severity.
func severityFromExcess(excess float64) models.Severity {
	switch {
	case excess > 0.5:
		return models.SeverityCritical
	case excess > 0.3:
		return models.SeverityHigh
	case excess > 0.1:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
