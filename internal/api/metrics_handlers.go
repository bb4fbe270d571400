package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// maxChartPoints bounds every downsampled series sent to the dashboard.
const maxChartPoints = 500

// spikeThreshold marks samples the downsampler must never drop.
const spikeThreshold = 80.0

var metricRanges = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

var historyRanges = map[string]time.Duration{
	"1h": time.Hour,
	"7d": 7 * 24 * time.Hour,
	"1m": 30 * 24 * time.Hour,
	"3m": 90 * 24 * time.Hour,
}

func parseRange(req *http.Request, table map[string]time.Duration, def string) (time.Duration, bool) {
	r := req.URL.Query().Get("range")
	if r == "" {
		r = def
	}
	d, ok := table[r]
	return d, ok
}

// liveMetricsEntry is one row of the fleet overview.
type liveMetricsEntry struct {
	Host   models.Host       `json:"host"`
	Status models.HostStatus `json:"status"`
	Sample *models.Sample    `json:"sample"`
}

func (r *Router) handleLiveMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := req.Context()

	hosts, err := r.store.ListHosts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]liveMetricsEntry, 0, len(hosts))
	for i := range hosts {
		host := hosts[i]
		entry := liveMetricsEntry{Host: host, Sample: r.latestSample(ctx, host.ID)}
		status, err := r.heartbeat.Status(ctx, &host)
		if err != nil {
			log.Warn().Err(err).Str("host", host.Name).Msg("Status lookup failed")
			status = models.StatusOffline
		}
		entry.Status = status
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

// latestSample is the cache-through read: cache hit wins, a store hit
// refreshes the cache.
func (r *Router) latestSample(ctx context.Context, hostID int64) *models.Sample {
	if s := r.cache.LatestSample(ctx, hostID); s != nil {
		return s
	}
	s, err := r.store.LatestSample(ctx, hostID)
	if err != nil || s == nil {
		return nil
	}
	r.cache.SetLatestSample(ctx, s)
	return s
}

func (r *Router) handleServerMetrics(w http.ResponseWriter, req *http.Request, host *models.Host) {
	dur, ok := parseRange(req, metricRanges, "24h")
	if !ok {
		badRequest(w, "api.metrics", "unknown range")
		return
	}
	samples, err := r.store.SamplesSince(req.Context(), host.ID, time.Now().UTC().Add(-dur))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, downsample(samples, maxChartPoints))
}

func (r *Router) handleMetricHistory(w http.ResponseWriter, req *http.Request, host *models.Host) {
	dur, ok := parseRange(req, historyRanges, "1h")
	if !ok {
		badRequest(w, "api.metric_history", "unknown range")
		return
	}
	since := time.Now().UTC().Add(-dur)

	samples, err := r.store.SamplesSince(req.Context(), host.ID, since)
	if err != nil {
		writeError(w, err)
		return
	}
	samples = downsample(samples, maxChartPoints)

	anomalies, err := r.store.AnomaliesSince(req.Context(), host.ID, since)
	if err != nil {
		writeError(w, err)
		return
	}

	n := len(samples)
	resp := struct {
		Timestamps []time.Time      `json:"timestamps"`
		CPU        []float64        `json:"cpu"`
		Memory     []float64        `json:"memory"`
		Disk       []float64        `json:"disk"`
		Anomalies  []anomalyOverlay `json:"anomalies"`
	}{
		Timestamps: make([]time.Time, n),
		CPU:        make([]float64, n),
		Memory:     make([]float64, n),
		Disk:       make([]float64, n),
		Anomalies:  make([]anomalyOverlay, 0, len(anomalies)),
	}
	for i := range samples {
		resp.Timestamps[i] = samples[i].Timestamp
		resp.CPU[i] = samples[i].CPUPercent
		resp.Memory[i] = samples[i].MemoryPercent
		resp.Disk[i] = samples[i].MaxDiskPercent()
	}
	for _, a := range anomalies {
		resp.Anomalies = append(resp.Anomalies, anomalyOverlay{
			Timestamp:   a.Timestamp,
			MetricName:  a.MetricName,
			MetricType:  a.MetricType,
			Severity:    a.Severity,
			MetricValue: a.MetricValue,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type anomalyOverlay struct {
	Timestamp   time.Time         `json:"timestamp"`
	MetricName  string            `json:"metric_name"`
	MetricType  models.MetricType `json:"metric_type"`
	Severity    models.Severity   `json:"severity"`
	MetricValue float64           `json:"metric_value"`
}

func (r *Router) handleDiskIO(w http.ResponseWriter, req *http.Request, host *models.Host) {
	samples, err := r.rangedSamples(req, host)
	if err != nil {
		writeError(w, err)
		return
	}
	n := len(samples)
	resp := struct {
		Timestamps []time.Time `json:"timestamps"`
		ReadMBs    []float64   `json:"read_mbs"`
		WriteMBs   []float64   `json:"write_mbs"`
	}{make([]time.Time, n), make([]float64, n), make([]float64, n)}
	for i := range samples {
		resp.Timestamps[i] = samples[i].Timestamp
		resp.ReadMBs[i] = samples[i].DiskIOReadBps / bytesPerMB
		resp.WriteMBs[i] = samples[i].DiskIOWriteBps / bytesPerMB
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleNetworkIO(w http.ResponseWriter, req *http.Request, host *models.Host) {
	samples, err := r.rangedSamples(req, host)
	if err != nil {
		writeError(w, err)
		return
	}
	n := len(samples)
	resp := struct {
		Timestamps []time.Time `json:"timestamps"`
		SentMBs    []float64   `json:"sent_mbs"`
		RecvMBs    []float64   `json:"recv_mbs"`
	}{make([]time.Time, n), make([]float64, n), make([]float64, n)}
	for i := range samples {
		resp.Timestamps[i] = samples[i].Timestamp
		resp.SentMBs[i] = samples[i].NetIOSentBps / bytesPerMB
		resp.RecvMBs[i] = samples[i].NetIORecvBps / bytesPerMB
	}
	writeJSON(w, http.StatusOK, resp)
}

const bytesPerMB = 1024 * 1024

func (r *Router) rangedSamples(req *http.Request, host *models.Host) ([]models.Sample, error) {
	dur, ok := parseRange(req, metricRanges, "24h")
	if !ok {
		return nil, verrors.New(verrors.KindBadRequest, "api.range", "", errUnknownRange)
	}
	samples, err := r.store.SamplesSince(req.Context(), host.ID, time.Now().UTC().Add(-dur))
	if err != nil {
		return nil, err
	}
	return downsample(samples, maxChartPoints), nil
}

var errUnknownRange = errors.New("unknown range")

// downsample reduces a series to at most limit points. The first and last
// points always survive, as do spikes (cpu or memory above 80%); the
// remainder is sampled uniformly to fill the budget.
func downsample(samples []models.Sample, limit int) []models.Sample {
	if len(samples) <= limit {
		return samples
	}

	keep := make(map[int]bool, limit)
	keep[0] = true
	keep[len(samples)-1] = true
	for i, s := range samples {
		if s.CPUPercent > spikeThreshold || s.MemoryPercent > spikeThreshold {
			keep[i] = true
		}
	}

	if budget := limit - len(keep); budget > 0 {
		stride := float64(len(samples)) / float64(budget)
		for f := 0.0; f < float64(len(samples)); f += stride {
			keep[int(f)] = true
		}
	}

	idx := make([]int, 0, len(keep))
	for i := range keep {
		idx = append(idx, i)
	}
	sort.Ints(idx)

	out := make([]models.Sample, 0, len(idx))
	for _, i := range idx {
		out = append(out, samples[i])
	}
	return out
}
