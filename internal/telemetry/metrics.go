// Package telemetry exposes operational metrics about the scheduler and
// collection pipeline on an internal Prometheus endpoint.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "scheduler_job_runs_total",
		Help:      "Completed scheduler job runs by class and outcome.",
	}, []string{"job", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vigil",
		Name:      "scheduler_job_duration_seconds",
		Help:      "Scheduler job durations by class.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"job"})

	JobSkips = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vigil",
		Name:      "scheduler_job_skips_total",
		Help:      "Ticks skipped because the previous run was still in flight.",
	}, []string{"job"})

	WorkersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vigil",
		Name:      "scheduler_workers_busy",
		Help:      "Workers currently executing a job.",
	})
)

// ObserveJob records one finished job run.
func ObserveJob(job string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	JobRuns.WithLabelValues(job, outcome).Inc()
	JobDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// Serve starts the internal metrics listener. Errors are logged, not fatal.
func Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info().Str("addr", addr).Msg("Metrics server listening")
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Msg("Metrics server stopped")
		}
	}()
}
