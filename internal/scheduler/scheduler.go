// Package scheduler drives the periodic jobs of the monitoring core: metric
// collection, anomaly detection, heartbeat probing, service checks, the app
// heartbeat, and maintenance. Jobs fan out into a bounded worker pool with
// per-(job,host) single-flight; an overrunning job causes its next tick to be
// skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/telemetry"
)

// HostLister provides the current fleet each tick so host changes apply
// without restart.
type HostLister interface {
	ListHosts(ctx context.Context) ([]models.Host, error)
}

// HostJobFunc runs one job for one host.
type HostJobFunc func(ctx context.Context, host *models.Host) error

// GlobalJobFunc runs one fleet-independent job.
type GlobalJobFunc func(ctx context.Context) error

// JobClass describes one recurring job.
type JobClass struct {
	Name    string
	Period  time.Duration
	Timeout time.Duration

	// Exactly one of the two is set.
	PerHost HostJobFunc
	Global  GlobalJobFunc
}

// Scheduler owns the tick loops and the worker pool.
type Scheduler struct {
	hosts   HostLister
	jobs    []JobClass
	workers *semaphore.Weighted

	mu       sync.Mutex
	inFlight map[string]bool

	wg sync.WaitGroup
}

// New builds a scheduler with the given worker pool size.
func New(hosts HostLister, poolSize int) *Scheduler {
	if poolSize < 1 {
		poolSize = 8
	}
	return &Scheduler{
		hosts:    hosts,
		workers:  semaphore.NewWeighted(int64(poolSize)),
		inFlight: make(map[string]bool),
	}
}

// Register adds a job class. Not safe after Run starts.
func (s *Scheduler) Register(job JobClass) {
	if job.Period <= 0 {
		log.Panic().Str("job", job.Name).Msg("Job period must be positive")
	}
	s.jobs = append(s.jobs, job)
}

// Run starts one ticker per job class and blocks until ctx is cancelled,
// then drains outstanding workers with a bounded deadline.
func (s *Scheduler) Run(ctx context.Context) {
	for i := range s.jobs {
		job := s.jobs[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.tickLoop(ctx, job)
		}()
	}
	<-ctx.Done()
	log.Info().Msg("Scheduler stopping, draining workers")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Scheduler drained")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Scheduler drain deadline exceeded, abandoning workers")
	}
}

func (s *Scheduler) tickLoop(ctx context.Context, job JobClass) {
	ticker := time.NewTicker(job.Period)
	defer ticker.Stop()

	// First tick fires immediately so a fresh start has data right away.
	s.dispatch(ctx, job)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.dispatch(ctx, job)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, job JobClass) {
	if job.Global != nil {
		s.spawn(ctx, job, job.Name, nil)
		return
	}

	hosts, err := s.hosts.ListHosts(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", job.Name).Msg("Host listing failed, skipping tick")
		return
	}
	for i := range hosts {
		host := hosts[i]
		s.spawn(ctx, job, fmt.Sprintf("%s/%d", job.Name, host.ID), &host)
	}
}

// spawn runs one job instance unless the same (job,host) is still in flight.
func (s *Scheduler) spawn(ctx context.Context, job JobClass, key string, host *models.Host) {
	s.mu.Lock()
	if s.inFlight[key] {
		s.mu.Unlock()
		telemetry.JobSkips.WithLabelValues(job.Name).Inc()
		log.Debug().Str("job", key).Msg("Previous run still in flight, skipping tick")
		return
	}
	s.inFlight[key] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inFlight, key)
			s.mu.Unlock()
		}()

		if err := s.workers.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.workers.Release(1)
		telemetry.WorkersBusy.Inc()
		defer telemetry.WorkersBusy.Dec()

		jobCtx := ctx
		var cancel context.CancelFunc
		if job.Timeout > 0 {
			jobCtx, cancel = context.WithTimeout(ctx, job.Timeout)
			defer cancel()
		}

		start := time.Now()
		var err error
		if host != nil {
			err = job.PerHost(jobCtx, host)
		} else {
			err = job.Global(jobCtx)
		}
		telemetry.ObserveJob(job.Name, start, err)

		if err != nil {
			// Job errors are confined to this (job,host); the next tick
			// retries.
			log.Warn().Err(err).Str("job", key).Dur("elapsed", time.Since(start)).
				Msg("Job run failed")
		}
	}()
}
