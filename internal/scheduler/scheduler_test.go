package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/models"
)

type staticLister struct {
	hosts []models.Host
	err   error
}

func (l *staticLister) ListHosts(ctx context.Context) ([]models.Host, error) {
	return l.hosts, l.err
}

func runScheduler(t *testing.T, s *Scheduler) (cancel func(), wait func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	return stop, func() {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("scheduler did not drain")
		}
	}
}

func TestGlobalJobRunsImmediately(t *testing.T) {
	s := New(&staticLister{}, 4)

	ran := make(chan struct{}, 8)
	s.Register(JobClass{
		Name:   "global-test",
		Period: time.Hour, // only the immediate first dispatch matters here
		Global: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})

	cancel, wait := runScheduler(t, s)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("global job never ran")
	}
	cancel()
	wait()
}

func TestPerHostJobFansOut(t *testing.T) {
	lister := &staticLister{hosts: []models.Host{
		{ID: 1, Name: "a"},
		{ID: 2, Name: "b"},
		{ID: 3, Name: "c"},
	}}
	s := New(lister, 4)

	var mu sync.Mutex
	seen := map[int64]int{}
	all := make(chan struct{}, 1)
	s.Register(JobClass{
		Name:   "fanout-test",
		Period: time.Hour,
		PerHost: func(ctx context.Context, host *models.Host) error {
			mu.Lock()
			seen[host.ID]++
			if len(seen) == 3 {
				select {
				case all <- struct{}{}:
				default:
				}
			}
			mu.Unlock()
			return nil
		},
	})

	cancel, wait := runScheduler(t, s)
	select {
	case <-all:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not reach every host")
	}
	cancel()
	wait()

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, 1, seen[id], "host %d", id)
	}
}

func TestOverrunSkipsTickInsteadOfQueueing(t *testing.T) {
	lister := &staticLister{hosts: []models.Host{{ID: 1, Name: "slow"}}}
	s := New(lister, 4)

	var starts atomic.Int32
	release := make(chan struct{})
	s.Register(JobClass{
		Name:   "overrun-test",
		Period: 20 * time.Millisecond,
		PerHost: func(ctx context.Context, host *models.Host) error {
			starts.Add(1)
			<-release
			return nil
		},
	})

	cancel, wait := runScheduler(t, s)

	// Several periods elapse while the first run is still blocked. Ticks for
	// the same (job,host) must be dropped, not queued.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())

	cancel()
	close(release)
	wait()
	assert.Equal(t, int32(1), starts.Load())
}

func TestJobTimeoutCancelsContext(t *testing.T) {
	s := New(&staticLister{}, 4)

	expired := make(chan error, 1)
	s.Register(JobClass{
		Name:    "timeout-test",
		Period:  time.Hour,
		Timeout: 20 * time.Millisecond,
		Global: func(ctx context.Context) error {
			<-ctx.Done()
			expired <- ctx.Err()
			return ctx.Err()
		},
	})

	cancel, wait := runScheduler(t, s)
	select {
	case err := <-expired:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("job context never expired")
	}
	cancel()
	wait()
}

func TestListerFailureSkipsTick(t *testing.T) {
	lister := &staticLister{err: errors.New("db gone")}
	s := New(lister, 4)

	var starts atomic.Int32
	s.Register(JobClass{
		Name:   "lister-fail-test",
		Period: 20 * time.Millisecond,
		PerHost: func(ctx context.Context, host *models.Host) error {
			starts.Add(1)
			return nil
		},
	})

	cancel, wait := runScheduler(t, s)
	time.Sleep(100 * time.Millisecond)
	cancel()
	wait()
	assert.Equal(t, int32(0), starts.Load())
}

func TestDrainWaitsForRunningJobs(t *testing.T) {
	s := New(&staticLister{}, 4)

	var finished atomic.Bool
	started := make(chan struct{})
	s.Register(JobClass{
		Name:   "drain-test",
		Period: time.Hour,
		Global: func(ctx context.Context) error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	})

	cancel, wait := runScheduler(t, s)
	<-started
	cancel()
	wait()
	assert.True(t, finished.Load(), "Run returned before the job finished")
}

func TestRegisterRejectsNonPositivePeriod(t *testing.T) {
	s := New(&staticLister{}, 4)
	require.Panics(t, func() {
		s.Register(JobClass{Name: "bad", Period: 0, Global: func(ctx context.Context) error { return nil }})
	})
}
