package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/cache"
	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/store"
)

type fakeMailer struct {
	mu       sync.Mutex
	sent     []sentMail
	sendErr  error
}

type sentMail struct {
	to      []string
	subject string
	body    string
}

func (f *fakeMailer) Send(ctx context.Context, to []string, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMail{to: to, subject: subject, body: body})
	return f.sendErr
}

func (f *fakeMailer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeMailer) last() sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func engineFixture(t *testing.T) (*Engine, *store.Store, *fakeMailer, *models.Host) {
	t.Helper()
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mr := miniredis.RunT(t)
	ca := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { ca.Close() })

	host := &models.Host{Name: "alert-host", Address: "10.0.0.1", SSHPort: 22, SSHUser: "root"}
	cfg := &models.MonitoringConfig{
		Enabled:         true,
		CPUThreshold:    80,
		MemoryThreshold: 80,
		DiskThreshold:   90,
		MonitoredDisks:  []string{"/"},
		AlertRecipients: []string{"ops@example.com"},
	}
	require.NoError(t, st.CreateHost(context.Background(), host, cfg))

	mailer := &fakeMailer{}
	return NewEngine(st, ca, mailer), st, mailer, host
}

func cpuSample(hostID int64, cpu float64) *models.Sample {
	return &models.Sample{
		HostID:        hostID,
		Timestamp:     time.Now().UTC(),
		CPUPercent:    cpu,
		MemoryPercent: 50,
		DiskUsage:     map[string]models.DiskUsage{"/": {Percent: 40}},
	}
}

func TestHysteresisOneEmailPerEpisode(t *testing.T) {
	e, st, mailer, host := engineFixture(t)
	ctx := context.Background()

	// Baseline below, spike above, stay above, drop back below.
	for _, cpu := range []float64{40, 42, 45} {
		require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, cpu)))
	}
	assert.Equal(t, 0, mailer.count())

	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 92)))
	require.Equal(t, 1, mailer.count())
	assert.Contains(t, mailer.last().subject, "ALERT")

	// Still above: no duplicate alert.
	for _, cpu := range []float64{94, 93} {
		require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, cpu)))
	}
	assert.Equal(t, 1, mailer.count())

	// Back below: exactly one resolution email.
	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 50)))
	require.Equal(t, 2, mailer.count())
	assert.Contains(t, mailer.last().subject, "RESOLVED")

	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 48)))
	assert.Equal(t, 2, mailer.count())

	// History has the triggered record closed out.
	history, err := st.AlertHistory(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	triggered, err := st.HasTriggeredAlerts(ctx, host.ID)
	require.NoError(t, err)
	assert.False(t, triggered)
}

func TestThresholdIsInclusive(t *testing.T) {
	e, _, mailer, host := engineFixture(t)
	ctx := context.Background()

	// Exactly at the threshold counts as above.
	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 80)))
	assert.Equal(t, 1, mailer.count())
}

func TestDiskAlertsPerMountpoint(t *testing.T) {
	e, st, mailer, host := engineFixture(t)
	ctx := context.Background()

	cfg, err := st.GetConfig(ctx, host.ID)
	require.NoError(t, err)
	cfg.MonitoredDisks = []string{"/", "/data"}
	require.NoError(t, st.SaveConfig(ctx, cfg))

	sample := cpuSample(host.ID, 40)
	sample.DiskUsage = map[string]models.DiskUsage{
		"/":     {Percent: 95},
		"/data": {Percent: 40},
		"/tmp":  {Percent: 99}, // not monitored, must not alert
	}
	require.NoError(t, e.EvaluateAndSend(ctx, host, sample))
	require.Equal(t, 1, mailer.count())
	assert.Contains(t, mailer.last().body, "Disk /")
	assert.NotContains(t, mailer.last().body, "/tmp")

	// Second mount crossing later fires independently.
	sample2 := cpuSample(host.ID, 40)
	sample2.DiskUsage = map[string]models.DiskUsage{
		"/":     {Percent: 95},
		"/data": {Percent: 92},
	}
	require.NoError(t, e.EvaluateAndSend(ctx, host, sample2))
	require.Equal(t, 2, mailer.count())
	assert.Contains(t, mailer.last().body, "Disk /data")
}

func TestSuppressionGates(t *testing.T) {
	e, st, mailer, host := engineFixture(t)
	ctx := context.Background()

	cfg, err := st.GetConfig(ctx, host.ID)
	require.NoError(t, err)
	cfg.AlertsSuppressed = true
	require.NoError(t, st.SaveConfig(ctx, cfg))

	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 99)))
	assert.Equal(t, 0, mailer.count())

	cfg.AlertsSuppressed = false
	cfg.Suspended = true
	require.NoError(t, st.SaveConfig(ctx, cfg))
	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 99)))
	assert.Equal(t, 0, mailer.count())
}

func TestDeliveryFailureStillRecordsHistory(t *testing.T) {
	e, st, mailer, host := engineFixture(t)
	mailer.sendErr = errors.New("smtp down")
	ctx := context.Background()

	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 95)))

	history, err := st.AlertHistory(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Message, "delivery failed")
}

func TestConnectionAlertsEdgeTriggered(t *testing.T) {
	e, st, mailer, host := engineFixture(t)
	ctx := context.Background()

	// First observation online: no transition, no alert.
	e.HandleConnectionChange(ctx, host, true)
	assert.Equal(t, 0, mailer.count())

	// Going offline fires once per episode.
	e.HandleConnectionChange(ctx, host, false)
	require.Equal(t, 1, mailer.count())
	assert.Contains(t, mailer.last().subject, "offline")

	e.HandleConnectionChange(ctx, host, false)
	assert.Equal(t, 1, mailer.count())

	// Recovery fires a resolution.
	e.HandleConnectionChange(ctx, host, true)
	require.Equal(t, 2, mailer.count())
	assert.Contains(t, mailer.last().subject, "online")

	history, err := st.AlertHistory(ctx, host.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConnectionQuietWindowSuppresses(t *testing.T) {
	e, _, mailer, host := engineFixture(t)
	ctx := context.Background()

	e.HandleConnectionChange(ctx, host, true)
	e.cache.MarkResumeEpoch(ctx, host.ID, time.Now())

	e.HandleConnectionChange(ctx, host, false)
	assert.Equal(t, 0, mailer.count(), "transitions inside the quiet window stay silent")
}

func TestServiceAlertAfterConsecutiveFailures(t *testing.T) {
	e, _, mailer, host := engineFixture(t)
	ctx := context.Background()
	svc := &models.Service{HostID: host.ID, Name: "nginx", Status: models.ServiceStopped}

	// First stopped check: below the consecutive threshold.
	e.HandleServiceStatus(ctx, host, svc)
	assert.Equal(t, 0, mailer.count())

	// Second consecutive: alert fires, once.
	e.HandleServiceStatus(ctx, host, svc)
	require.Equal(t, 1, mailer.count())
	assert.Contains(t, mailer.last().subject, "SERVICE down")

	e.HandleServiceStatus(ctx, host, svc)
	assert.Equal(t, 1, mailer.count())

	// Recovery closes the episode.
	svc.Status = models.ServiceRunning
	e.HandleServiceStatus(ctx, host, svc)
	require.Equal(t, 2, mailer.count())
	assert.Contains(t, mailer.last().subject, "recovered")

	// Recovering again with no open episode is silent.
	e.HandleServiceStatus(ctx, host, svc)
	assert.Equal(t, 2, mailer.count())
}

func TestServiceFailedStateAlertsImmediately(t *testing.T) {
	e, _, mailer, host := engineFixture(t)
	ctx := context.Background()

	svc := &models.Service{HostID: host.ID, Name: "postgres", Status: models.ServiceFailed}
	e.HandleServiceStatus(ctx, host, svc)
	assert.Equal(t, 1, mailer.count(), "systemd failed bypasses the consecutive threshold")
}

func TestHysteresisWithoutCacheBackend(t *testing.T) {
	st, err := store.Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	host := &models.Host{Name: "no-redis", Address: "10.0.0.2", SSHPort: 22, SSHUser: "root"}
	cfg := &models.MonitoringConfig{
		Enabled:         true,
		CPUThreshold:    80,
		MemoryThreshold: 80,
		DiskThreshold:   90,
		MonitoredDisks:  []string{"/"},
		AlertRecipients: []string{"ops@example.com"},
	}
	require.NoError(t, st.CreateHost(context.Background(), host, cfg))

	mailer := &fakeMailer{}
	e := NewEngine(st, cache.NewFromClient(nil), mailer)
	ctx := context.Background()

	over := func(cpu float64) *models.Sample {
		s := cpuSample(host.ID, cpu)
		s.DiskUsage = map[string]models.DiskUsage{"/": {Percent: 92}}
		return s
	}
	for _, cpu := range []float64{92, 93, 94} {
		require.NoError(t, e.EvaluateAndSend(ctx, host, over(cpu)))
	}
	assert.Equal(t, 1, mailer.count(), "one email for the whole episode, Redis or not")

	history, err := st.AlertHistory(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 2, "one triggered record per channel, not per sample")
	for _, rec := range history {
		assert.Equal(t, models.AlertTriggered, rec.Status)
	}

	// Back below on every channel: a single resolution email.
	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 40)))
	assert.Equal(t, 2, mailer.count())
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	records []*models.AlertRecord
}

func (f *fakeBroadcaster) PushAlert(r *models.AlertRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, r)
}

func (f *fakeBroadcaster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestAlertRecordsReachBroadcaster(t *testing.T) {
	e, _, _, host := engineFixture(t)
	fb := &fakeBroadcaster{}
	e.SetBroadcaster(fb)
	ctx := context.Background()

	require.NoError(t, e.EvaluateAndSend(ctx, host, cpuSample(host.ID, 95)))
	require.Equal(t, 1, fb.count())
	fb.mu.Lock()
	assert.Equal(t, models.AlertCPU, fb.records[0].Type)
	assert.Equal(t, models.AlertTriggered, fb.records[0].Status)
	fb.mu.Unlock()

	// Connection and service channels push too.
	e.HandleConnectionChange(ctx, host, false)
	assert.Equal(t, 2, fb.count())

	svc := &models.Service{HostID: host.ID, Name: "nginx", Status: models.ServiceFailed}
	e.HandleServiceStatus(ctx, host, svc)
	assert.Equal(t, 3, fb.count())
}

func TestComposeEmail(t *testing.T) {
	items := []alertItem{
		{models.AlertCPU, "CPU", 95.2, 80},
		{models.AlertDisk, "Disk /", 91.0, 90},
	}
	subject, body := composeEmail("web-1", models.AlertTriggered, items)
	assert.Contains(t, subject, "web-1")
	assert.Contains(t, subject, "2 metric(s)")
	assert.Contains(t, body, "CPU: 95.2 (threshold 80.0)")
	assert.Contains(t, body, "Disk /: 91.0 (threshold 90.0)")

	subject, _ = composeEmail("web-1", models.AlertResolved, items[:1])
	assert.Contains(t, subject, "RESOLVED")
}
