package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestHost(t *testing.T, s *Store, name string) *models.Host {
	t.Helper()
	host := &models.Host{Name: name, Address: "10.0.0.1", SSHPort: 22, SSHUser: "root"}
	require.NoError(t, s.CreateHost(context.Background(), host, &models.MonitoringConfig{Enabled: true}))
	require.NotZero(t, host.ID)
	return host
}

func testSample(hostID int64, ts time.Time, cpu float64) *models.Sample {
	return &models.Sample{
		HostID:        hostID,
		Timestamp:     ts,
		CPUPercent:    cpu,
		MemoryPercent: 50,
		DiskUsage: map[string]models.DiskUsage{
			"/": {TotalBytes: 100, UsedBytes: 40, FreeBytes: 60, Percent: 40},
		},
		NetworkIO: map[string]models.NetIOCounters{
			"eth0": {BytesSent: 1000, BytesRecv: 2000},
		},
	}
}

func TestCreateHostAndLookup(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	host := createTestHost(t, s, "web-1")

	got, err := s.GetHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, "web-1", got.Name)
	assert.Equal(t, 22, got.SSHPort)

	byName, err := s.GetHostByName(ctx, "web-1")
	require.NoError(t, err)
	assert.Equal(t, host.ID, byName.ID)

	_, err = s.GetHost(ctx, 9999)
	assert.True(t, verrors.IsKind(err, verrors.KindNotFound))

	// Config was created atomically alongside the host, with defaults applied.
	cfg, err := s.GetConfig(ctx, host.ID)
	require.NoError(t, err)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 30, cfg.CollectionIntervalSecs)
	assert.Contains(t, cfg.MonitoredDisks, "/")
}

func TestCreateHostDuplicateName(t *testing.T) {
	s := openTestStore(t)
	createTestHost(t, s, "dup")

	host := &models.Host{Name: "dup", Address: "10.0.0.2", SSHPort: 22, SSHUser: "root"}
	err := s.CreateHost(context.Background(), host, &models.MonitoringConfig{Enabled: true})
	assert.Error(t, err)
}

func TestDeleteHostCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "doomed")

	require.NoError(t, s.InsertSample(ctx, testSample(host.ID, time.Now().UTC(), 10)))
	require.NoError(t, s.UpsertHeartbeat(ctx, host.ID, time.Now().UTC(), ""))

	require.NoError(t, s.DeleteHost(ctx, host.ID))

	_, err := s.GetHost(ctx, host.ID)
	assert.True(t, verrors.IsKind(err, verrors.KindNotFound))
	latest, err := s.LatestSample(ctx, host.ID)
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestSaveConfigNormalizes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "cfg")

	cfg, err := s.GetConfig(ctx, host.ID)
	require.NoError(t, err)
	cfg.CollectionIntervalSecs = 1
	cfg.CPUThreshold = 150
	cfg.MonitoredDisks = []string{"/data"}
	require.NoError(t, s.SaveConfig(ctx, cfg))

	got, err := s.GetConfig(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, got.CollectionIntervalSecs, "interval floors at 5s")
	assert.Equal(t, 100.0, got.CPUThreshold, "percent thresholds clamp to 100")
	assert.Equal(t, []string{"/", "/data"}, got.MonitoredDisks, "root mount is always monitored")
}

func TestInsertSampleMonotonicClamp(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "clock-skew")

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertSample(ctx, testSample(host.ID, base, 10)))

	// A sample that claims to be older than the newest stored one gets
	// clamped forward, never inserted out of order.
	stale := testSample(host.ID, base.Add(-time.Minute), 20)
	require.NoError(t, s.InsertSample(ctx, stale))
	assert.Equal(t, base, stale.Timestamp)

	samples, err := s.RecentSamples(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, samples, 2)
	assert.False(t, samples[1].Timestamp.Before(samples[0].Timestamp))
}

func TestRecentSamplesOrderAndLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "series")

	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertSample(ctx, testSample(host.ID, base.Add(time.Duration(i)*time.Minute), float64(i))))
	}

	samples, err := s.RecentSamples(ctx, host.ID, 3)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	// Newest 3, ascending.
	assert.Equal(t, 2.0, samples[0].CPUPercent)
	assert.Equal(t, 4.0, samples[2].CPUPercent)

	latest, err := s.LatestSample(ctx, host.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 4.0, latest.CPUPercent)
	assert.Equal(t, 40.0, latest.DiskUsage["/"].Percent)
	assert.Equal(t, uint64(1000), latest.NetworkIO["eth0"].BytesSent)
}

func TestAnomalyLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "anomalous")
	now := time.Now().UTC()

	a := &models.Anomaly{
		HostID:      host.ID,
		Timestamp:   now,
		MetricType:  models.MetricCPU,
		MetricName:  "cpu_percent",
		MetricValue: 95,
		Severity:    models.SeverityHigh,
	}
	require.NoError(t, s.InsertAnomaly(ctx, a))
	require.NotEmpty(t, a.ID)

	count, err := s.UnresolvedCount(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	dup, err := s.HasRecentUnresolved(ctx, host.ID, models.MetricCPU, "cpu_percent", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.True(t, dup)
	dup, err = s.HasRecentUnresolved(ctx, host.ID, models.MetricMemory, "memory_percent", now.Add(-10*time.Minute))
	require.NoError(t, err)
	assert.False(t, dup)

	require.NoError(t, s.ResolveAnomaly(ctx, a.ID, now))
	// Idempotent second resolve.
	require.NoError(t, s.ResolveAnomaly(ctx, a.ID, now))

	err = s.ResolveAnomaly(ctx, "no-such-id", now)
	assert.True(t, verrors.IsKind(err, verrors.KindNotFound))

	count, err = s.UnresolvedCount(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestBulkResolveCountsOnlyFlipped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "bulk")
	now := time.Now().UTC()

	var ids []string
	for i := 0; i < 3; i++ {
		a := &models.Anomaly{
			HostID: host.ID, Timestamp: now,
			MetricType: models.MetricCPU, MetricName: "cpu_percent",
			Severity: models.SeverityLow,
		}
		require.NoError(t, s.InsertAnomaly(ctx, a))
		ids = append(ids, a.ID)
	}
	require.NoError(t, s.ResolveAnomaly(ctx, ids[0], now))

	resolved, err := s.BulkResolve(ctx, append(ids, "missing"), now)
	require.NoError(t, err)
	assert.Equal(t, 2, resolved, "already-resolved and unknown ids do not count")
}

func TestHeartbeatNeverMovesBackwards(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "hb")

	later := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertHeartbeat(ctx, host.ID, later, "1.2.0"))
	require.NoError(t, s.UpsertHeartbeat(ctx, host.ID, later.Add(-time.Hour), ""))

	hb, err := s.HeartbeatFor(ctx, host.ID)
	require.NoError(t, err)
	require.NotNil(t, hb)
	assert.True(t, later.Equal(hb.LastHeartbeat), "got %v", hb.LastHeartbeat)

	none, err := s.HeartbeatFor(ctx, 9999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestServiceMonitoringSurvivesRescan(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "svc")
	now := time.Now().UTC()

	svc := &models.Service{HostID: host.ID, Name: "nginx", Status: models.ServiceRunning, ServiceType: "systemd", LastChecked: now}
	require.NoError(t, s.UpsertService(ctx, svc))
	require.NoError(t, s.SetServiceMonitoring(ctx, host.ID, "nginx", true))

	// Rediscovery updates status but keeps the operator's monitoring choice.
	svc2 := &models.Service{HostID: host.ID, Name: "nginx", Status: models.ServiceFailed, ServiceType: "systemd", LastChecked: now}
	require.NoError(t, s.UpsertService(ctx, svc2))

	monitored, err := s.MonitoredServices(ctx, host.ID)
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, models.ServiceFailed, monitored[0].Status)
	assert.True(t, monitored[0].MonitoringEnabled)
}

func TestAlertRecordsAndResolution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "alerts")
	now := time.Now().UTC()

	rec := &models.AlertRecord{
		HostID: host.ID, Type: models.AlertCPU, Status: models.AlertTriggered,
		Value: 95, Threshold: 80, Message: "CPU: 95.0 (threshold 80.0)",
		Recipients: []string{"ops@example.com"}, SentAt: now,
	}
	require.NoError(t, s.InsertAlertRecord(ctx, rec))
	require.NotEmpty(t, rec.ID)

	triggered, err := s.HasTriggeredAlerts(ctx, host.ID)
	require.NoError(t, err)
	assert.True(t, triggered)

	require.NoError(t, s.ResolveTriggeredAlerts(ctx, host.ID, models.AlertCPU, now.Add(time.Minute)))
	triggered, err = s.HasTriggeredAlerts(ctx, host.ID)
	require.NoError(t, err)
	assert.False(t, triggered)

	history, err := s.AlertHistory(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.AlertCPU, history[0].Type)
	assert.Equal(t, []string{"ops@example.com"}, history[0].Recipients)
}

func TestAggregateSamplesComputesDiskMax(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "rollup")

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i, disk := range []float64{55, 91, 62} {
		sample := testSample(host.ID, base.Add(time.Duration(i)*10*time.Minute), float64(10*i))
		sample.DiskUsage = map[string]models.DiskUsage{
			"/":     {Percent: disk},
			"/data": {Percent: 30},
		}
		require.NoError(t, s.InsertSample(ctx, sample))
	}
	// The next hour gets its own bucket.
	require.NoError(t, s.InsertSample(ctx, testSample(host.ID, base.Add(90*time.Minute), 80)))

	require.NoError(t, s.AggregateSamples(ctx, base.Add(2*time.Hour)))

	rows, err := s.db.Query(
		`SELECT cpu_avg, disk_max, samples FROM sample_rollups WHERE host_id = ? ORDER BY bucket`, host.ID)
	require.NoError(t, err)
	defer rows.Close()

	type rollupRow struct {
		cpuAvg  float64
		diskMax float64
		count   int
	}
	var got []rollupRow
	for rows.Next() {
		var r rollupRow
		require.NoError(t, rows.Scan(&r.cpuAvg, &r.diskMax, &r.count))
		got = append(got, r)
	}
	require.NoError(t, rows.Err())
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].count)
	assert.InDelta(t, 10.0, got[0].cpuAvg, 0.001)
	assert.Equal(t, 91.0, got[0].diskMax, "worst mountpoint across the bucket")
	assert.Equal(t, 1, got[1].count)
	assert.Equal(t, 40.0, got[1].diskMax)

	// Re-running over the same span upserts rather than duplicating.
	require.NoError(t, s.AggregateSamples(ctx, base.Add(2*time.Hour)))
	var n int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(1) FROM sample_rollups WHERE host_id = ?`, host.ID).Scan(&n))
	assert.Equal(t, 2, n)
}

func TestCleanupHostHonorsCutoff(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	host := createTestHost(t, s, "retention")

	old := time.Now().UTC().Add(-40 * 24 * time.Hour)
	recent := time.Now().UTC()
	require.NoError(t, s.InsertSample(ctx, testSample(host.ID, old, 1)))
	require.NoError(t, s.InsertSample(ctx, testSample(host.ID, recent, 2)))

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	require.NoError(t, s.CleanupHost(ctx, host.ID, cutoff))

	samples, err := s.RecentSamples(ctx, host.ID, 10)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, 2.0, samples[0].CPUPercent)
}
