package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// InsertSample appends a sample. Per-host timestamps are kept non-decreasing:
// a sample older than the newest stored one is clamped forward.
func (s *Store) InsertSample(ctx context.Context, sample *models.Sample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	sample.Timestamp = sample.Timestamp.UTC()

	s.lastTSMu.Lock()
	last, ok := s.lastTS[sample.HostID]
	if !ok {
		if latest, err := s.LatestSample(ctx, sample.HostID); err == nil && latest != nil {
			last = latest.Timestamp
		}
	}
	if sample.Timestamp.Before(last) {
		sample.Timestamp = last
	}
	s.lastTS[sample.HostID] = sample.Timestamp
	s.lastTSMu.Unlock()

	diskJSON, err := json.Marshal(sample.DiskUsage)
	if err != nil {
		return verrors.New(verrors.KindStoreError, "insert_sample", "", err)
	}
	netJSON, err := json.Marshal(sample.NetworkIO)
	if err != nil {
		return verrors.New(verrors.KindStoreError, "insert_sample", "", err)
	}
	var procJSON *string
	if len(sample.TopProcesses) > 0 {
		blob, err := json.Marshal(sample.TopProcesses)
		if err != nil {
			return verrors.New(verrors.KindStoreError, "insert_sample", "", err)
		}
		str := string(blob)
		procJSON = &str
	}

	return s.write("insert_sample", func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO samples (host_id, timestamp, cpu_percent, memory_percent, swap_percent,
				disk_usage_json, network_io_json, disk_io_read_bps, disk_io_write_bps,
				net_io_sent_bps, net_io_recv_bps, load_1, load_5, load_15,
				network_connections, uptime_seconds, top_processes_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sample.HostID, sample.Timestamp, sample.CPUPercent, sample.MemoryPercent, sample.SwapPercent,
			string(diskJSON), string(netJSON), sample.DiskIOReadBps, sample.DiskIOWriteBps,
			sample.NetIOSentBps, sample.NetIORecvBps, sample.Load1, sample.Load5, sample.Load15,
			sample.NetConnections, sample.UptimeSeconds, procJSON)
		if err != nil {
			return err
		}
		sample.ID, err = res.LastInsertId()
		return err
	})
}

const sampleColumns = `id, host_id, timestamp, cpu_percent, memory_percent, swap_percent,
	disk_usage_json, network_io_json, disk_io_read_bps, disk_io_write_bps,
	net_io_sent_bps, net_io_recv_bps, load_1, load_5, load_15,
	network_connections, uptime_seconds, top_processes_json`

// RecentSamples returns the newest n samples ordered by timestamp ascending.
func (s *Store) RecentSamples(ctx context.Context, hostID int64, n int) ([]models.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT `+sampleColumns+` FROM samples WHERE host_id = ? ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`, hostID, n)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "recent_samples", "", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// SamplesSince returns samples at or after t ordered by timestamp ascending.
func (s *Store) SamplesSince(ctx context.Context, hostID int64, t time.Time) ([]models.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM samples WHERE host_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		hostID, t.UTC())
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "samples_since", "", err)
	}
	defer rows.Close()
	return scanSamples(rows)
}

// LatestSample returns the newest sample for the host, or nil when none exist.
func (s *Store) LatestSample(ctx context.Context, hostID int64) (*models.Sample, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sampleColumns+` FROM samples WHERE host_id = ? ORDER BY timestamp DESC LIMIT 1`, hostID)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "latest_sample", "", err)
	}
	defer rows.Close()
	samples, err := scanSamples(rows)
	if err != nil || len(samples) == 0 {
		return nil, err
	}
	return &samples[0], nil
}

func scanSamples(rows *sql.Rows) ([]models.Sample, error) {
	var out []models.Sample
	for rows.Next() {
		var (
			sm                          models.Sample
			diskJSON, netJSON           string
			procJSON                    sql.NullString
		)
		if err := rows.Scan(&sm.ID, &sm.HostID, &sm.Timestamp, &sm.CPUPercent, &sm.MemoryPercent, &sm.SwapPercent,
			&diskJSON, &netJSON, &sm.DiskIOReadBps, &sm.DiskIOWriteBps,
			&sm.NetIOSentBps, &sm.NetIORecvBps, &sm.Load1, &sm.Load5, &sm.Load15,
			&sm.NetConnections, &sm.UptimeSeconds, &procJSON); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "scan_sample", "", err)
		}
		if err := json.Unmarshal([]byte(diskJSON), &sm.DiskUsage); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "scan_sample", "", err)
		}
		if err := json.Unmarshal([]byte(netJSON), &sm.NetworkIO); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "scan_sample", "", err)
		}
		if procJSON.Valid && procJSON.String != "" {
			if err := json.Unmarshal([]byte(procJSON.String), &sm.TopProcesses); err != nil {
				return nil, verrors.New(verrors.KindStoreError, "scan_sample", "", err)
			}
		}
		sm.Timestamp = sm.Timestamp.UTC()
		out = append(out, sm)
	}
	return out, rows.Err()
}
