package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// AggregateSamples rolls raw samples older than cutoff into hourly buckets.
// The disk column keeps the worst mountpoint seen in the bucket. Raw rows are
// left in place; CleanupHost removes them once past retention.
func (s *Store) AggregateSamples(ctx context.Context, cutoff time.Time) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT host_id, timestamp, cpu_percent, memory_percent, disk_usage_json
		 FROM samples WHERE timestamp < ?`, cutoff.UTC())
	if err != nil {
		return verrors.New(verrors.KindStoreError, "aggregate_samples", "", err)
	}
	defer rows.Close()

	type bucketKey struct {
		hostID int64
		bucket time.Time
	}
	type rollup struct {
		cpuSum  float64
		memSum  float64
		diskMax float64
		count   int
	}

	buckets := map[bucketKey]*rollup{}
	for rows.Next() {
		var (
			hostID   int64
			ts       time.Time
			cpu, mem float64
			diskJSON string
		)
		if err := rows.Scan(&hostID, &ts, &cpu, &mem, &diskJSON); err != nil {
			return verrors.New(verrors.KindStoreError, "aggregate_samples", "", err)
		}
		key := bucketKey{hostID, ts.UTC().Truncate(time.Hour)}
		r := buckets[key]
		if r == nil {
			r = &rollup{}
			buckets[key] = r
		}
		r.cpuSum += cpu
		r.memSum += mem
		r.count++
		var usage map[string]models.DiskUsage
		if json.Unmarshal([]byte(diskJSON), &usage) == nil {
			for _, du := range usage {
				if du.Percent > r.diskMax {
					r.diskMax = du.Percent
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return verrors.New(verrors.KindStoreError, "aggregate_samples", "", err)
	}

	for key, r := range buckets {
		err := s.write("aggregate_samples", func() error {
			_, err := s.db.ExecContext(ctx,
				`INSERT INTO sample_rollups (host_id, bucket, cpu_avg, memory_avg, disk_max, samples)
				 VALUES (?, ?, ?, ?, ?, ?)
				 ON CONFLICT(host_id, bucket) DO UPDATE SET
					cpu_avg = excluded.cpu_avg,
					memory_avg = excluded.memory_avg,
					disk_max = excluded.disk_max,
					samples = excluded.samples`,
				key.hostID, key.bucket, r.cpuSum/float64(r.count), r.memSum/float64(r.count),
				r.diskMax, r.count)
			return err
		})
		if err != nil {
			return err
		}
	}
	if len(buckets) > 0 {
		log.Info().Int("buckets", len(buckets)).Time("cutoff", cutoff).Msg("Sample aggregation pass complete")
	}
	return nil
}

// CleanupHost deletes one host's raw samples and resolved anomalies older
// than its retention cutoff.
func (s *Store) CleanupHost(ctx context.Context, hostID int64, cutoff time.Time) error {
	return s.write("cleanup_host", func() error {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM samples WHERE host_id = ? AND timestamp < ?`, hostID, cutoff.UTC()); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM anomalies WHERE host_id = ? AND resolved = 1 AND resolved_at < ?`,
			hostID, cutoff.UTC())
		return err
	})
}
