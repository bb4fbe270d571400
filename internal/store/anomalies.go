package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// InsertAnomaly persists a detector finding. An empty ID is assigned.
func (s *Store) InsertAnomaly(ctx context.Context, a *models.Anomaly) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	var corrJSON *string
	if a.Correlation != nil {
		blob, err := json.Marshal(a.Correlation)
		if err != nil {
			return verrors.New(verrors.KindStoreError, "insert_anomaly", "", err)
		}
		str := string(blob)
		corrJSON = &str
	}
	return s.write("insert_anomaly", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO anomalies (id, host_id, sample_id, timestamp, metric_type, metric_name,
				metric_value, severity, anomaly_score, acknowledged, resolved, resolved_at,
				explanation, llm_generated, correlation_json)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.HostID, a.SampleID, a.Timestamp.UTC(), a.MetricType, a.MetricName,
			a.MetricValue, a.Severity, a.AnomalyScore, a.Acknowledged, a.Resolved, a.ResolvedAt,
			a.Explanation, a.LLMGenerated, corrJSON)
		return err
	})
}

// ResolveAnomaly marks an anomaly resolved. Idempotent: a second call keeps
// the original resolved_at.
func (s *Store) ResolveAnomaly(ctx context.Context, id string, now time.Time) error {
	return s.write("resolve_anomaly", func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE anomalies SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`,
			now.UTC(), id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Either already resolved (fine) or unknown ID.
			var exists int
			if err := s.db.QueryRowContext(ctx,
				`SELECT COUNT(1) FROM anomalies WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return verrors.New(verrors.KindNotFound, "resolve_anomaly", "", nil)
			}
		}
		return nil
	})
}

// BulkResolve resolves many anomalies at once, skipping unknown IDs.
func (s *Store) BulkResolve(ctx context.Context, ids []string, now time.Time) (int, error) {
	resolved := 0
	err := s.write("bulk_resolve", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		resolved = 0
		for _, id := range ids {
			res, err := tx.ExecContext(ctx,
				`UPDATE anomalies SET resolved = 1, resolved_at = ? WHERE id = ? AND resolved = 0`,
				now.UTC(), id)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				resolved++
			}
		}
		return tx.Commit()
	})
	return resolved, err
}

// SetExplanation attaches an (optionally LLM-generated) explanation.
func (s *Store) SetExplanation(ctx context.Context, id, explanation string, llmGenerated bool) error {
	return s.write("set_explanation", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE anomalies SET explanation = ?, llm_generated = ? WHERE id = ?`,
			explanation, llmGenerated, id)
		return err
	})
}

// UnresolvedCount returns the number of unresolved anomalies for a host.
func (s *Store) UnresolvedCount(ctx context.Context, hostID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM anomalies WHERE host_id = ? AND resolved = 0`, hostID).Scan(&n)
	if err != nil {
		return 0, verrors.New(verrors.KindStoreError, "unresolved_count", "", err)
	}
	return n, nil
}

const anomalyColumns = `id, host_id, sample_id, timestamp, metric_type, metric_name, metric_value,
	severity, anomaly_score, acknowledged, resolved, resolved_at, explanation, llm_generated, correlation_json`

// UnresolvedForHost returns unresolved anomalies newest first.
func (s *Store) UnresolvedForHost(ctx context.Context, hostID int64) ([]models.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE host_id = ? AND resolved = 0 ORDER BY timestamp DESC`,
		hostID)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "unresolved_for_host", "", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// AnomaliesSince returns anomalies (resolved or not) at or after t, ascending.
func (s *Store) AnomaliesSince(ctx context.Context, hostID int64, t time.Time) ([]models.Anomaly, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+anomalyColumns+` FROM anomalies WHERE host_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		hostID, t.UTC())
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "anomalies_since", "", err)
	}
	defer rows.Close()
	return scanAnomalies(rows)
}

// HasRecentUnresolved reports whether an unresolved anomaly with the same
// metric identity exists at or after since. Used for the 10-minute dedupe.
func (s *Store) HasRecentUnresolved(ctx context.Context, hostID int64, metricType models.MetricType, metricName string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM anomalies
		 WHERE host_id = ? AND metric_type = ? AND metric_name = ? AND resolved = 0 AND timestamp >= ?`,
		hostID, metricType, metricName, since.UTC()).Scan(&n)
	if err != nil {
		return false, verrors.New(verrors.KindStoreError, "has_recent_unresolved", "", err)
	}
	return n > 0, nil
}

func scanAnomalies(rows *sql.Rows) ([]models.Anomaly, error) {
	var out []models.Anomaly
	for rows.Next() {
		var (
			a        models.Anomaly
			corrJSON sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.HostID, &a.SampleID, &a.Timestamp, &a.MetricType, &a.MetricName,
			&a.MetricValue, &a.Severity, &a.AnomalyScore, &a.Acknowledged, &a.Resolved, &a.ResolvedAt,
			&a.Explanation, &a.LLMGenerated, &corrJSON); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "scan_anomaly", "", err)
		}
		if corrJSON.Valid && corrJSON.String != "" {
			var cc models.CorrelationContext
			if err := json.Unmarshal([]byte(corrJSON.String), &cc); err == nil {
				a.Correlation = &cc
			}
		}
		a.Timestamp = a.Timestamp.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
