package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// InsertAlertRecord appends one notification event to the alert history.
func (s *Store) InsertAlertRecord(ctx context.Context, r *models.AlertRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now().UTC()
	}
	recipients, err := json.Marshal(r.Recipients)
	if err != nil {
		return verrors.New(verrors.KindStoreError, "insert_alert", "", err)
	}
	return s.write("insert_alert", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO alert_records (id, host_id, alert_type, status, value, threshold, message,
				recipients_json, sent_at, resolved_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.HostID, r.Type, r.Status, r.Value, r.Threshold, r.Message,
			string(recipients), r.SentAt.UTC(), r.ResolvedAt)
		return err
	})
}

// ResolveAlertRecord stamps the resolution time onto a triggered record.
func (s *Store) ResolveAlertRecord(ctx context.Context, id string, now time.Time) error {
	return s.write("resolve_alert", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE alert_records SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
			now.UTC(), id)
		return err
	})
}

// ResolveTriggeredAlerts closes every open triggered record of the given type
// for a host. Used when the matching resolved event is emitted.
func (s *Store) ResolveTriggeredAlerts(ctx context.Context, hostID int64, alertType models.AlertType, now time.Time) error {
	return s.write("resolve_triggered", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE alert_records SET resolved_at = ?
			 WHERE host_id = ? AND alert_type = ? AND status = 'triggered' AND resolved_at IS NULL`,
			now.UTC(), hostID, alertType)
		return err
	})
}

// HasTriggeredAlerts reports whether any triggered record remains open.
func (s *Store) HasTriggeredAlerts(ctx context.Context, hostID int64) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM alert_records
		 WHERE host_id = ? AND status = 'triggered' AND resolved_at IS NULL`, hostID).Scan(&n)
	if err != nil {
		return false, verrors.New(verrors.KindStoreError, "has_triggered", "", err)
	}
	return n > 0, nil
}

// AlertHistory returns the newest limit records for a host.
func (s *Store) AlertHistory(ctx context.Context, hostID int64, limit int) ([]models.AlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, host_id, alert_type, status, value, threshold, message, recipients_json, sent_at, resolved_at
		 FROM alert_records WHERE host_id = ? ORDER BY sent_at DESC LIMIT ?`, hostID, limit)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "alert_history", "", err)
	}
	defer rows.Close()

	var out []models.AlertRecord
	for rows.Next() {
		var (
			r          models.AlertRecord
			recipients string
		)
		if err := rows.Scan(&r.ID, &r.HostID, &r.Type, &r.Status, &r.Value, &r.Threshold, &r.Message,
			&recipients, &r.SentAt, &r.ResolvedAt); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "alert_history", "", err)
		}
		if err := json.Unmarshal([]byte(recipients), &r.Recipients); err != nil {
			r.Recipients = nil
		}
		r.SentAt = r.SentAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
