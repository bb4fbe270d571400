package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// UpsertHeartbeat records host liveness. Idempotent for identical timestamps;
// an older timestamp never moves the heartbeat backwards.
func (s *Store) UpsertHeartbeat(ctx context.Context, hostID int64, ts time.Time, agentVersion string) error {
	return s.write("upsert_heartbeat", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO heartbeats (host_id, last_heartbeat, agent_version) VALUES (?, ?, ?)
			 ON CONFLICT(host_id) DO UPDATE SET
				last_heartbeat = MAX(last_heartbeat, excluded.last_heartbeat),
				agent_version = CASE WHEN excluded.agent_version != '' THEN excluded.agent_version ELSE agent_version END`,
			hostID, ts.UTC(), agentVersion)
		return err
	})
}

// HeartbeatFor returns the heartbeat for a host, or nil when never seen.
func (s *Store) HeartbeatFor(ctx context.Context, hostID int64) (*models.Heartbeat, error) {
	var hb models.Heartbeat
	err := s.db.QueryRowContext(ctx,
		`SELECT host_id, last_heartbeat, agent_version FROM heartbeats WHERE host_id = ?`, hostID).
		Scan(&hb.HostID, &hb.LastHeartbeat, &hb.AgentVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "heartbeat_for", "", err)
	}
	hb.LastHeartbeat = hb.LastHeartbeat.UTC()
	return &hb, nil
}
