package store

import (
	"context"
	"time"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// UpsertService records a discovered service or refreshes its status. The
// monitoring_enabled flag is preserved on update: discovery never flips what
// the operator chose, and the flag is scoped to this host only.
func (s *Store) UpsertService(ctx context.Context, svc *models.Service) error {
	if svc.LastChecked.IsZero() {
		svc.LastChecked = time.Now().UTC()
	}
	return s.write("upsert_service", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO services (host_id, name, status, service_type, last_checked, monitoring_enabled)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(host_id, name) DO UPDATE SET
				status = excluded.status,
				service_type = CASE WHEN excluded.service_type != '' THEN excluded.service_type ELSE service_type END,
				last_checked = excluded.last_checked`,
			svc.HostID, svc.Name, svc.Status, svc.ServiceType, svc.LastChecked.UTC(), svc.MonitoringEnabled)
		return err
	})
}

// SetServiceMonitoring toggles monitoring for one (host, service) pair.
func (s *Store) SetServiceMonitoring(ctx context.Context, hostID int64, name string, enabled bool) error {
	return s.write("set_service_monitoring", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE services SET monitoring_enabled = ? WHERE host_id = ? AND name = ?`,
			enabled, hostID, name)
		return err
	})
}

// ListServices returns all services known for a host.
func (s *Store) ListServices(ctx context.Context, hostID int64) ([]models.Service, error) {
	return s.queryServices(ctx,
		`SELECT id, host_id, name, status, service_type, last_checked, monitoring_enabled
		 FROM services WHERE host_id = ? ORDER BY name`, hostID)
}

// MonitoredServices returns only the services with monitoring enabled.
func (s *Store) MonitoredServices(ctx context.Context, hostID int64) ([]models.Service, error) {
	return s.queryServices(ctx,
		`SELECT id, host_id, name, status, service_type, last_checked, monitoring_enabled
		 FROM services WHERE host_id = ? AND monitoring_enabled = 1 ORDER BY name`, hostID)
}

func (s *Store) queryServices(ctx context.Context, query string, args ...any) ([]models.Service, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "list_services", "", err)
	}
	defer rows.Close()

	var out []models.Service
	for rows.Next() {
		var svc models.Service
		if err := rows.Scan(&svc.ID, &svc.HostID, &svc.Name, &svc.Status, &svc.ServiceType,
			&svc.LastChecked, &svc.MonitoringEnabled); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "list_services", "", err)
		}
		svc.LastChecked = svc.LastChecked.UTC()
		out = append(out, svc)
	}
	return out, rows.Err()
}
