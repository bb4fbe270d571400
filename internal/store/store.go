// Package store provides durable state for the monitoring core backed by
// SQLite: hosts, per-host configs, time-series samples, anomalies, alert
// history, heartbeats, and services.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/vigilops/vigil/internal/models"
	"github.com/vigilops/vigil/internal/verrors"
)

// Store wraps the SQLite database. Writes for a given host are serialized by
// the callers (scheduler single-flight); the store additionally keeps one
// writer mutex because SQLite allows a single writer per connection pool.
type Store struct {
	db *sql.DB

	writeMu sync.Mutex

	// newest sample timestamp per host, used to keep per-host series monotonic
	lastTSMu sync.Mutex
	lastTS   map[int64]time.Time
}

// Open opens (and creates if needed) the database at the given DSN. A bare
// filesystem path is accepted and converted to a sqlite URI with WAL enabled.
func Open(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, verrors.New(verrors.KindStoreError, "open", "", err)
			}
		}
		dsn = "file:" + dsn + "?" + url.Values{
			"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)", "foreign_keys(ON)"},
		}.Encode()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "open", "", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, lastTS: make(map[int64]time.Time)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	// The pool is capped at one connection, so the pragma sticks even for
	// caller-supplied DSNs that omit it.
	if _, err := s.db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		return verrors.New(verrors.KindStoreError, "init_schema", "", err)
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS hosts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			address TEXT NOT NULL,
			ssh_port INTEGER NOT NULL DEFAULT 22,
			ssh_user TEXT NOT NULL DEFAULT 'root',
			key_deployed INTEGER NOT NULL DEFAULT 0,
			key_deployed_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitoring_configs (
			host_id INTEGER PRIMARY KEY REFERENCES hosts(id) ON DELETE CASCADE,
			config_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS samples (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			timestamp TIMESTAMP NOT NULL,
			cpu_percent REAL NOT NULL,
			memory_percent REAL NOT NULL,
			swap_percent REAL,
			disk_usage_json TEXT NOT NULL DEFAULT '{}',
			network_io_json TEXT NOT NULL DEFAULT '{}',
			disk_io_read_bps REAL NOT NULL DEFAULT 0,
			disk_io_write_bps REAL NOT NULL DEFAULT 0,
			net_io_sent_bps REAL NOT NULL DEFAULT 0,
			net_io_recv_bps REAL NOT NULL DEFAULT 0,
			load_1 REAL NOT NULL DEFAULT 0,
			load_5 REAL NOT NULL DEFAULT 0,
			load_15 REAL NOT NULL DEFAULT 0,
			network_connections INTEGER NOT NULL DEFAULT 0,
			uptime_seconds INTEGER NOT NULL DEFAULT 0,
			top_processes_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_samples_host_ts ON samples(host_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS sample_rollups (
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			bucket TIMESTAMP NOT NULL,
			cpu_avg REAL NOT NULL,
			memory_avg REAL NOT NULL,
			disk_max REAL NOT NULL,
			samples INTEGER NOT NULL,
			PRIMARY KEY (host_id, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS anomalies (
			id TEXT PRIMARY KEY,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			sample_id INTEGER NOT NULL DEFAULT 0,
			timestamp TIMESTAMP NOT NULL,
			metric_type TEXT NOT NULL,
			metric_name TEXT NOT NULL,
			metric_value REAL NOT NULL,
			severity TEXT NOT NULL,
			anomaly_score REAL NOT NULL,
			acknowledged INTEGER NOT NULL DEFAULT 0,
			resolved INTEGER NOT NULL DEFAULT 0,
			resolved_at TIMESTAMP,
			explanation TEXT NOT NULL DEFAULT '',
			llm_generated INTEGER NOT NULL DEFAULT 0,
			correlation_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_host_ts ON anomalies(host_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_anomalies_unresolved ON anomalies(host_id, resolved)`,
		`CREATE TABLE IF NOT EXISTS alert_records (
			id TEXT PRIMARY KEY,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			alert_type TEXT NOT NULL,
			status TEXT NOT NULL,
			value REAL NOT NULL,
			threshold REAL NOT NULL,
			message TEXT NOT NULL,
			recipients_json TEXT NOT NULL DEFAULT '[]',
			sent_at TIMESTAMP NOT NULL,
			resolved_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_host_sent ON alert_records(host_id, sent_at DESC)`,
		`CREATE TABLE IF NOT EXISTS heartbeats (
			host_id INTEGER PRIMARY KEY REFERENCES hosts(id) ON DELETE CASCADE,
			last_heartbeat TIMESTAMP NOT NULL,
			agent_version TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS services (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host_id INTEGER NOT NULL REFERENCES hosts(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			service_type TEXT NOT NULL DEFAULT '',
			last_checked TIMESTAMP NOT NULL,
			monitoring_enabled INTEGER NOT NULL DEFAULT 0,
			UNIQUE (host_id, name)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return verrors.New(verrors.KindStoreError, "init_schema", "", err)
		}
	}
	return nil
}

// write runs fn under the writer lock, retrying once on failure per the
// error-handling contract.
func (s *Store) write(op string, fn func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := fn()
	if err == nil {
		return nil
	}
	log.Warn().Err(err).Str("op", op).Msg("Store write failed, retrying once")
	if err = fn(); err != nil {
		return verrors.New(verrors.KindStoreError, op, "", err)
	}
	return nil
}

// CreateHost inserts a host with its monitoring config in one transaction.
func (s *Store) CreateHost(ctx context.Context, host *models.Host, cfg *models.MonitoringConfig) error {
	cfg.Normalize()
	return s.write("create_host", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if host.CreatedAt.IsZero() {
			host.CreatedAt = time.Now().UTC()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO hosts (name, address, ssh_port, ssh_user, key_deployed, key_deployed_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			host.Name, host.Address, host.SSHPort, host.SSHUser, host.KeyDeployed, host.KeyDeployedAt, host.CreatedAt)
		if err != nil {
			return err
		}
		host.ID, err = res.LastInsertId()
		if err != nil {
			return err
		}
		cfg.HostID = host.ID
		blob, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO monitoring_configs (host_id, config_json) VALUES (?, ?)`, host.ID, string(blob)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// DeleteHost removes a host; child records cascade.
func (s *Store) DeleteHost(ctx context.Context, hostID int64) error {
	return s.write("delete_host", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM hosts WHERE id = ?`, hostID)
		return err
	})
}

// GetHost fetches a host by ID.
func (s *Store) GetHost(ctx context.Context, hostID int64) (*models.Host, error) {
	return s.scanHost(s.db.QueryRowContext(ctx,
		`SELECT id, name, address, ssh_port, ssh_user, key_deployed, key_deployed_at, created_at
		 FROM hosts WHERE id = ?`, hostID))
}

// GetHostByName fetches a host by its unique name.
func (s *Store) GetHostByName(ctx context.Context, name string) (*models.Host, error) {
	return s.scanHost(s.db.QueryRowContext(ctx,
		`SELECT id, name, address, ssh_port, ssh_user, key_deployed, key_deployed_at, created_at
		 FROM hosts WHERE name = ?`, name))
}

func (s *Store) scanHost(row *sql.Row) (*models.Host, error) {
	var h models.Host
	err := row.Scan(&h.ID, &h.Name, &h.Address, &h.SSHPort, &h.SSHUser, &h.KeyDeployed, &h.KeyDeployedAt, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, verrors.New(verrors.KindNotFound, "get_host", "", err)
	}
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "get_host", "", err)
	}
	return &h, nil
}

// ListHosts returns all hosts ordered by name.
func (s *Store) ListHosts(ctx context.Context) ([]models.Host, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, address, ssh_port, ssh_user, key_deployed, key_deployed_at, created_at
		 FROM hosts ORDER BY name`)
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "list_hosts", "", err)
	}
	defer rows.Close()

	var hosts []models.Host
	for rows.Next() {
		var h models.Host
		if err := rows.Scan(&h.ID, &h.Name, &h.Address, &h.SSHPort, &h.SSHUser, &h.KeyDeployed, &h.KeyDeployedAt, &h.CreatedAt); err != nil {
			return nil, verrors.New(verrors.KindStoreError, "list_hosts", "", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// MarkKeyDeployed records a successful SSH key bootstrap.
func (s *Store) MarkKeyDeployed(ctx context.Context, hostID int64, at time.Time) error {
	return s.write("mark_key_deployed", func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE hosts SET key_deployed = 1, key_deployed_at = ? WHERE id = ?`, at, hostID)
		return err
	})
}

// GetConfig loads the monitoring config for a host.
func (s *Store) GetConfig(ctx context.Context, hostID int64) (*models.MonitoringConfig, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT config_json FROM monitoring_configs WHERE host_id = ?`, hostID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, verrors.New(verrors.KindNotFound, "get_config", "", fmt.Errorf("no config for host %d", hostID))
	}
	if err != nil {
		return nil, verrors.New(verrors.KindStoreError, "get_config", "", err)
	}
	var cfg models.MonitoringConfig
	if err := json.Unmarshal([]byte(blob), &cfg); err != nil {
		return nil, verrors.New(verrors.KindStoreError, "get_config", "", err)
	}
	cfg.HostID = hostID
	cfg.Normalize()
	return &cfg, nil
}

// SaveConfig persists the monitoring config after normalization.
func (s *Store) SaveConfig(ctx context.Context, cfg *models.MonitoringConfig) error {
	cfg.Normalize()
	blob, err := json.Marshal(cfg)
	if err != nil {
		return verrors.New(verrors.KindStoreError, "save_config", "", err)
	}
	return s.write("save_config", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO monitoring_configs (host_id, config_json) VALUES (?, ?)
			 ON CONFLICT(host_id) DO UPDATE SET config_json = excluded.config_json`,
			cfg.HostID, string(blob))
		return err
	})
}
