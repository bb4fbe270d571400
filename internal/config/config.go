// Package config loads the process configuration from the environment and an
// optional .env file, and watches that file for runtime changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// SMTPConfig describes the outbound mail account.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config is the process-level configuration. Per-host settings live in the
// store, not here.
type Config struct {
	ListenAddr  string
	MetricsAddr string

	DataDir       string
	StoreDSN      string
	RedisURL      string
	HeartbeatFile string

	SSHPrivateKeyPath string
	SSHPublicKeyPath  string

	ProbeTimeoutSecs     int
	HeartbeatProbeSecs   int
	WorkerPoolSize       int
	BaseGraceSecs        int
	AdaptiveGraceSecs    int

	SMTP SMTPConfig

	LogLevel  string
	LogFormat string

	envPath string
	mu      sync.RWMutex
}

// Load reads config from the environment, after merging an optional .env file
// found in VIGIL_CONFIG_DIR (or the data dir).
func Load() (*Config, error) {
	configDir := envOr("VIGIL_CONFIG_DIR", "/etc/vigil")
	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			log.Warn().Err(err).Str("path", envPath).Msg("Failed to load .env file")
		}
	}

	cfg := &Config{envPath: envPath}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.mu.Lock()
	defer c.mu.Unlock()

	dataDir := envOr("VIGIL_DATA_DIR", "/var/lib/vigil")

	c.ListenAddr = envOr("VIGIL_LISTEN", ":7655")
	c.MetricsAddr = envOr("VIGIL_METRICS_LISTEN", "127.0.0.1:9191")
	c.DataDir = dataDir
	c.StoreDSN = envOr("VIGIL_STORE_DSN", filepath.Join(dataDir, "vigil.db"))
	c.RedisURL = envOr("VIGIL_REDIS_URL", "")
	c.HeartbeatFile = envOr("VIGIL_HEARTBEAT_FILE", filepath.Join(dataDir, "app-heartbeat"))
	c.SSHPrivateKeyPath = envOr("VIGIL_SSH_KEY", filepath.Join(dataDir, "id_ed25519"))
	c.SSHPublicKeyPath = envOr("VIGIL_SSH_PUBKEY", filepath.Join(dataDir, "id_ed25519.pub"))
	c.ProbeTimeoutSecs = envInt("VIGIL_PROBE_TIMEOUT", 90)
	c.HeartbeatProbeSecs = envInt("VIGIL_HEARTBEAT_PROBE_TIMEOUT", 5)
	c.WorkerPoolSize = envInt("VIGIL_WORKERS", 8)
	c.BaseGraceSecs = envInt("VIGIL_BASE_GRACE", 60)
	c.AdaptiveGraceSecs = envInt("VIGIL_ADAPTIVE_GRACE", 600)
	c.SMTP = SMTPConfig{
		Host: envOr("VIGIL_SMTP_HOST", ""),
		Port: envInt("VIGIL_SMTP_PORT", 587),
		// Pasted SMTP passwords routinely pick up stray whitespace.
		Username: strings.TrimSpace(os.Getenv("VIGIL_SMTP_USER")),
		Password: strings.Join(strings.Fields(os.Getenv("VIGIL_SMTP_PASSWORD")), ""),
		From:     envOr("VIGIL_SMTP_FROM", ""),
	}
	c.LogLevel = envOr("VIGIL_LOG_LEVEL", "info")
	c.LogFormat = envOr("VIGIL_LOG_FORMAT", "auto")
}

// Validate checks structural invariants of the loaded config.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ProbeTimeoutSecs < 5 {
		return fmt.Errorf("probe timeout must be at least 5s, got %ds", c.ProbeTimeoutSecs)
	}
	if c.WorkerPoolSize < 1 {
		return fmt.Errorf("worker pool size must be positive, got %d", c.WorkerPoolSize)
	}
	switch c.SMTP.Port {
	case 0, 25, 465, 587:
	default:
		return fmt.Errorf("unsupported smtp port %d", c.SMTP.Port)
	}
	return nil
}

// Reload re-reads the .env file and reapplies the environment.
func (c *Config) Reload() error {
	if c.envPath != "" {
		if err := godotenv.Overload(c.envPath); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	c.applyEnv()
	return c.Validate()
}

// SMTPSettings returns a copy of the current SMTP settings.
func (c *Config) SMTPSettings() SMTPConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.SMTP
}

// EnvPath returns the watched .env path.
func (c *Config) EnvPath() string { return c.envPath }

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring non-integer env value")
		return def
	}
	return n
}
