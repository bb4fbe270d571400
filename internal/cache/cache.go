// Package cache provides the ephemeral TTL key/value layer on Redis. All
// operations are best-effort: failures are logged as warnings and surface to
// callers as cache misses, never as errors. Readers fall back to the store.
// Without a Redis backend the same keys live in a process-local map with the
// same TTLs, so alert hysteresis and episode tracking survive when no Redis
// is configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/vigilops/vigil/internal/models"
)

// TTLs for the well-known keys.
const (
	TTLLatestSample   = 5 * time.Minute
	TTLAlertState     = 24 * time.Hour
	TTLAnomalySummary = 5 * time.Minute
	TTLAppHeartbeat   = 5 * time.Minute
	TTLConnState      = 1 * time.Hour
	TTLQuietEpoch     = 60 * time.Second
	TTLServiceFailure = 5 * time.Minute
	TTLServiceAlert   = 1 * time.Hour
)

// Cache wraps a Redis client. With a nil client all state lives in a
// process-local TTL map instead, lost on restart but otherwise equivalent.
type Cache struct {
	rdb *redis.Client
	mem *memoryStore
}

// New connects to the Redis URL ("" selects the in-process fallback).
func New(redisURL string) (*Cache, error) {
	if redisURL == "" {
		log.Warn().Msg("No cache backend configured; keeping alert state in process memory")
		return &Cache{mem: newMemoryStore()}, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Cache{rdb: redis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing client (used by tests with miniredis).
// A nil client selects the in-process fallback.
func NewFromClient(rdb *redis.Client) *Cache {
	if rdb == nil {
		return &Cache{mem: newMemoryStore()}
	}
	return &Cache{rdb: rdb}
}

// memoryStore backs the cache when no Redis is configured. Entries expire
// lazily on read, against the same TTLs the Redis keys use.
type memoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memEntry
}

type memEntry struct {
	blob    []byte
	expires time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{now: time.Now, entries: make(map[string]memEntry)}
}

func (m *memoryStore) set(key string, blob []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{blob: blob, expires: m.now().Add(ttl)}
}

func (m *memoryStore) get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expires) {
		delete(m.entries, key)
		return nil, false
	}
	return e.blob, true
}

func (m *memoryStore) del(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
	}
}

func (m *memoryStore) incr(key string, ttl time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	if e, ok := m.entries[key]; ok && m.now().Before(e.expires) {
		n, _ = strconv.Atoi(string(e.blob))
	}
	n++
	m.entries[key] = memEntry{blob: []byte(strconv.Itoa(n)), expires: m.now().Add(ttl)}
	return n
}

// Close releases the client.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

func (c *Cache) set(ctx context.Context, key string, value any, ttl time.Duration) {
	blob, err := json.Marshal(value)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache marshal failed")
		return
	}
	if c.rdb == nil {
		if c.mem != nil {
			c.mem.set(key, blob, ttl)
		}
		return
	}
	if err := c.rdb.Set(ctx, key, blob, ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
	}
}

// get returns false on miss or any error.
func (c *Cache) get(ctx context.Context, key string, out any) bool {
	var blob []byte
	if c.rdb == nil {
		if c.mem == nil {
			return false
		}
		var ok bool
		if blob, ok = c.mem.get(key); !ok {
			return false
		}
	} else {
		var err error
		blob, err = c.rdb.Get(ctx, key).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Warn().Err(err).Str("key", key).Msg("Cache read failed")
			}
			return false
		}
	}
	if err := json.Unmarshal(blob, out); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache unmarshal failed")
		return false
	}
	return true
}

func (c *Cache) delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if c.rdb == nil {
		if c.mem != nil {
			c.mem.del(keys...)
		}
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("Cache delete failed")
	}
}

func latestSampleKey(hostID int64) string   { return fmt.Sprintf("latest_sample/%d", hostID) }
func alertStateKey(hostID int64) string     { return fmt.Sprintf("alert_state/%d", hostID) }
func anomalySummaryKey(hostID int64) string { return fmt.Sprintf("anomaly_summary/%d", hostID) }
func connStateKey(hostID int64) string      { return fmt.Sprintf("connection_state/%d", hostID) }
func suspendEpochKey(hostID int64) string   { return fmt.Sprintf("suspend_epoch/%d", hostID) }
func resumeEpochKey(hostID int64) string    { return fmt.Sprintf("resume_epoch/%d", hostID) }

func serviceFailureKey(hostID int64, service string) string {
	return fmt.Sprintf("service_failure_count/%d/%s", hostID, service)
}

func serviceAlertKey(hostID int64, service string) string {
	return fmt.Sprintf("service_alert_sent/%d/%s", hostID, service)
}

const appHeartbeatKey = "app_heartbeat"

// SetLatestSample caches the newest sample for a host.
func (c *Cache) SetLatestSample(ctx context.Context, sample *models.Sample) {
	c.set(ctx, latestSampleKey(sample.HostID), sample, TTLLatestSample)
}

// LatestSample returns the cached newest sample, or nil on miss.
func (c *Cache) LatestSample(ctx context.Context, hostID int64) *models.Sample {
	var s models.Sample
	if !c.get(ctx, latestSampleKey(hostID), &s) {
		return nil
	}
	return &s
}

// SetAlertState saves the hysteresis snapshot.
func (c *Cache) SetAlertState(ctx context.Context, hostID int64, state models.AlertState) {
	c.set(ctx, alertStateKey(hostID), state, TTLAlertState)
}

// AlertState returns the hysteresis snapshot; ok is false on miss.
func (c *Cache) AlertState(ctx context.Context, hostID int64) (models.AlertState, bool) {
	var state models.AlertState
	if !c.get(ctx, alertStateKey(hostID), &state) {
		return models.AlertState{Disk: map[string]bool{}}, false
	}
	if state.Disk == nil {
		state.Disk = map[string]bool{}
	}
	return state, true
}

// SetAnomalySummary caches the per-host summary.
func (c *Cache) SetAnomalySummary(ctx context.Context, hostID int64, summary models.AnomalySummary) {
	c.set(ctx, anomalySummaryKey(hostID), summary, TTLAnomalySummary)
}

// AnomalySummary returns the cached summary, or nil on miss.
func (c *Cache) AnomalySummary(ctx context.Context, hostID int64) *models.AnomalySummary {
	var s models.AnomalySummary
	if !c.get(ctx, anomalySummaryKey(hostID), &s) {
		return nil
	}
	return &s
}

// InvalidateAnomalySummary drops the cached summary for a host.
func (c *Cache) InvalidateAnomalySummary(ctx context.Context, hostID int64) {
	c.delete(ctx, anomalySummaryKey(hostID))
}

// SetAppHeartbeat records that the monitoring app itself is alive.
func (c *Cache) SetAppHeartbeat(ctx context.Context, ts time.Time) {
	c.set(ctx, appHeartbeatKey, ts.UTC(), TTLAppHeartbeat)
}

// AppHeartbeat returns the app liveness timestamp; ok is false on miss.
func (c *Cache) AppHeartbeat(ctx context.Context) (time.Time, bool) {
	var ts time.Time
	if !c.get(ctx, appHeartbeatKey, &ts) {
		return time.Time{}, false
	}
	return ts, true
}

// SetConnectionState records the last known SSH reachability of a host.
func (c *Cache) SetConnectionState(ctx context.Context, hostID int64, online bool) {
	c.set(ctx, connStateKey(hostID), online, TTLConnState)
}

// ConnectionState returns the last reachability flag; ok is false on miss.
func (c *Cache) ConnectionState(ctx context.Context, hostID int64) (online, ok bool) {
	ok = c.get(ctx, connStateKey(hostID), &online)
	return online, ok
}

// MarkSuspendEpoch opens the 60-second quiet window after a suspend action.
func (c *Cache) MarkSuspendEpoch(ctx context.Context, hostID int64, ts time.Time) {
	c.set(ctx, suspendEpochKey(hostID), ts.UTC(), TTLQuietEpoch)
}

// MarkResumeEpoch opens the 60-second quiet window after a resume action.
func (c *Cache) MarkResumeEpoch(ctx context.Context, hostID int64, ts time.Time) {
	c.set(ctx, resumeEpochKey(hostID), ts.UTC(), TTLQuietEpoch)
}

// InQuietWindow reports whether a suspend or resume epoch is still live.
func (c *Cache) InQuietWindow(ctx context.Context, hostID int64) bool {
	var ts time.Time
	return c.get(ctx, suspendEpochKey(hostID), &ts) || c.get(ctx, resumeEpochKey(hostID), &ts)
}

// IncrServiceFailure bumps and returns the consecutive-failure counter.
func (c *Cache) IncrServiceFailure(ctx context.Context, hostID int64, service string) int {
	key := serviceFailureKey(hostID, service)
	if c.rdb == nil {
		if c.mem == nil {
			return 0
		}
		return c.mem.incr(key, TTLServiceFailure)
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache incr failed")
		return 0
	}
	c.rdb.Expire(ctx, key, TTLServiceFailure)
	return int(n)
}

// ClearServiceFailure resets the consecutive-failure counter.
func (c *Cache) ClearServiceFailure(ctx context.Context, hostID int64, service string) {
	c.delete(ctx, serviceFailureKey(hostID, service))
}

// MarkServiceAlertSent flags that this failure episode already alerted.
func (c *Cache) MarkServiceAlertSent(ctx context.Context, hostID int64, service string) {
	c.set(ctx, serviceAlertKey(hostID, service), true, TTLServiceAlert)
}

// ServiceAlertSent reports whether this failure episode already alerted.
func (c *Cache) ServiceAlertSent(ctx context.Context, hostID int64, service string) bool {
	var sent bool
	return c.get(ctx, serviceAlertKey(hostID, service), &sent) && sent
}

// ClearServiceAlertSent closes the failure episode.
func (c *Cache) ClearServiceAlertSent(ctx context.Context, hostID int64, service string) {
	c.delete(ctx, serviceAlertKey(hostID, service))
}
