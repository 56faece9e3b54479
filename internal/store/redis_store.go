// Package store provides the scope-namespaced key-value state store backing
// crash-safe trader snapshots, the live price cache, and the strategy-event
// log. Redis is the primary backend; when it is unavailable every write
// lands in an in-memory mirror so the runtime keeps trading and the next
// restart simply starts from exchange truth.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"binance-grid-bot/internal/events"
)

const (
	// PriceTTL bounds staleness of the mid-price cache used by external
	// consumers.
	PriceTTL = 30 * time.Second

	// SnapshotTTL keeps dead runtime snapshots from accumulating forever.
	SnapshotTTL = 7 * 24 * time.Hour

	// opTimeout is the per-call Redis deadline.
	opTimeout = 2 * time.Second

	// recheckInterval is how often a downed Redis is re-pinged.
	recheckInterval = 15 * time.Second
)

// PriceEntry is the cached mark price for one symbol.
type PriceEntry struct {
	Mark   float64 `json:"mark"`
	TsMs   int64   `json:"ts_ms"`
	Source string  `json:"source"`
}

// SessionConfig is the persisted grid sizing used for reverse-grid layer
// synthesis after a restart.
type SessionConfig struct {
	MinNotional float64 `json:"min_notional"`
	MaxNotional float64 `json:"max_notional"`
	SizeGrowth  float64 `json:"size_growth"`
	MaxLayers   int     `json:"max_layers"`
	UpdatedTs   int64   `json:"updated_ts"`
}

// Store is the scope-namespaced state store.
type Store struct {
	client *redis.Client
	scope  string

	available atomic.Bool
	lastPing  atomic.Int64

	mu     sync.RWMutex
	mirror map[string][]byte
}

// New creates a store for the given account scope. A nil client runs in
// memory-only mode.
func New(client *redis.Client, scope string) *Store {
	s := &Store{
		client: client,
		scope:  scope,
		mirror: make(map[string][]byte),
	}
	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[STORE] redis unavailable at startup: %v, using in-memory mirror", err)
			s.available.Store(false)
		} else {
			log.Printf("[STORE] redis connected (scope=%s)", scope)
			s.available.Store(true)
		}
	}
	return s
}

// Scope returns the account namespace.
func (s *Store) Scope() string { return s.scope }

// Available reports whether Redis is currently reachable.
func (s *Store) Available() bool { return s.available.Load() }

func (s *Store) key(parts ...string) string {
	k := s.scope
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// maybeRecheck re-pings a downed Redis at most every recheckInterval.
func (s *Store) maybeRecheck() {
	if s.client == nil || s.available.Load() {
		return
	}
	now := time.Now().UnixMilli()
	last := s.lastPing.Load()
	if now-last < recheckInterval.Milliseconds() || !s.lastPing.CompareAndSwap(last, now) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err == nil {
		log.Printf("[STORE] redis recovered")
		s.available.Store(true)
	}
}

func (s *Store) setJSON(key string, v interface{}, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	s.mirror[key] = data
	s.mu.Unlock()

	s.maybeRecheck()
	if s.client == nil || !s.available.Load() {
		return nil // mirror-only write; best effort
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(key string, out interface{}) (bool, error) {
	s.maybeRecheck()
	if s.client != nil && s.available.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		data, err := s.client.Get(ctx, key).Bytes()
		switch {
		case err == redis.Nil:
			return false, nil
		case err != nil:
			s.available.Store(false)
			// fall through to the mirror
		default:
			return true, json.Unmarshal(data, out)
		}
	}

	s.mu.RLock()
	data, ok := s.mirror[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, out)
}

func (s *Store) del(key string) {
	s.mu.Lock()
	delete(s.mirror, key)
	s.mu.Unlock()
	if s.client != nil && s.available.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.available.Store(false)
		}
	}
}

// SaveRuntimeState persists the full per-symbol runtime snapshot.
func (s *Store) SaveRuntimeState(symbol string, v interface{}) error {
	return s.setJSON(s.key("runtime_state", symbol), v, SnapshotTTL)
}

// LoadRuntimeState restores the runtime snapshot for a symbol. The bool
// reports presence.
func (s *Store) LoadRuntimeState(symbol string, out interface{}) (bool, error) {
	return s.getJSON(s.key("runtime_state", symbol), out)
}

// DeleteRuntimeState drops the runtime snapshot for a symbol.
func (s *Store) DeleteRuntimeState(symbol string) {
	s.del(s.key("runtime_state", symbol))
}

// SaveRecoveryState persists the small recovery snapshot, kept separate so
// recovery velocity survives runtime snapshot drops.
func (s *Store) SaveRecoveryState(symbol string, v interface{}) error {
	return s.setJSON(s.key("recovery_state", symbol), v, SnapshotTTL)
}

// LoadRecoveryState restores the recovery snapshot for a symbol.
func (s *Store) LoadRecoveryState(symbol string, out interface{}) (bool, error) {
	return s.getJSON(s.key("recovery_state", symbol), out)
}

// SaveSessionConfig persists the grid sizing in force this session.
func (s *Store) SaveSessionConfig(cfg SessionConfig) error {
	cfg.UpdatedTs = time.Now().UnixMilli()
	return s.setJSON(s.key("session_config"), cfg, 0)
}

// LoadSessionConfig restores the persisted grid sizing.
func (s *Store) LoadSessionConfig() (SessionConfig, bool, error) {
	var cfg SessionConfig
	ok, err := s.getJSON(s.key("session_config"), &cfg)
	return cfg, ok, err
}

// SetPrice caches a mid price with a 30 s TTL for external consumers.
func (s *Store) SetPrice(symbol string, mark float64, source string) error {
	return s.setJSON(s.key("price", symbol), PriceEntry{
		Mark:   mark,
		TsMs:   time.Now().UnixMilli(),
		Source: source,
	}, PriceTTL)
}

// GetPrice reads the cached mid price for a symbol.
func (s *Store) GetPrice(symbol string) (PriceEntry, bool, error) {
	var p PriceEntry
	ok, err := s.getJSON(s.key("price", symbol), &p)
	return p, ok, err
}

// AppendEvents writes a batch of strategy events to the time-indexed log.
// Event IDs guarantee uniqueness of members, so at-least-once flushes are
// safe. Returns an error when Redis is down so the caller can requeue.
func (s *Store) AppendEvents(batch []events.StrategyEvent) error {
	if len(batch) == 0 {
		return nil
	}
	s.maybeRecheck()
	if s.client == nil || !s.available.Load() {
		return fmt.Errorf("event log unavailable")
	}

	members := make([]redis.Z, 0, len(batch))
	for i := range batch {
		data, err := json.Marshal(&batch[i])
		if err != nil {
			continue
		}
		members = append(members, redis.Z{
			Score:  float64(batch[i].EventMs),
			Member: batch[i].ID() + "\x00" + string(data),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.client.ZAdd(ctx, s.key("strategy_events"), members...).Err(); err != nil {
		s.available.Store(false)
		return fmt.Errorf("redis zadd events: %w", err)
	}
	return nil
}

// PruneEvents drops events older than the cutoff.
func (s *Store) PruneEvents(olderThan time.Time) (int64, error) {
	if s.client == nil || !s.available.Load() {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	n, err := s.client.ZRemRangeByScore(ctx, s.key("strategy_events"),
		"-inf", strconv.FormatInt(olderThan.UnixMilli(), 10)).Result()
	if err != nil {
		s.available.Store(false)
		return 0, err
	}
	return n, nil
}

// Close releases the Redis connection.
func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
