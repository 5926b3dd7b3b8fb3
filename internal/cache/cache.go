package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ErrSweepInProgress is returned by CleanupExpired when another sweep of the
// same table is still running.
var ErrSweepInProgress = errors.New("cache sweep already in progress")

// Status is the outcome of a cache lookup
type Status int

const (
	StatusNotFound Status = iota
	StatusHit
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusHit:
		return "hit"
	case StatusExpired:
		return "expired"
	default:
		return "not_found"
	}
}

// Entry is a cached value with its insertion time and time-to-live.
// Stamp carries the UpdatedAt of the source row the value was computed from.
type Entry struct {
	Value      interface{}
	InsertedAt time.Time
	TTL        time.Duration
	Stamp      time.Time
	size       int
}

// ExpiresAt returns the instant after which the entry is stale
func (e *Entry) ExpiresAt() time.Time {
	return e.InsertedAt.Add(e.TTL)
}

// Expired reports whether the entry is stale at now
func (e *Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// Config holds cache configuration
type Config struct {
	DefaultTTL  time.Duration
	MaxEntries  int // per table, 0 means unbounded
	RedisClient *redis.Client
	KeyPrefix   string
	Logger      *logrus.Logger
	Clock       func() time.Time
	// Decode turns an L2 payload back into a value. Defaults to json.Unmarshal.
	Decode func([]byte) (interface{}, error)
}

type table struct {
	mu       sync.RWMutex
	items    map[string]*Entry
	epoch    atomic.Uint64
	sweeping atomic.Bool

	hits        atomic.Int64
	misses      atomic.Int64
	expirations atomic.Int64
	evictions   atomic.Int64
	sweeps      atomic.Int64
}

// Cache is a multi-table TTL cache with an in-memory L1 and an optional
// Redis L2. Tables are created on first use.
type Cache struct {
	config Config
	tables sync.Map // name -> *table
	l2     *redisStore
	logger *logrus.Entry
}

// New creates a cache. A nil RedisClient keeps the cache memory-only.
func New(cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Decode == nil {
		cfg.Decode = func(data []byte) (interface{}, error) {
			var v interface{}
			err := json.Unmarshal(data, &v)
			return v, err
		}
	}

	c := &Cache{
		config: cfg,
		logger: cfg.Logger.WithField("component", "cache"),
	}
	if cfg.RedisClient != nil {
		c.l2 = newRedisStore(cfg.RedisClient, cfg.KeyPrefix, c.logger)
	}
	return c
}

func (c *Cache) table(name string) *table {
	if t, ok := c.tables.Load(name); ok {
		return t.(*table)
	}
	t, _ := c.tables.LoadOrStore(name, &table{items: make(map[string]*Entry)})
	return t.(*table)
}

// Tables returns the names of all tables created so far, sorted
func (c *Cache) Tables() []string {
	var names []string
	c.tables.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	sort.Strings(names)
	return names
}

// Epoch returns the invalidation epoch of a table. Every invalidation bumps it.
func (c *Cache) Epoch(tableName string) uint64 {
	return c.table(tableName).epoch.Load()
}

// Get returns the value stored under key if it is present and fresh
func (c *Cache) Get(ctx context.Context, tableName, key string) (interface{}, bool) {
	entry, status := c.Lookup(ctx, tableName, key)
	if status != StatusHit {
		return nil, false
	}
	return entry.Value, true
}

// Lookup returns the entry and a status. Expired entries are removed on
// access and reported as StatusExpired.
func (c *Cache) Lookup(ctx context.Context, tableName, key string) (*Entry, Status) {
	t := c.table(tableName)
	now := c.config.Clock()

	t.mu.RLock()
	entry, ok := t.items[key]
	t.mu.RUnlock()

	if ok {
		if entry.Expired(now) {
			t.mu.Lock()
			if current, still := t.items[key]; still && current == entry {
				delete(t.items, key)
			}
			t.mu.Unlock()
			t.expirations.Add(1)
			t.misses.Add(1)
			return nil, StatusExpired
		}
		t.hits.Add(1)
		return entry, StatusHit
	}

	if c.l2 != nil {
		epoch := t.epoch.Load()
		if env, found := c.l2.get(ctx, tableName, key); found {
			remote := &Entry{InsertedAt: env.InsertedAt, TTL: env.TTL, Stamp: env.Stamp, size: len(key) + len(env.Value)}
			if !remote.Expired(now) {
				value, err := c.config.Decode(env.Value)
				if err == nil {
					remote.Value = value
					c.storeIfEpoch(t, key, remote, epoch)
					t.hits.Add(1)
					return remote, StatusHit
				}
				c.logger.WithError(err).WithField("key", key).Warn("Failed to decode cache entry from Redis")
			}
		}
	}

	t.misses.Add(1)
	return nil, StatusNotFound
}

// Put stores value under key. A ttl of zero uses the default TTL.
func (c *Cache) Put(ctx context.Context, tableName, key string, value interface{}, ttl time.Duration) {
	c.PutVersioned(ctx, tableName, key, value, ttl, time.Time{})
}

// PutVersioned stores value with the source timestamp it was computed from
func (c *Cache) PutVersioned(ctx context.Context, tableName, key string, value interface{}, ttl time.Duration, stamp time.Time) {
	t := c.table(tableName)
	entry, payload := c.newEntry(key, value, ttl, stamp)
	c.store(t, key, entry)
	c.writeThrough(ctx, tableName, key, entry, payload)
}

// PutIfEpoch stores value only if no invalidation touched the table since
// epoch was read. Callers read the epoch before loading from the source of
// truth so that a load racing with a write never repopulates the cache with
// the pre-write value. It reports whether the value was stored in L1. The
// Redis copy is withdrawn if an invalidation arrives while it is written.
func (c *Cache) PutIfEpoch(ctx context.Context, tableName, key string, value interface{}, ttl time.Duration, stamp time.Time, epoch uint64) bool {
	t := c.table(tableName)
	entry, payload := c.newEntry(key, value, ttl, stamp)
	if !c.storeIfEpoch(t, key, entry, epoch) {
		return false
	}
	if c.l2 == nil || payload == nil {
		return true
	}
	c.writeThrough(ctx, tableName, key, entry, payload)
	// An invalidation bumps the epoch before deleting from Redis. If it
	// landed after the L1 store, its delete may have run before our set.
	if t.epoch.Load() != epoch {
		c.l2.del(ctx, tableName, key)
	}
	return true
}

func (c *Cache) newEntry(key string, value interface{}, ttl time.Duration, stamp time.Time) (*Entry, []byte) {
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}
	entry := &Entry{
		Value:      value,
		InsertedAt: c.config.Clock(),
		TTL:        ttl,
		Stamp:      stamp,
		size:       len(key),
	}
	payload, err := json.Marshal(value)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Debug("Cache value is not JSON encodable, skipping Redis")
		return entry, nil
	}
	entry.size += len(payload)
	return entry, payload
}

func (c *Cache) writeThrough(ctx context.Context, tableName, key string, entry *Entry, payload []byte) {
	if c.l2 == nil || payload == nil {
		return
	}
	c.l2.set(ctx, tableName, key, envelope{
		Value:      payload,
		InsertedAt: entry.InsertedAt,
		TTL:        entry.TTL,
		Stamp:      entry.Stamp,
	}, entry.TTL)
}

func (c *Cache) store(t *table, key string, entry *Entry) {
	t.mu.Lock()
	c.insertLocked(t, key, entry)
	t.mu.Unlock()
}

func (c *Cache) storeIfEpoch(t *table, key string, entry *Entry, epoch uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Invalidations bump the epoch while holding the table lock
	if t.epoch.Load() != epoch {
		return false
	}
	if existing, ok := t.items[key]; ok && !entry.Stamp.IsZero() && existing.Stamp.After(entry.Stamp) {
		return false
	}
	c.insertLocked(t, key, entry)
	return true
}

// insertLocked requires t.mu held for writing
func (c *Cache) insertLocked(t *table, key string, entry *Entry) {
	if _, exists := t.items[key]; !exists && c.config.MaxEntries > 0 && len(t.items) >= c.config.MaxEntries {
		c.evictLocked(t)
	}
	t.items[key] = entry
}

// evictLocked drops expired entries, or the oldest entry if none are expired
func (c *Cache) evictLocked(t *table) {
	now := c.config.Clock()
	var (
		oldestKey string
		oldest    time.Time
		removed   int
	)
	for k, e := range t.items {
		if e.Expired(now) {
			delete(t.items, k)
			removed++
			continue
		}
		if oldestKey == "" || e.InsertedAt.Before(oldest) {
			oldestKey, oldest = k, e.InsertedAt
		}
	}
	if removed == 0 && oldestKey != "" {
		delete(t.items, oldestKey)
		removed = 1
	}
	t.evictions.Add(int64(removed))
}

// Invalidate removes a single key. It reports whether the key was present in L1.
func (c *Cache) Invalidate(ctx context.Context, tableName, key string) bool {
	t := c.table(tableName)
	t.mu.Lock()
	_, ok := t.items[key]
	delete(t.items, key)
	t.epoch.Add(1)
	t.mu.Unlock()

	if c.l2 != nil {
		c.l2.del(ctx, tableName, key)
	}
	return ok
}

// InvalidatePattern removes every key matching a segment-aware pattern and
// returns the number of L1 entries removed. See MatchPattern for the syntax.
func (c *Cache) InvalidatePattern(ctx context.Context, tableName, pattern string) int {
	if !HasWildcard(pattern) {
		if c.Invalidate(ctx, tableName, pattern) {
			return 1
		}
		return 0
	}
	match := func(key string) bool { return MatchPattern(pattern, key) }
	return c.InvalidateWhere(ctx, tableName, redisGlob(pattern), match)
}

// InvalidateWhere removes every key accepted by match. glob narrows the Redis
// SCAN and must select a superset of the keys match accepts.
func (c *Cache) InvalidateWhere(ctx context.Context, tableName, glob string, match func(key string) bool) int {
	t := c.table(tableName)
	removed := 0
	t.mu.Lock()
	for k := range t.items {
		if match(k) {
			delete(t.items, k)
			removed++
		}
	}
	t.epoch.Add(1)
	t.mu.Unlock()

	if c.l2 != nil {
		remote := c.l2.deleteMatching(ctx, tableName, glob, match)
		c.logger.WithFields(logrus.Fields{
			"table":  tableName,
			"glob":   glob,
			"local":  removed,
			"remote": remote,
		}).Debug("Invalidated cache entries")
	}
	return removed
}

// Clear drops every entry of a table
func (c *Cache) Clear(ctx context.Context, tableName string) int {
	return c.InvalidateWhere(ctx, tableName, "*", func(string) bool { return true })
}

// CleanupExpired removes stale L1 entries from a table. Only one sweep per
// table runs at a time; a concurrent call returns ErrSweepInProgress.
func (c *Cache) CleanupExpired(_ context.Context, tableName string) (int, error) {
	t := c.table(tableName)
	if !t.sweeping.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer t.sweeping.Store(false)

	now := c.config.Clock()
	removed := 0
	t.mu.Lock()
	for k, e := range t.items {
		if e.Expired(now) {
			delete(t.items, k)
			removed++
		}
	}
	t.mu.Unlock()

	t.sweeps.Add(1)
	t.expirations.Add(int64(removed))
	return removed, nil
}

// WarmSpec names the keys to preload for a user, optionally within a project
type WarmSpec struct {
	UserID    string   `json:"user_id"`
	Keys      []string `json:"keys"`
	ProjectID string   `json:"project_id,omitempty"`
}

// WarmEntry is a value produced by a WarmLoader
type WarmEntry struct {
	Key   string
	Value interface{}
	Stamp time.Time
	TTL   time.Duration
}

// WarmLoader computes the entries for a spec
type WarmLoader func(ctx context.Context, spec WarmSpec) ([]WarmEntry, error)

// WarmCache preloads a table. Loader failures are logged and collected; the
// remaining specs are still warmed. It returns the number of entries stored.
func (c *Cache) WarmCache(ctx context.Context, tableName string, specs []WarmSpec, loader WarmLoader) (int, error) {
	t := c.table(tableName)
	stored := 0
	var errs []error
	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		epoch := t.epoch.Load()
		entries, err := loader(ctx, spec)
		if err != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"user_id":    spec.UserID,
				"project_id": spec.ProjectID,
			}).Warn("Cache warm-up failed for spec")
			errs = append(errs, fmt.Errorf("warm %s: %w", spec.UserID, err))
			continue
		}
		for _, e := range entries {
			if c.PutIfEpoch(ctx, tableName, e.Key, e.Value, e.TTL, e.Stamp, epoch) {
				stored++
			}
		}
	}
	c.logger.WithFields(logrus.Fields{"table": tableName, "stored": stored}).Info("Cache warmed")
	return stored, errors.Join(errs...)
}

// Stats is a point-in-time view of one table
type Stats struct {
	Table          string `json:"table"`
	Size           int    `json:"size"`
	MemoryUsage    int    `json:"memory_usage"`
	ExpiredEntries int    `json:"expired_entries"`
	Hits           int64  `json:"hits"`
	Misses         int64  `json:"misses"`
	Expirations    int64  `json:"expirations"`
	Evictions      int64  `json:"evictions"`
	Sweeps         int64  `json:"sweeps"`
	Epoch          uint64 `json:"epoch"`
	L2Enabled      bool   `json:"l2_enabled"`
	BreakerState   string `json:"breaker_state,omitempty"`
}

// HitRate returns hits over lookups, or zero with no lookups
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns statistics for a table
func (c *Cache) Stats(tableName string) Stats {
	t := c.table(tableName)
	now := c.config.Clock()
	s := Stats{Table: tableName}

	t.mu.RLock()
	s.Size = len(t.items)
	for _, e := range t.items {
		s.MemoryUsage += e.size
		if e.Expired(now) {
			s.ExpiredEntries++
		}
	}
	t.mu.RUnlock()

	s.Hits = t.hits.Load()
	s.Misses = t.misses.Load()
	s.Expirations = t.expirations.Load()
	s.Evictions = t.evictions.Load()
	s.Sweeps = t.sweeps.Load()
	s.Epoch = t.epoch.Load()
	if c.l2 != nil {
		s.L2Enabled = true
		s.BreakerState = c.l2.state()
	}
	return s
}

// Keys returns the L1 keys of a table that match pattern, sorted
func (c *Cache) Keys(tableName, pattern string) []string {
	t := c.table(tableName)
	t.mu.RLock()
	var keys []string
	for k := range t.items {
		if pattern == "" || MatchPattern(pattern, k) {
			keys = append(keys, k)
		}
	}
	t.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// InvalidatePrefix removes every key that starts with prefix
func (c *Cache) InvalidatePrefix(ctx context.Context, tableName, prefix string) int {
	return c.InvalidateWhere(ctx, tableName, globEscaper.Replace(prefix)+"*", func(key string) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// InvalidateSuffix removes every key that ends with suffix
func (c *Cache) InvalidateSuffix(ctx context.Context, tableName, suffix string) int {
	return c.InvalidateWhere(ctx, tableName, "*"+globEscaper.Replace(suffix), func(key string) bool {
		return strings.HasSuffix(key, suffix)
	})
}
