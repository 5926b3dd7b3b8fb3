package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestCache(clock *fakeClock, maxEntries int) *Cache {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(Config{
		DefaultTTL: time.Minute,
		MaxEntries: maxEntries,
		Logger:     logger,
		Clock:      clock.Now,
	})
}

func TestCache_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "t", "k", "v", time.Hour)

	got, ok := c.Get(ctx, "t", "k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, status := c.Lookup(ctx, "other", "k")
	assert.Equal(t, StatusNotFound, status, "tables are independent")
}

func TestCache_ExpiredEntryRemovedOnAccess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "t", "k", "v", time.Second)
	assert.Equal(t, 1, c.Stats("t").Size)
	assert.Equal(t, 0, c.Stats("t").ExpiredEntries)

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Stats("t").ExpiredEntries)

	_, status := c.Lookup(ctx, "t", "k")
	assert.Equal(t, StatusExpired, status)

	stats := c.Stats("t")
	assert.Equal(t, 0, stats.Size)
	assert.Equal(t, int64(1), stats.Expirations)

	_, status = c.Lookup(ctx, "t", "k")
	assert.Equal(t, StatusNotFound, status)
}

func TestCache_DefaultTTLApplied(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "t", "k", 1, 0)
	entry, status := c.Lookup(ctx, "t", "k")
	require.Equal(t, StatusHit, status)
	assert.Equal(t, time.Minute, entry.TTL)
}

func TestCache_InvalidatePattern(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	for _, k := range []string{
		"user1:ui.theme:global",
		"user1:ui.theme:proj1",
		"user1:editor.tab_size:global",
		"user2:ui.theme:global",
	} {
		c.Put(ctx, "prefs", k, "x", time.Hour)
	}

	removed := c.InvalidatePattern(ctx, "prefs", "user1:*")
	assert.Equal(t, 3, removed)
	assert.Equal(t, []string{"user2:ui.theme:global"}, c.Keys("prefs", ""))
}

func TestCache_InvalidatePatternMiddleWildcard(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "prefs", "user1:ui.theme:proj1", "x", time.Hour)
	c.Put(ctx, "prefs", "user2:ui.theme:proj1", "x", time.Hour)
	c.Put(ctx, "prefs", "user1:ui.theme:proj2", "x", time.Hour)
	c.Put(ctx, "prefs", "user1:ui.font:proj1", "x", time.Hour)

	assert.Equal(t, 2, c.InvalidatePattern(ctx, "prefs", "*:ui.theme:proj1"))
	assert.Equal(t, []string{"user1:ui.font:proj1", "user1:ui.theme:proj2"}, c.Keys("prefs", ""))
}

func TestCache_InvalidatePrefixAndSuffix(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "prefs", "user1:ui.theme:proj1", "x", time.Hour)
	c.Put(ctx, "prefs", "user2:editor.tab_size:proj1", "x", time.Hour)
	c.Put(ctx, "prefs", "user1:ui.theme:proj10", "x", time.Hour)

	removed := c.InvalidateSuffix(ctx, "prefs", ":proj1")
	assert.Equal(t, 2, removed)
	assert.Equal(t, []string{"user1:ui.theme:proj10"}, c.Keys("prefs", ""))

	c.Put(ctx, "prefs", "user.a:ui.theme:global", "x", time.Hour)
	assert.Equal(t, 1, c.InvalidatePrefix(ctx, "prefs", "user.a:"))
}

func TestCache_EpochGuardsStaleWrites(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	epoch := c.Epoch("prefs")
	// A writer invalidates between the read of the epoch and the store
	c.Invalidate(ctx, "prefs", "user1:ui.theme:global")

	stored := c.PutIfEpoch(ctx, "prefs", "user1:ui.theme:global", "stale", time.Hour, time.Time{}, epoch)
	assert.False(t, stored)
	_, ok := c.Get(ctx, "prefs", "user1:ui.theme:global")
	assert.False(t, ok)

	stored = c.PutIfEpoch(ctx, "prefs", "user1:ui.theme:global", "fresh", time.Hour, time.Time{}, c.Epoch("prefs"))
	assert.True(t, stored)
}

func TestCache_OlderStampDoesNotReplaceNewer(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)
	newer := clock.Now()
	older := newer.Add(-time.Minute)

	c.PutVersioned(ctx, "prefs", "k", "new", time.Hour, newer)
	assert.False(t, c.PutIfEpoch(ctx, "prefs", "k", "old", time.Hour, older, c.Epoch("prefs")))

	got, _ := c.Get(ctx, "prefs", "k")
	assert.Equal(t, "new", got)
}

func TestCache_CleanupExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "t", "short", 1, time.Second)
	c.Put(ctx, "t", "long", 2, time.Hour)
	clock.Advance(time.Minute)

	removed, err := c.CleanupExpired(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, c.Stats("t").Size)
	assert.Equal(t, int64(1), c.Stats("t").Sweeps)
}

func TestCache_CleanupExpiredSingleSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	tbl := c.table("t")
	tbl.sweeping.Store(true)

	_, err := c.CleanupExpired(ctx, "t")
	assert.ErrorIs(t, err, ErrSweepInProgress)

	tbl.sweeping.Store(false)
	_, err = c.CleanupExpired(ctx, "t")
	assert.NoError(t, err)
}

func TestCache_MaxEntriesEvictsOldest(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 2)

	c.Put(ctx, "t", "a", 1, time.Hour)
	clock.Advance(time.Second)
	c.Put(ctx, "t", "b", 2, time.Hour)
	clock.Advance(time.Second)
	c.Put(ctx, "t", "c", 3, time.Hour)

	assert.Equal(t, []string{"b", "c"}, c.Keys("t", ""))
	assert.Equal(t, int64(1), c.Stats("t").Evictions)
}

func TestCache_MaxEntriesPrefersExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 2)

	c.Put(ctx, "t", "a", 1, time.Hour)
	c.Put(ctx, "t", "b", 2, time.Second)
	clock.Advance(time.Minute)
	c.Put(ctx, "t", "c", 3, time.Hour)

	assert.Equal(t, []string{"a", "c"}, c.Keys("t", ""))
}

func TestCache_StatsCounters(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	c.Put(ctx, "t", "k", "value", time.Hour)
	c.Get(ctx, "t", "k")
	c.Get(ctx, "t", "missing")

	stats := c.Stats("t")
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate(), 0.0001)
	assert.Equal(t, len("k")+len(`"value"`), stats.MemoryUsage)
	assert.False(t, stats.L2Enabled)
}

func TestCache_WarmCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	c := newTestCache(clock, 0)

	specs := []WarmSpec{
		{UserID: "u1", Keys: []string{"ui.theme", "ui.font"}},
		{UserID: "broken", Keys: []string{"ui.theme"}},
	}
	loader := func(_ context.Context, spec WarmSpec) ([]WarmEntry, error) {
		if spec.UserID == "broken" {
			return nil, errors.New("boom")
		}
		var out []WarmEntry
		for _, k := range spec.Keys {
			out = append(out, WarmEntry{Key: spec.UserID + ":" + k + ":global", Value: k})
		}
		return out, nil
	}

	stored, err := c.WarmCache(ctx, "prefs", specs, loader)
	assert.Error(t, err)
	assert.Equal(t, 2, stored)
	assert.Equal(t, []string{"u1:ui.font:global", "u1:ui.theme:global"}, c.Keys("prefs", ""))
}

func TestCache_Tables(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(newFakeClock(), 0)
	c.Put(ctx, "b", "k", 1, 0)
	c.Put(ctx, "a", "k", 1, 0)
	assert.Equal(t, []string{"a", "b"}, c.Tables())
}
