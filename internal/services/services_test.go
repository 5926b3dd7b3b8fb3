package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/tesseract-hub/preferences-service/internal/cache"
	"github.com/tesseract-hub/preferences-service/internal/models"
	"github.com/tesseract-hub/preferences-service/internal/repository"
	"github.com/tesseract-hub/preferences-service/internal/tracker"
	"github.com/tesseract-hub/preferences-service/internal/validation"
	"github.com/tesseract-hub/preferences-service/internal/watcher"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// harness wires every service over the in-memory repository
type harness struct {
	ctx      context.Context
	clock    *testClock
	repo     *repository.MemoryRepository
	cache    *cache.Cache
	tracker  *tracker.Tracker
	watcher  *watcher.Watcher
	resolver *Resolver
	manager  *OverrideManager
	writer   *PreferenceWriter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	clock := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := repository.NewMemoryRepository().WithClock(clock.Now)
	c := cache.New(cache.Config{
		DefaultTTL: time.Minute,
		Logger:     logger,
		Clock:      clock.Now,
	})
	tr := tracker.New(64)
	w := watcher.New(watcher.Config{Logger: logger, Repository: repo, Tracker: tr})
	resolver := NewResolver(ResolverConfig{
		Repository: repo,
		Cache:      c,
		Tracker:    tr,
		Logger:     logger,
		TTL:        time.Minute,
		Clock:      clock.Now,
	})
	v := validation.New()

	return &harness{
		ctx:      context.Background(),
		clock:    clock,
		repo:     repo,
		cache:    c,
		tracker:  tr,
		watcher:  w,
		resolver: resolver,
		manager:  NewOverrideManager(repo, resolver, w, v, logger),
		writer:   NewPreferenceWriter(repo, resolver, w, v, logger),
	}
}

func (h *harness) seedDefault(t *testing.T, key string, dt models.DataType, category models.Category, value interface{}, c models.Constraints) {
	t.Helper()
	encoded, err := models.EncodeValue(value)
	require.NoError(t, err)
	require.NoError(t, h.writer.SetSystemDefault(h.ctx, &models.SystemDefault{
		PreferenceKey: key,
		DefaultValue:  encoded,
		DataType:      dt,
		Category:      category,
		Constraints:   datatypes.NewJSONType(c),
		AccessLevel:   models.AccessUser,
	}))
}

func (h *harness) seedTheme(t *testing.T) {
	t.Helper()
	h.seedDefault(t, "ui.theme", models.DataTypeString, models.CategoryUI, "light", models.Constraints{
		AllowedValues: []interface{}{"light", "dark", "solarized"},
	})
}

func (h *harness) enable(t *testing.T, projectID string, maxOverrides *int, categories ...string) {
	t.Helper()
	_, err := h.manager.EnableProjectOverrides(h.ctx, EnableRequest{
		ProjectID:    projectID,
		Categories:   categories,
		MaxOverrides: maxOverrides,
		EnabledBy:    "admin@example.com",
	})
	require.NoError(t, err)
}

func ptr[T any](v T) *T { return &v }
