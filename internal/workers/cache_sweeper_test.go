package workers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tesseract-hub/preferences-service/internal/cache"
)

type MockSweepTarget struct {
	mock.Mock
}

func (m *MockSweepTarget) Tables() []string {
	args := m.Called()
	return args.Get(0).([]string)
}

func (m *MockSweepTarget) CleanupExpired(ctx context.Context, table string) (int, error) {
	args := m.Called(ctx, table)
	return args.Int(0), args.Error(1)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestCacheSweeper_SweepAllTables(t *testing.T) {
	target := new(MockSweepTarget)
	target.On("Tables").Return([]string{"preferences", "definitions", "busy", "broken"})
	target.On("CleanupExpired", mock.Anything, "preferences").Return(3, nil)
	target.On("CleanupExpired", mock.Anything, "definitions").Return(1, nil)
	target.On("CleanupExpired", mock.Anything, "busy").Return(0, cache.ErrSweepInProgress)
	target.On("CleanupExpired", mock.Anything, "broken").Return(0, errors.New("boom"))

	sweeper := NewCacheSweeper(target, "@every 1m", quietLogger())
	assert.Equal(t, 4, sweeper.Sweep(context.Background()))
	target.AssertExpectations(t)

	stats := sweeper.GetStats()
	assert.Equal(t, 4, stats["last_removed"])
	assert.Contains(t, stats, "last_run")
}

func TestCacheSweeper_RemovesExpiredEntries(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := cache.New(cache.Config{
		DefaultTTL: time.Minute,
		Logger:     quietLogger(),
		Clock:      func() time.Time { return now },
	})
	ctx := context.Background()
	c.Put(ctx, "preferences", "u1:ui.theme:global", "dark", time.Second)
	c.Put(ctx, "preferences", "u2:ui.theme:global", "light", time.Hour)

	now = now.Add(time.Minute)
	sweeper := NewCacheSweeper(c, "", quietLogger())
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	assert.Equal(t, []string{"u2:ui.theme:global"}, c.Keys("preferences", ""))
}

func TestCacheSweeper_StartStop(t *testing.T) {
	target := new(MockSweepTarget)
	sweeper := NewCacheSweeper(target, "*/5 * * * *", quietLogger())

	require.NoError(t, sweeper.Start())
	assert.True(t, sweeper.IsRunning())
	assert.Contains(t, sweeper.GetStats(), "next_run")

	sweeper.Stop()
	assert.False(t, sweeper.IsRunning())
}

func TestCacheSweeper_DisabledOrInvalidSchedule(t *testing.T) {
	disabled := NewCacheSweeper(new(MockSweepTarget), "", quietLogger())
	require.NoError(t, disabled.Start())
	assert.False(t, disabled.IsRunning())

	invalid := NewCacheSweeper(new(MockSweepTarget), "not a schedule", quietLogger())
	assert.Error(t, invalid.Start())
	assert.False(t, invalid.IsRunning())
}

type MockExpirer struct {
	mock.Mock
}

func (m *MockExpirer) ExpireTemporaryOverrides(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestOverrideExpirer_Run(t *testing.T) {
	expirer := new(MockExpirer)
	expirer.On("ExpireTemporaryOverrides", mock.Anything).Return(2, nil).Once()
	expirer.On("ExpireTemporaryOverrides", mock.Anything).Return(0, errors.New("db down")).Once()

	job := NewOverrideExpirer(expirer, "@every 5m", quietLogger())
	job.run()
	job.run()
	expirer.AssertNumberOfCalls(t, "ExpireTemporaryOverrides", 2)

	require.NoError(t, job.Start())
	assert.True(t, job.IsRunning())
	job.Stop()
	assert.False(t, job.IsRunning())
}

func TestCronSpec(t *testing.T) {
	assert.Equal(t, "0 */5 * * * *", cronSpec("*/5 * * * *"))
	assert.Equal(t, "@every 1m", cronSpec("@every 1m"))
	assert.Equal(t, "30 0 2 * * *", cronSpec("30 0 2 * * *"))
}

// blockingTarget holds every CleanupExpired call until release is closed
type blockingTarget struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingTarget() *blockingTarget {
	return &blockingTarget{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTarget) Tables() []string { return []string{"preferences"} }

func (b *blockingTarget) CleanupExpired(ctx context.Context, _ string) (int, error) {
	b.once.Do(func() { close(b.started) })
	<-b.release
	return 1, nil
}

func (b *blockingTarget) ExpireTemporaryOverrides(ctx context.Context) (int, error) {
	return b.CleanupExpired(ctx, "")
}

func stopsWithin(t *testing.T, stop func(), release chan struct{}) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before the running job finished")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return after the running job finished")
	}
}

func TestCacheSweeper_StopDuringSweep(t *testing.T) {
	target := newBlockingTarget()
	sweeper := NewCacheSweeper(target, "* * * * * *", quietLogger())
	require.NoError(t, sweeper.Start())

	select {
	case <-target.started:
	case <-time.After(3 * time.Second):
		t.Fatal("sweep never started")
	}

	stopsWithin(t, sweeper.Stop, target.release)
	assert.False(t, sweeper.IsRunning())
	assert.Equal(t, 1, sweeper.GetStats()["last_removed"])
}

func TestOverrideExpirer_StopDuringRun(t *testing.T) {
	target := newBlockingTarget()
	job := NewOverrideExpirer(target, "* * * * * *", quietLogger())
	require.NoError(t, job.Start())

	select {
	case <-target.started:
	case <-time.After(3 * time.Second):
		t.Fatal("expiry never started")
	}

	stopsWithin(t, job.Stop, target.release)
	assert.False(t, job.IsRunning())
}
