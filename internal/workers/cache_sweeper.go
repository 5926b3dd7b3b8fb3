package workers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tesseract-hub/preferences-service/internal/cache"
	"github.com/tesseract-hub/preferences-service/internal/health"
)

// SweepTarget is the part of the cache the sweeper drives
type SweepTarget interface {
	Tables() []string
	CleanupExpired(ctx context.Context, table string) (int, error)
}

// CacheSweeper periodically removes expired entries from every cache table
type CacheSweeper struct {
	target   SweepTarget
	schedule string
	logger   *logrus.Logger
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
	lastRun  time.Time
	removed  int
}

// NewCacheSweeper creates a new cache sweeper
func NewCacheSweeper(target SweepTarget, schedule string, logger *logrus.Logger) *CacheSweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CacheSweeper{
		target:   target,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the sweep job. An empty schedule disables the sweeper.
func (s *CacheSweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.schedule == "" {
		s.logger.Info("Cache sweeper is disabled")
		return nil
	}

	s.cron = newCron(s.logger)
	if _, err := s.cron.AddFunc(cronSpec(s.schedule), func() { s.Sweep(context.Background()) }); err != nil {
		s.logger.WithError(err).Error("Failed to schedule cache sweep")
		return err
	}

	s.cron.Start()
	s.running = true
	s.logger.WithField("schedule", s.schedule).Info("Cache sweeper started")
	return nil
}

// Stop stops the scheduler and waits for a running sweep to finish. The
// lock is released before waiting since Sweep records its result under it.
func (s *CacheSweeper) Stop() {
	s.mu.Lock()
	if !s.running || s.cron == nil {
		s.mu.Unlock()
		return
	}
	c := s.cron
	s.running = false
	s.mu.Unlock()

	<-c.Stop().Done()
	s.logger.Info("Cache sweeper stopped")
}

// Sweep cleans every table once and returns the number of entries removed.
// Tables already being swept by another caller are skipped.
func (s *CacheSweeper) Sweep(ctx context.Context) int {
	start := time.Now()
	total := 0
	skipped := 0

	for _, table := range s.target.Tables() {
		removed, err := s.target.CleanupExpired(ctx, table)
		if errors.Is(err, cache.ErrSweepInProgress) {
			skipped++
			s.logger.WithField("table", table).Debug("Sweep already in progress, skipping table")
			continue
		}
		if err != nil {
			s.logger.WithError(err).WithField("table", table).Warn("Failed to sweep cache table")
			continue
		}
		health.RecordCacheSweep(table, removed)
		total += removed
	}

	s.mu.Lock()
	s.lastRun = start
	s.removed = total
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"removed":  total,
		"skipped":  skipped,
		"duration": time.Since(start).String(),
	}).Debug("Cache sweep completed")
	return total
}

// IsRunning returns whether the scheduler is running
func (s *CacheSweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// GetStats returns sweeper statistics
func (s *CacheSweeper) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{
		"running":      s.running,
		"schedule":     s.schedule,
		"last_removed": s.removed,
	}
	if !s.lastRun.IsZero() {
		stats["last_run"] = s.lastRun.Format(time.RFC3339)
	}
	if s.cron != nil && s.running {
		if entries := s.cron.Entries(); len(entries) > 0 {
			stats["next_run"] = entries[0].Next.Format(time.RFC3339)
		}
	}
	return stats
}
