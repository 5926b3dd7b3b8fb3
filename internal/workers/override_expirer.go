package workers

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Expirer deactivates overrides whose temporary window has closed
type Expirer interface {
	ExpireTemporaryOverrides(ctx context.Context) (int, error)
}

// OverrideExpirer runs the override expiry job on a schedule
type OverrideExpirer struct {
	expirer  Expirer
	schedule string
	timeout  time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron
	mu       sync.Mutex
	running  bool
}

// NewOverrideExpirer creates a new override expirer
func NewOverrideExpirer(expirer Expirer, schedule string, logger *logrus.Logger) *OverrideExpirer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &OverrideExpirer{
		expirer:  expirer,
		schedule: schedule,
		timeout:  time.Minute,
		logger:   logger,
	}
}

// Start schedules the expiry job. An empty schedule disables it.
func (e *OverrideExpirer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if e.schedule == "" {
		e.logger.Info("Override expiry is disabled")
		return nil
	}

	e.cron = newCron(e.logger)
	if _, err := e.cron.AddFunc(cronSpec(e.schedule), e.run); err != nil {
		e.logger.WithError(err).Error("Failed to schedule override expiry")
		return err
	}

	e.cron.Start()
	e.running = true
	e.logger.WithField("schedule", e.schedule).Info("Override expirer started")
	return nil
}

// Stop stops the scheduler and waits for a running job to finish
func (e *OverrideExpirer) Stop() {
	e.mu.Lock()
	if !e.running || e.cron == nil {
		e.mu.Unlock()
		return
	}
	c := e.cron
	e.running = false
	e.mu.Unlock()

	<-c.Stop().Done()
	e.logger.Info("Override expirer stopped")
}

// IsRunning returns whether the scheduler is running
func (e *OverrideExpirer) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *OverrideExpirer) run() {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	n, err := e.expirer.ExpireTemporaryOverrides(ctx)
	if err != nil {
		e.logger.WithError(err).WithField("expired", n).Error("Override expiry failed")
		return
	}
	e.logger.WithField("expired", n).Debug("Override expiry completed")
}
