// Package janitor runs the daemon's periodic housekeeping: sweeping
// expired tokens out of the auth manager and evicting terminal tasks
// past their retention window from the distributor. It wraps gocron;
// each sweep runs in singleton mode so a slow pass is rescheduled
// rather than stacked.
package janitor

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/YigremTamiru/cell0-os-sub002/internal/auth"
	"github.com/YigremTamiru/cell0-os-sub002/internal/distributor"
)

const (
	// DefaultTokenSweepInterval is how often expired tokens are purged.
	DefaultTokenSweepInterval = 5 * time.Minute

	// DefaultTaskEvictInterval is how often terminal tasks older than
	// the distributor's retention window are dropped.
	DefaultTaskEvictInterval = time.Hour
)

// Config tunes the sweep cadence. Zero values take the defaults.
type Config struct {
	TokenSweepInterval time.Duration
	TaskEvictInterval  time.Duration
}

// Janitor owns the gocron scheduler and the two sweep jobs. dist may be
// nil when the daemon runs without a distributor; the task sweep is
// then not scheduled.
type Janitor struct {
	cron   gocron.Scheduler
	tokens *auth.Manager
	dist   *distributor.Distributor
	logger *zap.Logger
}

// New creates the janitor. Call Start to begin sweeping.
func New(cfg Config, tokens *auth.Manager, dist *distributor.Distributor, logger *zap.Logger) (*Janitor, error) {
	if cfg.TokenSweepInterval <= 0 {
		cfg.TokenSweepInterval = DefaultTokenSweepInterval
	}
	if cfg.TaskEvictInterval <= 0 {
		cfg.TaskEvictInterval = DefaultTaskEvictInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("janitor: create scheduler: %w", err)
	}

	j := &Janitor{
		cron:   s,
		tokens: tokens,
		dist:   dist,
		logger: logger.Named("janitor"),
	}

	_, err = s.NewJob(
		gocron.DurationJob(cfg.TokenSweepInterval),
		gocron.NewTask(j.sweepTokens),
		gocron.WithTags("token-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("janitor: schedule token sweep: %w", err)
	}

	if dist != nil {
		_, err = s.NewJob(
			gocron.DurationJob(cfg.TaskEvictInterval),
			gocron.NewTask(j.evictTasks),
			gocron.WithTags("task-evict"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("janitor: schedule task eviction: %w", err)
		}
	}

	return j, nil
}

// Start begins the sweep schedule.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started")
}

// Stop shuts the scheduler down, waiting for a running sweep to finish.
func (j *Janitor) Stop() error {
	if err := j.cron.Shutdown(); err != nil {
		return fmt.Errorf("janitor: shutdown: %w", err)
	}
	j.logger.Info("janitor stopped")
	return nil
}

func (j *Janitor) sweepTokens() {
	if removed := j.tokens.CleanupExpired(); removed > 0 {
		j.logger.Info("expired tokens swept", zap.Int("removed", removed))
	}
}

func (j *Janitor) evictTasks() {
	if evicted := j.dist.EvictTerminal(); evicted > 0 {
		j.logger.Info("terminal tasks evicted", zap.Int("evicted", evicted))
	}
}
