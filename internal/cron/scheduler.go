// Package cron runs the archive retention sweep on a cron schedule,
// purging transcript entries older than the configured horizon.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/whytehoux-projecty/LAS/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	// Schedule is a 5-field cron expression for the sweep.
	Schedule string
	// TranscriptDays is the retention horizon; entries older than this
	// are purged. Non-positive disables the sweep entirely.
	TranscriptDays int
	Interval       time.Duration // tick interval; defaults to 1 minute if zero
}

// Scheduler periodically checks whether the retention sweep is due and
// runs it against the archive.
type Scheduler struct {
	store          *persistence.Store
	logger         *slog.Logger
	schedule       cronlib.Schedule
	transcriptDays int
	interval       time.Duration

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. The cron expression is validated here
// so a bad config fails at startup, not at 3am.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:          cfg.Store,
		logger:         logger,
		schedule:       schedule,
		transcriptDays: cfg.TranscriptDays,
		interval:       interval,
		nextRun:        schedule.Next(time.Now()),
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	if s.transcriptDays <= 0 {
		s.logger.Info("retention sweep disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started",
		"next_run_at", s.NextRun(),
		"transcript_days", s.transcriptDays,
	)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// NextRun returns the next scheduled sweep time.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the sweep when the schedule has come due.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.schedule.Next(now)
	}
	s.mu.Unlock()
	if !due {
		return
	}

	s.Sweep(ctx)
}

// Sweep runs one retention pass immediately, independent of the schedule.
func (s *Scheduler) Sweep(ctx context.Context) {
	result, err := s.store.RunRetention(ctx, s.transcriptDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	s.logger.Info("retention sweep complete",
		"purged_entries", result.PurgedEntries,
		"purged_sessions", result.PurgedSessions,
		"next_run_at", s.NextRun(),
	)
}
