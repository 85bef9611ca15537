package dialog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/chatguard/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSweepSchedule runs the idle sweep every minute.
const DefaultSweepSchedule = "* * * * *"

// Sweepable is a session store that can drop idle sessions itself.
type Sweepable interface {
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// Sweeper periodically expires sessions idle for longer than a timeout.
type Sweeper struct {
	store    Sweepable
	idle     time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
	now      func() time.Time
}

// NewSweeper creates a sweeper. It does nothing until Start is called.
func NewSweeper(store Sweepable, idle time.Duration, schedule string, logger zerolog.Logger) (*Sweeper, error) {
	if idle <= 0 {
		return nil, errors.New("idle timeout must be positive")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := ParseSchedule(schedule); err != nil {
		return nil, err
	}

	return &Sweeper{
		store:    store,
		idle:     idle,
		schedule: schedule,
		logger:   logger.With().Str("component", "dialog_sweeper").Logger(),
		now:      time.Now,
	}, nil
}

// Start schedules the sweep job.
func (s *Sweeper) Start() error {
	if s.cron != nil {
		return fmt.Errorf("sweeper is already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() {
		if _, err := s.SweepOnce(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("Failed to sweep idle dialogs")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info().
		Dur("idle_timeout", s.idle).
		Str("schedule", s.schedule).
		Msg("Dialog sweeper started")
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info().Msg("Dialog sweeper stopped")
}

// SweepOnce expires idle sessions now.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	removed, err := s.store.Sweep(ctx, s.now().Add(-s.idle))
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		observability.RecordDialogsExpired(removed)
		s.logger.Info().Int("count", removed).Msg("Expired idle dialogs")
	}
	return removed, nil
}
