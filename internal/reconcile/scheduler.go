package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"

	"github.com/noah-isme/lensa-payments/internal/lock"
)

// Scheduler runs the sweep on a fixed interval.
type Scheduler struct {
	Sweeper  Runner
	Locker   TryLocker
	Interval time.Duration
	LockTTL  time.Duration
	Timeout  time.Duration
	Logger   zerolog.Logger

	cron *gocron.Scheduler
}

// Start schedules the sweep. The first run happens after one interval.
func (s *Scheduler) Start(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	s.cron = gocron.NewScheduler(time.UTC)
	s.cron.SingletonModeAll()
	if _, err := s.cron.Every(interval).WaitForSchedule().Do(s.tick, ctx); err != nil {
		return err
	}
	s.cron.StartAsync()
	s.Logger.Info().Dur("interval", interval).Msg("reconcile scheduler started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	_, err := RunExclusive(ctx, s.Locker, s.LockTTL, s.Sweeper)
	switch {
	case errors.Is(err, lock.ErrNotAcquired):
		s.Logger.Debug().Msg("reconcile: sweep already running elsewhere, skipping")
	case err != nil:
		s.Logger.Error().Err(err).Msg("reconcile: scheduled sweep failed")
	}
}
