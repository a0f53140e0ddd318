package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"postmedia/internal/config"
)

const promoteBatch = 100

type RetryPromoter interface {
	Promote(ctx context.Context, now time.Time, limit int) (int, error)
}

type PendingSweeper interface {
	SweepPending(ctx context.Context, staleAfter time.Duration, batch int) (int, error)
}

// Scheduler runs the periodic moderation retry jobs.
type Scheduler struct {
	cron    *cron.Cron
	retries RetryPromoter
	sweeper PendingSweeper
	cfg     config.JobsConfig
	log     zerolog.Logger
	timeout time.Duration
}

func NewScheduler(retries RetryPromoter, sweeper PendingSweeper, cfg config.JobsConfig, log zerolog.Logger) *Scheduler {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	return &Scheduler{
		cron:    c,
		retries: retries,
		sweeper: sweeper,
		cfg:     cfg,
		log:     log,
		timeout: 30 * time.Second,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.PromoteSpec, s.promoteDue); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSpec, s.sweepPending); err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) promoteDue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.retries.Promote(ctx, time.Now(), promoteBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("promote moderation retries failed")
		return
	}
	if n > 0 {
		s.log.Info().Int("count", n).Msg("moderation retries promoted")
	}
}

func (s *Scheduler) sweepPending() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	n, err := s.sweeper.SweepPending(ctx, s.cfg.SweepStaleAfter, s.cfg.SweepBatch)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep pending moderation failed")
		return
	}
	if n > 0 {
		s.log.Warn().Int("count", n).Msg("rescheduled pending images without a retry entry")
	}
}
