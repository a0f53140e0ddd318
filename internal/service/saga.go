package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"postmedia/internal/metrics"
)

// step is one stage of an upload. undo reverses whatever run may have left
// behind and is also called when run itself fails part way.
type step struct {
	name string
	run  func(ctx context.Context) error
	undo func(ctx context.Context) error
}

type saga struct {
	steps          []step
	cleanupTimeout time.Duration
	metrics        *metrics.Metrics
	log            zerolog.Logger
}

// run executes the steps in order. On the first failure the undo actions of
// the failed step and every completed step run in reverse order, then the
// step's error is returned.
func (s *saga) run(ctx context.Context) error {
	done := make([]step, 0, len(s.steps))
	for _, st := range s.steps {
		start := time.Now()
		err := st.run(ctx)
		s.metrics.ObserveStage(st.name, time.Since(start))
		done = append(done, st)
		if err != nil {
			s.compensate(ctx, done)
			return err
		}
	}
	return nil
}

// compensate ignores cancellation of the caller's context: cleanup must
// finish even when the upload was aborted.
func (s *saga) compensate(ctx context.Context, done []step) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cleanupTimeout)
	defer cancel()

	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.undo == nil {
			continue
		}
		if err := st.undo(ctx); err != nil {
			s.metrics.Compensation("failed")
			s.log.Error().Err(err).Str("stage", st.name).Msg("compensation failed")
			continue
		}
		s.metrics.Compensation("ok")
		s.log.Debug().Str("stage", st.name).Msg("compensation applied")
	}
}
