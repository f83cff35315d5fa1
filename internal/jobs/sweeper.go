package jobs

import (
	"context"
	"time"

	"github.com/BartekS5/pagesync/internal/event"
	"github.com/BartekS5/pagesync/internal/store"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
)

// Sweeper fails running jobs whose heartbeat went stale and removes old
// terminal jobs. It never touches checkpoints of the jobs it fails.
type Sweeper struct {
	store      store.Store
	bus        event.Bus
	logger     zerolog.Logger
	staleAfter time.Duration
	retention  time.Duration
	now        func() time.Time
}

// NewSweeper returns a sweeper. A zero retention disables cleanup.
func NewSweeper(st store.Store, bus event.Bus, logger zerolog.Logger, staleAfter, retention time.Duration) *Sweeper {
	if bus == nil {
		bus = event.Nop{}
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Sweeper{
		store:      st,
		bus:        bus,
		logger:     logger,
		staleAfter: staleAfter,
		retention:  retention,
		now:        time.Now,
	}
}

// SweepStale marks crashed jobs as failed and returns their ids.
func (s *Sweeper) SweepStale(ctx context.Context) ([]string, error) {
	jobErr := models.JobError{
		Kind:    models.KindCrashed,
		Message: "no heartbeat for " + s.staleAfter.String(),
	}
	ids, err := s.store.FailStale(ctx, s.now().Add(-s.staleAfter), jobErr)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.logger.Warn().Str("job_id", id).Dur("stale_after", s.staleAfter).Msg("job marked as crashed")
		_ = s.bus.Publish(ctx, event.Event{
			Type: event.EventJobFailed,
			Payload: event.JobEvent{
				JobID:  id,
				Status: models.StatusFailed,
				Error:  &jobErr,
			},
		})
	}
	return ids, nil
}

// Cleanup deletes terminal jobs older than the retention window.
func (s *Sweeper) Cleanup(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteTerminalBefore(ctx, s.now().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("deleted", n).Dur("retention", s.retention).Msg("old jobs removed")
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepStale(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("stale job sweep failed")
		}
		if _, err := s.Cleanup(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("job cleanup failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
