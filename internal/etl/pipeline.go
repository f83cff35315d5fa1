package etl

import (
	"context"
	"iter"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
)

// Pipeline batches the records of a run into a Loader. Its Flush method is
// meant to be the run's flush hook, so every checkpoint only ever covers
// records that were loaded.
type Pipeline struct {
	Loader    Loader
	BatchSize int
	DryRun    bool

	logger  zerolog.Logger
	buf     []models.Record
	err     error
	loaded  int64
	started time.Time
}

func NewPipeline(loader Loader, batchSize int, dryRun bool, logger zerolog.Logger) *Pipeline {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Pipeline{
		Loader:    loader,
		BatchSize: batchSize,
		DryRun:    dryRun || loader == nil,
		logger:    logger,
		buf:       make([]models.Record, 0, batchSize),
	}
}

// Consume drains records, loading a batch whenever the buffer fills. A load
// failure stops the range; the run then sees the same error from Flush.
func (p *Pipeline) Consume(ctx context.Context, records iter.Seq[models.Record]) error {
	p.started = time.Now()
	for rec := range records {
		p.buf = append(p.buf, rec)
		if len(p.buf) >= p.BatchSize {
			if err := p.Flush(ctx); err != nil {
				break
			}
		}
	}
	if err := p.Flush(ctx); err != nil {
		return err
	}

	duration := time.Since(p.started)
	rate := 0.0
	if duration.Seconds() > 0 {
		rate = float64(p.loaded) / duration.Seconds()
	}
	p.logger.Info().
		Int64("loaded", p.loaded).
		Bool("dry_run", p.DryRun).
		Float64("rate", rate).
		Msg("pipeline drained")
	return nil
}

// Flush loads the buffered records. Once a load fails every later call
// returns the same error.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p.err != nil {
		return p.err
	}
	if len(p.buf) == 0 {
		return nil
	}

	count := len(p.buf)
	if p.DryRun {
		p.logger.Info().Int("records", count).Msg("[DRY RUN] would load batch")
	} else if err := p.Loader.Load(ctx, p.buf); err != nil {
		p.err = &LoadError{Err: err}
		p.logger.Error().Err(err).Int("records", count).Msg("loading batch failed")
		return p.err
	}

	p.loaded += int64(count)
	p.buf = p.buf[:0]
	p.logger.Debug().Int("records", count).Int64("total", p.loaded).Msg("batch loaded")
	return nil
}

// Loaded returns how many records were handed to the loader.
func (p *Pipeline) Loaded() int64 { return p.loaded }
