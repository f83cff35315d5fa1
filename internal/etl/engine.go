package etl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/BartekS5/pagesync/internal/event"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
)

// Options tune one engine. Zero values fall back to the defaults below,
// except JobTimeout where zero disables the timeout. A negative MaxRetries
// disables retries.
type Options struct {
	PageSize              int
	CheckpointInterval    int
	MaxPages              int
	MaxRetries            int
	BackoffBase           time.Duration
	MaxRetryWait          time.Duration
	JobTimeout            time.Duration
	AbortOnTransformError bool
}

func DefaultOptions() Options {
	return Options{
		PageSize:           100,
		CheckpointInterval: 10,
		MaxPages:           10000,
		MaxRetries:         DefaultMaxRetries,
		BackoffBase:        DefaultBackoffBase,
		MaxRetryWait:       DefaultMaxRetryWait,
		JobTimeout:         24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PageSize <= 0 {
		o.PageSize = d.PageSize
	}
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = d.CheckpointInterval
	}
	if o.MaxPages <= 0 {
		o.MaxPages = d.MaxPages
	}
	switch {
	case o.MaxRetries == 0:
		o.MaxRetries = d.MaxRetries
	case o.MaxRetries < 0:
		o.MaxRetries = 0
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.MaxRetryWait <= 0 {
		o.MaxRetryWait = d.MaxRetryWait
	}
	return o
}

// Deps are the capabilities the engine writes through. Only Checkpoints is
// required.
type Deps struct {
	Checkpoints CheckpointStore
	Progress    ProgressRecorder
	Signal      Signal
	Bus         event.Bus
	Logger      zerolog.Logger
}

// Engine drives a cursor-paginated extraction for one job at a time per Run.
// It holds no per-job state and may be shared across jobs.
type Engine struct {
	deps    Deps
	opts    Options
	retrier *Retrier
	now     func() time.Time
}

func NewEngine(deps Deps, opts Options) *Engine {
	if deps.Bus == nil {
		deps.Bus = event.Nop{}
	}
	opts = opts.withDefaults()
	return &Engine{
		deps:    deps,
		opts:    opts,
		retrier: NewRetrier(opts.MaxRetries, opts.BackoffBase, opts.MaxRetryWait, deps.Logger),
		now:     time.Now,
	}
}

func (e *Engine) Options() Options { return e.opts }

// RunSpec describes one extraction run.
type RunSpec struct {
	JobID       string
	TenantID    string
	Source      PageSource
	Transformer Transformer

	// Resume loads the latest checkpoint of the job before the first fetch.
	// ResumeFrom, when set, is used instead of loading one.
	Resume     bool
	ResumeFrom *models.Checkpoint

	// StartedAt is when the job first started running. The job timeout is
	// measured from it; zero means from the start of this run.
	StartedAt time.Time
	// Extra is copied into every checkpoint.
	Extra map[string]any
	// Flush is called before every checkpoint write so that records the
	// checkpoint covers are durable downstream first.
	Flush func(ctx context.Context) error
}

// Outcome is the result of a finished run.
type Outcome struct {
	Status           models.Status
	Err              error
	RecordsProcessed int64
	FailedRecords    int64
	Pages            int
	Checkpoint       *models.Checkpoint
}

// Run is a single-use, lazily evaluated extraction.
type Run struct {
	engine *Engine
	spec   RunSpec
	log    zerolog.Logger
	seq    iter.Seq[models.Record]

	used    atomic.Bool
	done    atomic.Bool
	outcome Outcome

	failed  int64
	durable position
	last    *models.Checkpoint
	start   time.Time
}

// position is a page boundary. failed counts the records skipped before it,
// so a checkpoint never includes failures from a page it does not cover.
type position struct {
	cursor  *string
	page    int
	records int64
	failed  int64
}

// Run prepares an extraction. Nothing is fetched until Records is ranged over.
func (e *Engine) Run(ctx context.Context, spec RunSpec) *Run {
	r := &Run{
		engine: e,
		spec:   spec,
		log: e.deps.Logger.With().
			Str("job_id", spec.JobID).
			Str("tenant_id", spec.TenantID).
			Logger(),
	}
	r.seq = func(yield func(models.Record) bool) {
		if !r.used.CompareAndSwap(false, true) {
			return
		}
		r.outcome = r.execute(ctx, yield)
		r.done.Store(true)
	}
	return r
}

// Records returns the record stream. It can be ranged over once; later
// calls yield nothing. Stopping the range early stops the run as cancelled.
func (r *Run) Records() iter.Seq[models.Record] {
	return r.seq
}

// Outcome reports the result once Records has been fully consumed. Before
// that it returns the zero Outcome.
func (r *Run) Outcome() Outcome {
	if !r.done.Load() {
		return Outcome{}
	}
	return r.outcome
}

func (r *Run) execute(ctx context.Context, yield func(models.Record) bool) Outcome {
	e := r.engine
	r.start = e.now()

	pos, err := r.startPosition(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("cannot start extraction")
		return Outcome{Status: models.StatusFailed, Err: err, FailedRecords: r.failed}
	}
	r.durable = pos

	if pos.page > 0 && pos.cursor == nil {
		// The stream was exhausted before the last run could mark completion.
		return r.finish(ctx, models.PhaseCompleted, models.StatusCompleted, pos, nil)
	}
	if st := r.poll(ctx); st != nil {
		return r.finish(ctx, st.phase, st.status, pos, st.cause)
	}

	pageSize := e.opts.PageSize
	if limit := r.spec.Source.MaxPageSize(); limit > 0 && pageSize > limit {
		pageSize = limit
	}

	r.log.Info().
		Int("page", pos.page).
		Int64("records", pos.records).
		Str("cursor", cursorString(pos.cursor)).
		Int("page_size", pageSize).
		Msg("extraction started")

	for pos.page < e.opts.MaxPages {
		var page models.Page
		err := e.retrier.Do(ctx, func(ctx context.Context) error {
			p, err := r.spec.Source.FetchPage(ctx, pos.cursor, pageSize)
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(ctx, models.PhaseCancelled, models.StatusCancelled, pos,
					fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
			}
			return r.finish(ctx, models.PhaseError, models.StatusFailed, pos, err)
		}

		next := position{page: pos.page + 1, records: pos.records, failed: pos.failed}
		if page.NextCursor != nil && *page.NextCursor != "" {
			next.cursor = page.NextCursor
		}
		sc := models.ScanContext{JobID: r.spec.JobID, TenantID: r.spec.TenantID, PageNumber: next.page}

		for _, raw := range page.Records {
			rec, err := r.spec.Transformer.Transform(raw, sc)
			if err != nil {
				var te *TransformError
				if !errors.As(err, &te) {
					te = &TransformError{Err: err}
				}
				r.failed++
				next.failed++
				r.log.Warn().Err(te).Int("page", next.page).Msg("skipping record")
				if e.opts.AbortOnTransformError {
					return r.finish(ctx, models.PhaseError, models.StatusFailed, pos, te)
				}
				continue
			}
			if !yield(rec) {
				return r.finish(ctx, models.PhaseCancelled, models.StatusCancelled, pos,
					fmt.Errorf("%w: consumer stopped", ErrCancelled))
			}
			next.records++
		}

		pos = next
		r.report(ctx, pos.records)
		r.log.Debug().
			Int("page", pos.page).
			Int("page_records", len(page.Records)).
			Int64("records", pos.records).
			Msg("page done")

		if pos.page%e.opts.CheckpointInterval == 0 {
			if err := r.save(ctx, models.PhaseInterval, pos); err != nil {
				return r.finish(ctx, models.PhaseError, models.StatusFailed, pos, err)
			}
		}
		if pos.cursor == nil {
			return r.finish(ctx, models.PhaseCompleted, models.StatusCompleted, pos, nil)
		}
		if st := r.poll(ctx); st != nil {
			return r.finish(ctx, st.phase, st.status, pos, st.cause)
		}
	}

	return r.finish(ctx, models.PhaseError, models.StatusFailed, pos,
		fmt.Errorf("%w: stopped after %d pages", ErrPageLimitExceeded, e.opts.MaxPages))
}

func (r *Run) startPosition(ctx context.Context) (position, error) {
	cp := r.spec.ResumeFrom
	if cp == nil && r.spec.Resume {
		var err error
		cp, err = r.engine.deps.Checkpoints.LoadCheckpoint(ctx, r.spec.JobID)
		if err != nil {
			return position{}, &CheckpointError{Err: fmt.Errorf("load: %w", err)}
		}
	}
	if cp == nil {
		return position{}, nil
	}
	if cp.Phase == models.PhaseCompleted {
		return position{}, ErrAlreadyCompleted
	}
	r.last = cp
	r.failed = cp.FailedRecords
	return position{
		cursor:  cp.Cursor,
		page:    cp.PageNumber,
		records: cp.RecordsProcessed,
		failed:  cp.FailedRecords,
	}, nil
}

type stopRequest struct {
	phase  models.Phase
	status models.Status
	cause  error
}

// poll checks the cooperative stop conditions at a page boundary.
func (r *Run) poll(ctx context.Context) *stopRequest {
	if err := ctx.Err(); err != nil {
		return &stopRequest{models.PhaseCancelled, models.StatusCancelled, fmt.Errorf("%w: %w", ErrCancelled, err)}
	}
	if sig := r.engine.deps.Signal; sig != nil {
		cancel, err := sig.IsCancelRequested(ctx, r.spec.JobID)
		if err != nil {
			r.log.Warn().Err(err).Msg("cannot read cancellation flag")
		}
		if cancel {
			return &stopRequest{models.PhaseCancelled, models.StatusCancelled, ErrCancelled}
		}
		pause, err := sig.IsPauseRequested(ctx, r.spec.JobID)
		if err != nil {
			r.log.Warn().Err(err).Msg("cannot read pause flag")
		}
		if pause {
			return &stopRequest{models.PhasePaused, models.StatusPaused, nil}
		}
	}
	started := r.start
	if !r.spec.StartedAt.IsZero() {
		started = r.spec.StartedAt
	}
	if timeout := r.engine.opts.JobTimeout; timeout > 0 && r.engine.now().Sub(started) >= timeout {
		return &stopRequest{models.PhaseTimeout, models.StatusFailed, fmt.Errorf("%w: ran longer than %s", ErrTimeout, timeout)}
	}
	return nil
}

// finish writes the terminal checkpoint and builds the outcome. A flush
// failure turns any outcome into a failure and pins the checkpoint to the
// last durable position.
func (r *Run) finish(ctx context.Context, phase models.Phase, status models.Status, pos position, cause error) Outcome {
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	if err := r.save(ctx, phase, pos); err != nil {
		if status != models.StatusFailed {
			cause = err
		}
		status = models.StatusFailed
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			if perr := r.persist(ctx, models.PhaseError, r.durable); perr != nil {
				r.log.Error().Err(perr).Msg("cannot write error checkpoint")
			}
			pos = r.durable
		}
	}
	r.report(ctx, pos.records)

	out := Outcome{
		Status:           status,
		Err:              cause,
		RecordsProcessed: pos.records,
		FailedRecords:    r.failed,
		Pages:            pos.page,
		Checkpoint:       r.last,
	}

	ev := r.log.Info()
	if status == models.StatusFailed {
		ev = r.log.Error().Err(cause)
	}
	ev.Str("status", string(status)).
		Int("page", pos.page).
		Int64("records", pos.records).
		Int64("failed_records", r.failed).
		Dur("elapsed", r.engine.now().Sub(r.start)).
		Msg("extraction finished")
	return out
}

func (r *Run) save(ctx context.Context, phase models.Phase, pos position) error {
	if r.spec.Flush != nil {
		if err := r.spec.Flush(ctx); err != nil {
			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				return err
			}
			return &LoadError{Err: err}
		}
	}
	return r.persist(ctx, phase, pos)
}

func (r *Run) persist(ctx context.Context, phase models.Phase, pos position) error {
	cp := &models.Checkpoint{
		JobID:            r.spec.JobID,
		Phase:            phase,
		Cursor:           pos.cursor,
		RecordsProcessed: pos.records,
		FailedRecords:    pos.failed,
		PageNumber:       pos.page,
		Extra:            r.spec.Extra,
		CreatedAt:        r.engine.now().UTC(),
	}
	if err := r.engine.deps.Checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return &CheckpointError{Err: fmt.Errorf("save %s at page %d: %w", phase, pos.page, err)}
	}
	r.durable = pos
	r.last = cp

	r.log.Debug().
		Str("phase", string(phase)).
		Int("page", pos.page).
		Int64("records", pos.records).
		Str("cursor", cursorString(pos.cursor)).
		Msg("checkpoint saved")

	_ = r.engine.deps.Bus.Publish(ctx, event.Event{
		Type: event.EventJobCheckpointed,
		Payload: event.CheckpointEvent{
			JobID:      r.spec.JobID,
			TenantID:   r.spec.TenantID,
			Checkpoint: *cp,
		},
	})
	return nil
}

// report stores counters and refreshes the heartbeat. Failures are logged;
// a missed heartbeat is not a reason to stop extracting.
func (r *Run) report(ctx context.Context, records int64) {
	p := r.engine.deps.Progress
	if p == nil {
		return
	}
	if err := p.UpdateProgress(ctx, r.spec.JobID, records, r.failed); err != nil {
		r.log.Warn().Err(err).Msg("cannot update progress")
	}
}

func cursorString(c *string) string {
	if c == nil {
		return "<none>"
	}
	return *c
}
