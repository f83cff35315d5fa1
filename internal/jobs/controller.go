// Package jobs runs extraction jobs: it owns the lifecycle transitions around
// an engine run and a bounded pool of workers for queued jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/internal/event"
	"github.com/BartekS5/pagesync/internal/store"
	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Binding is what a job extracts from and loads into.
type Binding struct {
	Source      etl.PageSource
	Transformer etl.Transformer
	// Loader may be nil, in which case records are only logged.
	Loader etl.Loader
	Close  func() error
}

// SourceFactory resolves the binding of a job, usually from its mapping.
type SourceFactory func(ctx context.Context, j *models.Job) (*Binding, error)

type Options struct {
	Concurrency   int
	QueueSize     int
	PollInterval  time.Duration
	StaleAfter    time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
	BatchSize     int
	DryRun        bool
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 100
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	return o
}

// Controller sequences job starts, engine runs and the final status commit.
type Controller struct {
	store   store.Store
	engine  *etl.Engine
	factory SourceFactory
	bus     event.Bus
	logger  zerolog.Logger
	opts    Options

	queue  chan string
	mu     sync.Mutex
	active map[string]struct{}
	queued map[string]struct{}
}

func NewController(st store.Store, engine *etl.Engine, factory SourceFactory, bus event.Bus, logger zerolog.Logger, opts Options) *Controller {
	if bus == nil {
		bus = event.Nop{}
	}
	opts = opts.withDefaults()
	return &Controller{
		store:   st,
		engine:  engine,
		factory: factory,
		bus:     bus,
		logger:  logger,
		opts:    opts,
		queue:   make(chan string, opts.QueueSize),
		active:  make(map[string]struct{}),
		queued:  make(map[string]struct{}),
	}
}

// Submit creates a pending job. An empty id gets a generated one.
func (c *Controller) Submit(ctx context.Context, tenantID, source, jobID string) (*models.Job, error) {
	if source == "" {
		return nil, fmt.Errorf("submit: source is required")
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	j := &models.Job{
		ID:        jobID,
		TenantID:  tenantID,
		Source:    source,
		Status:    models.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("submit job %s: %w", jobID, err)
	}
	c.logger.Info().Str("job_id", j.ID).Str("tenant_id", tenantID).Str("source", source).Msg("job submitted")
	c.publish(ctx, event.EventJobCreated, j, nil)
	return j, nil
}

// Enqueue hands a pending job to the workers. It fails when the queue is full.
func (c *Controller) Enqueue(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queued[jobID]; ok {
		return nil
	}
	select {
	case c.queue <- jobID:
		c.queued[jobID] = struct{}{}
		return nil
	default:
		return fmt.Errorf("queue full: cannot enqueue job %s", jobID)
	}
}

// Start runs a pending job to its end on the calling goroutine.
func (c *Controller) Start(ctx context.Context, jobID string) (etl.Outcome, error) {
	return c.execute(ctx, jobID, false)
}

// Resume continues a paused, failed or cancelled job from its latest
// checkpoint, or from the first page when it has none.
func (c *Controller) Resume(ctx context.Context, jobID string) (etl.Outcome, error) {
	return c.execute(ctx, jobID, true)
}

func (c *Controller) execute(ctx context.Context, jobID string, resume bool) (etl.Outcome, error) {
	if !c.acquire(jobID) {
		return etl.Outcome{}, fmt.Errorf("job %s: %w", jobID, etl.ErrAlreadyRunning)
	}
	defer c.release(jobID)

	log := c.logger.With().Str("job_id", jobID).Logger()

	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return etl.Outcome{}, err
	}

	from := []models.Status{models.StatusPending}
	var cp *models.Checkpoint
	if resume {
		if j.Status == models.StatusCompleted {
			return etl.Outcome{}, fmt.Errorf("job %s: %w", jobID, etl.ErrAlreadyCompleted)
		}
		if j.Status == models.StatusRunning {
			return etl.Outcome{}, fmt.Errorf("job %s: %w", jobID, etl.ErrAlreadyRunning)
		}
		from = models.ResumableFrom
		cp, err = c.store.LoadCheckpoint(ctx, jobID)
		if err != nil {
			return etl.Outcome{}, fmt.Errorf("job %s: load checkpoint: %w", jobID, err)
		}
		if cp == nil {
			log.Info().Msg("no checkpoint, restarting from the first page")
		}
	}

	// The store keeps the first start time across resumes.
	startedAt := time.Now()
	if j.StartedAt != nil {
		startedAt = *j.StartedAt
	}
	if err := c.store.UpdateStatus(ctx, jobID, from, models.StatusRunning, store.StatusUpdate{}); err != nil {
		return etl.Outcome{}, err
	}
	j.Status = models.StatusRunning
	c.publish(ctx, event.EventJobStarted, j, nil)

	// The previous run wrote its completed checkpoint but never committed
	// the status.
	if cp != nil && cp.Phase == models.PhaseCompleted {
		out := etl.Outcome{
			Status:           models.StatusCompleted,
			RecordsProcessed: cp.RecordsProcessed,
			FailedRecords:    cp.FailedRecords,
			Pages:            cp.PageNumber,
			Checkpoint:       cp,
		}
		c.finalize(ctx, j, out)
		return out, nil
	}

	binding, err := c.factory(ctx, j)
	if err != nil {
		out := etl.Outcome{
			Status:           models.StatusFailed,
			Err:              fmt.Errorf("bind source %q: %w", j.Source, err),
			RecordsProcessed: j.TotalRecords,
			FailedRecords:    j.FailedRecords,
		}
		c.finalize(ctx, j, out)
		return out, nil
	}
	if binding.Close != nil {
		defer func() {
			if err := binding.Close(); err != nil {
				log.Warn().Err(err).Msg("closing source binding")
			}
		}()
	}

	pipeline := etl.NewPipeline(binding.Loader, c.opts.BatchSize, c.opts.DryRun, log)
	run := c.engine.Run(ctx, etl.RunSpec{
		JobID:       j.ID,
		TenantID:    j.TenantID,
		Source:      binding.Source,
		Transformer: binding.Transformer,
		ResumeFrom:  cp,
		StartedAt:   startedAt,
		Extra:       map[string]any{"source": j.Source},
		Flush:       pipeline.Flush,
	})
	if err := pipeline.Consume(ctx, run.Records()); err != nil {
		log.Debug().Err(err).Msg("pipeline stopped early")
	}

	out := run.Outcome()
	c.finalize(ctx, j, out)
	return out, nil
}

// finalize is the only place a run's terminal status is committed. The
// store only accepts it while the job is running, so it applies once.
func (c *Controller) finalize(ctx context.Context, j *models.Job, out etl.Outcome) {
	ctx = context.WithoutCancel(ctx)
	log := c.logger.With().Str("job_id", j.ID).Logger()

	var upd store.StatusUpdate
	if out.Status == models.StatusFailed {
		upd.Error = etl.AsJobError(out.Err)
	}
	if err := c.store.UpdateProgress(ctx, j.ID, out.RecordsProcessed, out.FailedRecords); err != nil {
		log.Warn().Err(err).Msg("cannot store final counters")
	}
	if err := c.store.UpdateStatus(ctx, j.ID, []models.Status{models.StatusRunning}, out.Status, upd); err != nil {
		log.Error().Err(err).Str("status", string(out.Status)).Msg("terminal status not committed")
		return
	}

	j.Status = out.Status
	j.TotalRecords = out.RecordsProcessed
	j.FailedRecords = out.FailedRecords
	j.Error = upd.Error
	c.publish(ctx, event.ForStatus(out.Status), j, upd.Error)
}

// Cancel stops a job. Pending and paused jobs are cancelled at once; a
// running job is flagged and stops at its next page boundary.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	err := c.cancelIdle(ctx, jobID)
	if err == nil || !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	if err := c.store.RequestCancel(ctx, jobID); err != nil {
		return err
	}
	// The run may have paused between the two calls.
	if err := c.cancelIdle(ctx, jobID); err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		return err
	}
	c.logger.Info().Str("job_id", jobID).Msg("cancellation requested")
	return nil
}

func (c *Controller) cancelIdle(ctx context.Context, jobID string) error {
	idle := []models.Status{models.StatusPending, models.StatusPaused}
	if err := c.store.UpdateStatus(ctx, jobID, idle, models.StatusCancelled, store.StatusUpdate{}); err != nil {
		return err
	}
	c.logger.Info().Str("job_id", jobID).Msg("job cancelled")
	if j, err := c.store.Get(ctx, jobID); err == nil {
		c.publish(ctx, event.EventJobCancelled, j, nil)
	}
	return nil
}

// Pause flags a running job. The engine writes a paused checkpoint at its
// next page boundary.
func (c *Controller) Pause(ctx context.Context, jobID string) error {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != models.StatusRunning {
		return fmt.Errorf("job %s: %w: cannot pause a %s job", jobID, store.ErrInvalidTransition, j.Status)
	}
	if err := c.store.RequestPause(ctx, jobID); err != nil {
		return err
	}
	c.logger.Info().Str("job_id", jobID).Msg("pause requested")
	return nil
}

// Report is the status view of a job.
type Report struct {
	Job        *models.Job         `json:"job"`
	Checkpoint *models.Checkpoint  `json:"checkpoint,omitempty"`
	History    []models.Checkpoint `json:"history,omitempty"`
}

func (c *Controller) Status(ctx context.Context, jobID string) (*Report, error) {
	j, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	cp, err := c.store.LoadCheckpoint(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("job %s: load checkpoint: %w", jobID, err)
	}
	return &Report{Job: j, Checkpoint: cp}, nil
}

// History returns every checkpoint of a job, oldest first.
func (c *Controller) History(ctx context.Context, jobID string) ([]models.Checkpoint, error) {
	if _, err := c.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return c.store.ListCheckpoints(ctx, jobID)
}

func (c *Controller) List(ctx context.Context, f store.ListFilter) ([]*models.Job, error) {
	return c.store.List(ctx, f)
}

// Run starts the workers, the pending-job poller and the sweeper, and blocks
// until ctx is done.
func (c *Controller) Run(ctx context.Context, sweeper *Sweeper) error {
	g, ctx := errgroup.WithContext(ctx)
	for range c.opts.Concurrency {
		g.Go(func() error {
			c.runWorker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		c.pollPending(ctx)
		return nil
	})
	if sweeper != nil {
		g.Go(func() error {
			sweeper.Run(ctx, c.opts.SweepInterval)
			return nil
		})
	}
	c.logger.Info().Int("concurrency", c.opts.Concurrency).Msg("workers started")
	return g.Wait()
}

func (c *Controller) runWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-c.queue:
			c.mu.Lock()
			delete(c.queued, jobID)
			c.mu.Unlock()
			c.processJob(ctx, jobID)
		}
	}
}

func (c *Controller) processJob(ctx context.Context, jobID string) {
	out, err := c.Start(ctx, jobID)
	switch {
	case errors.Is(err, etl.ErrAlreadyRunning), errors.Is(err, store.ErrInvalidTransition):
		c.logger.Debug().Err(err).Str("job_id", jobID).Msg("skipping queued job")
	case err != nil:
		c.logger.Error().Err(err).Str("job_id", jobID).Msg("cannot start job")
	default:
		c.logger.Info().
			Str("job_id", jobID).
			Str("status", string(out.Status)).
			Int64("records", out.RecordsProcessed).
			Msg("job finished")
	}
}

// pollPending enqueues pending jobs, including those left from a previous
// process, until ctx is done.
func (c *Controller) pollPending(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		c.enqueuePending(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Controller) enqueuePending(ctx context.Context) {
	pending, err := c.store.List(ctx, store.ListFilter{
		Statuses: []models.Status{models.StatusPending},
		Limit:    c.opts.QueueSize,
	})
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Warn().Err(err).Msg("cannot list pending jobs")
		}
		return
	}
	for _, j := range pending {
		if c.isActive(j.ID) {
			continue
		}
		if err := c.Enqueue(j.ID); err != nil {
			c.logger.Debug().Err(err).Msg("queue full, retrying on next poll")
			return
		}
	}
}

func (c *Controller) acquire(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[jobID]; ok {
		return false
	}
	c.active[jobID] = struct{}{}
	return true
}

func (c *Controller) release(jobID string) {
	c.mu.Lock()
	delete(c.active, jobID)
	c.mu.Unlock()
}

func (c *Controller) isActive(jobID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[jobID]
	return ok
}

func (c *Controller) publish(ctx context.Context, typ event.EventType, j *models.Job, jobErr *models.JobError) {
	_ = c.bus.Publish(ctx, event.Event{
		Type: typ,
		Payload: event.JobEvent{
			JobID:         j.ID,
			TenantID:      j.TenantID,
			Source:        j.Source,
			Status:        j.Status,
			TotalRecords:  j.TotalRecords,
			FailedRecords: j.FailedRecords,
			Error:         jobErr,
		},
	})
}
