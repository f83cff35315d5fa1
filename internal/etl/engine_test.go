package etl

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

// pagedSource serves pages[i] for cursor "c<i>" (nil for the first page).
type pagedSource struct {
	pages   [][]models.RawRecord
	endless bool
	maxPage int

	mu       sync.Mutex
	errs     map[int][]error
	cursors  []string
	sizes    []int
	attempts map[int]int
}

func newPagedSource(pageSizes ...int) *pagedSource {
	s := &pagedSource{errs: map[int][]error{}, attempts: map[int]int{}}
	for i, n := range pageSizes {
		page := make([]models.RawRecord, 0, n)
		for j := range n {
			page = append(page, models.RawRecord{"id": fmt.Sprintf("p%d-r%d", i+1, j+1)})
		}
		s.pages = append(s.pages, page)
	}
	return s
}

// failOn queues errors returned by successive fetches of page (1-based).
func (s *pagedSource) failOn(page int, errs ...error) *pagedSource {
	s.errs[page-1] = append(s.errs[page-1], errs...)
	return s
}

func (s *pagedSource) MaxPageSize() int { return s.maxPage }

func (s *pagedSource) FetchPage(ctx context.Context, cursor *string, pageSize int) (models.Page, error) {
	if err := ctx.Err(); err != nil {
		return models.Page{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := 0
	if cursor != nil {
		idx, _ = strconv.Atoi(strings.TrimPrefix(*cursor, "c"))
	}
	s.cursors = append(s.cursors, cursorString(cursor))
	s.sizes = append(s.sizes, pageSize)
	s.attempts[idx]++

	if queued := s.errs[idx]; len(queued) > 0 {
		s.errs[idx] = queued[1:]
		return models.Page{}, queued[0]
	}

	var page models.Page
	if s.endless {
		page.Records = []models.RawRecord{{"id": fmt.Sprintf("p%d-r1", idx+1)}}
	} else {
		page.Records = s.pages[idx]
	}
	if s.endless || idx+1 < len(s.pages) {
		next := fmt.Sprintf("c%d", idx+1)
		page.NextCursor = &next
	}
	return page, nil
}

func (s *pagedSource) fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cursors...)
}

// idTransformer keeps the id and rejects records flagged bad.
type idTransformer struct{}

func (idTransformer) Transform(raw models.RawRecord, sc models.ScanContext) (models.Record, error) {
	id, _ := raw["id"].(string)
	if bad, _ := raw["bad"].(bool); bad {
		return models.Record{}, &TransformError{SourceID: id, Field: "bad", Err: errors.New("rejected")}
	}
	return models.Record{
		SourceID:   id,
		TenantID:   sc.TenantID,
		JobID:      sc.JobID,
		PageNumber: sc.PageNumber,
	}, nil
}

type checkpointLog struct {
	mu       sync.Mutex
	saved    []models.Checkpoint
	progress []int64
	failSave error
}

func (c *checkpointLog) SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSave != nil {
		return c.failSave
	}
	c.saved = append(c.saved, *cp)
	return nil
}

func (c *checkpointLog) LoadCheckpoint(_ context.Context, _ string) (*models.Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.saved) == 0 {
		return nil, nil
	}
	cp := c.saved[len(c.saved)-1]
	return &cp, nil
}

func (c *checkpointLog) UpdateProgress(_ context.Context, _ string, total, _ int64) error {
	c.mu.Lock()
	c.progress = append(c.progress, total)
	c.mu.Unlock()
	return nil
}

func (c *checkpointLog) phases() []models.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Phase, 0, len(c.saved))
	for _, cp := range c.saved {
		out = append(out, cp.Phase)
	}
	return out
}

func (c *checkpointLog) last() models.Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved[len(c.saved)-1]
}

type flags struct {
	cancel atomic.Bool
	pause  atomic.Bool
}

func (f *flags) IsCancelRequested(context.Context, string) (bool, error) { return f.cancel.Load(), nil }
func (f *flags) IsPauseRequested(context.Context, string) (bool, error)  { return f.pause.Load(), nil }

type harness struct {
	engine *Engine
	cps    *checkpointLog
	flags  *flags
	slept  []time.Duration
}

func newHarness(opts Options) *harness {
	h := &harness{cps: &checkpointLog{}, flags: &flags{}}
	h.engine = NewEngine(Deps{
		Checkpoints: h.cps,
		Progress:    h.cps,
		Signal:      h.flags,
		Logger:      zerolog.Nop(),
	}, opts)
	h.engine.retrier.Sleep = func(ctx context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return ctx.Err()
	}
	h.engine.retrier.Jitter = func(int64) int64 { return 0 }
	return h
}

func (h *harness) run(ctx context.Context, src PageSource, spec RunSpec) *Run {
	spec.JobID = "job-1"
	spec.TenantID = "tenant-1"
	spec.Source = src
	spec.Transformer = idTransformer{}
	return h.engine.Run(ctx, spec)
}

func ids(records []models.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.SourceID)
	}
	return out
}

func collect(run *Run) []models.Record {
	var out []models.Record
	for rec := range run.Records() {
		out = append(out, rec)
	}
	return out
}

func ptr(s string) *string { return &s }

// =============================================================================
// Scenarios
// =============================================================================

func TestRunCompletesAndCheckpointsEveryKPages(t *testing.T) {
	h := newHarness(Options{CheckpointInterval: 2})
	run := h.run(context.Background(), newPagedSource(2, 2, 2), RunSpec{})

	records := collect(run)
	out := run.Outcome()

	require.Len(t, records, 6)
	require.Equal(t, models.StatusCompleted, out.Status)
	require.NoError(t, out.Err)
	require.EqualValues(t, 6, out.RecordsProcessed)
	require.Equal(t, 3, out.Pages)

	require.Len(t, h.cps.saved, 2)
	interval := h.cps.saved[0]
	require.Equal(t, models.PhaseInterval, interval.Phase)
	require.Equal(t, ptr("c2"), interval.Cursor)
	require.EqualValues(t, 4, interval.RecordsProcessed)
	require.Equal(t, 2, interval.PageNumber)

	final := h.cps.saved[1]
	require.Equal(t, models.PhaseCompleted, final.Phase)
	require.Nil(t, final.Cursor)
	require.EqualValues(t, 6, final.RecordsProcessed)
	require.Equal(t, 3, final.PageNumber)
}

func TestRunHonorsRateLimitHint(t *testing.T) {
	h := newHarness(Options{CheckpointInterval: 2})
	src := newPagedSource(2, 2, 2).failOn(2, &RateLimitError{RetryAfter: 5 * time.Second, Err: errors.New("429")})
	run := h.run(context.Background(), src, RunSpec{})

	records := collect(run)
	out := run.Outcome()

	require.Equal(t, models.StatusCompleted, out.Status)
	require.Len(t, records, 6)
	require.Equal(t, []time.Duration{5 * time.Second}, h.slept)
	require.Equal(t, []string{"<none>", "c1", "c1", "c2"}, src.fetched())
	require.Equal(t, []models.Phase{models.PhaseInterval, models.PhaseCompleted}, h.cps.phases())
	require.EqualValues(t, 6, h.cps.last().RecordsProcessed)
}

func TestRunFailsOnFatalAdapterError(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2, 2, 2, 2, 2).failOn(3, &FatalError{Err: errors.New("401 unauthorized")})
	run := h.run(context.Background(), src, RunSpec{})

	records := collect(run)
	out := run.Outcome()

	require.Len(t, records, 4)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.KindFatal, KindOf(out.Err))

	cp := h.cps.last()
	require.Equal(t, models.PhaseError, cp.Phase)
	require.Equal(t, 2, cp.PageNumber)
	require.Equal(t, ptr("c2"), cp.Cursor)
	require.EqualValues(t, 4, cp.RecordsProcessed)
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2, 2, 2, 2, 2)
	run := h.run(context.Background(), src, RunSpec{
		ResumeFrom: &models.Checkpoint{
			JobID:            "job-1",
			Phase:            models.PhaseInterval,
			Cursor:           ptr("c2"),
			PageNumber:       2,
			RecordsProcessed: 4,
		},
	})

	records := collect(run)
	out := run.Outcome()

	require.Equal(t, []string{"c2", "c3", "c4"}, src.fetched())
	require.Equal(t, []string{"p3-r1", "p3-r2", "p4-r1", "p4-r2", "p5-r1", "p5-r2"}, ids(records))
	require.Equal(t, models.StatusCompleted, out.Status)
	require.EqualValues(t, 10, out.RecordsProcessed)
	require.Equal(t, 5, out.Pages)
	require.Equal(t, 3, records[0].PageNumber)
}

func TestRunStopsAtPageBoundaryWhenCancelled(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2, 2, 2)
	run := h.run(context.Background(), src, RunSpec{})

	var records []models.Record
	for rec := range run.Records() {
		records = append(records, rec)
		// Requested mid-page: the rest of the page still arrives.
		h.flags.cancel.Store(true)
	}
	out := run.Outcome()

	require.Equal(t, []string{"p1-r1", "p1-r2"}, ids(records))
	require.Equal(t, []string{"<none>"}, src.fetched())
	require.Equal(t, models.StatusCancelled, out.Status)
	require.ErrorIs(t, out.Err, ErrCancelled)

	cp := h.cps.last()
	require.Equal(t, models.PhaseCancelled, cp.Phase)
	require.Equal(t, 1, cp.PageNumber)
	require.Equal(t, ptr("c1"), cp.Cursor)
	require.EqualValues(t, 2, cp.RecordsProcessed)
}

// =============================================================================
// Properties
// =============================================================================

func TestTruncatedRunResumesWithoutLosingOrRepeatingRecords(t *testing.T) {
	full := newHarness(Options{CheckpointInterval: 2})
	want := ids(collect(full.run(context.Background(), newPagedSource(2, 3, 1, 2, 2), RunSpec{})))
	require.Len(t, want, 10)

	for stopAfter := 1; stopAfter < 5; stopAfter++ {
		t.Run(fmt.Sprintf("stop after page %d", stopAfter), func(t *testing.T) {
			h := newHarness(Options{CheckpointInterval: 2})
			src := newPagedSource(2, 3, 1, 2, 2).failOn(stopAfter+1, &FatalError{Err: errors.New("boom")})

			first := h.run(context.Background(), src, RunSpec{})
			got := ids(collect(first))
			require.Equal(t, models.StatusFailed, first.Outcome().Status)

			second := h.run(context.Background(), src, RunSpec{Resume: true})
			got = append(got, ids(collect(second))...)
			require.Equal(t, models.StatusCompleted, second.Outcome().Status)

			require.Equal(t, want, got)
			require.EqualValues(t, 10, second.Outcome().RecordsProcessed)
		})
	}
}

func TestCheckpointCadence(t *testing.T) {
	for pages := 1; pages <= 7; pages++ {
		for k := 1; k <= 3; k++ {
			t.Run(fmt.Sprintf("pages=%d k=%d", pages, k), func(t *testing.T) {
				sizes := make([]int, pages)
				for i := range sizes {
					sizes[i] = 1
				}
				h := newHarness(Options{CheckpointInterval: k})
				run := h.run(context.Background(), newPagedSource(sizes...), RunSpec{})
				collect(run)

				intervals, terminal := 0, 0
				for _, p := range h.cps.phases() {
					if p == models.PhaseInterval {
						intervals++
					} else {
						terminal++
					}
				}
				require.Equal(t, pages/k, intervals)
				require.Equal(t, 1, terminal)
				require.Equal(t, models.PhaseCompleted, h.cps.last().Phase)
			})
		}
	}
}

func TestBadRecordIsSkippedAndCounted(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(3, 2)
	src.pages[0][1]["bad"] = true

	run := h.run(context.Background(), src, RunSpec{})
	records := collect(run)
	out := run.Outcome()

	require.Equal(t, []string{"p1-r1", "p1-r3", "p2-r1", "p2-r2"}, ids(records))
	require.Equal(t, models.StatusCompleted, out.Status)
	require.EqualValues(t, 1, out.FailedRecords)
	require.EqualValues(t, 4, out.RecordsProcessed)
	require.EqualValues(t, 1, h.cps.last().FailedRecords)
}

func TestResumeAfterMidPageStopCountsFailuresOnce(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2, 3)
	src.pages[1][0]["bad"] = true

	first := h.run(context.Background(), src, RunSpec{})
	for rec := range first.Records() {
		if rec.SourceID == "p2-r2" {
			break
		}
	}
	require.Equal(t, models.StatusCancelled, first.Outcome().Status)
	require.EqualValues(t, 1, first.Outcome().FailedRecords)

	cp := h.cps.last()
	require.Equal(t, models.PhaseCancelled, cp.Phase)
	require.Equal(t, 1, cp.PageNumber)
	require.Zero(t, cp.FailedRecords)

	second := h.run(context.Background(), src, RunSpec{Resume: true})
	records := collect(second)
	out := second.Outcome()

	require.Equal(t, []string{"p2-r2", "p2-r3"}, ids(records))
	require.Equal(t, models.StatusCompleted, out.Status)
	require.EqualValues(t, 1, out.FailedRecords)
	require.EqualValues(t, 4, out.RecordsProcessed)
	require.EqualValues(t, 1, h.cps.last().FailedRecords)
}

func TestAbortOnTransformError(t *testing.T) {
	h := newHarness(Options{AbortOnTransformError: true})
	src := newPagedSource(2, 2, 2)
	src.pages[1][0]["bad"] = true

	run := h.run(context.Background(), src, RunSpec{})
	records := collect(run)
	out := run.Outcome()

	require.Equal(t, []string{"p1-r1", "p1-r2"}, ids(records))
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.KindTransform, KindOf(out.Err))
	require.EqualValues(t, 1, out.FailedRecords)

	cp := h.cps.last()
	require.Equal(t, models.PhaseError, cp.Phase)
	require.Equal(t, 1, cp.PageNumber)
}

// =============================================================================
// Edge cases
// =============================================================================

func TestEmptyPagesAreFollowed(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(0, 2, 0)
	run := h.run(context.Background(), src, RunSpec{})

	records := collect(run)
	out := run.Outcome()

	require.Len(t, records, 2)
	require.Equal(t, models.StatusCompleted, out.Status)
	require.Equal(t, 3, out.Pages)
}

func TestEmptyFirstPageCompletes(t *testing.T) {
	h := newHarness(Options{})
	run := h.run(context.Background(), newPagedSource(0), RunSpec{})

	require.Empty(t, collect(run))
	out := run.Outcome()
	require.Equal(t, models.StatusCompleted, out.Status)
	require.Equal(t, []models.Phase{models.PhaseCompleted}, h.cps.phases())
}

func TestPageLimitExceeded(t *testing.T) {
	h := newHarness(Options{MaxPages: 5, CheckpointInterval: 2})
	src := &pagedSource{endless: true, errs: map[int][]error{}, attempts: map[int]int{}}
	run := h.run(context.Background(), src, RunSpec{})

	records := collect(run)
	out := run.Outcome()

	require.Len(t, records, 5)
	require.Equal(t, models.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrPageLimitExceeded)
	require.Equal(t, models.KindPageLimit, KindOf(out.Err))
	require.Equal(t, models.PhaseError, h.cps.last().Phase)
	require.Equal(t, 5, h.cps.last().PageNumber)
}

func TestJobTimeout(t *testing.T) {
	h := newHarness(Options{JobTimeout: time.Hour})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return clock }

	src := newPagedSource(1, 1, 1)
	run := h.run(context.Background(), src, RunSpec{})
	for range run.Records() {
		clock = clock.Add(2 * time.Hour)
	}
	out := run.Outcome()

	require.Equal(t, models.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrTimeout)
	require.Equal(t, models.KindTimeout, KindOf(out.Err))
	require.Equal(t, models.PhaseTimeout, h.cps.last().Phase)
	require.Equal(t, 1, h.cps.last().PageNumber)
}

func TestJobTimeoutCountsFromFirstStart(t *testing.T) {
	h := newHarness(Options{JobTimeout: time.Hour})
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.engine.now = func() time.Time { return clock }

	src := newPagedSource(1, 1, 1)
	run := h.run(context.Background(), src, RunSpec{
		StartedAt: clock.Add(-59 * time.Minute),
		ResumeFrom: &models.Checkpoint{
			JobID:            "job-1",
			Phase:            models.PhasePaused,
			Cursor:           ptr("c1"),
			PageNumber:       1,
			RecordsProcessed: 1,
		},
	})
	for range run.Records() {
		clock = clock.Add(2 * time.Minute)
	}
	out := run.Outcome()

	require.Equal(t, models.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, ErrTimeout)
	require.Equal(t, []string{"c1"}, src.fetched())
	require.Equal(t, models.PhaseTimeout, h.cps.last().Phase)
	require.Equal(t, 2, h.cps.last().PageNumber)
}

func TestPauseWritesPausedCheckpoint(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2, 2, 2)
	run := h.run(context.Background(), src, RunSpec{})

	n := 0
	for range run.Records() {
		n++
		if n == 3 {
			h.flags.pause.Store(true)
		}
	}
	out := run.Outcome()

	require.Equal(t, 4, n)
	require.Equal(t, models.StatusPaused, out.Status)
	require.NoError(t, out.Err)
	require.Equal(t, models.PhasePaused, h.cps.last().Phase)
	require.Equal(t, ptr("c2"), h.cps.last().Cursor)
}

func TestCancelRequestedBeforeFirstFetch(t *testing.T) {
	h := newHarness(Options{})
	h.flags.cancel.Store(true)
	src := newPagedSource(2)
	run := h.run(context.Background(), src, RunSpec{})

	require.Empty(t, collect(run))
	require.Empty(t, src.fetched())
	require.Equal(t, models.StatusCancelled, run.Outcome().Status)
	require.Equal(t, 0, h.cps.last().PageNumber)
}

func TestEndOfStreamWinsOverCancel(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(1, 1)
	run := h.run(context.Background(), src, RunSpec{})

	n := 0
	for range run.Records() {
		n++
		if n == 2 {
			h.flags.cancel.Store(true)
		}
	}
	require.Equal(t, models.StatusCompleted, run.Outcome().Status)
	require.Equal(t, models.PhaseCompleted, h.cps.last().Phase)
}

func TestContextCancellationWritesCancelledCheckpoint(t *testing.T) {
	h := newHarness(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := newPagedSource(2, 2, 2)
	run := h.run(ctx, src, RunSpec{})
	n := 0
	for range run.Records() {
		n++
		if n == 3 {
			cancel()
		}
	}
	out := run.Outcome()

	require.Equal(t, 4, n)
	require.Equal(t, models.StatusCancelled, out.Status)
	require.ErrorIs(t, out.Err, context.Canceled)
	cp := h.cps.last()
	require.Equal(t, models.PhaseCancelled, cp.Phase)
	require.Equal(t, 2, cp.PageNumber)
}

func TestConsumerStopCancelsAtPageStart(t *testing.T) {
	h := newHarness(Options{})
	run := h.run(context.Background(), newPagedSource(2, 2, 2), RunSpec{})

	n := 0
	for range run.Records() {
		n++
		if n == 3 {
			break
		}
	}
	out := run.Outcome()

	require.Equal(t, models.StatusCancelled, out.Status)
	require.ErrorIs(t, out.Err, ErrCancelled)
	cp := h.cps.last()
	require.Equal(t, models.PhaseCancelled, cp.Phase)
	require.Equal(t, 1, cp.PageNumber)
	require.EqualValues(t, 2, cp.RecordsProcessed)
}

func TestFlushFailurePinsCheckpointToDurablePosition(t *testing.T) {
	h := newHarness(Options{CheckpointInterval: 1})
	calls := 0
	flush := func(context.Context) error {
		calls++
		if calls >= 2 {
			return errors.New("connection reset")
		}
		return nil
	}

	run := h.run(context.Background(), newPagedSource(2, 2, 2), RunSpec{Flush: flush})
	collect(run)
	out := run.Outcome()

	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.KindLoad, KindOf(out.Err))
	require.EqualValues(t, 2, out.RecordsProcessed)
	require.Equal(t, []models.Phase{models.PhaseInterval, models.PhaseError}, h.cps.phases())
	require.Equal(t, 1, h.cps.last().PageNumber)
	require.Equal(t, ptr("c1"), h.cps.last().Cursor)
}

func TestCheckpointStoreFailureFailsRun(t *testing.T) {
	h := newHarness(Options{CheckpointInterval: 1})
	h.cps.failSave = errors.New("disk full")

	run := h.run(context.Background(), newPagedSource(2, 2), RunSpec{})
	records := collect(run)
	out := run.Outcome()

	require.Len(t, records, 2)
	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.KindCheckpoint, KindOf(out.Err))
}

func TestResumeFromCompletedCheckpoint(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2)
	run := h.run(context.Background(), src, RunSpec{
		ResumeFrom: &models.Checkpoint{Phase: models.PhaseCompleted, PageNumber: 1, RecordsProcessed: 2},
	})

	require.Empty(t, collect(run))
	require.ErrorIs(t, run.Outcome().Err, ErrAlreadyCompleted)
	require.Empty(t, src.fetched())
}

func TestResumeAfterExhaustedStreamCompletesWithoutFetching(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(2)
	run := h.run(context.Background(), src, RunSpec{
		ResumeFrom: &models.Checkpoint{Phase: models.PhaseError, PageNumber: 3, RecordsProcessed: 6},
	})

	require.Empty(t, collect(run))
	out := run.Outcome()
	require.Equal(t, models.StatusCompleted, out.Status)
	require.EqualValues(t, 6, out.RecordsProcessed)
	require.Empty(t, src.fetched())
	require.Equal(t, models.PhaseCompleted, h.cps.last().Phase)
}

func TestResumeWithoutCheckpointStartsOver(t *testing.T) {
	h := newHarness(Options{})
	src := newPagedSource(1, 1)
	run := h.run(context.Background(), src, RunSpec{Resume: true})

	require.Len(t, collect(run), 2)
	require.Equal(t, []string{"<none>", "c1"}, src.fetched())
}

func TestTransientErrorsExhaustRetries(t *testing.T) {
	h := newHarness(Options{MaxRetries: 2, BackoffBase: time.Second})
	transient := &TransientError{Err: errors.New("503")}
	src := newPagedSource(1).failOn(1, transient, transient, transient)

	run := h.run(context.Background(), src, RunSpec{})
	collect(run)
	out := run.Outcome()

	require.Equal(t, models.StatusFailed, out.Status)
	require.Equal(t, models.KindFatal, KindOf(out.Err))
	require.Len(t, src.fetched(), 3)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.slept)
}

func TestPageSizeIsCappedBySource(t *testing.T) {
	h := newHarness(Options{PageSize: 500})
	src := newPagedSource(1)
	src.maxPage = 100

	collect(h.run(context.Background(), src, RunSpec{}))
	require.Equal(t, []int{100}, src.sizes)
}

func TestProgressIsReportedEveryPage(t *testing.T) {
	h := newHarness(Options{})
	collect(h.run(context.Background(), newPagedSource(2, 1, 3), RunSpec{}))

	require.GreaterOrEqual(t, len(h.cps.progress), 3)
	require.Equal(t, []int64{2, 3, 6}, h.cps.progress[:3])
}

func TestRecordsCanOnlyBeRangedOnce(t *testing.T) {
	h := newHarness(Options{})
	run := h.run(context.Background(), newPagedSource(2), RunSpec{})

	require.Empty(t, run.Outcome().Status)
	require.Len(t, collect(run), 2)
	require.Empty(t, collect(run))
	require.Equal(t, models.StatusCompleted, run.Outcome().Status)
}

func TestCheckpointCarriesExtra(t *testing.T) {
	h := newHarness(Options{})
	collect(h.run(context.Background(), newPagedSource(1), RunSpec{Extra: map[string]any{"source": "hubspot_deals"}}))

	require.Equal(t, "hubspot_deals", h.cps.last().Extra["source"])
	require.Equal(t, "job-1", h.cps.last().JobID)
}
