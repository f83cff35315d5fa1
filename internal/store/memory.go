package store

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
)

// Memory is an in-process Store for tests and dry runs.
type Memory struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	checkpoints map[string][]models.Checkpoint
	now         func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:        make(map[string]*models.Job),
		checkpoints: make(map[string][]models.Checkpoint),
		now:         time.Now,
	}
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

func (m *Memory) Create(_ context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("create job %s: %w", j.ID, ErrExists)
	}
	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("get job %s: %w", id, ErrNotFound)
	}
	return cloneJob(j), nil
}

func (m *Memory) List(_ context.Context, f ListFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.Job
	for _, j := range m.jobs {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status) {
			continue
		}
		if f.TenantID != "" && j.TenantID != f.TenantID {
			continue
		}
		out = append(out, cloneJob(j))
	}
	slices.SortFunc(out, func(a, b *models.Job) int {
		c := a.CreatedAt.Compare(b.CreatedAt)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.NewestFirst {
			return -c
		}
		return c
	})
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id string, from []models.Status, to models.Status, upd StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("update status of job %s: %w", id, ErrNotFound)
	}
	if !slices.Contains(allowedFrom(from, to), j.Status) {
		return transitionError(id, j.Status, to)
	}

	now := m.now().UTC()
	j.Status = to
	switch {
	case to == models.StatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		j.HeartbeatAt = &now
		j.CompletedAt = nil
		j.CancelRequested = false
		j.PauseRequested = false
	case to.IsTerminal():
		j.CompletedAt = &now
	}
	j.Error = nil
	if to == models.StatusFailed && upd.Error != nil {
		e := *upd.Error
		j.Error = &e
	}
	return nil
}

func (m *Memory) UpdateProgress(_ context.Context, id string, total, failed int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("update progress of job %s: %w", id, ErrNotFound)
	}
	if j.Status != models.StatusRunning {
		return nil
	}
	j.TotalRecords = max(j.TotalRecords, total)
	j.FailedRecords = max(j.FailedRecords, failed)
	now := m.now().UTC()
	j.HeartbeatAt = &now
	return nil
}

func (m *Memory) setFlag(id string, set func(j *models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if j.Status.IsTerminal() {
		return fmt.Errorf("job %s: %w: job is %s", id, ErrInvalidTransition, j.Status)
	}
	set(j)
	return nil
}

func (m *Memory) RequestCancel(_ context.Context, id string) error {
	return m.setFlag(id, func(j *models.Job) { j.CancelRequested = true })
}

func (m *Memory) RequestPause(_ context.Context, id string) error {
	return m.setFlag(id, func(j *models.Job) { j.PauseRequested = true })
}

func (m *Memory) IsCancelRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.CancelRequested, nil
}

func (m *Memory) IsPauseRequested(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	return j.PauseRequested, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *cp
	if cp.Cursor != nil {
		cur := *cp.Cursor
		c.Cursor = &cur
	}
	m.checkpoints[cp.JobID] = append(m.checkpoints[cp.JobID], c)
	return nil
}

func (m *Memory) LoadCheckpoint(_ context.Context, jobID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[jobID]
	if len(cps) == 0 {
		return nil, nil
	}
	c := cps[len(cps)-1]
	return &c, nil
}

func (m *Memory) ListCheckpoints(_ context.Context, jobID string) ([]models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.checkpoints[jobID]), nil
}

func (m *Memory) FailStale(ctx context.Context, before time.Time, jobErr models.JobError) ([]string, error) {
	m.mu.Lock()
	var ids []string
	for id, j := range m.jobs {
		if j.Status != models.StatusRunning {
			continue
		}
		beat := j.HeartbeatAt
		if beat == nil {
			beat = j.StartedAt
		}
		if beat == nil || beat.Before(before) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	slices.Sort(ids)
	failed := ids[:0]
	for _, id := range ids {
		err := m.UpdateStatus(ctx, id, []models.Status{models.StatusRunning}, models.StatusFailed, StatusUpdate{Error: &jobErr})
		if err != nil {
			continue
		}
		failed = append(failed, id)
	}
	return failed, nil
}

func (m *Memory) DeleteTerminalBefore(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, j := range m.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(before) {
			delete(m.jobs, id)
			delete(m.checkpoints, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
