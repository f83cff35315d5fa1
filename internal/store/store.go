// Package store persists jobs and their checkpoints.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/pkg/models"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrExists            = errors.New("job already exists")
)

// StatusUpdate carries the optional data written with a status change.
type StatusUpdate struct {
	Error *models.JobError
}

type ListFilter struct {
	Statuses    []models.Status
	TenantID    string
	Limit       int
	Offset      int
	NewestFirst bool
}

// Store is the durable job and checkpoint store. UpdateStatus is a
// compare-and-set: it only applies when the current status is one of from
// and the edge is legal, otherwise it returns ErrInvalidTransition, or
// etl.ErrAlreadyRunning when the job is already running.
type Store interface {
	Create(ctx context.Context, j *models.Job) error
	Get(ctx context.Context, id string) (*models.Job, error)
	List(ctx context.Context, f ListFilter) ([]*models.Job, error)
	UpdateStatus(ctx context.Context, id string, from []models.Status, to models.Status, upd StatusUpdate) error
	UpdateProgress(ctx context.Context, id string, total, failed int64) error

	RequestCancel(ctx context.Context, id string) error
	RequestPause(ctx context.Context, id string) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)
	IsPauseRequested(ctx context.Context, id string) (bool, error)

	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error)
	ListCheckpoints(ctx context.Context, jobID string) ([]models.Checkpoint, error)

	// FailStale fails running jobs whose heartbeat is older than before and
	// returns their ids.
	FailStale(ctx context.Context, before time.Time, jobErr models.JobError) ([]string, error)
	// DeleteTerminalBefore removes terminal jobs completed before the given
	// time together with their checkpoints.
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)

	Close() error
}

var (
	_ etl.CheckpointStore  = Store(nil)
	_ etl.Signal           = Store(nil)
	_ etl.ProgressRecorder = Store(nil)
)

// allowedFrom keeps the statuses of from that have a legal edge to to.
func allowedFrom(from []models.Status, to models.Status) []models.Status {
	out := make([]models.Status, 0, len(from))
	for _, f := range from {
		if models.CanTransition(f, to) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// transitionError explains why a compare-and-set did not apply.
func transitionError(id string, current, to models.Status) error {
	if current == models.StatusRunning && to == models.StatusRunning {
		return fmt.Errorf("job %s: %w", id, etl.ErrAlreadyRunning)
	}
	return fmt.Errorf("job %s: %w: %s -> %s", id, ErrInvalidTransition, current, to)
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// formatTime renders a UTC timestamp with fixed width so that stored values
// order correctly as text.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}
