package etl

import (
	"context"

	"github.com/BartekS5/pagesync/pkg/models"
)

// PageSource fetches one page of a cursor-paginated API. A nil cursor asks
// for the first page. Errors should be *TransientError, *RateLimitError or
// *FatalError; anything else is treated as fatal.
type PageSource interface {
	FetchPage(ctx context.Context, cursor *string, pageSize int) (models.Page, error)
	MaxPageSize() int
}

// Transformer maps one raw record to a normalized record. Per-record
// failures are reported as *TransformError.
type Transformer interface {
	Transform(raw models.RawRecord, sc models.ScanContext) (models.Record, error)
}

type Loader interface {
	Load(ctx context.Context, records []models.Record) error
}

// CheckpointStore persists resumable positions. LoadCheckpoint returns nil
// when the job has none.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *models.Checkpoint) error
	LoadCheckpoint(ctx context.Context, jobID string) (*models.Checkpoint, error)
}

// Signal exposes the cooperative cancellation and pause flags of a job.
type Signal interface {
	IsCancelRequested(ctx context.Context, jobID string) (bool, error)
	IsPauseRequested(ctx context.Context, jobID string) (bool, error)
}

// ProgressRecorder stores the job counters and refreshes its heartbeat.
type ProgressRecorder interface {
	UpdateProgress(ctx context.Context, jobID string, total, failed int64) error
}
