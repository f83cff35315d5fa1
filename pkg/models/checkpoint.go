package models

import "time"

// Phase records why a checkpoint was written.
type Phase string

const (
	PhaseInterval  Phase = "interval"
	PhaseCompleted Phase = "completed"
	PhaseCancelled Phase = "cancelled"
	PhasePaused    Phase = "paused"
	PhaseError     Phase = "error"
	PhaseTimeout   Phase = "timeout"
)

// IsTerminal reports whether the phase closes a run.
func (p Phase) IsTerminal() bool {
	return p != PhaseInterval
}

// Checkpoint is the durable position of a job. A nil Cursor means either
// "start of stream" (PageNumber 0) or "no more pages" (PhaseCompleted).
// FailedRecords counts the records skipped before the position.
type Checkpoint struct {
	JobID            string         `json:"job_id"`
	Phase            Phase          `json:"phase"`
	Cursor           *string        `json:"cursor"`
	RecordsProcessed int64          `json:"records_processed"`
	FailedRecords    int64          `json:"failed_records"`
	PageNumber       int            `json:"page_number"`
	Extra            map[string]any `json:"extra,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// CursorValue returns the cursor or an empty string.
func (c *Checkpoint) CursorValue() string {
	if c == nil || c.Cursor == nil {
		return ""
	}
	return *c.Cursor
}
