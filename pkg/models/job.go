package models

import (
	"fmt"
	"slices"
	"time"
)

// Status is the lifecycle state of an extraction job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusPaused    Status = "paused"
)

// IsTerminal reports whether the status ends a run.
// Paused is not terminal: a paused job is expected to be resumed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled, StatusPaused:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// transitions lists every legal edge of the job state machine.
var transitions = map[Status][]Status{
	StatusPending:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusPaused},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusFailed:    {StatusRunning},
	StatusCancelled: {StatusRunning},
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ResumableFrom are the statuses an explicit resume may start from.
var ResumableFrom = []Status{StatusPaused, StatusFailed, StatusCancelled}

// ErrorKind classifies the reason a job failed.
type ErrorKind string

const (
	KindTransient      ErrorKind = "TransientAdapterError"
	KindRateLimit      ErrorKind = "RateLimitError"
	KindFatal          ErrorKind = "FatalAdapterError"
	KindTransform      ErrorKind = "TransformError"
	KindPageLimit      ErrorKind = "PageLimitExceeded"
	KindAlreadyRunning ErrorKind = "AlreadyRunning"
	KindTimeout        ErrorKind = "Timeout"
	KindCancelled      ErrorKind = "Cancelled"
	KindLoad           ErrorKind = "LoadError"
	KindCrashed        ErrorKind = "Crashed"
	KindCheckpoint     ErrorKind = "CheckpointError"
	KindInternal       ErrorKind = "Internal"
)

// JobError is the structured failure stored on a failed job.
type JobError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Job is one logical extraction run.
type Job struct {
	ID              string     `json:"job_id"`
	TenantID        string     `json:"tenant_id"`
	Source          string     `json:"source"`
	Status          Status     `json:"status"`
	TotalRecords    int64      `json:"total_records"`
	FailedRecords   int64      `json:"failed_records"`
	Error           *JobError  `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	PauseRequested  bool       `json:"pause_requested"`
}
