package event

import (
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
)

type EventType string

const (
	EventJobCreated      EventType = "job.created"
	EventJobStarted      EventType = "job.started"
	EventJobCheckpointed EventType = "job.checkpointed"
	EventJobCompleted    EventType = "job.completed"
	EventJobFailed       EventType = "job.failed"
	EventJobCancelled    EventType = "job.cancelled"
	EventJobPaused       EventType = "job.paused"
)

// ForStatus returns the event announcing a transition to status.
func ForStatus(status models.Status) EventType {
	switch status {
	case models.StatusRunning:
		return EventJobStarted
	case models.StatusCompleted:
		return EventJobCompleted
	case models.StatusFailed:
		return EventJobFailed
	case models.StatusCancelled:
		return EventJobCancelled
	case models.StatusPaused:
		return EventJobPaused
	default:
		return EventJobCreated
	}
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   any
}

type JobEvent struct {
	JobID         string
	TenantID      string
	Source        string
	Status        models.Status
	TotalRecords  int64
	FailedRecords int64
	Error         *models.JobError
}

type CheckpointEvent struct {
	JobID      string
	TenantID   string
	Checkpoint models.Checkpoint
}
