package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BartekS5/pagesync/pkg/models"
)

var (
	ErrAlreadyRunning    = errors.New("job is already running")
	ErrAlreadyCompleted  = errors.New("job already completed")
	ErrPageLimitExceeded = errors.New("page limit exceeded")
	ErrTimeout           = errors.New("job timeout exceeded")
	ErrCancelled         = errors.New("job cancelled")
)

// TransientError is a retryable adapter failure (5xx, network, timeout).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RateLimitError is a retryable adapter failure carrying an optional wait hint.
// A positive RetryAfter is always a hint. Hinted marks a zero RetryAfter as
// one too, meaning retry at once.
type RateLimitError struct {
	RetryAfter time.Duration
	Hinted     bool
	Err        error
}

func (e *RateLimitError) hint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, e.Hinted
}

func (e *RateLimitError) Error() string {
	msg := "rate limited"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if d, ok := e.hint(); ok {
		msg += fmt.Sprintf(" (retry after %s)", d)
	}
	return msg
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// FatalError is an adapter failure that must not be retried: authentication,
// malformed responses, or a retryable error that exhausted its retries.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return "fatal: " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// TransformError is a per-record failure. It never aborts a job unless the
// engine is configured to.
type TransformError struct {
	SourceID string
	Field    string
	Err      error
}

func (e *TransformError) Error() string {
	msg := "transform"
	if e.SourceID != "" {
		msg += " record " + e.SourceID
	}
	if e.Field != "" {
		msg += " field " + e.Field
	}
	return msg + ": " + e.Err.Error()
}

func (e *TransformError) Unwrap() error { return e.Err }

// LoadError wraps a failure of the downstream loader.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "load: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// CheckpointError wraps a failure to persist or read a checkpoint.
type CheckpointError struct {
	Err error
}

func (e *CheckpointError) Error() string { return "checkpoint: " + e.Err.Error() }
func (e *CheckpointError) Unwrap() error { return e.Err }

// IsRetryable reports whether the retry policy may repeat the call.
func IsRetryable(err error) bool {
	var transient *TransientError
	var rateLimit *RateLimitError
	return errors.As(err, &transient) || errors.As(err, &rateLimit)
}

// KindOf maps an error to the kind stored on a failed job.
func KindOf(err error) models.ErrorKind {
	var (
		jobErr     *models.JobError
		transform  *TransformError
		fatal      *FatalError
		rateLimit  *RateLimitError
		transient  *TransientError
		load       *LoadError
		checkpoint *CheckpointError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &jobErr):
		return jobErr.Kind
	case errors.Is(err, ErrAlreadyRunning):
		return models.KindAlreadyRunning
	case errors.Is(err, ErrPageLimitExceeded):
		return models.KindPageLimit
	case errors.Is(err, ErrTimeout):
		return models.KindTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return models.KindCancelled
	case errors.As(err, &transform):
		return models.KindTransform
	case errors.As(err, &load):
		return models.KindLoad
	case errors.As(err, &checkpoint):
		return models.KindCheckpoint
	case errors.As(err, &fatal):
		return models.KindFatal
	case errors.As(err, &rateLimit):
		return models.KindRateLimit
	case errors.As(err, &transient):
		return models.KindTransient
	default:
		return models.KindInternal
	}
}

// AsJobError converts err into the structured form persisted on the job.
func AsJobError(err error) *models.JobError {
	if err == nil {
		return nil
	}
	var jobErr *models.JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return &models.JobError{Kind: KindOf(err), Message: err.Error()}
}
