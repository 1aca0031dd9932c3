package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"pipeline-orchestrator/internal/entity"
	"pipeline-orchestrator/internal/repository"
)

var (
	// ErrStaleClaim marks an advance or completion that lost to a concurrent writer or
	// carries a token that is no longer in flight. Callers treat it as a no-op.
	ErrStaleClaim      = errors.New("stale claim")
	ErrJobNotRetryable = errors.New("job is not in error")
	ErrJobTerminal     = errors.New("job is terminal")
	ErrSyncTimeout     = errors.New("timed out waiting for stage")

	// errSkip aborts an update without writing when its precondition does not hold.
	errSkip = errors.New("precondition not met")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StageExecutionError means both the primary and the fallback attempt failed.
type StageExecutionError struct {
	Stage    entity.Step
	Attempts int
	Message  string
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %s", e.Stage, e.Attempts, e.Message)
}

// DispatchError means the stage transport could not be reached. It is never retried.
type DispatchError struct {
	Stage entity.Step
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", e.Stage, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ConsistencyError is a read that should have found the job and did not.
type ConsistencyError struct {
	JobID string
	Err   error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("job %s: inconsistent store read: %v", e.JobID, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }

// StageTimeoutError is raised by the watchdog for a run that never called back.
type StageTimeoutError struct {
	Stage    entity.Step
	Deadline time.Time
}

func (e *StageTimeoutError) Error() string {
	return fmt.Sprintf("stage %s did not report back before %s", e.Stage, e.Deadline.UTC().Format(time.RFC3339))
}

func failureKind(err error) entity.FailureKind {
	var (
		de *DispatchError
		te *StageTimeoutError
	)
	switch {
	case errors.As(err, &de):
		return entity.FailureDispatch
	case errors.As(err, &te):
		return entity.FailureTimeout
	default:
		return entity.FailureStageExecution
	}
}

func notFound(jobID string, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return &ConsistencyError{JobID: jobID, Err: err}
	}
	return err
}
