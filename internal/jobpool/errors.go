package jobpool

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrJobCancelled marks a job that stopped because it was cancelled.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrJobTimedOut marks a job that exceeded its own deadline.
	ErrJobTimedOut = errors.New("job timed out")

	ErrUnknownPool     = errors.New("unknown pool")
	ErrInvalidPool     = errors.New("invalid pool definition")
	ErrExecutorStopped = errors.New("executor stopped")
)

// ConfigurationError reports a programming error in the embedding
// application, such as looking up a pool that was never created.
type ConfigurationError struct {
	Pool string
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("jobpool: pool %q: %v", e.Pool, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// JobFailedError wraps any error (or recovered panic) raised by a job body
// that is neither a cancellation nor a timeout.
type JobFailedError struct {
	ID    string
	Err   error
	Panic any
	Stack string
}

func (e *JobFailedError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("job %s panicked: %v", e.ID, e.Panic)
	}
	return fmt.Sprintf("job %s failed: %v", e.ID, e.Err)
}

func (e *JobFailedError) Unwrap() error { return e.Err }

// Outcome is the terminal classification of a job run.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeCancelled
	OutcomeTimedOut
	OutcomeFailed
	// OutcomeDiscarded is used for pending jobs dropped by Shutdown or Cancel; they never ran.
	OutcomeDiscarded
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeTimedOut:
		return "timeout"
	case OutcomeFailed:
		return "failed"
	case OutcomeDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Classify maps a job's returned error to its Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSucceeded
	case errors.Is(err, ErrJobCancelled), errors.Is(err, context.Canceled):
		return OutcomeCancelled
	case errors.Is(err, ErrJobTimedOut), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimedOut
	default:
		return OutcomeFailed
	}
}
