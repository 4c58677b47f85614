package executor

import (
	"errors"

	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/workspace"
)

var (
	// ErrDuplicateExecution is returned when an execution id was already accepted
	ErrDuplicateExecution = errors.New("duplicate execution")

	// ErrCapacityExceeded is returned when every execution slot is taken
	ErrCapacityExceeded = errors.New("maximum number of concurrent executions reached")

	// ErrInvalidDescriptor is returned for descriptors rejected before any workspace exists
	ErrInvalidDescriptor = errors.New("invalid execution descriptor")

	// ErrUnknownExecution is returned by Cancel for ids that are not in flight
	ErrUnknownExecution = errors.New("unknown execution")

	// ErrNotCancellable is returned by Cancel once collection has begun
	ErrNotCancellable = errors.New("execution can no longer be cancelled")

	// ErrContainerCrash means the worker exited abnormally
	ErrContainerCrash = errors.New("container crashed")

	// ErrTimeout means the worker exceeded its bound
	ErrTimeout = errors.New("execution timed out")

	// ErrCancelled means the execution was cancelled before it finished
	ErrCancelled = errors.New("execution cancelled")

	// ErrExecutionFailed covers failures without a more specific cause
	ErrExecutionFailed = errors.New("execution failed")
)

// ResultError maps a terminal result onto the error taxonomy. It returns
// nil for completed executions.
func ResultError(result *model.ExecutionResult) error {
	if result.Status == model.ExecutionStatusCompleted {
		return nil
	}

	switch result.ErrorKind {
	case model.ErrorKindTimeout:
		return ErrTimeout
	case model.ErrorKindCancelled:
		return ErrCancelled
	case model.ErrorKindContainerCrash:
		return ErrContainerCrash
	case model.ErrorKindWorkspaceInit:
		return workspace.ErrWorkspaceInit
	case model.ErrorKindInvalidDescriptor:
		return ErrInvalidDescriptor
	case model.ErrorKindCapacity:
		return ErrCapacityExceeded
	}
	if result.Status == model.ExecutionStatusTimedOut {
		return ErrTimeout
	}
	return ErrExecutionFailed
}

// rejectionKind tags a submission refused before its pipeline started
func rejectionKind(err error) model.ErrorKind {
	if errors.Is(err, ErrCapacityExceeded) {
		return model.ErrorKindCapacity
	}
	return model.ErrorKindInvalidDescriptor
}
