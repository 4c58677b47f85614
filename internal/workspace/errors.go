package workspace

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkspaceInit indicates the workspace could not be prepared; no container may run
	ErrWorkspaceInit = errors.New("workspace initialization failed")

	// ErrWorkspaceNotEmpty indicates the target directory already holds content
	ErrWorkspaceNotEmpty = errors.New("workspace already exists and is not empty")

	// ErrInsufficientDisk indicates the workspace root is below the free space floor
	ErrInsufficientDisk = errors.New("insufficient disk space")

	// ErrInvalidName indicates an artifact cannot be staged under the derived name
	ErrInvalidName = errors.New("invalid artifact name")
)

// InitError carries the execution and cause of a failed materialization
type InitError struct {
	ExecutionID string
	Err         error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("%s: execution %s: %v", ErrWorkspaceInit, e.ExecutionID, e.Err)
}

func (e *InitError) Unwrap() []error {
	return []error{ErrWorkspaceInit, e.Err}
}

// IsInitError returns true if err is a workspace initialization failure
func IsInitError(err error) bool {
	return errors.Is(err, ErrWorkspaceInit)
}
