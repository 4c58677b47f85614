// Package runner starts worker containers and bounds how long they may run.
package runner

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/workspace"
)

var (
	// ErrNoCommand is returned when neither an image nor a command was given
	ErrNoCommand = errors.New("no command to run")

	// ErrStart is returned when the worker could not be started at all
	ErrStart = errors.New("failed to start worker")

	// ErrNetworkNotInternal is returned when the worker network must be
	// internal but allows outbound traffic
	ErrNetworkNotInternal = errors.New("worker network is not internal")
)

// Spec is everything a runner needs to start one worker
type Spec struct {
	ExecutionID string
	Image       string
	Command     []string
	WorkingDir  string
	Workspace   *workspace.Workspace
	Env         []string
	// Network is true when the execution holds a gateway grant
	Network bool
	Timeout time.Duration
	Logs    io.Writer
}

// Exit describes how a worker terminated
type Exit struct {
	Code       int
	TimedOut   bool
	Cancelled  bool
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports a clean zero exit
func (e *Exit) Success() bool {
	return e.Err == nil && !e.TimedOut && !e.Cancelled && e.Code == 0
}

// Runner starts workers. Run must not return before the worker has
// terminated: when ctx is done or the timeout fires the worker is asked
// to stop, then killed after the grace period.
type Runner interface {
	Name() string
	Paths(ws *workspace.Workspace) execctx.Paths
	Run(ctx context.Context, spec Spec) (*Exit, error)
}

// classify fills the timeout and cancellation flags from the two contexts
func classify(exit *Exit, parent, run context.Context) {
	switch {
	case parent.Err() != nil:
		exit.Cancelled = true
	case errors.Is(run.Err(), context.DeadlineExceeded):
		exit.TimedOut = true
	}
}

// withTimeout bounds ctx by timeout; a non-positive timeout leaves it unbounded
func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func logSink(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
