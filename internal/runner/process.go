package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/workspace"
)

// inheritedEnv are host variables a local worker needs to find its tools
var inheritedEnv = []string{"PATH", "HOME", "TMPDIR", "LANG"}

// ProcessRunner runs the worker as a local process with the workspace on
// host paths. It has no isolation and is meant for development and tests.
type ProcessRunner struct {
	logger    *zap.Logger
	stopGrace time.Duration
}

// NewProcessRunner creates a process runner
func NewProcessRunner(stopGrace time.Duration, logger *zap.Logger) *ProcessRunner {
	return &ProcessRunner{
		logger:    logger.Named("process-runner"),
		stopGrace: stopGrace,
	}
}

// Name implements Runner
func (r *ProcessRunner) Name() string { return "process" }

// Paths implements Runner
func (r *ProcessRunner) Paths(ws *workspace.Workspace) execctx.Paths {
	return execctx.Paths{
		Root:   ws.Root,
		Input:  ws.Input(),
		Output: ws.Output(),
		Config: ws.Config(),
	}
}

// Run implements Runner
func (r *ProcessRunner) Run(ctx context.Context, spec Spec) (*Exit, error) {
	if len(spec.Command) == 0 {
		return nil, ErrNoCommand
	}

	runCtx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkingDir
	if cmd.Dir == "" {
		cmd.Dir = spec.Workspace.Root
	}
	cmd.Env = append(hostEnv(), spec.Env...)
	cmd.Stdout = logSink(spec.Logs)
	cmd.Stderr = logSink(spec.Logs)
	cmd.WaitDelay = r.stopGrace
	configureProcess(cmd)

	exit := &Exit{StartedAt: time.Now()}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	r.logger.Info("Worker process started",
		zap.String("execution_id", spec.ExecutionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Duration("timeout", spec.Timeout))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-runCtx.Done():
		classify(exit, ctx, runCtx)
		r.logger.Warn("Stopping worker process",
			zap.String("execution_id", spec.ExecutionID),
			zap.Bool("timed_out", exit.TimedOut),
			zap.Bool("cancelled", exit.Cancelled))

		if err := terminate(cmd); err != nil {
			r.logger.Debug("Failed to signal worker", zap.Error(err))
		}
		select {
		case waitErr = <-done:
		case <-time.After(r.stopGrace):
			r.logger.Warn("Worker ignored stop signal, killing",
				zap.String("execution_id", spec.ExecutionID))
			if err := kill(cmd); err != nil {
				r.logger.Error("Failed to kill worker", zap.Error(err))
			}
			waitErr = <-done
		}
	}
	exit.FinishedAt = time.Now()
	exit.Code = cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) && !errors.Is(waitErr, exec.ErrWaitDelay) {
		exit.Err = waitErr
	}

	r.logger.Info("Worker process exited",
		zap.String("execution_id", spec.ExecutionID),
		zap.Int("exit_code", exit.Code),
		zap.Duration("duration", exit.FinishedAt.Sub(exit.StartedAt)))

	return exit, nil
}

func hostEnv() []string {
	env := make([]string, 0, len(inheritedEnv))
	for _, key := range inheritedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	return env
}
