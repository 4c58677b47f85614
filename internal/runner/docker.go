package runner

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/workspace"
)

const (
	containerWorkspace = "/workspace"
	executionLabel     = "execd.execution_id"
	managedLabel       = "execd.managed"
	gatewayHost        = "host.docker.internal:host-gateway"
)

// DockerConfig configures the docker runner
type DockerConfig struct {
	// Network is used only by executions holding a gateway grant; all
	// others run with networking disabled.
	Network string

	// InternalNetwork requires Network to have no outbound access, so the
	// gateway, attached to the same network, is the only reachable peer
	InternalNetwork bool

	Memory    int64
	StopGrace time.Duration
}

// DockerRunner runs each worker in its own container with the workspace
// bind-mounted at /workspace
type DockerRunner struct {
	logger *zap.Logger
	cli    *client.Client
	config DockerConfig
}

// NewDockerRunner connects to the docker daemon from the environment
func NewDockerRunner(config DockerConfig, logger *zap.Logger) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	return &DockerRunner{
		logger: logger.Named("docker-runner"),
		cli:    cli,
		config: config,
	}, nil
}

// Name implements Runner
func (r *DockerRunner) Name() string { return "docker" }

// Paths implements Runner
func (r *DockerRunner) Paths(ws *workspace.Workspace) execctx.Paths {
	return execctx.Paths{
		Root:   containerWorkspace,
		Input:  containerWorkspace + "/" + workspace.InputDir,
		Output: containerWorkspace + "/" + workspace.OutputDir,
		Config: containerWorkspace + "/" + workspace.ConfigDir,
	}
}

// EnsureNetwork prepares the network granted executions join. With
// InternalNetwork set, a missing network is created as internal and an
// existing one with outbound access is refused.
func (r *DockerRunner) EnsureNetwork(ctx context.Context) error {
	if !r.config.InternalNetwork {
		r.logger.Warn("Granted executions share a network with outbound access",
			zap.String("network", r.config.Network))
		return nil
	}

	info, err := r.cli.NetworkInspect(ctx, r.config.Network, network.InspectOptions{})
	switch {
	case err == nil:
		if !info.Internal {
			return fmt.Errorf("%w: %s", ErrNetworkNotInternal, r.config.Network)
		}
		return nil
	case !errdefs.IsNotFound(err):
		return fmt.Errorf("failed to inspect network %s: %w", r.config.Network, err)
	}

	if _, err := r.cli.NetworkCreate(ctx, r.config.Network, network.CreateOptions{
		Driver:   "bridge",
		Internal: true,
		Labels:   map[string]string{managedLabel: "true"},
	}); err != nil {
		return fmt.Errorf("failed to create network %s: %w", r.config.Network, err)
	}
	r.logger.Info("Created internal worker network", zap.String("network", r.config.Network))
	return nil
}

// Close releases the docker client
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Run implements Runner
func (r *DockerRunner) Run(ctx context.Context, spec Spec) (*Exit, error) {
	if spec.Image == "" {
		return nil, ErrNoCommand
	}

	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	id, err := r.create(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}
	defer r.remove(id, spec.ExecutionID)

	// Wait is registered before start so a fast exit is not missed. It uses
	// a context detached from ctx: after a stop we still need to observe the
	// container actually terminating.
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	statusCh, errCh := r.cli.ContainerWait(waitCtx, id, container.WaitConditionNotRunning)

	runCtx, cancel := withTimeout(ctx, spec.Timeout)
	defer cancel()

	exit := &Exit{StartedAt: time.Now()}
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStart, err)
	}

	r.logger.Info("Worker container started",
		zap.String("execution_id", spec.ExecutionID),
		zap.String("container_id", id[:12]),
		zap.String("image", spec.Image),
		zap.Duration("timeout", spec.Timeout))

	logsDone := r.streamLogs(id, spec)

	select {
	case status := <-statusCh:
		exit.Code = int(status.StatusCode)
		if status.Error != nil {
			exit.Err = fmt.Errorf("container wait: %s", status.Error.Message)
		}
	case err := <-errCh:
		exit.Code = -1
		exit.Err = fmt.Errorf("container wait: %w", err)
	case <-runCtx.Done():
		classify(exit, ctx, runCtx)
		exit.Code = r.stop(id, spec.ExecutionID, statusCh, errCh)
	}
	exit.FinishedAt = time.Now()

	select {
	case <-logsDone:
	case <-time.After(5 * time.Second):
		r.logger.Warn("Log stream did not drain", zap.String("execution_id", spec.ExecutionID))
	}

	r.logger.Info("Worker container exited",
		zap.String("execution_id", spec.ExecutionID),
		zap.Int("exit_code", exit.Code),
		zap.Bool("timed_out", exit.TimedOut),
		zap.Bool("cancelled", exit.Cancelled))

	return exit, nil
}

func (r *DockerRunner) ensureImage(ctx context.Context, ref string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	r.logger.Info("Pulling image", zap.String("image", ref))
	reader, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

func (r *DockerRunner) create(ctx context.Context, spec Spec) (string, error) {
	paths := r.Paths(spec.Workspace)

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.Workspace.Input(), Target: paths.Input, ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.Workspace.Output(), Target: paths.Output},
			{Type: mount.TypeBind, Source: spec.Workspace.Config(), Target: paths.Config, ReadOnly: true},
		},
		NetworkMode: "none",
		Resources: container.Resources{
			Memory: r.config.Memory,
		},
	}
	if spec.Network {
		hostConfig.NetworkMode = container.NetworkMode(r.config.Network)
		if !r.config.InternalNetwork {
			hostConfig.ExtraHosts = []string{gatewayHost}
		}
	}

	workingDir := spec.WorkingDir
	if workingDir == "" {
		workingDir = containerWorkspace
	}

	resp, err := r.cli.ContainerCreate(ctx, &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		Env:        spec.Env,
		WorkingDir: workingDir,
		Labels:     map[string]string{executionLabel: spec.ExecutionID},
	}, hostConfig, nil, nil, "execd-"+spec.ExecutionID)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	for _, w := range resp.Warnings {
		r.logger.Warn("Container create warning",
			zap.String("execution_id", spec.ExecutionID),
			zap.String("warning", w))
	}
	return resp.ID, nil
}

// stop asks the container to stop and waits until it is gone. docker stop
// sends SIGTERM and escalates to SIGKILL after the grace period; a final
// kill covers a daemon that did not manage to.
func (r *DockerRunner) stop(id, executionID string, statusCh <-chan container.WaitResponse, errCh <-chan error) int {
	r.logger.Warn("Stopping worker container", zap.String("execution_id", executionID))

	grace := int(r.config.StopGrace.Seconds())
	stopCtx, cancel := context.WithTimeout(context.Background(), r.config.StopGrace+30*time.Second)
	defer cancel()

	if err := r.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &grace}); err != nil {
		r.logger.Error("Failed to stop container",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}

	select {
	case status := <-statusCh:
		return int(status.StatusCode)
	case <-errCh:
	case <-stopCtx.Done():
	}

	killCtx, cancelKill := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelKill()
	if err := r.cli.ContainerKill(killCtx, id, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
		r.logger.Error("Failed to kill container",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}

	inspectCtx, cancelInspect := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelInspect()
	info, err := r.cli.ContainerInspect(inspectCtx, id)
	if err != nil || info.ContainerJSONBase == nil || info.State == nil {
		return -1
	}
	return info.State.ExitCode
}

func (r *DockerRunner) streamLogs(id string, spec Spec) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		reader, err := r.cli.ContainerLogs(context.Background(), id, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Timestamps: true,
		})
		if err != nil {
			r.logger.Error("Failed to get container logs",
				zap.String("execution_id", spec.ExecutionID),
				zap.Error(err))
			return
		}
		defer reader.Close()

		sink := logSink(spec.Logs)
		if _, err := stdcopy.StdCopy(sink, sink, reader); err != nil {
			r.logger.Debug("Container log stream ended",
				zap.String("execution_id", spec.ExecutionID),
				zap.Error(err))
		}
	}()
	return done
}

func (r *DockerRunner) remove(id, executionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Error("Failed to remove container",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}
