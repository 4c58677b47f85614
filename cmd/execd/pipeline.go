package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/artifact"
	"github.com/t77yq/execd/internal/collector"
	"github.com/t77yq/execd/internal/config"
	"github.com/t77yq/execd/internal/executor"
	"github.com/t77yq/execd/internal/proxy"
	"github.com/t77yq/execd/internal/runner"
	"github.com/t77yq/execd/internal/storage"
	"github.com/t77yq/execd/internal/workspace"
)

// pipeline is every component an executor drives, built from config
type pipeline struct {
	executor *executor.Executor
	gateway  *proxy.Gateway
	history  *storage.SQLiteHistory
	logs     *executor.LogManager

	closers []func() error
}

func (p *pipeline) Close(logger *zap.Logger) {
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			logger.Warn("Failed to close component", zap.Error(err))
		}
	}
}

// buildPipeline wires stores, runner, gateway, collector and history into an
// executor. js may be nil, in which case nats:// artifacts and queued service
// requests are unavailable. The executor consumes and publishes on the
// execution streams only when intake is set.
func buildPipeline(ctx context.Context, cfg *config.Config, js nats.JetStreamContext, intake bool, logger *zap.Logger) (*pipeline, error) {
	p := &pipeline{}
	fail := func(err error) (*pipeline, error) {
		p.Close(logger)
		return nil, err
	}

	// Artifact stores
	fileStore, err := artifact.NewFileStore(cfg.Workspace.ArtifactRoot)
	if err != nil {
		return fail(err)
	}
	resolver := artifact.NewResolver(fileStore)
	var archivers []artifact.Archiver

	if js != nil {
		objects := artifact.NewObjectStore(js, cfg.NATS.ObjectBucket, logger)
		resolver.Register(objects)
		archivers = append(archivers, objects)
	}

	if cfg.Minio.Enabled {
		minioStore, err := artifact.NewMinioStore(ctx, artifact.MinioConfig{
			Endpoint:      cfg.Minio.Endpoint,
			AccessKey:     cfg.Minio.AccessKey,
			SecretKey:     cfg.Minio.SecretKey,
			UseSSL:        cfg.Minio.UseSSL,
			ArchiveBucket: cfg.Minio.ArchiveBucket,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create minio store: %w", err))
		}
		resolver.Register(minioStore)
		archivers = append(archivers, minioStore)
	}

	materializer, err := workspace.NewMaterializer(cfg.Workspace.Root, resolver, logger,
		workspace.WithMinFreeBytes(cfg.Workspace.MinFreeBytes))
	if err != nil {
		return fail(fmt.Errorf("failed to create materializer: %w", err))
	}

	// Runtime
	var run runner.Runner
	switch cfg.Executor.Runtime {
	case "docker":
		docker, err := runner.NewDockerRunner(runner.DockerConfig{
			Network:         cfg.Docker.Network,
			InternalNetwork: cfg.Docker.InternalNetwork,
			Memory:          cfg.Docker.Memory,
			StopGrace:       cfg.Executor.StopGrace,
		}, logger)
		if err != nil {
			return fail(err)
		}
		p.closers = append(p.closers, docker.Close)
		if err := docker.EnsureNetwork(ctx); err != nil {
			return fail(err)
		}
		run = docker
	default:
		run = runner.NewProcessRunner(cfg.Executor.StopGrace, logger)
	}

	// Service proxy
	if len(cfg.Services) > 0 {
		var publisher proxy.Publisher
		if js != nil {
			jsp, err := proxy.NewJetStreamPublisher(js, logger)
			if err != nil {
				return fail(err)
			}
			publisher = jsp
		}

		p.gateway, err = proxy.NewGateway(proxy.Config{
			Listen:         cfg.Proxy.Listen,
			AdvertiseURL:   cfg.Proxy.AdvertiseURL,
			ForwardTimeout: cfg.Proxy.ForwardTimeout,
			HealthTimeout:  cfg.Proxy.HealthTimeout,
			RateLimit:      cfg.Proxy.RateLimit,
			Burst:          cfg.Proxy.Burst,
		}, services(cfg.Services), publisher, logger)
		if err != nil {
			return fail(fmt.Errorf("failed to create service proxy: %w", err))
		}
	}

	p.history, err = storage.NewSQLiteHistory(cfg.Storage.DBPath, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create execution history: %w", err))
	}
	p.closers = append(p.closers, p.history.Close)

	p.logs, err = executor.NewLogManager(executor.LogConfig{
		LogDir:      cfg.Executor.LogDir,
		MaxFileSize: cfg.Executor.MaxLogSize,
		MaxAge:      cfg.Executor.MaxLogAge,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create log manager: %w", err))
	}

	deps := executor.Dependencies{
		Materializer: materializer,
		Runner:       run,
		Collector:    collector.NewCollector(logger, archivers...),
		Gateway:      p.gateway,
		History:      p.history,
		Logs:         p.logs,
	}
	if intake {
		deps.JetStream = js
	}

	p.executor, err = executor.NewExecutor(executor.Config{
		ID:                cfg.Executor.ID,
		MaxConcurrent:     cfg.Executor.MaxConcurrent,
		DefaultTimeout:    cfg.Executor.DefaultTimeout,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		RedeliveryDelay:   cfg.Executor.RedeliveryDelay,
		SubmitMaxDeliver:  cfg.Executor.MaxDeliver,
		MinFreeBytes:      cfg.Workspace.MinFreeBytes,
		RetainWorkspaces:  cfg.Workspace.Retain,
		Operations:        operations(cfg.Operations),
	}, deps, logger)
	if err != nil {
		return fail(fmt.Errorf("failed to create executor: %w", err))
	}

	logger.Info("Pipeline ready",
		zap.String("runtime", run.Name()),
		zap.Strings("artifact_schemes", resolver.Schemes()),
		zap.Int("archivers", len(archivers)),
		zap.Int("services", len(cfg.Services)))

	return p, nil
}

func services(configured map[string]config.ServiceConfig) []proxy.Service {
	names := make([]string, 0, len(configured))
	for name := range configured {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]proxy.Service, 0, len(names))
	for _, name := range names {
		svc := configured[name]
		out = append(out, proxy.Service{Name: name, URL: svc.URL, HealthPath: svc.HealthPath})
	}
	return out
}

func operations(configured map[string]config.OperationConfig) map[string]executor.OperationPolicy {
	out := make(map[string]executor.OperationPolicy, len(configured))
	for name, op := range configured {
		out[name] = executor.OperationPolicy{
			Image:    op.Image,
			Command:  op.Command,
			Services: op.Services,
		}
	}
	return out
}
