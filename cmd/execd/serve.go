package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/janitor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an executor node",
	Long: `Run an executor node: consume execution descriptors from JetStream,
serve the service proxy for granted executions, publish status events,
results and heartbeats, and periodically clean up workspaces, history and
logs.

Examples:
  execd serve
  execd serve --config /etc/execd/execd.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, js, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	p, err := buildPipeline(ctx, cfg, js, true, logger)
	if err != nil {
		return err
	}
	defer p.Close(logger)

	proxyErr := make(chan error, 1)
	if p.gateway != nil {
		go func() {
			proxyErr <- p.gateway.Start(ctx)
		}()
	}

	if err := p.executor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start executor: %w", err)
	}

	j, err := janitor.New(janitor.Config{
		Schedule:           cfg.Janitor.Schedule,
		WorkspaceRoot:      cfg.Workspace.Root,
		WorkspaceRetention: cfg.Workspace.Retention,
		HistoryRetention:   cfg.Storage.HistoryRetention,
	}, janitor.Dependencies{
		Activity: p.executor,
		History:  p.history,
		Logs:     p.logs,
	}, logger)
	if err != nil {
		p.executor.Stop()
		return err
	}
	j.Start()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-proxyErr:
		if err != nil {
			logger.Error("Service proxy stopped", zap.Error(err))
		}
		stop()
	}

	j.Stop()
	p.executor.Stop()

	if err := nc.Drain(); err != nil {
		logger.Warn("Failed to drain NATS connection", zap.Error(err))
	}

	logger.Info("Executor shut down gracefully")
	return nil
}
