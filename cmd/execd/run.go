package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/executor"
)

var useNATSFlag bool

var runCmd = &cobra.Command{
	Use:   "run <descriptor-file>",
	Short: "Run one execution locally and print its result",
	Long: `Run one execution on this host without a message bus. The descriptor
is read from a YAML or JSON file, or from stdin when the argument is "-".
The result is printed as JSON; the command fails unless the execution
completed.

Examples:
  execd run job.yaml
  execd run --nats job.json`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().BoolVar(&useNATSFlag, "nats", false, "Connect to NATS for nats:// artifacts and queued service requests")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	desc, err := readDescriptor(args[0])
	if err != nil {
		return err
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var js nats.JetStreamContext
	if useNATSFlag {
		nc, stream, err := connect(cfg, logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		js = stream
	}

	p, err := buildPipeline(ctx, cfg, js, false, logger)
	if err != nil {
		return err
	}
	defer p.Close(logger)

	if p.gateway != nil {
		proxyCtx, stopProxy := context.WithCancel(context.Background())
		defer stopProxy()
		go func() {
			if err := p.gateway.Start(proxyCtx); err != nil {
				logger.Error("Service proxy stopped", zap.Error(err))
			}
		}()
	}

	if err := p.executor.Start(ctx); err != nil {
		return err
	}
	defer p.executor.Stop()

	result, err := p.executor.Execute(ctx, desc)
	if err != nil {
		return err
	}

	if err := printJSON(os.Stdout, result); err != nil {
		return err
	}
	return executor.ResultError(result)
}
