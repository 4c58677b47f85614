package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/execd/internal/dispatch"
	"github.com/t77yq/execd/internal/executor"
)

var (
	waitFlag    bool
	timeoutFlag time.Duration
)

var submitCmd = &cobra.Command{
	Use:   "submit <descriptor-file>",
	Short: "Submit an execution to the executor pool",
	Long: `Publish a descriptor to the execution stream. With --wait the command
blocks until the result is published and prints it.

Examples:
  execd submit job.yaml
  execd submit --wait --timeout 10m job.json`,
	Args: cobra.ExactArgs(1),
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <execution-id>",
	Short: "Request cancellation of a running execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func init() {
	submitCmd.Flags().BoolVar(&waitFlag, "wait", false, "Wait for the result and print it")
	submitCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
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
	if timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeoutFlag)
		defer cancel()
	}

	nc, js, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	client, err := dispatch.NewClient(js, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.Submit(ctx, desc)
	if err != nil {
		return err
	}

	if !waitFlag {
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	}

	result, err := client.Await(ctx, id)
	if err != nil {
		return err
	}
	if err := printJSON(os.Stdout, result); err != nil {
		return err
	}
	return executor.ResultError(result)
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	nc, js, err := connect(cfg, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	client, err := dispatch.NewClient(js, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	return client.Cancel(cmd.Context(), args[0])
}
