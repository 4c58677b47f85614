package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/t77yq/execd/internal/executor"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/storage"
)

var (
	operationFilter string
	statusFilter    string
	limitFlag       int
	sinceFlag       time.Duration
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List executions recorded by this node",
	RunE:  runHistory,
}

var showCmd = &cobra.Command{
	Use:   "show <execution-id>",
	Short: "Show the recorded result of one execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var logsCmd = &cobra.Command{
	Use:   "logs <execution-id>",
	Short: "Print the captured worker output of one execution",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	historyCmd.Flags().StringVar(&operationFilter, "operation", "", "Only executions of this operation")
	historyCmd.Flags().StringVar(&statusFilter, "status", "", "Only executions with this status (completed, failed, timed_out)")
	historyCmd.Flags().IntVar(&limitFlag, "limit", 20, "Maximum number of executions to list")
	logsCmd.Flags().DurationVar(&sinceFlag, "since", 24*time.Hour, "Only lines newer than this")

	historyCmd.AddCommand(showCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(logsCmd)
}

func openHistory() (storage.ExecutionHistory, error) {
	cfg, logger, err := setup()
	if err != nil {
		return nil, err
	}
	return storage.NewSQLiteHistory(cfg.Storage.DBPath, logger)
}

func runHistory(cmd *cobra.Command, args []string) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	filter := storage.Filter{
		Operation: operationFilter,
		Status:    model.ExecutionStatus(statusFilter),
	}

	ctx := cmd.Context()
	total, err := history.Count(ctx, filter)
	if err != nil {
		return err
	}
	records, err := history.List(ctx, filter, 0, limitFlag)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXECUTION\tOPERATION\tSTATE\tSTATUS\tSTARTED\tDURATION")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ExecutionID,
			r.Operation,
			r.State,
			r.Status,
			r.StartedAt.Format(time.RFC3339),
			r.Duration.Round(time.Millisecond))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if total > len(records) {
		fmt.Fprintf(os.Stdout, "\n%d of %d executions shown\n", len(records), total)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	history, err := openHistory()
	if err != nil {
		return err
	}
	defer history.Close()

	record, err := history.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, record)
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	logs, err := executor.NewLogManager(executor.LogConfig{LogDir: cfg.Executor.LogDir}, logger)
	if err != nil {
		return err
	}
	defer logs.Stop()

	now := time.Now()
	entries, err := logs.GetLogs(args[0], now.Add(-sinceFlag), now)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(os.Stdout, "%s %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Message)
	}
	return nil
}
