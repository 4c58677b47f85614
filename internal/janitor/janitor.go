// Package janitor runs periodic cleanup of retained workspaces, old
// execution history and execution logs.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = time.Minute

// ActivityChecker reports whether an execution still owns its workspace
type ActivityChecker interface {
	Active(executionID string) bool
}

// HistoryPruner removes terminal history records
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// LogRotator removes and rotates execution log files
type LogRotator interface {
	Rotate(now time.Time) (removed, rotated int)
}

// Config controls when and what the janitor cleans
type Config struct {
	Schedule           string
	WorkspaceRoot      string
	WorkspaceRetention time.Duration
	HistoryRetention   time.Duration
}

// Dependencies are optional; a nil dependency skips its job
type Dependencies struct {
	Activity ActivityChecker
	History  HistoryPruner
	Logs     LogRotator
}

// Report summarizes one sweep
type Report struct {
	Workspaces     int
	HistoryRecords int64
	LogsRemoved    int
	LogsRotated    int
}

// Janitor schedules sweeps with cron
type Janitor struct {
	config Config
	deps   Dependencies
	logger *zap.Logger
	cron   *cron.Cron
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// New creates a janitor and registers its sweep on config.Schedule, a
// cron expression with a seconds field
func New(config Config, deps Dependencies, logger *zap.Logger) (*Janitor, error) {
	logger = logger.Named("janitor")
	cl := &cronLogger{logger: logger.Named("cron")}

	j := &Janitor{
		config: config,
		deps:   deps,
		logger: logger,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if _, err := j.cron.AddFunc(config.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		j.Sweep(ctx, time.Now())
	}); err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}

	return j, nil
}

// Start runs the schedule in the background
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("Janitor started", zap.String("schedule", j.config.Schedule))
}

// Stop waits for a running sweep to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}

// Sweep runs every cleanup job once, as of now
func (j *Janitor) Sweep(ctx context.Context, now time.Time) Report {
	var report Report

	if j.config.WorkspaceRoot != "" && j.config.WorkspaceRetention > 0 {
		report.Workspaces = j.sweepWorkspaces(now.Add(-j.config.WorkspaceRetention))
	}

	if j.deps.History != nil && j.config.HistoryRetention > 0 {
		n, err := j.deps.History.DeleteBefore(ctx, now.Add(-j.config.HistoryRetention))
		if err != nil {
			j.logger.Error("Failed to prune execution history", zap.Error(err))
		}
		report.HistoryRecords = n
	}

	if j.deps.Logs != nil {
		report.LogsRemoved, report.LogsRotated = j.deps.Logs.Rotate(now)
	}

	j.logger.Info("Sweep finished",
		zap.Int("workspaces", report.Workspaces),
		zap.Int64("history_records", report.HistoryRecords),
		zap.Int("logs_removed", report.LogsRemoved),
		zap.Int("logs_rotated", report.LogsRotated))

	return report
}

// sweepWorkspaces removes retained workspaces last modified before cutoff.
// Workspaces of executions still in flight are never touched.
func (j *Janitor) sweepWorkspaces(cutoff time.Time) int {
	entries, err := os.ReadDir(j.config.WorkspaceRoot)
	if err != nil {
		j.logger.Error("Failed to list workspaces", zap.Error(err))
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := entry.Name()
		if j.deps.Activity != nil && j.deps.Activity.Active(id) {
			continue
		}

		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.RemoveAll(filepath.Join(j.config.WorkspaceRoot, id)); err != nil {
			j.logger.Error("Failed to remove workspace",
				zap.String("execution_id", id),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}
