// Package collector reads back what a worker left in its workspace and turns
// it into the execution result.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/artifact"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/runner"
	"github.com/t77yq/execd/internal/workspace"
)

// Collector builds execution results. It never re-runs a worker.
type Collector struct {
	logger    *zap.Logger
	archivers []artifact.Archiver
}

// NewCollector creates a collector. Archivers are used only for executions
// that request archiving.
func NewCollector(logger *zap.Logger, archivers ...artifact.Archiver) *Collector {
	return &Collector{
		logger:    logger.Named("collector"),
		archivers: archivers,
	}
}

// Collect inspects the workspace after the worker has terminated. It always
// returns a result; problems with the output are reported inside it.
func (c *Collector) Collect(ctx context.Context, ws *workspace.Workspace, exit *runner.Exit) *model.ExecutionResult {
	result := &model.ExecutionResult{
		ExecutionID: ws.ExecutionID,
		OutputFiles: []string{},
		Metadata:    make(map[string]interface{}),
		ExitCode:    -1,
	}

	if exit != nil {
		result.ExitCode = exit.Code
		result.StartedAt = exit.StartedAt
		result.CompletedAt = exit.FinishedAt
		result.Duration = exit.FinishedAt.Sub(exit.StartedAt)
	} else {
		result.CompletedAt = time.Now()
	}

	files, err := ListOutputFiles(ws.Output())
	if err != nil {
		c.logger.Warn("Failed to list output files",
			zap.String("execution_id", ws.ExecutionID),
			zap.Error(err))
	}
	result.OutputFiles = files

	report := c.mergeReports(ws, result)
	c.readGraphUpdate(ws, result)

	result.Status, result.ErrorKind, result.Message = classify(exit, report)

	c.logger.Info("Execution collected",
		zap.String("execution_id", ws.ExecutionID),
		zap.String("status", string(result.Status)),
		zap.Int("exit_code", result.ExitCode),
		zap.Strings("output_files", result.OutputFiles))

	return result
}

// ListOutputFiles returns the names of the regular files directly under
// dir, sorted. Subdirectories and symlinks are not listed.
func ListOutputFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return []string{}, err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// mergeReports folds the well-known result files into the metadata in
// order, later files winning on conflicting keys. Missing or malformed
// files are skipped.
func (c *Collector) mergeReports(ws *workspace.Workspace, result *model.ExecutionResult) *model.WorkerReport {
	found := false
	for _, path := range ws.ResultFiles() {
		data, err := readRegular(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				c.logger.Warn("Failed to read result file",
					zap.String("execution_id", ws.ExecutionID),
					zap.String("file", filepath.Base(path)),
					zap.Error(err))
			}
			continue
		}

		_, fields, err := model.ParseWorkerReport(data)
		if err != nil {
			c.logger.Warn("Ignoring malformed result file",
				zap.String("execution_id", ws.ExecutionID),
				zap.String("file", filepath.Base(path)),
				zap.Error(err))
			continue
		}

		for k, v := range fields {
			result.Metadata[k] = v
		}
		found = true
	}

	if !found {
		return nil
	}

	// the typed view follows the merged object so later files win
	return model.ReportFromFields(result.Metadata)
}

// CollectExpected reports each expected output file. Files smaller than
// model.InlineContentLimit are inlined when they hold text; missing ones
// are listed but do not fail the execution.
func (c *Collector) CollectExpected(ws *workspace.Workspace, result *model.ExecutionResult, names []string) {
	for _, name := range names {
		path := filepath.Join(ws.Output(), name)
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() {
			c.logger.Warn("Expected output file not found",
				zap.String("execution_id", ws.ExecutionID),
				zap.String("file", name))
			result.MissingFiles = append(result.MissingFiles, name)
			continue
		}

		file := model.OutputFile{Name: name, Size: info.Size()}
		if info.Size() < model.InlineContentLimit {
			if data, err := os.ReadFile(path); err == nil && utf8.Valid(data) {
				file.Content = string(data)
			}
		}
		result.ExpectedFiles = append(result.ExpectedFiles, file)
	}
}

func (c *Collector) readGraphUpdate(ws *workspace.Workspace, result *model.ExecutionResult) {
	data, err := readRegular(ws.GraphUpdate())
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		result.GraphUpdateError = err.Error()
		return
	}

	delta, err := ParseGraphDelta(data)
	if err != nil {
		c.logger.Warn("Invalid graph update",
			zap.String("execution_id", ws.ExecutionID),
			zap.Error(err))
		result.GraphUpdateError = err.Error()
		return
	}

	stats := delta.Stats()
	result.GraphUpdate = &stats
}

// ParseGraphDelta decodes and shape-validates a graph update
func ParseGraphDelta(data []byte) (*model.GraphDelta, error) {
	var delta model.GraphDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidGraph, err)
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	return &delta, nil
}

// Messages used for results the worker did not describe itself
const (
	MessageNotRun    = "worker did not run"
	MessageTimedOut  = "execution exceeded its timeout"
	MessageCancelled = "execution cancelled"
	MessageCompleted = "execution completed"
)

func classify(exit *runner.Exit, report *model.WorkerReport) (model.ExecutionStatus, model.ErrorKind, string) {
	switch {
	case exit == nil:
		return model.ExecutionStatusFailed, model.ErrorKindContainerCrash, MessageNotRun
	case exit.TimedOut:
		return model.ExecutionStatusTimedOut, model.ErrorKindTimeout, MessageTimedOut
	case exit.Cancelled:
		return model.ExecutionStatusFailed, model.ErrorKindCancelled, MessageCancelled
	case exit.Err != nil:
		return model.ExecutionStatusFailed, model.ErrorKindContainerCrash, fmt.Sprintf("worker crashed: %v", exit.Err)
	case exit.Code != 0:
		return model.ExecutionStatusFailed, model.ErrorKindContainerCrash, fmt.Sprintf("worker exited with code %d", exit.Code)
	case report != nil && report.Failed():
		if report.Message != "" {
			return model.ExecutionStatusFailed, model.ErrorKindWorkerReported, report.Message
		}
		return model.ExecutionStatusFailed, model.ErrorKindWorkerReported, "worker reported failure"
	case report != nil && report.Message != "":
		return model.ExecutionStatusCompleted, "", report.Message
	default:
		return model.ExecutionStatusCompleted, "", MessageCompleted
	}
}

// readRegular reads path only if it is a regular file
func readRegular(path string) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", filepath.Base(path))
	}
	return os.ReadFile(path)
}
