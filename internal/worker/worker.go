// Package worker is the reference container payload. It exercises the
// container side of the execution contract: read the workspace inputs,
// probe the service gateway when one was granted, and leave results in
// the output directory.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/proxy"
	"github.com/t77yq/execd/internal/workspace"
)

const (
	// AnalysisFileName is the human-readable summary written next to results.json
	AnalysisFileName = "analysis.txt"

	// AnchorNodeID is the node every analysis is linked from in graph updates
	AnchorNodeID = "original-data"

	healthTimeout = 5 * time.Second
)

// ErrNoExecution is returned when the environment carries no execution id
var ErrNoExecution = errors.New("EXECUTION_ID is not set")

// Worker is one run of the reference payload
type Worker struct {
	logger *zap.Logger
	ectx   *execctx.Context
	paths  execctx.Paths
	client *proxy.Client
	now    func() time.Time
}

// New creates a worker from the execution context. Paths missing from the
// context fall back to the container layout under /workspace.
func New(ectx *execctx.Context, logger *zap.Logger) (*Worker, error) {
	if ectx.ExecutionID() == "" {
		return nil, ErrNoExecution
	}

	paths := ectx.Paths()
	if paths.Root == "" {
		paths.Root = "/workspace"
	}
	if paths.Input == "" {
		paths.Input = filepath.Join(paths.Root, workspace.InputDir)
	}
	if paths.Output == "" {
		paths.Output = filepath.Join(paths.Root, workspace.OutputDir)
	}
	if paths.Config == "" {
		paths.Config = filepath.Join(paths.Root, workspace.ConfigDir)
	}

	w := &Worker{
		logger: logger.Named("worker"),
		ectx:   ectx,
		paths:  paths,
		now:    time.Now,
	}
	if ectx.ServiceAccess() {
		w.client = proxy.ClientFromContext(ectx, healthTimeout)
	}
	return w, nil
}

// Run reads the inputs and writes results.json, analysis.txt and, when a
// graph was provided, graph_update.json
func (w *Worker) Run(ctx context.Context) (*model.WorkerReport, error) {
	id := w.ectx.ExecutionID()
	w.logger.Info("Worker starting",
		zap.String("execution_id", id),
		zap.String("input", w.paths.Input),
		zap.String("output", w.paths.Output))

	if err := os.MkdirAll(w.paths.Output, 0755); err != nil {
		return nil, fmt.Errorf("failed to prepare output directory: %w", err)
	}

	report := &model.WorkerReport{ExecutionID: id}

	graph, err := w.readGraph()
	if err != nil {
		return nil, err
	}
	if graph != nil {
		stats := graph.Stats()
		report.InputGraphStats = &stats
		w.logger.Info("Graph data loaded",
			zap.Int("nodes", stats.NodeCount),
			zap.Int("relationships", stats.RelationshipCount))
	}

	if report.ConfigKeys, err = w.readConfigKeys(); err != nil {
		return nil, err
	}
	if report.InputFiles, err = w.listInputFiles(); err != nil {
		return nil, err
	}

	if w.client != nil {
		w.probeServices(ctx, report)
	}

	report.Status = string(model.ExecutionStatusCompleted)
	report.Message = "reference worker executed successfully"

	if err := writeJSON(filepath.Join(w.paths.Output, workspace.ResultsFileName), report); err != nil {
		return nil, err
	}
	if err := w.writeAnalysis(report); err != nil {
		return nil, err
	}
	if graph != nil {
		if err := writeJSON(filepath.Join(w.paths.Output, workspace.GraphUpdateFileName), w.graphUpdate(id)); err != nil {
			return nil, err
		}
	}

	w.logger.Info("Worker finished", zap.String("execution_id", id))
	return report, nil
}

func (w *Worker) readGraph() (*model.GraphSnapshot, error) {
	data, err := os.ReadFile(filepath.Join(w.paths.Input, workspace.GraphDataFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read graph data: %w", err)
	}

	var graph model.GraphSnapshot
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("failed to decode graph data: %w", err)
	}
	return &graph, nil
}

func (w *Worker) readConfigKeys() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(w.paths.Config, workspace.ConfigFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config map[string]json.RawMessage
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (w *Worker) listInputFiles() ([]string, error) {
	entries, err := os.ReadDir(w.paths.Input)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list input files: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			files = append(files, entry.Name())
		}
	}
	return files, nil
}

// probeServices records the gateway view in the report. Gateway failures
// never fail the worker.
func (w *Worker) probeServices(ctx context.Context, report *model.WorkerReport) {
	health, err := w.client.Health(ctx)
	if err != nil {
		var callErr *proxy.CallError
		if errors.As(err, &callErr) && callErr.StatusCode != 0 {
			report.ServiceProxyStatus = string(model.HealthStatusUnhealthy)
		}
		report.ServiceProxyError = err.Error()
		w.logger.Warn("Service gateway probe failed", zap.Error(err))
		return
	}

	report.ServiceProxyStatus = string(health.Status)
	report.AvailableServices = proxy.AvailableServices(health)
	w.logger.Info("Service gateway probed",
		zap.String("status", report.ServiceProxyStatus),
		zap.Strings("services", report.AvailableServices))
}

func (w *Worker) writeAnalysis(report *model.WorkerReport) error {
	var b strings.Builder
	b.WriteString("Container Analysis Report\n")
	b.WriteString("=========================\n\n")
	fmt.Fprintf(&b, "Execution ID: %s\n", report.ExecutionID)
	fmt.Fprintf(&b, "Input files processed: %d\n", len(report.InputFiles))
	fmt.Fprintf(&b, "Service proxy available: %t\n", report.ServiceProxyStatus != "")
	fmt.Fprintf(&b, "Graph data available: %t\n", report.InputGraphStats != nil)
	fmt.Fprintf(&b, "Configuration available: %t\n", len(report.ConfigKeys) > 0)

	path := filepath.Join(w.paths.Output, AnalysisFileName)
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", AnalysisFileName, err)
	}
	return nil
}

func (w *Worker) graphUpdate(executionID string) *model.GraphDelta {
	node := "analysis-" + executionID
	ts := w.now().UTC().Format(time.RFC3339)
	return &model.GraphDelta{
		Nodes: []model.GraphNode{{
			ID:     node,
			Labels: []string{"Analysis"},
			Properties: map[string]interface{}{
				"type":         "container_execution",
				"execution_id": executionID,
				"timestamp":    ts,
				"status":       string(model.ExecutionStatusCompleted),
			},
		}},
		Relationships: []model.GraphRelationship{{
			ID:         "analyzed-" + executionID,
			Type:       "ANALYZED_BY",
			StartNode:  AnchorNodeID,
			EndNode:    node,
			Properties: map[string]interface{}{"timestamp": ts},
		}},
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
