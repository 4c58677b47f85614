package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execd/internal/artifact"
	"github.com/t77yq/execd/internal/collector"
	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/proxy"
	"github.com/t77yq/execd/internal/runner"
	"github.com/t77yq/execd/internal/storage"
	"github.com/t77yq/execd/internal/stream"
	"github.com/t77yq/execd/internal/testutil"
	"github.com/t77yq/execd/internal/worker"
	"github.com/t77yq/execd/internal/workspace"
)

// workerModeEnv switches the test binary into a worker process
const workerModeEnv = "EXECD_TEST_WORKER"

const (
	modeReference = "reference"
	modeHang      = "hang"
	modeExit      = "exit"
	modeSummary   = "summary"
)

func TestMain(m *testing.M) {
	switch os.Getenv(workerModeEnv) {
	case "":
		os.Exit(m.Run())
	case modeReference:
		w, err := worker.New(execctx.FromEnviron(os.Environ()), zap.NewNop())
		if err != nil {
			os.Exit(2)
		}
		if _, err := w.Run(context.Background()); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	case modeHang:
		out := os.Getenv(execctx.KeyWorkspaceOutput)
		_ = os.WriteFile(filepath.Join(out, "partial.txt"), []byte("partial"), 0644)
		fmt.Println("worker started")
		time.Sleep(time.Hour)
	case modeExit:
		fmt.Println("worker giving up")
		os.Exit(3)
	case modeSummary:
		out := os.Getenv(execctx.KeyWorkspaceOutput)
		fmt.Println("scoring 1200 rows")
		if err := os.WriteFile(filepath.Join(out, "summary.txt"), []byte("accuracy=0.93"), 0644); err != nil {
			os.Exit(1)
		}
		fmt.Println("summary written")
		os.Exit(0)
	}
}

type harness struct {
	executor *Executor
	history  *storage.SQLiteHistory
	logs     *LogManager
	root     string
}

type option func(*Config, *Dependencies)

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()

	materializer, err := workspace.NewMaterializer(filepath.Join(dir, "workspaces"), artifact.NewResolver(), logger,
		workspace.WithDiskFree(func(string) (uint64, error) { return 1 << 40, nil }))
	require.NoError(t, err)

	history, err := storage.NewSQLiteHistory(filepath.Join(dir, "history.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { history.Close() })

	logs, err := NewLogManager(LogConfig{LogDir: filepath.Join(dir, "logs")}, logger)
	require.NoError(t, err)

	config := Config{
		ID:             "executor-test",
		MaxConcurrent:  4,
		DefaultTimeout: 30 * time.Second,
	}
	deps := Dependencies{
		Materializer: materializer,
		Runner:       runner.NewProcessRunner(500*time.Millisecond, logger),
		Collector:    collector.NewCollector(logger),
		History:      history,
		Logs:         logs,
	}
	for _, opt := range opts {
		opt(&config, &deps)
	}

	e, err := NewExecutor(config, deps, logger)
	require.NoError(t, err)
	t.Cleanup(e.Stop)

	return &harness{
		executor: e,
		history:  history,
		logs:     logs,
		root:     materializer.Root(),
	}
}

func testBinary(t *testing.T) string {
	t.Helper()
	path, err := os.Executable()
	require.NoError(t, err)
	return path
}

func descriptor(t *testing.T, id, mode string) *model.ExecutionDescriptor {
	return &model.ExecutionDescriptor{
		ExecutionID: id,
		Operation:   "analyze",
		Container:   model.ContainerSpec{Command: []string{testBinary(t)}},
		Environment: map[string]string{workerModeEnv: mode},
	}
}

func threeNodeGraph() *model.GraphSnapshot {
	return &model.GraphSnapshot{
		Nodes: []model.GraphNode{
			{ID: "original-data", Labels: []string{"Dataset"}},
			{ID: "n2", Labels: []string{"Column"}},
			{ID: "n3", Labels: []string{"Column"}},
		},
		Relationships: []model.GraphRelationship{
			{ID: "r1", Type: "HAS", StartNode: "original-data", EndNode: "n2"},
			{ID: "r2", Type: "HAS", StartNode: "original-data", EndNode: "n3"},
		},
	}
}

func waitForState(t *testing.T, e *Executor, id string, want model.ExecutionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, ok := e.State(id)
		return ok && state == want
	}, 10*time.Second, 20*time.Millisecond)
}

func TestExecuteGraphWithoutServiceAccess(t *testing.T) {
	h := newHarness(t)
	desc := descriptor(t, "exec-graph", modeReference)
	desc.GraphData = threeNodeGraph()
	desc.Config = map[string]json.RawMessage{"threshold": json.RawMessage(`0.5`)}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, []string{worker.AnalysisFileName, workspace.GraphUpdateFileName, workspace.ResultsFileName}, result.OutputFiles)

	assert.Equal(t, map[string]interface{}{"node_count": 3.0, "relationship_count": 2.0}, result.Metadata["input_graph_stats"])
	assert.Equal(t, []interface{}{"threshold"}, result.Metadata["config_keys"])
	assert.NotContains(t, result.Metadata, "service_proxy_status")

	require.NotNil(t, result.GraphUpdate)
	assert.Equal(t, model.GraphStats{NodeCount: 1, RelationshipCount: 1}, *result.GraphUpdate)

	assert.NoDirExists(t, filepath.Join(h.root, "exec-graph"), "workspace is torn down after collection")
	assert.NoError(t, ResultError(result))

	record, err := h.history.Get(context.Background(), "exec-graph")
	require.NoError(t, err)
	assert.Equal(t, model.StateCompleted, record.State)
	assert.Equal(t, model.ExecutionStatusCompleted, record.Status)
}

func TestExecuteWithHealthyGateway(t *testing.T) {
	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(catalog.Close)

	srv := httptest.NewUnstartedServer(nil)
	gw, err := proxy.NewGateway(proxy.Config{AdvertiseURL: "http://" + srv.Listener.Addr().String()},
		[]proxy.Service{{Name: "catalog", URL: catalog.URL}}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	srv.Config.Handler = gw.Handler()
	srv.Start()
	t.Cleanup(srv.Close)

	h := newHarness(t, func(_ *Config, deps *Dependencies) { deps.Gateway = gw })

	desc := descriptor(t, "exec-gateway", modeReference)
	desc.Services = []string{"catalog", "unconfigured"}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)
	assert.Equal(t, "healthy", result.Metadata["service_proxy_status"])
	assert.Equal(t, []interface{}{"catalog"}, result.Metadata["available_services"])
	assert.Zero(t, gw.ActiveGrants(), "grant is revoked when the execution ends")
}

func TestExecuteTimeoutKeepsPartialOutput(t *testing.T) {
	h := newHarness(t)
	desc := descriptor(t, "exec-timeout", modeHang)
	desc.TimeoutSeconds = 1

	start := time.Now()
	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusTimedOut, result.Status)
	assert.Equal(t, []string{"partial.txt"}, result.OutputFiles)
	assert.ErrorIs(t, ResultError(result), ErrTimeout)
	assert.Less(t, time.Since(start), 10*time.Second)

	entries, err := h.executor.GetLogs("exec-timeout", start.Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "worker started", entries[0].Message)

	record, err := h.history.Get(context.Background(), "exec-timeout")
	require.NoError(t, err)
	assert.Equal(t, model.StateTimedOut, record.State)
}

func TestExecuteMaterializationFailure(t *testing.T) {
	h := newHarness(t)
	desc := descriptor(t, "exec-missing", modeReference)
	desc.InputRefs = []model.ArtifactRef{{URI: "nats://inputs/missing.csv"}}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Equal(t, -1, result.ExitCode)
	assert.Empty(t, result.OutputFiles)
	assert.ErrorIs(t, ResultError(result), workspace.ErrWorkspaceInit)
	assert.NoDirExists(t, filepath.Join(h.root, "exec-missing"))

	record, err := h.history.Get(context.Background(), "exec-missing")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, record.State)
}

func TestExecuteWorkerCrash(t *testing.T) {
	h := newHarness(t)

	result, err := h.executor.Execute(context.Background(), descriptor(t, "exec-crash", modeExit))
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Equal(t, 3, result.ExitCode)
	assert.ErrorIs(t, ResultError(result), ErrContainerCrash)
}

func TestExecuteReturnsExpectedFilesAndLogs(t *testing.T) {
	h := newHarness(t)
	desc := descriptor(t, "exec-summary", modeSummary)
	desc.Output = model.OutputSpec{
		ExpectedFiles: []string{"summary.txt", "plot.png"},
		ReturnLogs:    true,
	}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)

	assert.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)
	assert.Equal(t, []model.OutputFile{{Name: "summary.txt", Size: 13, Content: "accuracy=0.93"}}, result.ExpectedFiles)
	assert.Equal(t, []string{"plot.png"}, result.MissingFiles)
	assert.Equal(t, "scoring 1200 rows\nsummary written\n", result.Logs)
}

func TestExecuteWithoutLogRequest(t *testing.T) {
	h := newHarness(t)

	result, err := h.executor.Execute(context.Background(), descriptor(t, "exec-quiet", modeSummary))
	require.NoError(t, err)
	assert.Empty(t, result.Logs)
	assert.Empty(t, result.ExpectedFiles)
}

func TestExecuteWithoutCommand(t *testing.T) {
	h := newHarness(t)
	desc := &model.ExecutionDescriptor{ExecutionID: "exec-nocmd", Operation: "unknown"}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.ErrorIs(t, ResultError(result), ErrContainerCrash)
}

func TestOperationPolicySuppliesCommand(t *testing.T) {
	h := newHarness(t, func(config *Config, _ *Dependencies) {
		config.Operations = map[string]OperationPolicy{
			"analyze": {Command: []string{testBinary(t)}},
		}
	})
	desc := descriptor(t, "exec-policy", modeReference)
	desc.Container = model.ContainerSpec{}

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)
}

func TestExecuteAssignsExecutionID(t *testing.T) {
	h := newHarness(t)
	desc := descriptor(t, "", modeReference)

	result, err := h.executor.Execute(context.Background(), desc)
	require.NoError(t, err)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Empty(t, desc.ExecutionID, "descriptor is not modified")
}

func TestCancelRunningExecution(t *testing.T) {
	h := newHarness(t)

	done := make(chan *model.ExecutionResult, 1)
	go func() {
		result, err := h.executor.Execute(context.Background(), descriptor(t, "exec-cancel", modeHang))
		assert.NoError(t, err)
		done <- result
	}()

	waitForState(t, h.executor, "exec-cancel", model.StateRunning)
	require.NoError(t, h.executor.Cancel("exec-cancel"))

	select {
	case result := <-done:
		assert.Equal(t, model.ExecutionStatusFailed, result.Status)
		assert.ErrorIs(t, ResultError(result), ErrCancelled)
		assert.Contains(t, result.OutputFiles, "partial.txt")
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled execution did not finish")
	}

	assert.False(t, h.executor.Active("exec-cancel"))
	assert.ErrorIs(t, h.executor.Cancel("exec-cancel"), ErrUnknownExecution)
}

func TestCancelledContextNeverStartsWorker(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := h.executor.Execute(ctx, descriptor(t, "exec-early", modeHang))
	require.NoError(t, err)
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Equal(t, collector.MessageCancelled, result.Message)
	assert.Empty(t, result.OutputFiles)
	assert.NoDirExists(t, filepath.Join(h.root, "exec-early"))
}

func TestRejectionsBeforePipeline(t *testing.T) {
	h := newHarness(t, func(config *Config, _ *Dependencies) { config.MaxConcurrent = 1 })
	ctx := context.Background()

	_, err := h.executor.Execute(ctx, &model.ExecutionDescriptor{ExecutionID: "no-op"})
	assert.ErrorIs(t, err, ErrInvalidDescriptor)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.executor.Execute(ctx, descriptor(t, "exec-busy", modeHang))
	}()
	waitForState(t, h.executor, "exec-busy", model.StateRunning)

	_, err = h.executor.Execute(ctx, descriptor(t, "exec-busy", modeReference))
	assert.ErrorIs(t, err, ErrDuplicateExecution)

	_, err = h.executor.Execute(ctx, descriptor(t, "exec-other", modeReference))
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	require.NoError(t, h.executor.Cancel("exec-busy"))
	<-done

	// a finished id is still a duplicate
	_, err = h.executor.Execute(ctx, descriptor(t, "exec-busy", modeReference))
	assert.ErrorIs(t, err, ErrDuplicateExecution)
}

func TestRetainedWorkspace(t *testing.T) {
	h := newHarness(t, func(config *Config, _ *Dependencies) { config.RetainWorkspaces = true })

	result, err := h.executor.Execute(context.Background(), descriptor(t, "exec-retain", modeReference))
	require.NoError(t, err)
	require.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)

	assert.FileExists(t, filepath.Join(h.root, "exec-retain", workspace.OutputDir, workspace.ResultsFileName))
}

func TestAllowList(t *testing.T) {
	gw, err := proxy.NewGateway(proxy.Config{}, []proxy.Service{
		{Name: "catalog", URL: "http://catalog.local"},
		{Name: "search", URL: "http://search.local"},
	}, nil, zap.NewNop())
	require.NoError(t, err)

	h := newHarness(t, func(config *Config, deps *Dependencies) {
		deps.Gateway = gw
		config.Operations = map[string]OperationPolicy{
			"analyze": {Services: []string{"catalog", "search"}},
			"export":  {Services: []string{"search", "ghost"}},
			"sealed":  {},
		}
	})

	tests := []struct {
		name      string
		operation string
		requested []string
		want      []string
	}{
		{"policy intersected with request", "analyze", []string{"search", "billing"}, []string{"search"}},
		{"policy alone", "analyze", nil, []string{"catalog", "search"}},
		{"policy filtered to configured", "export", nil, []string{"search"}},
		{"policy without services", "sealed", []string{"catalog"}, []string{}},
		{"no policy uses request", "adhoc", []string{"catalog", "catalog", "ghost"}, []string{"catalog"}},
		{"nothing requested", "adhoc", nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.executor.allowList(&model.ExecutionDescriptor{Operation: tt.operation, Services: tt.requested})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJetStreamIntake(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	h := newHarness(t, func(config *Config, deps *Dependencies) {
		deps.JetStream = js
		config.HeartbeatInterval = 100 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.executor.Start(ctx))

	desc := descriptor(t, "exec-js", modeReference)
	desc.GraphData = threeNodeGraph()
	data, err := json.Marshal(desc)
	require.NoError(t, err)
	_, err = js.Publish(stream.SubmitSubject, data)
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, stream.ResultSubject("exec-js"), 15*time.Second)
	var result model.ExecutionResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, model.ExecutionStatusCompleted, result.Status, result.Message)
	assert.Contains(t, result.OutputFiles, workspace.ResultsFileName)

	statuses, err := testutil.ConsumeMessages(js, stream.StatusSubject("exec-js"), 500*time.Millisecond)
	require.NoError(t, err)
	var states []model.ExecutionState
	for _, m := range statuses {
		var event model.StatusEvent
		require.NoError(t, json.Unmarshal(m.Data, &event))
		states = append(states, event.To)
	}
	assert.Equal(t, []model.ExecutionState{
		model.StateInitializing,
		model.StateRunning,
		model.StateCollecting,
		model.StateCompleted,
	}, states)

	hb := testutil.NextMessage(t, js, stream.HeartbeatSubject, 5*time.Second)
	var heartbeat model.Heartbeat
	require.NoError(t, json.Unmarshal(hb.Data, &heartbeat))
	assert.Equal(t, "executor-test", heartbeat.ExecutorID)
	require.NotNil(t, heartbeat.Stats)
	assert.Equal(t, 4, heartbeat.Stats.MaxExecutions)
}

func TestJetStreamCancel(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	h := newHarness(t, func(_ *Config, deps *Dependencies) { deps.JetStream = js })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.executor.Start(ctx))

	data, err := json.Marshal(descriptor(t, "exec-js-cancel", modeHang))
	require.NoError(t, err)
	_, err = js.Publish(stream.SubmitSubject, data)
	require.NoError(t, err)

	waitForState(t, h.executor, "exec-js-cancel", model.StateRunning)
	_, err = js.Publish(stream.CancelSubject("exec-js-cancel"), nil)
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, stream.ResultSubject("exec-js-cancel"), 15*time.Second)
	var result model.ExecutionResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Equal(t, collector.MessageCancelled, result.Message)
}

func TestJetStreamRejectsMalformedSubmission(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	h := newHarness(t, func(_ *Config, deps *Dependencies) { deps.JetStream = js })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.executor.Start(ctx))

	data, err := json.Marshal(&model.ExecutionDescriptor{ExecutionID: "exec-bad"})
	require.NoError(t, err)
	_, err = js.Publish(stream.SubmitSubject, data, nats.MsgId("bad-1"))
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, stream.ResultSubject("exec-bad"), 5*time.Second)
	var result model.ExecutionResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Contains(t, result.Message, ErrInvalidDescriptor.Error())
	assert.Equal(t, model.ErrorKindInvalidDescriptor, result.ErrorKind)
}

func TestResultError(t *testing.T) {
	failed := func(kind model.ErrorKind, message string) *model.ExecutionResult {
		return &model.ExecutionResult{Status: model.ExecutionStatusFailed, ErrorKind: kind, Message: message}
	}

	tests := []struct {
		name   string
		result *model.ExecutionResult
		want   error
	}{
		{"completed", &model.ExecutionResult{Status: model.ExecutionStatusCompleted}, nil},
		{"timed out", &model.ExecutionResult{Status: model.ExecutionStatusTimedOut, ErrorKind: model.ErrorKindTimeout}, ErrTimeout},
		{"timed out without kind", &model.ExecutionResult{Status: model.ExecutionStatusTimedOut}, ErrTimeout},
		{"cancelled", failed(model.ErrorKindCancelled, collector.MessageCancelled), ErrCancelled},
		{"crash", failed(model.ErrorKindContainerCrash, "worker exited with code 2"), ErrContainerCrash},
		{"workspace", failed(model.ErrorKindWorkspaceInit, "staging failed"), workspace.ErrWorkspaceInit},
		{"capacity", failed(model.ErrorKindCapacity, "busy"), ErrCapacityExceeded},
		{"invalid", failed(model.ErrorKindInvalidDescriptor, "bad"), ErrInvalidDescriptor},
		{"reported failure", failed(model.ErrorKindWorkerReported, "model did not converge"), ErrExecutionFailed},
		{"reported crash-like message", failed(model.ErrorKindWorkerReported, "worker crashed: bad input"), ErrExecutionFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ResultError(tt.result)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestJetStreamRejectsAtCapacity(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	h := newHarness(t, func(config *Config, deps *Dependencies) {
		deps.JetStream = js
		config.MaxConcurrent = 1
		config.RedeliveryDelay = 100 * time.Millisecond
		config.SubmitMaxDeliver = 2
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, h.executor.Start(ctx))

	busy, err := json.Marshal(descriptor(t, "exec-js-busy", modeHang))
	require.NoError(t, err)
	_, err = js.Publish(stream.SubmitSubject, busy)
	require.NoError(t, err)
	waitForState(t, h.executor, "exec-js-busy", model.StateRunning)

	queued, err := json.Marshal(descriptor(t, "exec-js-queued", modeReference))
	require.NoError(t, err)
	_, err = js.Publish(stream.SubmitSubject, queued)
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, stream.ResultSubject("exec-js-queued"), 10*time.Second)
	var result model.ExecutionResult
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.Equal(t, model.ErrorKindCapacity, result.ErrorKind)
	assert.ErrorIs(t, ResultError(&result), ErrCapacityExceeded)
	assert.False(t, h.executor.Active("exec-js-queued"))

	_, err = h.history.Get(context.Background(), "exec-js-queued")
	assert.ErrorIs(t, err, storage.ErrNotFound, "a rejected id stays free for resubmission")

	require.NoError(t, h.executor.Cancel("exec-js-busy"))
}

// exitingRunner lets the worker exit cleanly while a cancel arrives just
// before the executor starts collecting
type exitingRunner struct {
	*runner.ProcessRunner
	onExit func(spec runner.Spec)
}

func (r *exitingRunner) Run(ctx context.Context, spec runner.Spec) (*runner.Exit, error) {
	now := time.Now()
	r.onExit(spec)
	return &runner.Exit{Code: 0, StartedAt: now, FinishedAt: now}, nil
}

func TestCancelAcceptedAfterWorkerExit(t *testing.T) {
	var (
		h         *harness
		cancelErr error
	)
	h = newHarness(t, func(_ *Config, deps *Dependencies) {
		deps.Runner = &exitingRunner{
			ProcessRunner: runner.NewProcessRunner(time.Second, zap.NewNop()),
			onExit: func(spec runner.Spec) {
				cancelErr = h.executor.Cancel(spec.ExecutionID)
			},
		}
	})

	result, err := h.executor.Execute(context.Background(), descriptor(t, "exec-late-cancel", modeReference))
	require.NoError(t, err)

	require.NoError(t, cancelErr)
	assert.Equal(t, model.ExecutionStatusFailed, result.Status)
	assert.ErrorIs(t, ResultError(result), ErrCancelled)
}

func TestCancelRejectedOnceCollecting(t *testing.T) {
	h := newHarness(t)

	x, desc, err := h.executor.accept(context.Background(), descriptor(t, "exec-collecting", modeReference))
	require.NoError(t, err)
	h.executor.transition(x, model.StateRunning)
	h.executor.transition(x, model.StateCollecting)

	assert.ErrorIs(t, h.executor.Cancel("exec-collecting"), ErrNotCancellable)
	assert.NoError(t, x.ctx.Err(), "collection is not interrupted")

	h.executor.finish(x, model.NewFailedResult(desc.ExecutionID, model.ErrorKindContainerCrash, "stopped"))
	h.executor.executions.Delete(x.id)
	h.executor.resources.Release(x.id)
	x.cancel()
}
