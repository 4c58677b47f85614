package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/collector"
	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/proxy"
	"github.com/t77yq/execd/internal/runner"
	"github.com/t77yq/execd/internal/storage"
	"github.com/t77yq/execd/internal/stream"
	"github.com/t77yq/execd/internal/workspace"
)

const (
	defaultRedeliveryDelay  = 5 * time.Second
	defaultSubmitMaxDeliver = 5
	submitAckWait           = 30 * time.Second
)

// OperationPolicy is the orchestrator-defined container and service
// allow-list for one operation tag
type OperationPolicy struct {
	Image    string
	Command  []string
	Services []string
}

// Config defines configuration for the executor
type Config struct {
	ID                string
	MaxConcurrent     int
	DefaultTimeout    time.Duration
	HeartbeatInterval time.Duration
	MinFreeBytes      uint64
	RetainWorkspaces  bool
	Operations        map[string]OperationPolicy

	// RedeliveryDelay spaces redeliveries of submissions refused at
	// capacity. After SubmitMaxDeliver deliveries the submission is
	// rejected with a capacity result.
	RedeliveryDelay  time.Duration
	SubmitMaxDeliver int
}

// Dependencies are the components an executor drives. Gateway, History,
// Logs and JetStream are optional.
type Dependencies struct {
	Materializer *workspace.Materializer
	Runner       runner.Runner
	Collector    *collector.Collector
	Gateway      *proxy.Gateway
	History      storage.ExecutionHistory
	Logs         *LogManager
	JetStream    nats.JetStreamContext
}

// execution is the in-flight bookkeeping of one accepted descriptor
type execution struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     model.ExecutionState
	cancelled bool
}

func (x *execution) State() model.ExecutionState {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.state
}

// Executor runs the materialize, run and collect pipeline for every
// accepted execution
type Executor struct {
	logger       *zap.Logger
	config       Config
	materializer *workspace.Materializer
	runner       runner.Runner
	collector    *collector.Collector
	gateway      *proxy.Gateway
	history      storage.ExecutionHistory
	logs         *LogManager
	js           nats.JetStreamContext
	resources    *ResourceManager

	executions sync.Map
	wg         sync.WaitGroup

	mu   sync.Mutex
	ctx  context.Context
	subs []*nats.Subscription
}

// NewExecutor creates a new executor
func NewExecutor(config Config, deps Dependencies, logger *zap.Logger) (*Executor, error) {
	if deps.Materializer == nil || deps.Runner == nil || deps.Collector == nil {
		return nil, errors.New("materializer, runner and collector are required")
	}
	if config.DefaultTimeout <= 0 {
		return nil, fmt.Errorf("default timeout must be positive, got %s", config.DefaultTimeout)
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.RedeliveryDelay <= 0 {
		config.RedeliveryDelay = defaultRedeliveryDelay
	}
	if config.SubmitMaxDeliver <= 0 {
		config.SubmitMaxDeliver = defaultSubmitMaxDeliver
	}

	resources, err := NewResourceManager(ResourceLimits{
		MaxExecutions: config.MaxConcurrent,
		WorkspaceRoot: deps.Materializer.Root(),
		MinFreeBytes:  config.MinFreeBytes,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource manager: %w", err)
	}

	return &Executor{
		logger:       logger.Named("executor"),
		config:       config,
		materializer: deps.Materializer,
		runner:       deps.Runner,
		collector:    deps.Collector,
		gateway:      deps.Gateway,
		history:      deps.History,
		logs:         deps.Logs,
		js:           deps.JetStream,
		resources:    resources,
		ctx:          context.Background(),
	}, nil
}

// Start begins resource sampling and, when connected to JetStream, the
// submission intake, cancellation listener and heartbeat
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.resources.Start(ctx, e.config.HeartbeatInterval)

	if e.js == nil {
		e.logger.Info("Executor started without JetStream", zap.String("executor_id", e.config.ID))
		return nil
	}

	if err := stream.Ensure(e.js, e.logger); err != nil {
		return err
	}

	submit, err := e.js.QueueSubscribe(
		stream.SubmitSubject,
		stream.ExecutorQueue,
		e.handleSubmit,
		nats.ManualAck(),
		nats.AckWait(submitAckWait),
		nats.MaxDeliver(e.config.SubmitMaxDeliver),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to submissions: %w", err)
	}

	cancel, err := e.js.Subscribe(stream.CancelWildcard, e.handleCancel, nats.DeliverNew())
	if err != nil {
		submit.Unsubscribe()
		return fmt.Errorf("failed to subscribe to cancellations: %w", err)
	}

	e.mu.Lock()
	e.subs = append(e.subs, submit, cancel)
	e.mu.Unlock()

	go e.heartbeat(ctx)

	e.logger.Info("Executor started",
		zap.String("executor_id", e.config.ID),
		zap.String("runner", e.runner.Name()),
		zap.Int("max_concurrent", e.config.MaxConcurrent))
	return nil
}

// Stop unsubscribes, cancels every in-flight execution and waits for the
// pipelines to finish
func (e *Executor) Stop() {
	e.logger.Info("Stopping executor")

	e.mu.Lock()
	for _, sub := range e.subs {
		if err := sub.Unsubscribe(); err != nil {
			e.logger.Warn("Failed to unsubscribe", zap.String("subject", sub.Subject), zap.Error(err))
		}
	}
	e.subs = nil
	e.mu.Unlock()

	e.executions.Range(func(_, value interface{}) bool {
		value.(*execution).cancel()
		return true
	})
	e.wg.Wait()

	if e.logs != nil {
		e.logs.Stop()
	}
}

// Execute accepts desc and runs it to completion. The error is non-nil only
// when the descriptor is rejected before the pipeline starts; every other
// failure is reported in the result.
func (e *Executor) Execute(ctx context.Context, desc *model.ExecutionDescriptor) (*model.ExecutionResult, error) {
	x, accepted, err := e.accept(ctx, desc)
	if err != nil {
		return nil, err
	}
	return e.run(x, accepted), nil
}

// Cancel stops an execution that has not reached collecting. Once the
// worker runs, cancellation goes through the runner's stop sequence before
// any teardown.
func (e *Executor) Cancel(executionID string) error {
	value, ok := e.executions.Load(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExecution, executionID)
	}

	x := value.(*execution)

	// held across the cancel so the execution cannot enter collecting in between
	x.mu.Lock()
	state := x.state
	cancellable := state == model.StateInitializing || state == model.StateRunning
	if cancellable {
		x.cancelled = true
		x.cancel()
	}
	x.mu.Unlock()

	if !cancellable {
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, executionID, state)
	}
	e.logger.Info("Execution cancellation requested",
		zap.String("execution_id", executionID),
		zap.String("state", string(state)))
	return nil
}

// State returns the lifecycle state of an in-flight execution
func (e *Executor) State(executionID string) (model.ExecutionState, bool) {
	value, ok := e.executions.Load(executionID)
	if !ok {
		return "", false
	}
	return value.(*execution).State(), true
}

// Active reports whether executionID is in flight
func (e *Executor) Active(executionID string) bool {
	_, ok := e.executions.Load(executionID)
	return ok
}

// Running returns the ids of in-flight executions, sorted
func (e *Executor) Running() []string {
	var ids []string
	e.executions.Range(func(key, _ interface{}) bool {
		ids = append(ids, key.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

// GetStats returns current executor statistics
func (e *Executor) GetStats() *model.ExecutorStats {
	return e.resources.GetStats()
}

// GetLogs retrieves the captured worker output of an execution
func (e *Executor) GetLogs(executionID string, start, end time.Time) ([]LogEntry, error) {
	if e.logs == nil {
		return nil, errors.New("log capture is disabled")
	}
	return e.logs.GetLogs(executionID, start, end)
}

// accept validates desc and reserves a slot and a history record for it.
// A descriptor without an id gets a fresh one; desc itself is not modified.
func (e *Executor) accept(ctx context.Context, desc *model.ExecutionDescriptor) (*execution, *model.ExecutionDescriptor, error) {
	if desc == nil {
		return nil, nil, fmt.Errorf("%w: descriptor is nil", ErrInvalidDescriptor)
	}
	if desc.ExecutionID == "" {
		d := *desc
		d.ExecutionID = uuid.New().String()
		desc = &d
	}
	if err := desc.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}

	id := desc.ExecutionID
	if err := e.resources.Acquire(id); err != nil {
		return nil, nil, err
	}

	if e.history != nil {
		data, err := json.Marshal(desc)
		if err != nil {
			e.resources.Release(id)
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
		}

		err = e.history.Store(ctx, &storage.ExecutionRecord{
			ExecutionID: id,
			Operation:   desc.Operation,
			ExecutorID:  e.config.ID,
			State:       model.StateInitializing,
			Descriptor:  data,
			StartedAt:   time.Now(),
		})
		switch {
		case errors.Is(err, storage.ErrDuplicate):
			e.resources.Release(id)
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateExecution, id)
		case err != nil:
			e.logger.Error("Failed to store execution history",
				zap.String("execution_id", id),
				zap.Error(err))
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	x := &execution{
		id:     id,
		ctx:    runCtx,
		cancel: cancel,
		state:  model.StateInitializing,
	}
	e.executions.Store(id, x)

	e.logger.Info("Execution accepted",
		zap.String("execution_id", id),
		zap.String("operation", desc.Operation))
	e.publishStatus(id, "", model.StateInitializing)

	return x, desc, nil
}

func (e *Executor) run(x *execution, desc *model.ExecutionDescriptor) *model.ExecutionResult {
	defer func() {
		e.executions.Delete(x.id)
		e.resources.Release(x.id)
		x.cancel()
	}()

	logger := e.logger.With(
		zap.String("execution_id", x.id),
		zap.String("operation", desc.Operation))

	ws, err := e.materializer.Materialize(x.ctx, desc)
	if err != nil {
		logger.Error("Workspace initialization failed", zap.Error(err))
		if x.ctx.Err() != nil {
			return e.finish(x, model.NewFailedResult(x.id, model.ErrorKindCancelled, collector.MessageCancelled))
		}
		return e.finish(x, model.NewFailedResult(x.id, model.ErrorKindWorkspaceInit, err.Error()))
	}

	grant := e.grant(desc, logger)
	endpoint := ""
	if grant != nil {
		endpoint = grant.Endpoint
	}

	ectx := execctx.New(execctx.Options{
		Descriptor:    desc,
		Paths:         e.runner.Paths(ws),
		ProxyEndpoint: endpoint,
	})

	policy := e.config.Operations[desc.Operation]
	spec := runner.Spec{
		ExecutionID: x.id,
		Image:       desc.Container.Image,
		Command:     desc.Container.Command,
		WorkingDir:  desc.Container.WorkingDir,
		Workspace:   ws,
		Env:         ectx.Env(),
		Network:     grant != nil,
		Timeout:     desc.Timeout(e.config.DefaultTimeout),
	}
	if spec.Image == "" {
		spec.Image = policy.Image
	}
	if len(spec.Command) == 0 {
		spec.Command = policy.Command
	}

	var logs io.WriteCloser
	if e.logs != nil {
		if logs, err = e.logs.Writer(x.id); err != nil {
			logger.Warn("Worker output will not be captured", zap.Error(err))
		} else {
			spec.Logs = logs
		}
	}

	// a cancel that raced materialization never starts the worker
	if x.ctx.Err() != nil {
		e.revoke(grant)
		closeLogs(logs)
		e.teardown(ws, logger)
		return e.finish(x, model.NewFailedResult(x.id, model.ErrorKindCancelled, collector.MessageCancelled))
	}
	e.transition(x, model.StateRunning)

	exit, err := e.runner.Run(x.ctx, spec)
	if err != nil {
		now := time.Now()
		logger.Error("Worker failed to start", zap.Error(err))
		exit = &runner.Exit{
			Code:       -1,
			Err:        err,
			Cancelled:  x.ctx.Err() != nil,
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	e.revoke(grant)
	closeLogs(logs)

	// a cancel accepted after the worker exited still counts
	if e.transition(x, model.StateCollecting) {
		exit.Cancelled = true
	}

	collectCtx := context.WithoutCancel(x.ctx)
	result := e.collector.Collect(collectCtx, ws, exit)
	if len(desc.Output.ExpectedFiles) > 0 {
		e.collector.CollectExpected(ws, result, desc.Output.ExpectedFiles)
	}
	if desc.Output.ReturnLogs && e.logs != nil {
		if result.Logs, err = e.logs.Tail(x.id, model.InlineContentLimit); err != nil {
			logger.Warn("Failed to attach worker output", zap.Error(err))
		}
	}
	if desc.ArchiveOutput {
		e.collector.Archive(collectCtx, ws, result)
	}

	e.teardown(ws, logger)
	return e.finish(x, result)
}

// allowList derives the services an execution may call: the operation
// policy intersected with what the descriptor requests, restricted to
// configured backends
func (e *Executor) allowList(desc *model.ExecutionDescriptor) []string {
	if e.gateway == nil {
		return nil
	}

	policy, hasPolicy := e.config.Operations[desc.Operation]
	var services []string
	switch {
	case hasPolicy && len(policy.Services) > 0 && len(desc.Services) > 0:
		permitted := make(map[string]struct{}, len(policy.Services))
		for _, s := range policy.Services {
			permitted[s] = struct{}{}
		}
		for _, s := range desc.Services {
			if _, ok := permitted[s]; ok {
				services = append(services, s)
			}
		}
	case hasPolicy && len(policy.Services) > 0:
		services = policy.Services
	case hasPolicy:
		// an explicit policy without services grants nothing
	default:
		services = desc.Services
	}

	return e.gateway.Known(services)
}

func (e *Executor) grant(desc *model.ExecutionDescriptor, logger *zap.Logger) *proxy.Grant {
	services := e.allowList(desc)
	if len(services) == 0 {
		return nil
	}

	grant, err := e.gateway.Grant(desc.ExecutionID, services)
	if err != nil {
		logger.Warn("Running without service access", zap.Error(err))
		return nil
	}
	logger.Info("Service access granted", zap.Strings("services", grant.Services))
	return grant
}

func (e *Executor) revoke(grant *proxy.Grant) {
	if grant != nil {
		e.gateway.Revoke(grant.Token)
	}
}

func (e *Executor) teardown(ws *workspace.Workspace, logger *zap.Logger) {
	if e.config.RetainWorkspaces {
		logger.Info("Workspace retained", zap.String("root", ws.Root))
		return
	}
	if err := ws.Destroy(); err != nil {
		logger.Error("Failed to destroy workspace", zap.Error(err))
	}
}

func closeLogs(logs io.WriteCloser) {
	if logs != nil {
		logs.Close()
	}
}

// finish moves the execution to its terminal state and reports the result
func (e *Executor) finish(x *execution, result *model.ExecutionResult) *model.ExecutionResult {
	e.transition(x, model.TerminalState(result.Status))

	if e.history != nil {
		if err := e.history.Complete(context.Background(), result); err != nil {
			e.logger.Error("Failed to update execution history",
				zap.String("execution_id", x.id),
				zap.Error(err))
		}
	}

	if err := e.publishResult(result); err != nil {
		e.logger.Error("Failed to publish execution result",
			zap.String("execution_id", x.id),
			zap.Error(err))
	}

	e.logger.Info("Execution finished",
		zap.String("execution_id", x.id),
		zap.String("status", string(result.Status)),
		zap.String("message", result.Message),
		zap.Int("output_files", len(result.OutputFiles)))
	return result
}

// transition moves x to the next state and reports whether a cancel had
// been accepted by then
func (e *Executor) transition(x *execution, to model.ExecutionState) bool {
	x.mu.Lock()
	from := x.state
	cancelled := x.cancelled
	if err := model.ValidateTransition(from, to); err != nil {
		x.mu.Unlock()
		e.logger.Error("Rejected state transition",
			zap.String("execution_id", x.id),
			zap.Error(err))
		return cancelled
	}
	x.state = to
	x.mu.Unlock()

	e.logger.Debug("Execution state changed",
		zap.String("execution_id", x.id),
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	if e.history != nil && !model.IsTerminal(to) {
		if err := e.history.UpdateState(context.Background(), x.id, to); err != nil {
			e.logger.Warn("Failed to record state",
				zap.String("execution_id", x.id),
				zap.Error(err))
		}
	}
	e.publishStatus(x.id, from, to)
	return cancelled
}

func (e *Executor) handleSubmit(msg *nats.Msg) {
	var desc model.ExecutionDescriptor
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		e.logger.Error("Failed to unmarshal descriptor", zap.Error(err))
		if err := msg.Term(); err != nil {
			e.logger.Error("Failed to terminate message", zap.Error(err))
		}
		return
	}

	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()

	x, accepted, err := e.accept(ctx, &desc)
	switch {
	case errors.Is(err, ErrCapacityExceeded) && !e.lastDelivery(msg):
		e.logger.Warn("At capacity, requeueing submission",
			zap.String("execution_id", desc.ExecutionID))
		if err := msg.NakWithDelay(e.config.RedeliveryDelay); err != nil {
			e.logger.Error("Failed to nak message", zap.Error(err))
		}
		return
	case errors.Is(err, ErrDuplicateExecution):
		e.logger.Warn("Ignoring duplicate submission",
			zap.String("execution_id", desc.ExecutionID))
		if err := msg.Ack(); err != nil {
			e.logger.Error("Failed to acknowledge message", zap.Error(err))
		}
		return
	case err != nil:
		e.logger.Error("Rejected submission",
			zap.String("execution_id", desc.ExecutionID),
			zap.Error(err))
		if err := msg.Term(); err != nil {
			e.logger.Error("Failed to terminate message", zap.Error(err))
		}
		if desc.ExecutionID != "" {
			e.publishRejection(model.NewFailedResult(desc.ExecutionID, rejectionKind(err), err.Error()))
		}
		return
	}

	// acknowledged once accepted; retries belong to the orchestrator
	if err := msg.Ack(); err != nil {
		e.logger.Error("Failed to acknowledge message", zap.Error(err))
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(x, accepted)
	}()
}

// lastDelivery reports whether msg will not be redelivered after a nak
func (e *Executor) lastDelivery(msg *nats.Msg) bool {
	meta, err := msg.Metadata()
	if err != nil {
		return false
	}
	return meta.NumDelivered >= uint64(e.config.SubmitMaxDeliver)
}

func (e *Executor) handleCancel(msg *nats.Msg) {
	id, ok := stream.ExecutionIDFrom(msg.Subject)
	if !ok {
		return
	}
	if err := e.Cancel(id); err != nil && !errors.Is(err, ErrUnknownExecution) {
		e.logger.Warn("Failed to cancel execution",
			zap.String("execution_id", id),
			zap.Error(err))
	}
}

// heartbeat sends periodic heartbeat until ctx is done
func (e *Executor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(e.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.publishHeartbeat()
		}
	}
}

func (e *Executor) publishHeartbeat() {
	status := model.ExecutorStatusHealthy
	if !e.resources.Healthy() {
		status = model.ExecutorStatusUnhealthy
	}

	data, err := json.Marshal(model.Heartbeat{
		ExecutorID: e.config.ID,
		Status:     status,
		Timestamp:  time.Now(),
		Stats:      e.resources.GetStats(),
	})
	if err != nil {
		e.logger.Error("Failed to marshal heartbeat", zap.Error(err))
		return
	}

	if _, err := e.js.Publish(stream.HeartbeatSubject, data); err != nil {
		e.logger.Error("Failed to publish heartbeat", zap.Error(err))
	}
}

func (e *Executor) publishStatus(executionID string, from, to model.ExecutionState) {
	if e.js == nil {
		return
	}

	data, err := json.Marshal(model.StatusEvent{
		ExecutionID: executionID,
		From:        from,
		To:          to,
		Timestamp:   time.Now(),
	})
	if err != nil {
		e.logger.Error("Failed to marshal status event", zap.Error(err))
		return
	}

	if _, err := e.js.Publish(stream.StatusSubject(executionID), data); err != nil {
		e.logger.Error("Failed to publish status event",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// publishResult publishes the result with the execution id as message id
// so a redelivered result is deduplicated by the stream
func (e *Executor) publishResult(result *model.ExecutionResult) error {
	if e.js == nil {
		return nil
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = e.js.Publish(stream.ResultSubject(result.ExecutionID), data, nats.MsgId(result.ExecutionID))
	return err
}

// publishRejection publishes the result of a submission that never ran.
// It carries no message id, leaving the id's dedup slot to the result of a
// later resubmission.
func (e *Executor) publishRejection(result *model.ExecutionResult) {
	data, err := json.Marshal(result)
	if err != nil {
		e.logger.Error("Failed to marshal rejection", zap.Error(err))
		return
	}
	if _, err := e.js.Publish(stream.ResultSubject(result.ExecutionID), data); err != nil {
		e.logger.Error("Failed to publish rejection",
			zap.String("execution_id", result.ExecutionID),
			zap.Error(err))
	}
}
