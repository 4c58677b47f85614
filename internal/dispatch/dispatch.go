// Package dispatch is the orchestrator side of the execution streams: it
// submits descriptors to the executor pool and waits for their results.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/model"
	"github.com/t77yq/execd/internal/stream"
)

var (
	ErrNoExecutionID = errors.New("execution id is required")
	ErrNotTracked    = errors.New("execution not tracked")
)

// Client submits executions and tracks their last known state
type Client struct {
	js     nats.JetStreamContext
	logger *zap.Logger

	mu     sync.Mutex
	states map[string]model.ExecutionState
	sub    *nats.Subscription
}

// NewClient makes sure the streams exist and starts following status events
func NewClient(js nats.JetStreamContext, logger *zap.Logger) (*Client, error) {
	c := &Client{
		js:     js,
		logger: logger.Named("dispatch"),
		states: make(map[string]model.ExecutionState),
	}

	if err := stream.Ensure(js, c.logger); err != nil {
		return nil, fmt.Errorf("failed to setup streams: %w", err)
	}

	sub, err := js.Subscribe(stream.StatusWildcard, c.handleStatus, nats.DeliverNew())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to status events: %w", err)
	}
	c.sub = sub

	return c, nil
}

// Close stops following status events
func (c *Client) Close() error {
	return c.sub.Unsubscribe()
}

// Submit publishes desc to the executor pool and returns its execution id.
// A missing id is assigned here so the caller can await the result.
func (c *Client) Submit(ctx context.Context, desc *model.ExecutionDescriptor) (string, error) {
	submitted := *desc
	if submitted.ExecutionID == "" {
		submitted.ExecutionID = uuid.New().String()
	}
	if err := submitted.Validate(); err != nil {
		return "", fmt.Errorf("invalid descriptor: %w", err)
	}

	data, err := json.Marshal(&submitted)
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}

	// the id doubles as the dedup key so a resubmission inside the window is dropped
	if _, err := c.js.Publish(stream.SubmitSubject, data,
		nats.MsgId(submitted.ExecutionID), nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("failed to publish descriptor: %w", err)
	}

	c.mu.Lock()
	if _, ok := c.states[submitted.ExecutionID]; !ok {
		c.states[submitted.ExecutionID] = ""
	}
	c.mu.Unlock()

	c.logger.Info("Submitted execution",
		zap.String("execution_id", submitted.ExecutionID),
		zap.String("operation", submitted.Operation))

	return submitted.ExecutionID, nil
}

// Await blocks until the result of executionID is published or ctx is done.
// Results already in the stream are replayed, so Await may follow Submit
// at any distance.
func (c *Client) Await(ctx context.Context, executionID string) (*model.ExecutionResult, error) {
	if executionID == "" {
		return nil, ErrNoExecutionID
	}

	sub, err := c.js.SubscribeSync(stream.ResultSubject(executionID), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to result: %w", err)
	}
	defer sub.Unsubscribe()

	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to await result of %s: %w", executionID, err)
	}

	var result model.ExecutionResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	c.mu.Lock()
	c.states[executionID] = model.TerminalState(result.Status)
	c.mu.Unlock()

	return &result, nil
}

// Run submits desc and waits for its result
func (c *Client) Run(ctx context.Context, desc *model.ExecutionDescriptor) (*model.ExecutionResult, error) {
	id, err := c.Submit(ctx, desc)
	if err != nil {
		return nil, err
	}
	return c.Await(ctx, id)
}

// Cancel asks whichever executor holds executionID to stop it
func (c *Client) Cancel(ctx context.Context, executionID string) error {
	if executionID == "" {
		return ErrNoExecutionID
	}
	if _, err := c.js.Publish(stream.CancelSubject(executionID), nil, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	c.logger.Info("Requested cancellation", zap.String("execution_id", executionID))
	return nil
}

// State returns the last lifecycle state seen for an execution submitted
// through this client. An empty state means no event has arrived yet.
func (c *Client) State(executionID string) (model.ExecutionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.states[executionID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotTracked, executionID)
	}
	return state, nil
}

func (c *Client) handleStatus(msg *nats.Msg) {
	var event model.StatusEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		c.logger.Error("Failed to unmarshal status event", zap.Error(err))
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.states[event.ExecutionID]
	if !ok || model.IsTerminal(current) {
		return
	}
	c.states[event.ExecutionID] = event.To
}
