// Package stream declares the JetStream subjects shared by executors and
// the orchestrator-side client, and creates the streams behind them.
package stream

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	ExecutionStreamName = "EXECUTIONS"
	HeartbeatStreamName = "HEARTBEATS"

	SubmitSubject    = "exec.submit"
	HeartbeatSubject = "executor.heartbeat"

	statusPrefix = "exec.status."
	resultPrefix = "exec.result."
	cancelPrefix = "exec.cancel."

	// ExecutorQueue is the queue group executors share for submissions
	ExecutorQueue = "executors"

	streamMaxAge     = 24 * time.Hour
	streamMaxMsgSize = 1 * 1024 * 1024 // 1MB
	duplicateWindow  = time.Hour
)

// Execution ids may contain dots, so per-execution subjects are matched
// with the multi-token wildcard.
var (
	StatusWildcard = statusPrefix + ">"
	ResultWildcard = resultPrefix + ">"
	CancelWildcard = cancelPrefix + ">"
)

// StatusSubject carries lifecycle transitions of one execution
func StatusSubject(executionID string) string { return statusPrefix + executionID }

// ResultSubject carries the final result of one execution
func ResultSubject(executionID string) string { return resultPrefix + executionID }

// CancelSubject carries cancellation requests for one execution
func CancelSubject(executionID string) string { return cancelPrefix + executionID }

// ExecutionIDFrom extracts the execution id from a per-execution subject
func ExecutionIDFrom(subject string) (string, bool) {
	for _, prefix := range []string{statusPrefix, resultPrefix, cancelPrefix} {
		if id, ok := strings.CutPrefix(subject, prefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

type definition struct {
	name     string
	subjects []string
}

var definitions = []definition{
	{
		name:     ExecutionStreamName,
		subjects: []string{SubmitSubject, StatusWildcard, ResultWildcard, CancelWildcard},
	},
	{
		name:     HeartbeatStreamName,
		subjects: []string{HeartbeatSubject},
	},
}

// Ensure creates the execution and heartbeat streams, or updates their
// subjects when they already exist
func Ensure(js nats.JetStreamContext, logger *zap.Logger) error {
	for _, def := range definitions {
		info, err := js.StreamInfo(def.name)
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("failed to get stream info: %w", err)
		}

		if info == nil {
			_, err = js.AddStream(&nats.StreamConfig{
				Name:       def.name,
				Subjects:   def.subjects,
				Retention:  nats.LimitsPolicy,
				MaxAge:     streamMaxAge,
				MaxMsgs:    -1,
				MaxBytes:   -1,
				Discard:    nats.DiscardOld,
				MaxMsgSize: streamMaxMsgSize,
				Storage:    nats.FileStorage,
				Replicas:   1,
				Duplicates: duplicateWindow,
			})
			if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
				return fmt.Errorf("failed to create stream %s: %w", def.name, err)
			}
			logger.Info("Created stream", zap.String("name", def.name))
			continue
		}

		// Update existing stream while preserving retention policy
		config := info.Config
		config.Subjects = def.subjects
		config.MaxAge = streamMaxAge
		config.MaxMsgSize = streamMaxMsgSize
		config.Duplicates = duplicateWindow

		if _, err := js.UpdateStream(&config); err != nil {
			return fmt.Errorf("failed to update stream %s: %w", def.name, err)
		}
		logger.Info("Updated stream", zap.String("name", def.name))
	}
	return nil
}
