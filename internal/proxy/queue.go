package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	requestStreamName = "SERVICE_REQUESTS"
	requestSubjects   = "svc.*.requests"
)

// RequestSubject is the subject queued requests for service are published on
func RequestSubject(service string) string {
	return fmt.Sprintf("svc.%s.requests", service)
}

// Publisher hands queued service requests to the messaging layer
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// JetStreamPublisher publishes queued requests to JetStream
type JetStreamPublisher struct {
	js nats.JetStreamContext
}

// NewJetStreamPublisher makes sure the request stream exists
func NewJetStreamPublisher(js nats.JetStreamContext, logger *zap.Logger) (*JetStreamPublisher, error) {
	_, err := js.StreamInfo(requestStreamName)
	switch {
	case err == nil:
	case err == nats.ErrStreamNotFound:
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      requestStreamName,
			Subjects:  []string{requestSubjects},
			Retention: nats.WorkQueuePolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create stream %s: %w", requestStreamName, err)
		}
		logger.Info("Created stream", zap.String("name", requestStreamName))
	default:
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	return &JetStreamPublisher{js: js}, nil
}

// Publish implements Publisher
func (p *JetStreamPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(subject, data, nats.Context(ctx))
	return err
}

// QueuedResponse acknowledges a queued request
type QueuedResponse struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlation_id"`
	Subject       string `json:"subject"`
}

func (g *Gateway) handleQueue(w http.ResponseWriter, r *http.Request) {
	grant := grantFrom(r.Context())
	service := chi.URLParam(r, "service")

	if !grant.Allows(service) {
		g.logger.Warn("Denied queued request",
			zap.String("execution_id", grant.ExecutionID),
			zap.String("service", service))
		writeError(w, http.StatusForbidden, CodeServiceNotPermitted,
			fmt.Sprintf("service %q is not permitted for this execution", service))
		return
	}

	var request map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil || request == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "request body must be a JSON object")
		return
	}

	correlationID, _ := request["correlation_id"].(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
		request["correlation_id"] = correlationID
	}
	request["execution_id"] = grant.ExecutionID

	if g.publisher == nil {
		writeError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "request queue is not configured")
		return
	}

	data, err := json.Marshal(request)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), g.config.ForwardTimeout)
	defer cancel()

	subject := RequestSubject(service)
	if err := g.publisher.Publish(ctx, subject, data); err != nil {
		g.logger.Error("Failed to queue service request",
			zap.String("execution_id", grant.ExecutionID),
			zap.String("subject", subject),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, CodeServiceUnavailable, "failed to queue request")
		return
	}

	writeJSON(w, http.StatusAccepted, QueuedResponse{
		Status:        "queued",
		CorrelationID: correlationID,
		Subject:       subject,
	})
}
