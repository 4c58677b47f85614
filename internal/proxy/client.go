package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/t77yq/execd/internal/execctx"
	"github.com/t77yq/execd/internal/model"
)

// Client is the container-side view of the gateway
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a client for endpoint. An empty endpoint yields a client
// whose every call fails as unreachable.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// ClientFromContext builds a client from SERVICE_PROXY_URL
func ClientFromContext(c *execctx.Context, timeout time.Duration) *Client {
	return NewClient(c.ProxyEndpoint(), timeout)
}

// Endpoint returns the gateway endpoint, empty when none was provisioned
func (c *Client) Endpoint() string {
	return c.endpoint
}

// Health fetches the gateway health summary
func (c *Client) Health(ctx context.Context) (*model.ServiceHealth, error) {
	resp, err := c.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, responseError(resp)
	}

	var health model.ServiceHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health response: %w", err)
	}
	return &health, nil
}

// AvailableServices returns the sorted names in a health summary
func AvailableServices(h *model.ServiceHealth) []string {
	names := make([]string, 0, len(h.Services))
	for name := range h.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Call forwards a request to service. Backend responses of any status are
// returned as-is; gateway refusals come back as *CallError.
func (c *Client) Call(ctx context.Context, service, method, path string, body io.Reader) (*http.Response, error) {
	resp, err := c.do(ctx, method, "/svc/"+service+"/"+strings.TrimLeft(path, "/"), body)
	if err != nil {
		return nil, err
	}
	if gatewayError(resp) {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return resp, nil
}

// Enqueue publishes payload as a queued request for service and returns
// the correlation id
func (c *Client) Enqueue(ctx context.Context, service string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/queue/"+service, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return "", responseError(resp)
	}

	var queued QueuedResponse
	if err := json.NewDecoder(resp.Body).Decode(&queued); err != nil {
		return "", fmt.Errorf("failed to decode queue response: %w", err)
	}
	return queued.CorrelationID, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c.endpoint == "" {
		return nil, &CallError{Kind: OutcomeUnreachable, Err: ErrNoEndpoint}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &CallError{Kind: OutcomeTimeout, Err: err}
		}
		return nil, &CallError{Kind: OutcomeUnreachable, Err: err}
	}
	return resp, nil
}

// gatewayError reports whether resp was produced by the gateway rather than
// relayed from a backend
func gatewayError(resp *http.Response) bool {
	switch resp.StatusCode {
	case http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
	default:
		return false
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return false
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return false
	}

	var body ErrorResponse
	if json.Unmarshal(data, &body) != nil {
		return false
	}
	switch body.Error {
	case CodeServiceNotPermitted, CodeServiceUnavailable, CodeRateLimited, CodeUnknownExecution:
		return true
	default:
		return false
	}
}

func responseError(resp *http.Response) error {
	var body ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	_ = json.Unmarshal(data, &body)

	callErr := &CallError{
		StatusCode: resp.StatusCode,
		Code:       body.Error,
		Message:    body.Message,
	}
	if callErr.Message == "" {
		callErr.Message = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusForbidden:
		callErr.Kind = OutcomeDenied
	case http.StatusTooManyRequests:
		callErr.Kind = OutcomeThrottled
	case http.StatusGatewayTimeout:
		callErr.Kind = OutcomeTimeout
	default:
		callErr.Kind = OutcomeUnreachable
	}
	return callErr
}
