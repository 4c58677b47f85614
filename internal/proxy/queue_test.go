package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execd/internal/testutil"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestQueueAddsCorrelationID(t *testing.T) {
	catalog := okBackend(t)
	pub := &recordingPublisher{}
	g, _ := newTestGateway(t, Config{}, []Service{{Name: "catalog", URL: catalog.URL}}, pub)

	grant, err := g.Grant("exec-q", []string{"catalog"})
	require.NoError(t, err)

	id, err := NewClient(grant.Endpoint, 5*time.Second).Enqueue(context.Background(), "catalog", map[string]interface{}{
		"query": "MATCH (n) RETURN n",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "svc.catalog.requests", pub.subjects[0])

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payloads[0], &payload))
	assert.Equal(t, id, payload["correlation_id"])
	assert.Equal(t, "exec-q", payload["execution_id"])
	assert.Equal(t, "MATCH (n) RETURN n", payload["query"])
}

func TestQueueKeepsCallerCorrelationID(t *testing.T) {
	catalog := okBackend(t)
	pub := &recordingPublisher{}
	g, _ := newTestGateway(t, Config{}, []Service{{Name: "catalog", URL: catalog.URL}}, pub)

	grant, err := g.Grant("exec-q2", []string{"catalog"})
	require.NoError(t, err)

	id, err := NewClient(grant.Endpoint, 5*time.Second).Enqueue(context.Background(), "catalog", map[string]string{
		"correlation_id": "mine",
	})
	require.NoError(t, err)
	assert.Equal(t, "mine", id)
}

func TestQueueDeniedAndInvalid(t *testing.T) {
	catalog := okBackend(t)
	search := okBackend(t)
	pub := &recordingPublisher{}
	g, srv := newTestGateway(t, Config{}, []Service{
		{Name: "catalog", URL: catalog.URL},
		{Name: "search", URL: search.URL},
	}, pub)

	grant, err := g.Grant("exec-q3", []string{"catalog"})
	require.NoError(t, err)

	_, err = NewClient(grant.Endpoint, 5*time.Second).Enqueue(context.Background(), "search", map[string]string{})
	assert.ErrorIs(t, err, ErrServiceNotPermitted)

	resp, err := http.Post(srv.URL+"/x/"+grant.Token+"/queue/catalog", "application/json", strings.NewReader(`[1,2]`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeInvalidRequest, decodeError(t, resp).Error)

	pub.mu.Lock()
	assert.Empty(t, pub.subjects)
	pub.mu.Unlock()
}

func TestQueuePublishFailure(t *testing.T) {
	catalog := okBackend(t)
	pub := &recordingPublisher{err: errors.New("no responders")}
	g, _ := newTestGateway(t, Config{}, []Service{{Name: "catalog", URL: catalog.URL}}, pub)

	grant, err := g.Grant("exec-q4", []string{"catalog"})
	require.NoError(t, err)

	_, err = NewClient(grant.Endpoint, 5*time.Second).Enqueue(context.Background(), "catalog", map[string]string{})
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestJetStreamPublisher(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)

	pub, err := NewJetStreamPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, testutil.WaitForStream(t, js, requestStreamName, 5*time.Second))

	// a second publisher reuses the stream
	_, err = NewJetStreamPublisher(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	catalog := okBackend(t)
	g, _ := newTestGateway(t, Config{}, []Service{{Name: "catalog", URL: catalog.URL}}, pub)
	grant, err := g.Grant("exec-js", []string{"catalog"})
	require.NoError(t, err)

	id, err := NewClient(grant.Endpoint, 5*time.Second).Enqueue(context.Background(), "catalog", map[string]string{"op": "lookup"})
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, RequestSubject("catalog"), 5*time.Second)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, id, payload["correlation_id"])
	assert.Equal(t, "lookup", payload["op"])
}
