package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execd/internal/testutil"
)

func TestExecutionIDFrom(t *testing.T) {
	tests := []struct {
		subject string
		want    string
		ok      bool
	}{
		{ResultSubject("exec-1"), "exec-1", true},
		{StatusSubject("run.2024.01"), "run.2024.01", true},
		{CancelSubject("abc"), "abc", true},
		{"exec.result.", "", false},
		{SubmitSubject, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			id, ok := ExecutionIDFrom(tt.subject)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	_, _, js := testutil.StartJetStream(t)
	logger := zaptest.NewLogger(t)

	require.NoError(t, Ensure(js, logger))
	require.NoError(t, Ensure(js, logger))

	info, err := js.StreamInfo(ExecutionStreamName)
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]string{SubmitSubject, StatusWildcard, ResultWildcard, CancelWildcard},
		info.Config.Subjects)

	// dotted ids land in the stream
	_, err = js.Publish(ResultSubject("a.b.c"), []byte(`{}`))
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, ResultSubject("a.b.c"), 5*time.Second)
	id, ok := ExecutionIDFrom(msg.Subject)
	require.True(t, ok)
	assert.Equal(t, "a.b.c", id)
}
