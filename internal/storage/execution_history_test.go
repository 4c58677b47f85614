package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/execd/internal/model"
)

func newTestHistory(t *testing.T) *SQLiteHistory {
	t.Helper()
	h, err := NewSQLiteHistory(filepath.Join(t.TempDir(), "history.db"), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func record(id, op string, startedAt time.Time) *ExecutionRecord {
	return &ExecutionRecord{
		ExecutionID: id,
		Operation:   op,
		ExecutorID:  "executor-1",
		State:       model.StateInitializing,
		Descriptor:  json.RawMessage(`{"execution_id":"` + id + `"}`),
		StartedAt:   startedAt,
	}
}

func TestSQLiteHistory_Lifecycle(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	start := time.Now().Add(-time.Minute).Truncate(time.Second)

	require.NoError(t, h.Store(ctx, record("exec-1", "analyze", start)))
	require.NoError(t, h.UpdateState(ctx, "exec-1", model.StateRunning))

	got, err := h.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateRunning, got.State)
	assert.Empty(t, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, `{"execution_id":"exec-1"}`, string(got.Descriptor))

	result := &model.ExecutionResult{
		ExecutionID: "exec-1",
		Status:      model.ExecutionStatusTimedOut,
		Message:     "execution exceeded its timeout",
		OutputFiles: []string{"partial.txt"},
		ExitCode:    -1,
		StartedAt:   start,
		CompletedAt: start.Add(30 * time.Second),
		Duration:    30 * time.Second,
	}
	require.NoError(t, h.Complete(ctx, result))

	got, err = h.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, model.StateTimedOut, got.State)
	assert.Equal(t, model.ExecutionStatusTimedOut, got.Status)
	assert.Equal(t, result.Message, got.Message)
	assert.Equal(t, 30*time.Second, got.Duration)
	require.NotNil(t, got.CompletedAt)

	var stored model.ExecutionResult
	require.NoError(t, json.Unmarshal(got.Result, &stored))
	assert.Equal(t, []string{"partial.txt"}, stored.OutputFiles)
}

func TestSQLiteHistory_Duplicate(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	require.NoError(t, h.Store(ctx, record("exec-1", "analyze", time.Now())))
	err := h.Store(ctx, record("exec-1", "analyze", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestSQLiteHistory_NotFound(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()

	_, err := h.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, h.UpdateState(ctx, "missing", model.StateRunning), ErrNotFound)
	assert.ErrorIs(t, h.Complete(ctx, model.NewFailedResult("missing", model.ErrorKindContainerCrash, "boom")), ErrNotFound)
}

func TestSQLiteHistory_ListAndCount(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	require.NoError(t, h.Store(ctx, record("a", "analyze", base)))
	require.NoError(t, h.Store(ctx, record("b", "analyze", base.Add(time.Minute))))
	require.NoError(t, h.Store(ctx, record("c", "export", base.Add(2*time.Minute))))
	require.NoError(t, h.Complete(ctx, model.NewFailedResult("b", model.ErrorKindContainerCrash, "boom")))

	all, err := h.List(ctx, Filter{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ExecutionID, "newest first")
	assert.Equal(t, "a", all[2].ExecutionID)

	page, err := h.List(ctx, Filter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "b", page[0].ExecutionID)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by operation", Filter{Operation: "analyze"}, 2},
		{"by state", Filter{State: model.StateFailed}, 1},
		{"by status", Filter{Status: model.ExecutionStatusFailed}, 1},
		{"combined", Filter{Operation: "export", State: model.StateFailed}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := h.Count(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestSQLiteHistory_DeleteBeforeKeepsInFlight(t *testing.T) {
	h := newTestHistory(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, h.Store(ctx, record("done", "analyze", old)))
	require.NoError(t, h.Complete(ctx, &model.ExecutionResult{
		ExecutionID: "done",
		Status:      model.ExecutionStatusCompleted,
		CompletedAt: old.Add(time.Minute),
	}))
	require.NoError(t, h.Store(ctx, record("stuck", "analyze", old)))
	require.NoError(t, h.Store(ctx, record("recent", "analyze", time.Now())))

	deleted, err := h.DeleteBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = h.Get(ctx, "done")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.Get(ctx, "stuck")
	assert.NoError(t, err)
	_, err = h.Get(ctx, "recent")
	assert.NoError(t, err)
}

func TestSQLiteHistory_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	h, err := NewSQLiteHistory(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, h.Store(ctx, record("exec-1", "analyze", time.Now())))
	require.NoError(t, h.Close())

	h, err = NewSQLiteHistory(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Close()

	_, err = h.Get(ctx, "exec-1")
	assert.NoError(t, err)
}
