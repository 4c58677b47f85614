package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type activeSet map[string]bool

func (a activeSet) Active(id string) bool { return a[id] }

type stubHistory struct {
	before time.Time
	n      int64
}

func (h *stubHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	h.before = before
	return h.n, nil
}

type stubLogs struct {
	calls int
}

func (l *stubLogs) Rotate(now time.Time) (int, int) {
	l.calls++
	return 2, 1
}

func mkWorkspace(t *testing.T, root, id string, age time.Duration) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "output"), 0755))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(dir, mtime, mtime))
	return dir
}

func TestSweep(t *testing.T) {
	root := t.TempDir()
	stale := mkWorkspace(t, root, "stale", 3*time.Hour)
	fresh := mkWorkspace(t, root, "fresh", time.Minute)
	running := mkWorkspace(t, root, "running", 3*time.Hour)
	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.txt"), []byte("x"), 0644))

	history := &stubHistory{n: 7}
	logs := &stubLogs{}
	j, err := New(Config{
		Schedule:           "0 */10 * * * *",
		WorkspaceRoot:      root,
		WorkspaceRetention: time.Hour,
		HistoryRetention:   24 * time.Hour,
	}, Dependencies{
		Activity: activeSet{"running": true},
		History:  history,
		Logs:     logs,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	now := time.Now()
	report := j.Sweep(context.Background(), now)

	assert.Equal(t, Report{Workspaces: 1, HistoryRecords: 7, LogsRemoved: 2, LogsRotated: 1}, report)
	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
	assert.DirExists(t, running)
	assert.FileExists(t, filepath.Join(root, "stray.txt"))
	assert.Equal(t, now.Add(-24*time.Hour), history.before)
	assert.Equal(t, 1, logs.calls)
}

func TestSweepWithoutDependencies(t *testing.T) {
	j, err := New(Config{Schedule: "@every 1h"}, Dependencies{}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, Report{}, j.Sweep(context.Background(), time.Now()))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(Config{Schedule: "every tuesday"}, Dependencies{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestScheduledSweep(t *testing.T) {
	logs := &stubLogs{}
	j, err := New(Config{Schedule: "* * * * * *"}, Dependencies{Logs: logs}, zaptest.NewLogger(t))
	require.NoError(t, err)

	j.Start()
	time.Sleep(2500 * time.Millisecond)
	// Stop waits for the running job, so reading calls afterwards is safe
	j.Stop()

	assert.GreaterOrEqual(t, logs.calls, 1)
}
