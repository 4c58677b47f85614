package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResourceManagerSlots(t *testing.T) {
	rm, err := NewResourceManager(ResourceLimits{MaxExecutions: 2}, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, rm.Acquire("a"))
	assert.ErrorIs(t, rm.Acquire("a"), ErrDuplicateExecution)
	require.NoError(t, rm.Acquire("b"))
	assert.ErrorIs(t, rm.Acquire("c"), ErrCapacityExceeded)
	assert.Equal(t, 2, rm.Running())

	rm.Release("a")
	require.NoError(t, rm.Acquire("c"))

	stats := rm.GetStats()
	assert.Equal(t, 2, stats.RunningExecutions)
	assert.Equal(t, 2, stats.MaxExecutions)
}

func TestResourceManagerRejectsZeroCapacity(t *testing.T) {
	_, err := NewResourceManager(ResourceLimits{}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestResourceManagerHealth(t *testing.T) {
	rm, err := NewResourceManager(ResourceLimits{
		MaxExecutions: 1,
		WorkspaceRoot: t.TempDir(),
		MinFreeBytes:  1,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	rm.collectResourceStats()
	assert.True(t, rm.Healthy())

	rm.limits.MinFreeBytes = ^uint64(0)
	assert.False(t, rm.Healthy())
}
