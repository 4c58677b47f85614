package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/execd/internal/model"
)

// ResourceLimits defines resource limits for execution
type ResourceLimits struct {
	MaxExecutions int    // Maximum concurrent executions
	WorkspaceRoot string // Filesystem whose free space is reported
	MinFreeBytes  uint64 // Free space below which the executor reports unhealthy
}

// ResourceManager hands out execution slots and samples host load
type ResourceManager struct {
	logger *zap.Logger
	limits ResourceLimits
	mu     sync.RWMutex
	stats  *model.ExecutorStats
	slots  map[string]time.Time
}

// NewResourceManager creates a new resource manager
func NewResourceManager(limits ResourceLimits, logger *zap.Logger) (*ResourceManager, error) {
	if limits.MaxExecutions <= 0 {
		return nil, fmt.Errorf("max executions must be positive, got %d", limits.MaxExecutions)
	}
	return &ResourceManager{
		logger: logger.Named("resource-manager"),
		limits: limits,
		slots:  make(map[string]time.Time),
		stats: &model.ExecutorStats{
			MaxExecutions: limits.MaxExecutions,
			CollectedAt:   time.Now(),
		},
	}, nil
}

// Start samples host resources until ctx is done
func (rm *ResourceManager) Start(ctx context.Context, interval time.Duration) {
	rm.logger.Info("Starting resource manager")
	rm.collectResourceStats()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.collectResourceStats()
			}
		}
	}()
}

// Acquire reserves a slot for executionID
func (rm *ResourceManager) Acquire(executionID string) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if _, ok := rm.slots[executionID]; ok {
		return fmt.Errorf("%w: %s is already running", ErrDuplicateExecution, executionID)
	}
	if len(rm.slots) >= rm.limits.MaxExecutions {
		return ErrCapacityExceeded
	}

	rm.slots[executionID] = time.Now()
	rm.logger.Debug("Slot acquired",
		zap.String("execution_id", executionID),
		zap.Int("running", len(rm.slots)))
	return nil
}

// Release frees the slot held by executionID
func (rm *ResourceManager) Release(executionID string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	delete(rm.slots, executionID)
	rm.logger.Debug("Slot released",
		zap.String("execution_id", executionID),
		zap.Int("running", len(rm.slots)))
}

// Running returns the number of slots in use
func (rm *ResourceManager) Running() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.slots)
}

// GetStats returns a copy of the latest statistics
func (rm *ResourceManager) GetStats() *model.ExecutorStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	stats := *rm.stats
	stats.RunningExecutions = len(rm.slots)
	return &stats
}

// Healthy reports whether the workspace filesystem is above the free space floor
func (rm *ResourceManager) Healthy() bool {
	if rm.limits.MinFreeBytes == 0 || rm.limits.WorkspaceRoot == "" {
		return true
	}
	return rm.GetStats().WorkspaceDiskFree >= rm.limits.MinFreeBytes
}

// collectResourceStats collects system resource statistics
func (rm *ResourceManager) collectResourceStats() {
	// cpu.Percent blocks for the sample window, so sample before locking
	var cpuUsage float64
	cpuPercent, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil {
		rm.logger.Error("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		cpuUsage = cpuPercent[0]
	}

	var memUsage float64
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		rm.logger.Error("Failed to get memory usage", zap.Error(err))
	} else {
		memUsage = memInfo.UsedPercent
	}

	var diskFree uint64
	if rm.limits.WorkspaceRoot != "" {
		usage, err := disk.Usage(rm.limits.WorkspaceRoot)
		if err != nil {
			rm.logger.Error("Failed to get workspace disk usage", zap.Error(err))
		} else {
			diskFree = usage.Free
		}
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.stats.CPUUsage = cpuUsage
	rm.stats.MemoryUsage = memUsage
	rm.stats.WorkspaceDiskFree = diskFree
	rm.stats.RunningExecutions = len(rm.slots)
	rm.stats.CollectedAt = time.Now()

	rm.logger.Debug("Resource stats collected",
		zap.Float64("cpu_usage", rm.stats.CPUUsage),
		zap.Float64("memory_usage", rm.stats.MemoryUsage),
		zap.Uint64("workspace_disk_free", rm.stats.WorkspaceDiskFree),
		zap.Int("running_executions", rm.stats.RunningExecutions))
}
