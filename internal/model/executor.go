package model

import "time"

// ExecutorStatus represents the health of an executor node
type ExecutorStatus string

const (
	ExecutorStatusHealthy   ExecutorStatus = "healthy"
	ExecutorStatusUnhealthy ExecutorStatus = "unhealthy"
)

// ExecutorStats represents executor load published with every heartbeat
type ExecutorStats struct {
	RunningExecutions int       `json:"running_executions"`
	MaxExecutions     int       `json:"max_executions"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsage       float64   `json:"memory_usage"`
	WorkspaceDiskFree uint64    `json:"workspace_disk_free"`
	CollectedAt       time.Time `json:"collected_at"`
}

// Heartbeat is the message an executor publishes periodically
type Heartbeat struct {
	ExecutorID string         `json:"executor_id"`
	Status     ExecutorStatus `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Stats      *ExecutorStats `json:"stats"`
}

// StatusEvent is published on every lifecycle transition
type StatusEvent struct {
	ExecutionID string         `json:"execution_id"`
	From        ExecutionState `json:"from"`
	To          ExecutionState `json:"to"`
	Timestamp   time.Time      `json:"timestamp"`
}
