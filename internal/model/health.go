package model

import "time"

// HealthStatus is the gateway-level summary of backend availability
type HealthStatus string

const (
	HealthStatusHealthy     HealthStatus = "healthy"
	HealthStatusUnhealthy   HealthStatus = "unhealthy"
	HealthStatusUnreachable HealthStatus = "unreachable"
)

// ServiceInfo describes one reachable backing service
type ServiceInfo struct {
	Latency    string `json:"latency,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
}

// ServiceHealth is returned by the gateway health endpoint. It is computed
// on demand and never persisted.
type ServiceHealth struct {
	Status    HealthStatus           `json:"status"`
	Services  map[string]ServiceInfo `json:"services"`
	Timestamp time.Time              `json:"timestamp"`
}
