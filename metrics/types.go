// Package metrics keeps the in-process view of generation activity and GPU
// state, and exports it to Prometheus.
package metrics

import (
	"time"

	"sdlora_server/core"
)

// GPUMetrics represents GPU resource utilization metrics.
// Memory values are in bytes.
type GPUMetrics struct {
	// Name is the device name reported by the driver (empty for nvidia-smi)
	Name string `json:"name,omitempty"`

	// Utilization is the GPU utilization percentage (0-100)
	Utilization float64 `json:"utilization"`

	// Temperature is the GPU temperature in Celsius
	Temperature float64 `json:"temperature"`

	MemoryTotal int64 `json:"memory_total"`
	MemoryUsed  int64 `json:"memory_used"`
	MemoryFree  int64 `json:"memory_free"`

	// SampledAt is when the reading was taken
	SampledAt time.Time `json:"sampled_at"`
}

// SystemStatus represents the overall service health and status.
type SystemStatus struct {
	// Health is one of the SystemHealth constants
	Health      string        `json:"health"`
	Version     string        `json:"version"`
	Uptime      time.Duration `json:"uptime"`
	ModelLoaded bool          `json:"model_loaded"`
	LastCheck   time.Time     `json:"last_check"`
}

// GenerationStats aggregates generation outcomes since process start.
type GenerationStats struct {
	Total    int64 `json:"total"`
	Success  int64 `json:"success"`
	Errors   int64 `json:"errors"`
	InFlight int64 `json:"in_flight"`

	// SuccessRate is the percentage of successful generations (0-100)
	SuccessRate float64 `json:"success_rate"`

	// AvgDuration covers successful generations only
	AvgDuration  time.Duration `json:"avg_duration"`
	LastDuration time.Duration `json:"last_duration"`

	// ByBackend is keyed by the backend that served the request
	ByBackend map[string]*BackendStats `json:"by_backend"`
}

// BackendStats holds per-backend counters.
type BackendStats struct {
	Count       int64         `json:"count"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Snapshot is everything the stats endpoint reports in one consistent read.
type Snapshot struct {
	System      SystemStatus            `json:"system"`
	Generations GenerationStats         `json:"generations"`
	GPU         *GPUMetrics             `json:"gpu"`
	Recent      []core.GenerationRecord `json:"recent"`
}

// Health constants for SystemStatus
const (
	SystemHealthRunning  = "running"
	SystemHealthLoading  = "loading"
	SystemHealthDegraded = "degraded"
)
