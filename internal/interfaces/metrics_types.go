// Package interfaces defines the metrics and health types served by the API
package interfaces

import "time"

// SystemMetrics is the collector's rollup: lifetime counters split by
// outcome, plus point-in-time gauges for the queue and worker pool.
type SystemMetrics struct {
	RolloutsProcessed  int64
	RolloutsStable     int64
	RolloutsRolledBack int64
	RolloutsFailed     int64
	AverageRolloutTime time.Duration
	CurrentQueueDepth  int
	ActiveWorkers      int
	SystemUptime       time.Duration
}

// HealthStatus grades the health rollup the API serves. Component
// probes feed it: a probe that failed outright makes the system
// unhealthy, pressure warnings alone only degrade it.
type HealthStatus string

const (
	// HealthStatusHealthy means every component probe passed.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded means a component is under pressure but none
	// have failed.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy means at least one component probe failed.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)
