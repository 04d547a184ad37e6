// Package logging provides structured logging support for the Rollgate application
package logging

// Component-specific loggers for easy incremental adoption

// Controller logger for rollout state machine operations
var Controller = NewLogger("controller")

// Backend logger for compute backend operations
var Backend = NewLogger("backend")

// Health logger for health verification operations
var Health = NewLogger("health")

// Traffic logger for traffic shift operations
var Traffic = NewLogger("traffic")

// Burn logger for burn-rate evaluation
var Burn = NewLogger("burn")

// Rollback logger for snapshot and restore operations
var Rollback = NewLogger("rollback")

// Store logger for attempt store operations
var Store = NewLogger("store")

// Queue logger for rollout queue operations
var Queue = NewLogger("queue")

// Config logger for configuration operations
var Config = NewLogger("config")

// BackendOperation logs a compute backend operation
func BackendOperation(operation, handle string, details ...interface{}) {
	if len(details) > 0 {
		Backend.Debug("operation=%s backend=%s %v", operation, handle, details[0])
	} else {
		Backend.Debug("operation=%s backend=%s", operation, handle)
	}
}

// BackendSuccess logs a successful compute backend operation
func BackendSuccess(operation, handle string, details ...interface{}) {
	if len(details) > 0 {
		Backend.Info("operation=%s backend=%s status=success %v", operation, handle, details[0])
	} else {
		Backend.Info("operation=%s backend=%s status=success", operation, handle)
	}
}

// BackendError logs a compute backend error
func BackendError(operation, handle string, err interface{}) {
	Backend.Error("operation=%s backend=%s error=%v", operation, handle, err)
}

// HealthRound logs the outcome of a single verification round
func HealthRound(attemptID string, round int, passing bool, probes int) {
	if passing {
		Health.Info("attempt=%s round=%d status=passing probes=%d", attemptID, round, probes)
	} else {
		Health.Debug("attempt=%s round=%d status=failing probes=%d", attemptID, round, probes)
	}
}

// TrafficStep logs a traffic shift step
func TrafficStep(attemptID string, percent int, hold string) {
	Traffic.Info("attempt=%s percent=%d hold=%s", attemptID, percent, hold)
}

// BurnSample logs a burn-rate sample and its classification
func BurnSample(attemptID string, burn float64, classification string) {
	if classification == "nominal" {
		Burn.Debug("attempt=%s burn=%.2f classification=%s", attemptID, burn, classification)
	} else {
		Burn.Warn("attempt=%s burn=%.2f classification=%s", attemptID, burn, classification)
	}
}

// StateTransition logs a rollout state machine transition
func StateTransition(attemptID, from, to string) {
	Controller.Info("attempt=%s from=%s to=%s", attemptID, from, to)
}
