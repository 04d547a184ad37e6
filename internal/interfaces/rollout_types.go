package interfaces

import (
	"time"
)

// AttemptID is a strongly-typed rollout attempt identifier
type AttemptID string

// VersionRef is an opaque version or image identifier supplied by the
// artifact pipeline. The orchestrator never interprets its contents.
type VersionRef string

// RolloutState represents a state of the rollout state machine
type RolloutState string

// RolloutState constants represent the states of a rollout attempt
const (
	StatePending         RolloutState = "PENDING"
	StateValidating      RolloutState = "VALIDATING"
	StateDeploying       RolloutState = "DEPLOYING"
	StateHealthChecking  RolloutState = "HEALTH_CHECKING"
	StateTrafficShifting RolloutState = "TRAFFIC_SHIFTING"
	StateStable          RolloutState = "STABLE"
	StateRollingBack     RolloutState = "ROLLING_BACK"
	StateRolledBack      RolloutState = "ROLLED_BACK"
	StateFailed          RolloutState = "FAILED"
)

// Terminal reports whether the state is terminal. Terminal states are never
// re-entered or left.
func (s RolloutState) Terminal() bool {
	switch s {
	case StateStable, StateRolledBack, StateFailed:
		return true
	default:
		return false
	}
}

// RolloutOutcome is the terminal outcome of a rollout attempt
type RolloutOutcome string

// RolloutOutcome constants represent the terminal outcomes
const (
	OutcomeStable         RolloutOutcome = "stable"
	OutcomeRolledBack     RolloutOutcome = "rolledBack"
	OutcomeRollbackFailed RolloutOutcome = "rollbackFailed"
)

// Strategy names a traffic-shift strategy with a fixed schedule
type Strategy string

// Strategy constants represent the supported rollout strategies
const (
	StrategyAllAtOnce  Strategy = "all-at-once"
	StrategyLinear10m1 Strategy = "linear-10-1m"
	StrategyLinear10m3 Strategy = "linear-10-3m"
	StrategyCanary5m   Strategy = "canary-10-5m"
	StrategyCanary15m  Strategy = "canary-10-15m"
)

// Valid reports whether the strategy is one of the supported names
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAllAtOnce, StrategyLinear10m1, StrategyLinear10m3, StrategyCanary5m, StrategyCanary15m:
		return true
	default:
		return false
	}
}

// Gradual reports whether the strategy shifts traffic incrementally.
// Gradual strategies pass through TRAFFIC_SHIFTING; all-at-once does not.
func (s Strategy) Gradual() bool {
	return s.Valid() && s != StrategyAllAtOnce
}

// Strategies returns all supported strategy names in a stable order
func Strategies() []Strategy {
	return []Strategy{
		StrategyAllAtOnce,
		StrategyLinear10m1,
		StrategyLinear10m3,
		StrategyCanary5m,
		StrategyCanary15m,
	}
}

// TrafficStep is one step of a traffic-shift plan
type TrafficStep struct {
	Percent int           `json:"percent"`
	Hold    time.Duration `json:"holdDuration"`
}

// EndpointCriticality classifies a health endpoint
type EndpointCriticality string

// EndpointCriticality constants classify health endpoints
const (
	CriticalityCritical      EndpointCriticality = "critical"
	CriticalityInformational EndpointCriticality = "informational"
)

// HealthEndpoint is a path probed during health verification
type HealthEndpoint struct {
	Path        string              `json:"path"`
	Criticality EndpointCriticality `json:"criticality"`
}

// Critical reports whether a failing probe of this endpoint fails the round
func (e HealthEndpoint) Critical() bool {
	return e.Criticality == CriticalityCritical
}

// ProbeOutcome is the result of a single endpoint probe
type ProbeOutcome string

// ProbeOutcome constants represent probe results
const (
	ProbePass ProbeOutcome = "pass"
	ProbeFail ProbeOutcome = "fail"
)

// HealthProbeResult records a single endpoint probe within a verification round
type HealthProbeResult struct {
	Endpoint   string       `json:"endpoint"`
	Critical   bool         `json:"critical"`
	Round      int          `json:"round"`
	Timestamp  time.Time    `json:"timestamp"`
	Outcome    ProbeOutcome `json:"outcome"`
	StatusCode int          `json:"statusCode,omitempty"`
	Latency    time.Duration `json:"latency"`
	Detail     string       `json:"detail,omitempty"`
}

// VerificationResult is the outcome of a bounded health verification run
type VerificationResult struct {
	Passing bool                `json:"passing"`
	Rounds  int                 `json:"rounds"`
	Results []HealthProbeResult `json:"results"`
}

// BurnClassification classifies one burn-rate sample
type BurnClassification string

// BurnClassification constants represent burn-rate severities
const (
	BurnNominal  BurnClassification = "nominal"
	BurnWarning  BurnClassification = "warning"
	BurnCritical BurnClassification = "critical"
)

// BurnRateSample is one evaluated trailing-window burn-rate reading
type BurnRateSample struct {
	Timestamp        time.Time          `json:"timestamp"`
	AvailabilityBurn float64            `json:"availabilityBurn"`
	LatencyBurn      float64            `json:"latencyBurn"`
	ErrorRateBurn    float64            `json:"errorRateBurn"`
	Classification   BurnClassification `json:"classification"`
	LatencyWarning   bool               `json:"latencyWarning,omitempty"`
}

// SLOConfig carries the availability and latency objectives a rollout is
// evaluated against
type SLOConfig struct {
	AvailabilityTargetPercent float64       `json:"availabilityTargetPercent"`
	LatencyThreshold          time.Duration `json:"latencyThreshold"`
}

// ErrorBudget returns the allowed failure percentage implied by the
// availability target
func (c SLOConfig) ErrorBudget() float64 {
	return 100 - c.AvailabilityTargetPercent
}

// RolloutAttempt is the full record of one rollout attempt. It is the output
// record handed to the pipeline runner and the unit persisted by the attempt
// store. Once the attempt reaches a terminal state the record is immutable
// history.
type RolloutAttempt struct {
	ID                 AttemptID           `json:"id"`
	TargetVersionRef   VersionRef          `json:"targetVersionRef"`
	PreviousVersionRef VersionRef          `json:"previousVersionRef"`
	Strategy           Strategy            `json:"strategy"`
	State              RolloutState        `json:"state"`
	Outcome            RolloutOutcome      `json:"outcome,omitempty"`
	TrafficShiftPlan   []TrafficStep       `json:"trafficShiftPlan"`
	HealthResults      []HealthProbeResult `json:"healthResults"`
	BurnRateSamples    []BurnRateSample    `json:"burnRateSamples"`
	StartedAt          time.Time           `json:"startedAt"`
	EndedAt            *time.Time          `json:"endedAt,omitempty"`
	Backend            BackendHandle       `json:"backend"`
	LastError          string              `json:"lastError,omitempty"`
}

// Terminal reports whether the attempt has reached a terminal state
func (a *RolloutAttempt) Terminal() bool {
	return a.State.Terminal()
}

// Clone returns a deep copy of the attempt so callers cannot mutate stored
// history through returned pointers
func (a *RolloutAttempt) Clone() *RolloutAttempt {
	if a == nil {
		return nil
	}
	cp := *a
	if a.EndedAt != nil {
		t := *a.EndedAt
		cp.EndedAt = &t
	}
	cp.TrafficShiftPlan = append([]TrafficStep(nil), a.TrafficShiftPlan...)
	cp.HealthResults = append([]HealthProbeResult(nil), a.HealthResults...)
	cp.BurnRateSamples = append([]BurnRateSample(nil), a.BurnRateSamples...)
	return &cp
}
