// Package rollout implements the rollout state machine and its surrounding
// orchestration. The controller drives one attempt end to end: validate,
// snapshot, deploy, verify health, shift traffic under burn-rate and alarm
// supervision, and recover failures by restoring the snapshot.
package rollout

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/rollgate/rollgate/internal/burnrate"
	"github.com/rollgate/rollgate/internal/events"
	"github.com/rollgate/rollgate/internal/health"
	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/internal/rollback"
	"github.com/rollgate/rollgate/internal/traffic"
	"github.com/rollgate/rollgate/pkg/logging"
)

const maxVersionRefLength = 512

// Controller executes rollout attempts. It owns the one-attempt-per-backend
// registry; everything else is constructed fresh per attempt so no state
// leaks across attempts.
type Controller struct {
	registry     *Registry
	signals      interfaces.SignalFactory
	records      interfaces.AttemptRecordStore
	eventBus     *events.EventBus
	httpClient   *http.Client
	burnInterval time.Duration
	logger       *logging.Logger
}

// ControllerOption is a functional option for configuring a Controller
type ControllerOption func(*Controller)

// WithEventBus sets a custom event bus for the controller
func WithEventBus(eventBus *events.EventBus) ControllerOption {
	return func(c *Controller) {
		if eventBus != nil {
			c.eventBus = eventBus
		}
	}
}

// WithSignalFactory enables burn-rate and alarm supervision during traffic
// shifting. Without it, gradual rollouts run unsupervised.
func WithSignalFactory(signals interfaces.SignalFactory) ControllerOption {
	return func(c *Controller) {
		c.signals = signals
	}
}

// WithRecordStore persists the attempt record at every state transition
func WithRecordStore(records interfaces.AttemptRecordStore) ControllerOption {
	return func(c *Controller) {
		c.records = records
	}
}

// WithHTTPClient sets the client used for health endpoint probes
func WithHTTPClient(client *http.Client) ControllerOption {
	return func(c *Controller) {
		c.httpClient = client
	}
}

// WithBurnInterval overrides the burn-rate sampling cadence
func WithBurnInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.burnInterval = d
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *logging.Logger) ControllerOption {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewController creates a rollout controller
func NewController(opts ...ControllerOption) *Controller {
	c := &Controller{
		registry:     NewRegistry(),
		eventBus:     events.NewEventBus(),
		burnInterval: interfaces.BurnWindow,
		logger:       logging.NewLogger("rollout-controller"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetEventBus returns the event bus for subscribing to rollout events
func (c *Controller) GetEventBus() *events.EventBus {
	return c.eventBus
}

// Registry returns the in-flight attempt registry
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Run executes one rollout attempt sequentially end to end and returns the
// full attempt record. In-flight failures are recovered by rollback and
// reported through the record's outcome, never as a returned error; the
// error return is reserved for entry rejections (AttemptInProgress) and
// pre-mutation failures (invalid version, unsupported strategy, snapshot).
func (c *Controller) Run(ctx context.Context, backend interfaces.ComputeBackend, req interfaces.RolloutRequest) (*interfaces.RolloutAttempt, error) {
	if backend == nil {
		return nil, NewError(ErrCodeInvalidRequest, "compute backend is required")
	}

	id, err := generateAttemptID()
	if err != nil {
		return nil, fmt.Errorf("generating attempt id: %w", err)
	}

	handle := backend.Handle()
	if err := c.registry.Acquire(handle, id); err != nil {
		return nil, err
	}
	defer c.registry.Release(handle, id)

	run := &attemptRun{
		controller: c,
		backend:    backend,
		req:        req,
		opts:       optionsWithDefaults(req.Options),
		persistCtx: context.WithoutCancel(ctx),
		attempt: &interfaces.RolloutAttempt{
			ID:               id,
			TargetVersionRef: req.TargetVersionRef,
			Strategy:         req.Strategy,
			State:            interfaces.StatePending,
			Backend:          handle,
			StartedAt:        time.Now().UTC(),
			TrafficShiftPlan: []interfaces.TrafficStep{},
			HealthResults:    []interfaces.HealthProbeResult{},
			BurnRateSamples:  []interfaces.BurnRateSample{},
		},
	}
	run.rollbackMgr = rollback.NewManager(backend,
		rollback.WithStabilizationTimeout(run.opts.StabilizationTimeout))
	run.scheduler = traffic.NewScheduler(backend)
	run.verifier = health.NewVerifier(req.HealthBaseURL, run.verifierOptions()...)

	c.logger.Info("attempt %s: rolling out %s onto %s via %s",
		id, req.TargetVersionRef, handle, req.Strategy)

	return run.execute(ctx)
}

func optionsWithDefaults(o interfaces.RolloutOptions) interfaces.RolloutOptions {
	if o.StabilizationTimeout <= 0 {
		o.StabilizationTimeout = interfaces.DefaultStabilizationTimeout
	}
	if o.HealthMaxAttempts <= 0 {
		o.HealthMaxAttempts = interfaces.DefaultHealthMaxAttempts
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = interfaces.DefaultHealthInterval
	}
	if o.HealthOverallTimeout <= 0 {
		o.HealthOverallTimeout = interfaces.DefaultHealthOverallTimeout
	}
	if o.HealthProbeTimeout <= 0 {
		o.HealthProbeTimeout = interfaces.DefaultHealthProbeTimeout
	}
	return o
}

func generateAttemptID() (interfaces.AttemptID, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", err
	}
	return interfaces.AttemptID("ro-" + id), nil
}

// wellFormedVersion accepts any non-empty opaque ref without whitespace or
// control characters. The orchestrator never interprets the contents.
func wellFormedVersion(ref interfaces.VersionRef) bool {
	s := string(ref)
	if s == "" || len(s) > maxVersionRefLength {
		return false
	}
	for _, r := range s {
		if r <= ' ' || r == 0x7f {
			return false
		}
	}
	return true
}

// ensureCode wraps err with the given code unless it already carries one
func ensureCode(err error, code ErrorCode, format string, args ...interface{}) error {
	if _, ok := IsRolloutError(err); ok {
		return err
	}
	return WrapError(code, err, format, args...)
}

// attemptRun tracks the state of one executing attempt. The mutex guards the
// attempt record, which the burn monitor goroutine appends to while the main
// goroutine blocks inside the traffic scheduler.
type attemptRun struct {
	controller *Controller
	backend    interfaces.ComputeBackend
	req        interfaces.RolloutRequest
	opts       interfaces.RolloutOptions
	persistCtx context.Context

	mu      sync.Mutex
	attempt *interfaces.RolloutAttempt

	rollbackMgr *rollback.Manager
	scheduler   *traffic.Scheduler
	verifier    *health.Verifier
	evaluator   *burnrate.Evaluator
	plan        []interfaces.TrafficStep
	handle      *interfaces.DeployHandle
}

func (r *attemptRun) verifierOptions() []health.Option {
	opts := []health.Option{
		health.WithMaxAttempts(r.opts.HealthMaxAttempts),
		health.WithInterval(r.opts.HealthInterval),
		health.WithOverallTimeout(r.opts.HealthOverallTimeout),
		health.WithProbeTimeout(r.opts.HealthProbeTimeout),
	}
	if r.controller.httpClient != nil {
		opts = append(opts, health.WithHTTPClient(r.controller.httpClient))
	}
	return opts
}

func (r *attemptRun) execute(ctx context.Context) (*interfaces.RolloutAttempt, error) {
	r.transition(interfaces.StateValidating)

	shortCircuit, err := r.validate(ctx)
	if err != nil {
		r.fail(err)
		return r.snapshotRecord(), err
	}
	if shortCircuit {
		r.finish(interfaces.StateStable, interfaces.OutcomeStable)
		return r.snapshotRecord(), nil
	}

	r.transition(interfaces.StateDeploying)
	if err := r.deploy(ctx); err != nil {
		return r.rollBack(ctx, err), nil
	}

	r.transition(interfaces.StateHealthChecking)
	if err := r.verifyHealth(ctx); err != nil {
		return r.rollBack(ctx, err), nil
	}

	if r.attempt.Strategy.Gradual() {
		r.transition(interfaces.StateTrafficShifting)
		if err := r.shiftTraffic(ctx); err != nil {
			return r.rollBack(ctx, err), nil
		}
	}

	r.finish(interfaces.StateStable, interfaces.OutcomeStable)
	return r.snapshotRecord(), nil
}

// validate checks the request, builds the signal sources, captures the
// pre-mutation snapshot, and detects the same-version short circuit. Nothing
// on the backend is mutated here.
func (r *attemptRun) validate(ctx context.Context) (bool, error) {
	if !wellFormedVersion(r.req.TargetVersionRef) {
		return false, NewError(ErrCodeInvalidVersion,
			"target version %q is not a usable version ref", r.req.TargetVersionRef)
	}

	plan, err := traffic.BuildPlan(r.req.Strategy)
	if err != nil {
		return false, WrapError(ErrCodeUnsupportedStrategy, err,
			"strategy %q has no schedule", r.req.Strategy)
	}

	if r.controller.signals != nil && observeConfigured(r.req.Observe) {
		if err := r.buildSignals(); err != nil {
			return false, WrapError(ErrCodeInvalidRequest, err, "building signal sources")
		}
	}

	previous, err := r.rollbackMgr.Snapshot(ctx)
	if err != nil {
		return false, ensureCode(err, ErrCodeSnapshotFailed, "capturing pre-rollout snapshot")
	}
	r.mu.Lock()
	r.attempt.PreviousVersionRef = previous
	r.mu.Unlock()
	r.persist()

	if previous == r.req.TargetVersionRef {
		r.controller.logger.Info("attempt %s: version %s is already live on %s, nothing to do",
			r.attempt.ID, previous, r.attempt.Backend)
		return true, nil
	}

	if r.req.Strategy.Gradual() {
		r.plan = plan
		r.mu.Lock()
		r.attempt.TrafficShiftPlan = plan
		r.mu.Unlock()
	}
	return false, nil
}

func observeConfigured(o interfaces.ObserveConfig) bool {
	return o.MetricsNamespace != "" || len(o.AlarmNames) > 0
}

func (r *attemptRun) buildSignals() error {
	var source interfaces.MetricsSource
	if r.req.Observe.MetricsNamespace != "" {
		s, err := r.controller.signals.CreateMetricsSource(r.req.Observe)
		if err != nil {
			return fmt.Errorf("metrics source: %w", err)
		}
		source = s
	} else {
		// Alarm-only configuration: alarms still gate the shift, the burn
		// math just never leaves nominal.
		source = nominalSource{}
	}

	opts := []burnrate.Option{}
	if len(r.req.Observe.AlarmNames) > 0 {
		alarms, err := r.controller.signals.CreateAlarmSource(r.req.Observe)
		if err != nil {
			return fmt.Errorf("alarm source: %w", err)
		}
		opts = append(opts, burnrate.WithAlarmSource(alarms))
	}

	r.evaluator = burnrate.NewEvaluator(source, r.req.SLO, opts...)
	return nil
}

// nominalSource backs alarm-only observe configurations
type nominalSource struct{}

func (nominalSource) Window(_ context.Context) (*interfaces.WindowMetrics, error) {
	return &interfaces.WindowMetrics{}, nil
}

func (r *attemptRun) deploy(ctx context.Context) error {
	logging.BackendOperation("deploy", string(r.attempt.Backend), string(r.req.TargetVersionRef))

	handle, err := r.backend.DeployVersion(ctx, r.req.TargetVersionRef)
	if err != nil {
		logging.BackendError("deploy", string(r.attempt.Backend), err)
		return ensureCode(err, ErrCodeBackendUnavailable, "deploying %s", r.req.TargetVersionRef)
	}
	r.handle = handle

	if err := r.backend.WaitStable(ctx, handle, r.opts.StabilizationTimeout); err != nil {
		logging.BackendError("wait-stable", string(r.attempt.Backend), err)
		return ensureCode(err, ErrCodeStabilizationTimeout,
			"%s never stabilized within %s", r.req.TargetVersionRef, r.opts.StabilizationTimeout)
	}

	logging.BackendSuccess("deploy", string(r.attempt.Backend), string(r.req.TargetVersionRef))
	return nil
}

func (r *attemptRun) verifyHealth(ctx context.Context) error {
	healthy, err := r.backend.IsHealthySelf(ctx, r.handle)
	if err != nil {
		return ensureCode(err, ErrCodeBackendUnavailable, "backend self-check")
	}
	if !healthy {
		return NewError(ErrCodeHealthCheckExhausted,
			"backend reports the new deployment unhealthy before endpoint probing")
	}

	result, verr := r.verifier.Verify(ctx, r.req.HealthEndpoints)
	if result != nil {
		r.appendHealthResults(result.Results)
		logging.HealthRound(string(r.attempt.ID), result.Rounds, result.Passing, len(result.Results))
	}
	if verr != nil {
		return ensureCode(verr, ErrCodeHealthCheckExhausted,
			"verifying %s", r.req.TargetVersionRef)
	}
	return nil
}

// shiftTraffic walks the plan under supervision: the burn monitor samples on
// the window cadence and wakes holds early via the abort channel, while the
// gate consults the external alarm signal after each step.
func (r *attemptRun) shiftTraffic(ctx context.Context) error {
	abort := make(chan string, 1)

	if r.evaluator != nil {
		monitorCtx, stopMonitor := context.WithCancel(ctx)
		defer stopMonitor()
		go r.monitorBurn(monitorCtx, abort)
	}

	return r.scheduler.Execute(ctx, r.handle, r.plan, r.alarmGate, abort)
}

// alarmGate is the per-step check the scheduler runs after each hold
// completes
func (r *attemptRun) alarmGate(ctx context.Context, step interfaces.TrafficStep) error {
	logging.TrafficStep(string(r.attempt.ID), step.Percent, step.Hold.String())
	if r.evaluator == nil {
		return nil
	}
	active, err := r.evaluator.CheckAlarms(ctx)
	if err != nil {
		// Losing the alarm signal is not itself a rollout failure
		r.controller.logger.Warn("attempt %s: alarm check failed: %v", r.attempt.ID, err)
		return nil
	}
	if active {
		return fmt.Errorf("critical alarm active after %d%% step", step.Percent)
	}
	return nil
}

func (r *attemptRun) monitorBurn(ctx context.Context, abort chan<- string) {
	ticker := time.NewTicker(r.controller.burnInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := r.evaluator.Sample(ctx)
			if err != nil {
				r.controller.logger.Warn("attempt %s: burn-rate sample failed: %v", r.attempt.ID, err)
				continue
			}
			r.appendBurnSample(*sample)
			logging.BurnSample(string(r.attempt.ID), sample.AvailabilityBurn, string(sample.Classification))

			if sample.Classification == interfaces.BurnCritical {
				select {
				case abort <- fmt.Sprintf("critical burn rate %.1f", sample.AvailabilityBurn):
				default:
				}
				return
			}
		}
	}
}

// rollBack recovers a failed stage: restore the snapshot, then re-verify the
// restored version before claiming ROLLED_BACK. The in-flight failure is
// reported through the record's outcome, never as a raw error. Rollback runs
// on a context detached from the caller's so cancellation of the attempt
// cannot strand a half-shifted backend.
func (r *attemptRun) rollBack(ctx context.Context, cause error) *interfaces.RolloutAttempt {
	r.recordError(cause)
	r.controller.eventBus.PublishError(string(r.attempt.ID), cause)
	r.controller.logger.Warn("attempt %s: %v, rolling back to %s",
		r.attempt.ID, cause, r.attempt.PreviousVersionRef)

	r.transition(interfaces.StateRollingBack)
	rctx := context.WithoutCancel(ctx)

	if err := r.rollbackMgr.Restore(rctx); err != nil {
		r.recordError(ensureCode(err, ErrCodeRestoreFailed,
			"restoring %s", r.attempt.PreviousVersionRef))
		r.finish(interfaces.StateFailed, interfaces.OutcomeRollbackFailed)
		return r.snapshotRecord()
	}

	result, err := r.verifier.Verify(rctx, r.req.HealthEndpoints)
	if result != nil {
		r.appendHealthResults(result.Results)
	}
	if err != nil {
		r.recordError(ensureCode(err, ErrCodeRestoreFailed,
			"restored version %s failed re-verification", r.attempt.PreviousVersionRef))
		r.finish(interfaces.StateFailed, interfaces.OutcomeRollbackFailed)
		return r.snapshotRecord()
	}

	r.finish(interfaces.StateRolledBack, interfaces.OutcomeRolledBack)
	return r.snapshotRecord()
}

// fail terminates a pre-mutation attempt directly, without rollback
func (r *attemptRun) fail(err error) {
	r.recordError(err)
	r.controller.eventBus.PublishError(string(r.attempt.ID), err)
	r.finish(interfaces.StateFailed, interfaces.OutcomeRollbackFailed)
}

// transition advances the state machine. Terminal states are never left.
func (r *attemptRun) transition(to interfaces.RolloutState) {
	r.mu.Lock()
	from := r.attempt.State
	if from.Terminal() {
		r.mu.Unlock()
		r.controller.logger.Error("attempt %s: refusing transition %s -> %s after terminal state",
			r.attempt.ID, from, to)
		return
	}
	r.attempt.State = to
	r.mu.Unlock()

	r.controller.eventBus.PublishStateChange(string(r.attempt.ID), from, to)
	r.persist()
}

// finish seals the attempt: terminal state, outcome set exactly once, end
// timestamp, final persist. Result events are the executor's to publish; it
// keys them by the queue's rollout ID, which this run never sees.
func (r *attemptRun) finish(state interfaces.RolloutState, outcome interfaces.RolloutOutcome) {
	r.transition(state)

	r.mu.Lock()
	if r.attempt.Outcome == "" {
		r.attempt.Outcome = outcome
	}
	now := time.Now().UTC()
	r.attempt.EndedAt = &now
	sealed := r.attempt.Outcome
	healthProbes := len(r.attempt.HealthResults)
	burnSamples := len(r.attempt.BurnRateSamples)
	r.mu.Unlock()

	r.persist()
	r.controller.logger.Info("attempt %s: finished %s outcome=%s probes=%d burn_samples=%d",
		r.attempt.ID, state, sealed, healthProbes, burnSamples)
}

func (r *attemptRun) recordError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.attempt.LastError = err.Error()
	r.mu.Unlock()
}

func (r *attemptRun) appendHealthResults(results []interfaces.HealthProbeResult) {
	if len(results) == 0 {
		return
	}
	r.mu.Lock()
	r.attempt.HealthResults = append(r.attempt.HealthResults, results...)
	r.mu.Unlock()
}

func (r *attemptRun) appendBurnSample(sample interfaces.BurnRateSample) {
	r.mu.Lock()
	r.attempt.BurnRateSamples = append(r.attempt.BurnRateSamples, sample)
	r.mu.Unlock()
}

// snapshotRecord returns a deep copy of the attempt for callers
func (r *attemptRun) snapshotRecord() *interfaces.RolloutAttempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt.Clone()
}

// persist saves the current record if a store is configured. Storage trouble
// is logged, not fatal: losing a checkpoint must not fail a live rollout.
func (r *attemptRun) persist() {
	if r.controller.records == nil {
		return
	}
	record := r.snapshotRecord()
	data, err := json.Marshal(record)
	if err != nil {
		r.controller.logger.Warn("attempt %s: serializing record failed: %v", r.attempt.ID, err)
		return
	}
	if err := r.controller.records.SaveAttemptRecord(r.persistCtx, string(record.ID), data); err != nil {
		r.controller.logger.Warn("attempt %s: persisting record failed: %v", r.attempt.ID, err)
	}
}
