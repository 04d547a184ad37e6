// Package health implements bounded-retry verification of application
// health endpoints. Verification runs in rounds: all endpoints are probed
// concurrently, and a round passes only if every critical endpoint responds
// successfully. The number of rounds and the total duration are both hard
// bounds so a stuck rollout can never block its controller forever.
package health

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rollgate/rollgate/internal/interfaces"
	"github.com/rollgate/rollgate/pkg/logging"
)

// ErrExhausted indicates no passing round occurred within the verification
// bounds. The caller maps this to its own failure taxonomy.
var ErrExhausted = errors.New("health verification exhausted")

// Verifier polls health endpoints in bounded rounds
type Verifier struct {
	baseURL        string
	client         *http.Client
	logger         *logging.Logger
	maxAttempts    int
	interval       time.Duration
	overallTimeout time.Duration
	probeTimeout   time.Duration
}

// Option configures a Verifier
type Option func(*Verifier)

// WithHTTPClient sets the HTTP client used for probes
func WithHTTPClient(client *http.Client) Option {
	return func(v *Verifier) {
		if client != nil {
			v.client = client
		}
	}
}

// WithMaxAttempts bounds the number of verification rounds
func WithMaxAttempts(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxAttempts = n
		}
	}
}

// WithInterval sets the delay between rounds
func WithInterval(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithOverallTimeout caps the entire verification run
func WithOverallTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.overallTimeout = d
		}
	}
}

// WithProbeTimeout caps a single endpoint probe
func WithProbeTimeout(d time.Duration) Option {
	return func(v *Verifier) {
		if d > 0 {
			v.probeTimeout = d
		}
	}
}

// NewVerifier creates a verifier that probes endpoint paths relative to
// baseURL. Unset options fall back to the package defaults (30 rounds,
// 10s interval, 5m overall, 10s per probe).
func NewVerifier(baseURL string, opts ...Option) *Verifier {
	v := &Verifier{
		baseURL:        strings.TrimRight(baseURL, "/"),
		logger:         logging.NewLogger("health-verifier"),
		maxAttempts:    interfaces.DefaultHealthMaxAttempts,
		interval:       interfaces.DefaultHealthInterval,
		overallTimeout: interfaces.DefaultHealthOverallTimeout,
		probeTimeout:   interfaces.DefaultHealthProbeTimeout,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.client == nil {
		// Per-probe contexts carry the timeout, the client stays unbounded
		v.client = &http.Client{}
	}
	return v
}

// Verify runs verification rounds until one passes, the round budget is
// spent, or the overall timeout elapses, whichever comes first. The returned
// result always carries the full probe log, including on failure.
func (v *Verifier) Verify(ctx context.Context, endpoints []interfaces.HealthEndpoint) (*interfaces.VerificationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, v.overallTimeout)
	defer cancel()

	result := &interfaces.VerificationResult{}
	for round := 1; round <= v.maxAttempts; round++ {
		probes := v.probeRound(ctx, round, endpoints)
		result.Results = append(result.Results, probes...)
		result.Rounds = round

		if roundPassing(probes) {
			result.Passing = true
			v.logger.Debug("round %d passing after %d probes", round, len(probes))
			return result, nil
		}
		v.logger.Debug("round %d failing", round)

		if round == v.maxAttempts {
			break
		}
		if !v.waitInterval(ctx) {
			break
		}
	}

	return result, fmt.Errorf("%w: no passing round in %d rounds", ErrExhausted, result.Rounds)
}

// probeRound probes every endpoint concurrently. Slow endpoints do not stall
// fast ones; each probe has an independent timeout.
func (v *Verifier) probeRound(ctx context.Context, round int, endpoints []interfaces.HealthEndpoint) []interfaces.HealthProbeResult {
	results := make([]interfaces.HealthProbeResult, len(endpoints))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep interfaces.HealthEndpoint) {
			defer wg.Done()
			results[i] = v.probe(ctx, round, ep)
		}(i, ep)
	}
	wg.Wait()

	return results
}

// probe performs a single GET against one endpoint
func (v *Verifier) probe(ctx context.Context, round int, ep interfaces.HealthEndpoint) interfaces.HealthProbeResult {
	result := interfaces.HealthProbeResult{
		Endpoint:  ep.Path,
		Critical:  ep.Critical(),
		Round:     round,
		Timestamp: time.Now(),
		Outcome:   interfaces.ProbeFail,
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, v.baseURL+ep.Path, nil)
	if err != nil {
		result.Detail = err.Error()
		return result
	}

	start := time.Now()
	resp, err := v.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Detail = err.Error()
		return result
	}
	defer func() { _ = resp.Body.Close() }()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		result.Outcome = interfaces.ProbePass
	} else {
		result.Detail = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

// waitInterval sleeps for the round interval, returning false if the context
// expires first
func (v *Verifier) waitInterval(ctx context.Context) bool {
	timer := time.NewTimer(v.interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// roundPassing reports whether every critical probe in the round passed.
// Informational probes are recorded but never fail a round. A round with no
// critical endpoints passes vacuously.
func roundPassing(probes []interfaces.HealthProbeResult) bool {
	for _, p := range probes {
		if p.Critical && p.Outcome != interfaces.ProbePass {
			return false
		}
	}
	return true
}
