// Package harness executes one episode against either the deterministic mock
// simulator or the live exchange gateway. It owns executor selection, the
// quote-then-execute safety gate, the failure taxonomy (reverts and bound
// violations skip, health failures fail) and the reward computation.
package harness

import (
	"context"
	"fmt"
	"time"

	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/telemetry"
)

type (
	// Harness drives episode execution. Construct one per process; it is
	// stateless across episodes.
	Harness struct {
		environment       string
		forceMock         bool
		allowMockFallback bool
		riskAcknowledged  bool
		gasCeiling        int64

		gateway Gateway
		mock    *MockExecutor
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// Option customizes a Harness.
	Option func(*Harness)

	// GatewayStatus reports the outcome of the pre-execution gateway probe,
	// recorded into episode metadata. Health is empty when no probe ran.
	GatewayStatus struct {
		Health    string
		LatencyMS *float64
	}
)

// New constructs a Harness. Without WithGateway the harness can only run
// mock episodes; selecting real mode then fails the episode unless mock
// fallback is allowed.
func New(environment string, opts ...Option) *Harness {
	h := &Harness{
		environment: environment,
		mock:        NewMockExecutor(),
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		now:         time.Now,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// WithForceMock always selects the mock executor regardless of environment.
func WithForceMock() Option {
	return func(h *Harness) { h.forceMock = true }
}

// WithMockFallback permits degrading real mode to mock when the gateway is
// unhealthy.
func WithMockFallback() Option {
	return func(h *Harness) { h.allowMockFallback = true }
}

// WithRiskAcknowledged enables capital-at-risk execution. Without it the
// live path stops after a successful quote simulation.
func WithRiskAcknowledged() Option {
	return func(h *Harness) { h.riskAcknowledged = true }
}

// WithGateway wires the live exchange gateway.
func WithGateway(gw Gateway) Option {
	return func(h *Harness) { h.gateway = gw }
}

// WithGasCeiling rejects quotes whose gas estimate exceeds the ceiling.
func WithGasCeiling(ceiling int64) Option {
	return func(h *Harness) { h.gasCeiling = ceiling }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(h *Harness) { h.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(h *Harness) { h.metrics = m }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(h *Harness) { h.now = now }
}

// Execute runs one episode for the proposal. Reverts, failed quote
// simulations and safety gates produce a skipped result; gateway health
// failures produce a failed result; only infrastructure errors (artifact
// level, cancelled context) return a non-nil error for the orchestrator's
// failure path. The result always carries the exec mode actually used.
func (h *Harness) Execute(ctx context.Context, p episode.Proposal, runID string, seed int64, regime string) (episode.Result, GatewayStatus, error) {
	started := h.now()

	if p.Status == episode.ProposalSkipped {
		res := h.baseResult(p, runID, episode.ModeMock)
		res.Status = episode.StatusSkipped
		res.Error = p.SkipReason
		return res, GatewayStatus{}, nil
	}

	mode, status, reason := h.selectMode(ctx)
	var (
		res episode.Result
		err error
	)
	switch {
	case mode == episode.ModeMock:
		res = h.mock.Execute(p, runID, seed, regime)
		if reason != "" {
			res.Errors = append(res.Errors, reason)
		}
	case reason != "":
		// Real mode requested, gateway unhealthy, no fallback permitted.
		res = h.baseResult(p, runID, episode.ModeReal)
		res.Status = episode.StatusFailed
		res.Error = reason
	default:
		live := &LiveExecutor{
			gateway:          h.gateway,
			gasCeiling:       h.gasCeiling,
			riskAcknowledged: h.riskAcknowledged,
			logger:           h.logger,
		}
		res, err = live.Execute(ctx, p, runID)
	}
	if err != nil {
		return episode.Result{}, status, err
	}

	res.Timestamp = episode.NowUTC(h.now())
	dur := h.now().Sub(started)
	h.metrics.RecordTimer("harness.execute", dur, "exec_mode", string(res.ExecMode))
	h.metrics.IncCounter("harness.episodes", 1, "status", string(res.Status))
	h.logger.Info(ctx, "episode executed",
		"episode_id", p.EpisodeID, "exec_mode", string(res.ExecMode),
		"status", string(res.Status), "duration_ms", dur.Milliseconds())
	return res, status, nil
}

// selectMode applies the executor selection rules: force-mock wins, mock
// environment is always mock, real mode requires a healthy gateway and may
// degrade to mock only when fallback is permitted. The returned reason is
// non-empty when a degradation or hard failure occurred.
func (h *Harness) selectMode(ctx context.Context) (episode.ExecMode, GatewayStatus, string) {
	if h.forceMock || h.environment != "real" {
		return episode.ModeMock, GatewayStatus{}, ""
	}
	status := h.probeGateway(ctx)
	if status.Health == gatewayHealthy {
		return episode.ModeReal, status, ""
	}
	if h.allowMockFallback {
		return episode.ModeMock, status, "gateway unhealthy, degraded to mock"
	}
	return episode.ModeReal, status, fmt.Sprintf("gateway unhealthy: %s", status.Health)
}

const (
	gatewayHealthy     = "healthy"
	gatewayUnhealthy   = "unhealthy"
	gatewayUnavailable = "unavailable"
)

func (h *Harness) probeGateway(ctx context.Context) GatewayStatus {
	if h.gateway == nil {
		return GatewayStatus{Health: gatewayUnavailable}
	}
	latency, err := h.gateway.Health(ctx)
	if err != nil {
		h.logger.Warn(ctx, "gateway health probe failed", "err", err.Error())
		return GatewayStatus{Health: gatewayUnhealthy}
	}
	return GatewayStatus{Health: gatewayHealthy, LatencyMS: &latency}
}

func (h *Harness) baseResult(p episode.Proposal, runID string, mode episode.ExecMode) episode.Result {
	return episode.Result{
		EpisodeID:   p.EpisodeID,
		RunID:       runID,
		Timestamp:   episode.NowUTC(h.now()),
		ExecMode:    mode,
		Connector:   p.Connector,
		Chain:       p.Chain,
		Network:     p.Network,
		PoolAddress: p.PoolAddress,
		ParamsUsed:  p.Params,
	}
}
