// Package episode defines the data contracts exchanged between the learning
// agent, the validator, the execution harness and the artifact writer. All
// cross-boundary values are expressed with these types; their JSON encodings
// are the on-disk artifact formats and must remain stable.
package episode

import (
	"encoding/json"
	"time"
)

type (
	// Proposal is the agent's proposed pool configuration for one episode.
	// It is immutable once written to proposal.json.
	Proposal struct {
		// EpisodeID identifies the episode this proposal belongs to.
		EpisodeID string `json:"episode_id"`
		// GeneratedAt records when the agent emitted the proposal (ISO-8601 UTC).
		GeneratedAt string `json:"generated_at"`
		// Status is "active" when the proposal should be executed or "skipped"
		// when the agent gated the episode out (EV below threshold, etc.).
		Status ProposalStatus `json:"status"`
		// SkipReason explains a skipped proposal. Empty for active proposals.
		SkipReason string `json:"skip_reason,omitempty"`

		// Connector names the execution venue. Always "uniswap_v3_clmm".
		Connector string `json:"connector_execution"`
		// Chain is the target chain (e.g. "ethereum").
		Chain string `json:"chain"`
		// Network is the target network for the chain (e.g. "mainnet").
		Network string `json:"network"`
		// PoolAddress is the pool contract address. Required in real mode.
		PoolAddress string `json:"pool_address,omitempty"`

		// Params is the pool configuration bundle to execute.
		Params Params `json:"params"`

		// DecisionBasis records the inputs and rule that produced this proposal.
		DecisionBasis *DecisionBasis `json:"decision_basis,omitempty"`

		// Simulation carries the quote result when the agent pre-simulated.
		Simulation *QuoteResult `json:"simulation,omitempty"`

		// Metadata is the initial episode metadata written by the agent.
		Metadata Metadata `json:"metadata"`
	}

	// Params bundles the numeric pool configuration of a proposal.
	Params struct {
		RangeWidthBps         float64 `json:"range_width_bps"`
		RefreshIntervalSec    float64 `json:"refresh_interval_s"`
		SpreadBps             float64 `json:"spread_bps"`
		OrderSizeUSD          float64 `json:"order_size_usd"`
		RebalanceThresholdBps float64 `json:"rebalance_threshold_bps"`
		MaxPositionUSD        float64 `json:"max_position_usd"`
	}

	// DecisionBasis captures why the agent proposed what it proposed: the
	// intelligence inputs it consulted, the policy rule that fired and the
	// thresholds in effect. Stored for audit, never interpreted by the
	// pipeline.
	DecisionBasis struct {
		Inputs     map[string]any     `json:"inputs,omitempty"`
		Rule       string             `json:"rule,omitempty"`
		Thresholds map[string]float64 `json:"thresholds,omitempty"`
	}

	// Metadata is the provenance record written to metadata.json. Every
	// episode must have one regardless of outcome.
	Metadata struct {
		EpisodeID string `json:"episode_id"`
		RunID     string `json:"run_id"`
		Timestamp string `json:"timestamp"`

		ConfigHash   string `json:"config_hash"`
		AgentVersion string `json:"agent_version"`

		ExecMode ExecMode `json:"exec_mode"`
		Seed     int64    `json:"seed"`
		// RegimeKey is the market regime the agent selected for this episode.
		RegimeKey string `json:"regime_key,omitempty"`

		// LearningUpdateApplied reports whether the agent's learning state was
		// updated from this episode. When false, LearningUpdateReason says why.
		LearningUpdateApplied bool   `json:"learning_update_applied"`
		LearningUpdateReason  string `json:"learning_update_reason,omitempty"`

		GatewayHealth    string   `json:"gateway_health,omitempty"`
		GatewayLatencyMS *float64 `json:"gateway_latency_ms,omitempty"`

		Notes string `json:"notes,omitempty"`

		// Extra carries free-form provenance, notably the intel snapshot
		// ("intel_snapshot"), its hygiene summary ("intel_hygiene") and the
		// intel inputs used ("intel_inputs"). Once an episode is closed the
		// snapshot is never rewritten.
		Extra map[string]any `json:"extra"`
	}

	// Result is the harness outcome written to result.json.
	Result struct {
		EpisodeID string `json:"episode_id"`
		RunID     string `json:"run_id"`
		Timestamp string `json:"timestamp"`

		Status   ResultStatus `json:"status"`
		ExecMode ExecMode     `json:"exec_mode"`

		Connector   string `json:"connector_execution"`
		Chain       string `json:"chain"`
		Network     string `json:"network"`
		PoolAddress string `json:"pool_address,omitempty"`

		ParamsUsed Params `json:"params_used"`

		Simulation *QuoteResult `json:"simulation,omitempty"`

		PnLUSD         float64  `json:"pnl_usd"`
		FeesUSD        float64  `json:"fees_usd"`
		GasCostUSD     float64  `json:"gas_cost_usd"`
		MaxDrawdownUSD float64  `json:"max_drawdown_usd"`
		OutOfRangePct  *float64 `json:"out_of_range_pct,omitempty"`
		TradeCount     int      `json:"trade_count"`
		RebalanceCount int      `json:"rebalance_count"`

		PositionAfter map[string]any `json:"position_after,omitempty"`

		Error  string   `json:"error,omitempty"`
		Errors []string `json:"errors,omitempty"`

		LatencyMS *float64           `json:"latency_ms,omitempty"`
		TimingsMS map[string]float64 `json:"timings_ms,omitempty"`

		// Sim records where the tick path came from and per-step timings so
		// mock runs can be replayed and compared byte for byte.
		Sim *SimEnvelope `json:"sim,omitempty"`
	}

	// SimEnvelope records the provenance of a simulated execution.
	SimEnvelope struct {
		// Source identifies the tick-path generator ("mock:<regime>" or "live").
		Source string `json:"source"`
		// Steps is the number of simulated steps.
		Steps int `json:"steps"`
		// StepMS holds per-step wall timings in milliseconds.
		StepMS []float64 `json:"step_ms,omitempty"`
	}

	// QuoteResult is the outcome of a quote-then-execute simulation call.
	QuoteResult struct {
		Success           bool    `json:"success"`
		SimulationSuccess bool    `json:"simulation_success"`
		AmountOut         *int64  `json:"amount_out,omitempty"`
		GasEstimate       *int64  `json:"gas_estimate,omitempty"`
		LatencyMS         float64 `json:"latency_ms"`
		Error             string  `json:"error,omitempty"`
		// Source is "live" or "mock".
		Source string `json:"source"`
	}

	// RewardBreakdown is the learning signal derived from a result and
	// written to reward.json.
	RewardBreakdown struct {
		Total      float64            `json:"total"`
		Components map[string]float64 `json:"components"`
	}

	// Failure is the failure.json payload written on every failure path.
	// Callers may rely on it instead of parsing stderr.
	Failure struct {
		Stage        Stage          `json:"stage"`
		Error        string         `json:"error"`
		ExitCode     int            `json:"exit_code"`
		ConfigHash   string         `json:"config_hash,omitempty"`
		AgentVersion string         `json:"agent_version,omitempty"`
		ExecMode     ExecMode       `json:"exec_mode"`
		Timestamp    string         `json:"timestamp"`
		Context      map[string]any `json:"context,omitempty"`
	}

	// ProposalStatus is the closed set of proposal states.
	ProposalStatus string

	// ResultStatus is the closed set of episode outcomes. The values are
	// mutually exclusive.
	ResultStatus string

	// ExecMode selects the executor backing an episode.
	ExecMode string

	// Stage names the pipeline stage a failure originated from.
	Stage string
)

const (
	// ProposalActive marks a proposal that should be executed.
	ProposalActive ProposalStatus = "active"
	// ProposalSkipped marks a proposal the agent gated out before execution.
	ProposalSkipped ProposalStatus = "skipped"
)

const (
	// StatusSuccess indicates the episode executed to completion.
	StatusSuccess ResultStatus = "success"
	// StatusFailed indicates execution was attempted and failed.
	StatusFailed ResultStatus = "failed"
	// StatusSkipped indicates the episode was gated out cleanly (validation,
	// quote simulation or user bounds) without executing.
	StatusSkipped ResultStatus = "skipped"
)

const (
	// ModeMock runs the deterministic simulator.
	ModeMock ExecMode = "mock"
	// ModeReal runs against the live exchange gateway.
	ModeReal ExecMode = "real"
)

const (
	// StageAgent covers agent invocation failures.
	StageAgent Stage = "agent"
	// StageValidation covers proposal validation failures.
	StageValidation Stage = "validation"
	// StageHarness covers executor failures.
	StageHarness Stage = "harness"
	// StageArtifacts covers artifact read/write failures.
	StageArtifacts Stage = "artifacts"
)

// NowUTC formats t as ISO-8601 UTC with a trailing Z, the timestamp format
// used throughout the artifact bundle.
func NowUTC(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.999999Z07:00")
}

// CloneExtra deep-copies a metadata extra map so snapshot fixity cannot be
// violated by aliased mutation. JSON round-tripping keeps only encodable
// values, which is exactly the set artifacts can carry.
func CloneExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(extra)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
