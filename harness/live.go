package harness

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/telemetry"
)

type (
	// Gateway is the live exchange gateway contract. The pipeline only
	// consumes this envelope; the gateway's internals are an external
	// collaborator.
	Gateway interface {
		// Health probes liveness and returns the probe latency in
		// milliseconds.
		Health(ctx context.Context) (float64, error)
		// Quote prices the proposed position. With Simulate set it must not
		// move capital.
		Quote(ctx context.Context, req QuoteRequest) (episode.QuoteResult, error)
		// Execute opens the position for a previously simulated quote.
		Execute(ctx context.Context, req ExecuteRequest) (ExecutionReport, error)
	}

	// QuoteRequest asks the gateway to price a position.
	QuoteRequest struct {
		Chain        string  `json:"chain"`
		Network      string  `json:"network"`
		PoolAddress  string  `json:"pool_address"`
		OrderSizeUSD float64 `json:"order_size_usd"`
		SpreadBps    float64 `json:"spread_bps"`
		Simulate     bool    `json:"simulate"`
	}

	// ExecuteRequest opens the position quoted by Quote.
	ExecuteRequest struct {
		Quote    QuoteRequest        `json:"quote"`
		Accepted episode.QuoteResult `json:"accepted"`
	}

	// ExecutionReport is the gateway's account of an executed episode.
	ExecutionReport struct {
		PnLUSD         float64        `json:"pnl_usd"`
		FeesUSD        float64        `json:"fees_usd"`
		GasCostUSD     float64        `json:"gas_cost_usd"`
		TradeCount     int            `json:"trade_count"`
		RebalanceCount int            `json:"rebalance_count"`
		PositionAfter  map[string]any `json:"position_after,omitempty"`
		LatencyMS      float64        `json:"latency_ms"`
	}

	// LiveExecutor drives the quote-then-execute pattern against a gateway.
	LiveExecutor struct {
		gateway          Gateway
		gasCeiling       int64
		riskAcknowledged bool
		logger           telemetry.Logger
	}
)

// quoteAttempts bounds retries of the simulation quote; reverts are not
// retried, only transport errors.
const quoteAttempts = 3

// Execute runs the live path: quote with simulate=true, gate on the quote
// outcome, then execute. Reverts and safety blocks produce a skipped result;
// a hard gateway error during execution is returned for the orchestrator's
// failure path.
func (e *LiveExecutor) Execute(ctx context.Context, p episode.Proposal, runID string) (episode.Result, error) {
	res := episode.Result{
		EpisodeID:   p.EpisodeID,
		RunID:       runID,
		ExecMode:    episode.ModeReal,
		Connector:   p.Connector,
		Chain:       p.Chain,
		Network:     p.Network,
		PoolAddress: p.PoolAddress,
		ParamsUsed:  p.Params,
	}

	req := QuoteRequest{
		Chain:        p.Chain,
		Network:      p.Network,
		PoolAddress:  p.PoolAddress,
		OrderSizeUSD: p.Params.OrderSizeUSD,
		SpreadBps:    p.Params.SpreadBps,
		Simulate:     true,
	}

	quote, err := e.quoteWithRetry(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			res.Status = episode.StatusFailed
			res.Error = "quote timed out"
			return res, nil
		}
		res.Status = episode.StatusSkipped
		res.Error = fmt.Sprintf("quote failed: %v", err)
		return res, nil
	}
	res.Simulation = &quote

	if reason := e.gateQuote(quote); reason != "" {
		res.Status = episode.StatusSkipped
		res.Error = reason
		return res, nil
	}

	if !e.riskAcknowledged {
		res.Status = episode.StatusSkipped
		res.Error = "risk not acknowledged; stopping after quote simulation"
		return res, nil
	}

	report, err := e.gateway.Execute(ctx, ExecuteRequest{Quote: req, Accepted: quote})
	if err != nil {
		return episode.Result{}, fmt.Errorf("gateway execute: %w", err)
	}

	res.Status = episode.StatusSuccess
	res.PnLUSD = report.PnLUSD
	res.FeesUSD = report.FeesUSD
	res.GasCostUSD = report.GasCostUSD
	res.TradeCount = report.TradeCount
	res.RebalanceCount = report.RebalanceCount
	res.PositionAfter = report.PositionAfter
	res.LatencyMS = &report.LatencyMS
	res.Sim = &episode.SimEnvelope{Source: "live", Steps: 1}
	return res, nil
}

// quoteWithRetry retries transient quote failures. A quote that returns a
// well-formed unsuccessful result is a revert, not a transport error, and is
// not retried.
func (e *LiveExecutor) quoteWithRetry(ctx context.Context, req QuoteRequest) (episode.QuoteResult, error) {
	var quote episode.QuoteResult
	err := retry.Do(
		func() error {
			q, err := e.gateway.Quote(ctx, req)
			if err != nil {
				return err
			}
			quote = q
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(quoteAttempts),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return quote, err
}

// gateQuote applies the safety gate to a simulated quote: the simulation
// must succeed with non-zero output and the gas estimate must be within the
// configured ceiling.
func (e *LiveExecutor) gateQuote(q episode.QuoteResult) string {
	if !q.Success || !q.SimulationSuccess {
		if q.Error != "" {
			return fmt.Sprintf("quote simulation reverted: %s", q.Error)
		}
		return "quote simulation reverted"
	}
	if q.AmountOut == nil || *q.AmountOut <= 0 {
		return "quote simulation returned zero output"
	}
	if e.gasCeiling > 0 && q.GasEstimate != nil && *q.GasEstimate > e.gasCeiling {
		return fmt.Sprintf("gas estimate %d exceeds ceiling %d", *q.GasEstimate, e.gasCeiling)
	}
	return ""
}
