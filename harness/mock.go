package harness

import (
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/quantslab/clmmlab/episode"
)

// MockExecutor simulates one episode with a regime-parameterized tick path.
// Output depends only on (seed, proposal, regime), so repeated invocations
// with identical inputs produce identical results; wall-clock fields are
// left for the harness to stamp.
type MockExecutor struct {
	steps int
}

// NewMockExecutor constructs a MockExecutor with the default path length.
func NewMockExecutor() *MockExecutor {
	return &MockExecutor{steps: 500}
}

// process holds the stochastic parameters of one tick-path generator.
type process struct {
	name     string
	kappa    float64 // mean reversion strength toward the entry price
	drift    float64 // per-step directional drift
	sigma    float64 // per-step volatility
	jumpProb float64 // probability of a discrete jump per step
	jumpSize float64 // relative jump magnitude
}

var processes = map[string]process{
	"mean_revert": {name: "mean_revert", kappa: 0.05, sigma: 0.0010},
	"trend":       {name: "trend", drift: 0.0004, sigma: 0.0015},
	"jumpy":       {name: "jumpy", sigma: 0.0010, jumpProb: 0.02, jumpSize: 0.010},
}

// processFor maps a regime key onto a tick-path process. Regime keys from
// the intelligence layer classify volatility and liquidity; explicit process
// names are accepted as-is for replay.
func processFor(regime string) process {
	if p, ok := processes[regime]; ok {
		return p
	}
	switch regime {
	case "high_vol_low_liquidity":
		return processes["jumpy"]
	case "high_vol_high_liquidity":
		return processes["trend"]
	default:
		return processes["mean_revert"]
	}
}

// gasPerRebalanceUSD approximates the cost of re-centering a position.
const gasPerRebalanceUSD = 12.0

// Execute simulates the proposal and returns the result. The Timestamp
// field is left zero for the caller to stamp.
func (e *MockExecutor) Execute(p episode.Proposal, runID string, seed int64, regime string) episode.Result {
	proc := processFor(regime)
	rng := rand.New(rand.NewSource(deriveSeed(seed, p, proc.name)))

	var (
		price     = 1.0
		center    = 1.0
		halfRange = p.Params.RangeWidthBps / 2e4
		threshold = p.Params.RebalanceThresholdBps / 1e4
		feeRate   = p.Params.SpreadBps / 1e4

		fees, gas     float64
		trades        int
		rebalances    int
		oorSteps      int
		peak, maxDraw float64
	)

	for step := 0; step < e.steps; step++ {
		shock := rng.NormFloat64() * proc.sigma
		price *= 1 + proc.kappa*(1-price) + proc.drift + shock
		if proc.jumpProb > 0 && rng.Float64() < proc.jumpProb {
			sign := 1.0
			if rng.Float64() < 0.5 {
				sign = -1
			}
			price *= 1 + sign*proc.jumpSize
		}

		deviation := math.Abs(price/center - 1)
		if deviation <= halfRange {
			volume := p.Params.OrderSizeUSD * (0.05 + 0.10*rng.Float64())
			fees += volume * feeRate
			trades++
		} else {
			oorSteps++
		}
		if deviation > threshold {
			center = price
			rebalances++
			gas += gasPerRebalanceUSD
		}

		equity := impermanentLoss(p.Params.OrderSizeUSD, price) + fees - gas
		if equity > peak {
			peak = equity
		}
		if draw := peak - equity; draw > maxDraw {
			maxDraw = draw
		}
	}

	oor := float64(oorSteps) / float64(e.steps)
	res := episode.Result{
		EpisodeID:      p.EpisodeID,
		RunID:          runID,
		Status:         episode.StatusSuccess,
		ExecMode:       episode.ModeMock,
		Connector:      p.Connector,
		Chain:          p.Chain,
		Network:        p.Network,
		PoolAddress:    p.PoolAddress,
		ParamsUsed:     p.Params,
		PnLUSD:         round2(impermanentLoss(p.Params.OrderSizeUSD, price)),
		FeesUSD:        round2(fees),
		GasCostUSD:     round2(gas),
		MaxDrawdownUSD: round2(maxDraw),
		OutOfRangePct:  &oor,
		TradeCount:     trades,
		RebalanceCount: rebalances,
		PositionAfter: map[string]any{
			"center":   center,
			"price":    price,
			"in_range": math.Abs(price/center-1) <= halfRange,
		},
		Sim: &episode.SimEnvelope{Source: "mock:" + proc.name, Steps: e.steps},
	}
	return res
}

// impermanentLoss is the standard constant-product divergence loss of a
// position entered at price 1.0, marked at the given price. Always <= 0.
func impermanentLoss(notional, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return notional * (2*math.Sqrt(price)/(1+price) - 1)
}

// deriveSeed folds the run seed, the proposal identity and the process name
// into one rng seed. The config hash pins the parameter bundle, so any
// change to the proposal produces a different path.
func deriveSeed(seed int64, p episode.Proposal, process string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s|%s", seed, p.EpisodeID, episode.ConfigHash(p.Params), process)
	return int64(h.Sum64())
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
