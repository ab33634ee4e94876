package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
)

// MockCaller produces deterministic synthetic rows. Output depends only on
// the configured seed, the method name and the parameters, so repeated calls
// are identical and tests can assert exact payloads.
type MockCaller struct {
	seed int64
}

var _ Caller = (*MockCaller)(nil)

// NewMockCaller constructs a MockCaller with the given seed.
func NewMockCaller(seed int64) *MockCaller {
	return &MockCaller{seed: seed}
}

// Query synthesizes rows for the method. Unknown methods return a single
// generic row rather than an error so new registry entries keep working
// against the mock backend.
func (m *MockCaller) Query(_ context.Context, method string, params map[string]string) (json.RawMessage, error) {
	rng := rand.New(rand.NewSource(m.deriveSeed(method, params)))
	var rows any
	switch method {
	case "get_gas_regime":
		rows = []map[string]any{{
			"median_gwei":  10 + rng.Intn(40),
			"fast_gwei":    30 + rng.Intn(60),
			"optimal_hour": rng.Intn(24),
		}}
	case "get_swaps_for_pair":
		rows = m.swaps(rng, 40+rng.Intn(40))
	case "get_pool_metrics":
		rows = []map[string]any{{
			"avg_liquidity": 1e6 + rng.Float64()*9e6,
			"total_volume0": 1e5 + rng.Float64()*9e5,
			"total_volume1": 1e5 + rng.Float64()*9e5,
			"swap_count":    50 + rng.Intn(500),
			"price":         1500 + rng.Float64()*1500,
		}}
	case "get_pool_health_score":
		rows = []map[string]any{{
			"score":  50 + rng.Intn(50),
			"status": "healthy",
		}}
	case "get_rebalance_hint":
		rows = []map[string]any{{
			"action":     []string{"hold", "widen", "tighten", "recenter"}[rng.Intn(4)],
			"confidence": rng.Float64(),
		}}
	case "get_mev_risk":
		rows = []map[string]any{{
			"risk_level":     []string{"LOW", "MEDIUM", "HIGH"}[rng.Intn(3)],
			"sandwich_count": rng.Intn(20),
		}}
	case "get_whale_sentiment":
		rows = []map[string]any{{
			"net_flow_usd": rng.Float64()*2e6 - 1e6,
			"whale_trades": rng.Intn(30),
		}}
	case "get_liquidity_depth":
		depth := make([]map[string]any, 0, 10)
		for i := 0; i < 10; i++ {
			depth = append(depth, map[string]any{
				"tick":      -300 + 60*i,
				"liquidity": 1e5 + rng.Float64()*1e6,
			})
		}
		rows = depth
	default:
		rows = []map[string]any{{"value": rng.Float64()}}
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, &QueryError{Method: method, Err: err}
	}
	return raw, nil
}

// swaps generates a plausible swap stream with sqrt_price_x96 following a
// small random walk, enough for the volatility estimator to chew on.
func (m *MockCaller) swaps(rng *rand.Rand, n int) []map[string]any {
	price := 1.0e29 * (1 + rng.Float64())
	rows := make([]map[string]any, 0, n)
	for i := 0; i < n; i++ {
		price *= 1 + (rng.Float64()-0.5)*0.002
		rows = append(rows, map[string]any{
			"sqrt_price_x96": fmt.Sprintf("%.0f", price),
			"amount0":        rng.Float64() * 10,
			"amount1":        rng.Float64() * 20000,
			"liquidity":      1e6 + rng.Float64()*1e7,
		})
	}
	return rows
}

func (m *MockCaller) deriveSeed(method string, params map[string]string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", m.seed, method)
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "|%s=%s", k, params[k])
	}
	return int64(h.Sum64())
}
