// Package intel is the cache-first intelligence facade consumed by the agent
// and the harness. Accessors read quality-tagged envelopes from the cache
// store, never the network: a miss returns defaults tagged missing and may
// append an advisory trigger for the background scheduler. Every access is
// recorded into a per-instance snapshot that the harness writes to episode
// metadata.
package intel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/registry"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/trigger"
)

type (
	// Intel serves cached analytics to one episode. Create a fresh instance
	// per episode so snapshots do not bleed across episodes.
	Intel struct {
		store    qualitykv.Store
		triggers *trigger.Log
		logger   telemetry.Logger
		now      func() time.Time

		mu       sync.Mutex
		snapshot map[string]qualitykv.Record
		inputs   map[string]any
	}

	// Option customizes an Intel instance.
	Option func(*Intel)

	// GasRegime is the current gas picture.
	GasRegime struct {
		MedianGwei  float64 `json:"median_gwei"`
		FastGwei    float64 `json:"fast_gwei"`
		OptimalHour int     `json:"optimal_hour"`
	}

	// PoolMetrics summarizes pool activity over a window.
	PoolMetrics struct {
		AvgLiquidity float64 `json:"avg_liquidity"`
		TotalVolume0 float64 `json:"total_volume0"`
		TotalVolume1 float64 `json:"total_volume1"`
		SwapCount    int     `json:"swap_count"`
		Price        float64 `json:"price"`
	}

	// HealthScore is the composite pool health metric.
	HealthScore struct {
		Score  float64 `json:"score"`
		Status string  `json:"status"`
	}

	// RangeHint is the automated rebalancing signal.
	RangeHint struct {
		Action     string  `json:"action"`
		Confidence float64 `json:"confidence"`
	}

	// MEVRisk reports sandwich-attack exposure for a pool.
	MEVRisk struct {
		RiskLevel     string `json:"risk_level"`
		SandwichCount int    `json:"sandwich_count"`
	}

	// WhaleSentiment reports large-wallet flow for a pair.
	WhaleSentiment struct {
		NetFlowUSD  float64 `json:"net_flow_usd"`
		WhaleTrades int     `json:"whale_trades"`
	}

	// LiquidityLevel is one tick bucket of the liquidity heatmap.
	LiquidityLevel struct {
		Tick      int     `json:"tick"`
		Liquidity float64 `json:"liquidity"`
	}

	// Observation bundles the gating queries consulted before every
	// decision, plus the derived volatility and regime classification.
	Observation struct {
		Gas        GasRegime
		Metrics    PoolMetrics
		Volatility float64
		MEV        MEVRisk
		Hint       RangeHint
		Health     HealthScore
		Regime     string
	}

	// Hygiene aggregates snapshot quality counts. Derivable from the
	// snapshot; stored in metadata for convenience.
	Hygiene struct {
		TotalQueries    int     `json:"total_queries"`
		Fresh           int     `json:"fresh"`
		Stale           int     `json:"stale"`
		MissingOrTooOld int     `json:"missing_or_too_old"`
		FreshPct        float64 `json:"fresh_pct"`
	}
)

// New constructs an Intel facade over store.
func New(store qualitykv.Store, opts ...Option) *Intel {
	i := &Intel{
		store:    store,
		logger:   telemetry.NewNoopLogger(),
		now:      time.Now,
		snapshot: make(map[string]qualitykv.Record),
		inputs:   make(map[string]any),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// WithTriggerLog lets accessors request background refreshes for keys they
// found missing or too old.
func WithTriggerLog(l *trigger.Log) Option {
	return func(i *Intel) { i.triggers = l }
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(i *Intel) { i.logger = logger }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Intel) { i.now = now }
}

// GetGasRegime returns the cached gas picture.
func (i *Intel) GetGasRegime(ctx context.Context) (GasRegime, qualitykv.Record) {
	var out GasRegime
	rec := i.lookup(ctx, "gas_regime", nil, "", "", &out)
	return out, rec
}

// GetPoolHealth returns cached pool metrics for the window.
func (i *Intel) GetPoolHealth(ctx context.Context, pool, pair string, window Window) (PoolMetrics, qualitykv.Record) {
	var out PoolMetrics
	rec := i.lookup(ctx, "pool_metrics", map[string]string{"pool": pool, "window": string(window)}, pool, pair, &out)
	return out, rec
}

// GetVolatility derives annualized volatility from the cached swap stream
// for the pair. The snapshot records both the underlying swaps query and the
// derived volatility entry, sharing the swaps envelope's freshness.
func (i *Intel) GetVolatility(ctx context.Context, pair string, window Window) (float64, qualitykv.Record) {
	var rows []swapRow
	rec := i.lookup(ctx, "swaps_for_pair", map[string]string{"pair": pair, "window": string(window)}, "", pair, &rows)
	vol := 0.0
	if usable(rec) {
		vol = annualizedVolatility(rows, window)
	}
	i.record(snapshotKey("volatility", pair, string(window)), rec)
	i.recordInput("volatility", vol)
	return vol, rec
}

// GetLiquidityHeatmap returns the cached tick-by-tick liquidity distribution.
func (i *Intel) GetLiquidityHeatmap(ctx context.Context, pool string) ([]LiquidityLevel, qualitykv.Record) {
	var out []LiquidityLevel
	rec := i.lookup(ctx, "liquidity_depth", map[string]string{"pool": pool}, pool, "", &out)
	return out, rec
}

// GetMEVRisk returns the cached MEV exposure for the pool.
func (i *Intel) GetMEVRisk(ctx context.Context, pool string) (MEVRisk, qualitykv.Record) {
	var out MEVRisk
	rec := i.lookup(ctx, "mev_risk", map[string]string{"pool": pool}, pool, "", &out)
	return out, rec
}

// GetWhaleSentiment returns cached large-wallet flow for the pair.
func (i *Intel) GetWhaleSentiment(ctx context.Context, pair string) (WhaleSentiment, qualitykv.Record) {
	var out WhaleSentiment
	rec := i.lookup(ctx, "whale_sentiment", map[string]string{"pair": pair}, "", pair, &out)
	return out, rec
}

// GetPoolHealthScore returns the cached composite health score.
func (i *Intel) GetPoolHealthScore(ctx context.Context, pool string) (HealthScore, qualitykv.Record) {
	var out HealthScore
	rec := i.lookup(ctx, "pool_health_score", map[string]string{"pool": pool}, pool, "", &out)
	return out, rec
}

// GetRangeHint returns the cached rebalancing signal.
func (i *Intel) GetRangeHint(ctx context.Context, pool string) (RangeHint, qualitykv.Record) {
	var out RangeHint
	rec := i.lookup(ctx, "rebalance_hint", map[string]string{"pool": pool}, pool, "", &out)
	return out, rec
}

// GetDynamicConfig returns the cached dynamic strategy configuration.
func (i *Intel) GetDynamicConfig(ctx context.Context) (map[string]any, qualitykv.Record) {
	var out map[string]any
	rec := i.lookup(ctx, "dynamic_config", nil, "", "", &out)
	return out, rec
}

// Observe runs the gating query set for a decision: gas regime, pool
// metrics, volatility (via swaps), MEV risk, rebalance hint and health
// score. The resulting snapshot holds exactly seven entries on a fresh
// instance.
func (i *Intel) Observe(ctx context.Context, pool, pair string, window Window) Observation {
	var obs Observation
	obs.Gas, _ = i.GetGasRegime(ctx)
	obs.Metrics, _ = i.GetPoolHealth(ctx, pool, pair, window)
	obs.Volatility, _ = i.GetVolatility(ctx, pair, window)
	obs.MEV, _ = i.GetMEVRisk(ctx, pool)
	obs.Hint, _ = i.GetRangeHint(ctx, pool)
	obs.Health, _ = i.GetPoolHealthScore(ctx, pool)
	obs.Regime = classifyRegime(obs.Volatility, obs.Metrics.AvgLiquidity)
	i.recordInput("regime", obs.Regime)
	return obs
}

// Snapshot returns a copy of the per-query freshness records accumulated so
// far, keyed by snapshot key (method, scoping parameters and window joined
// by colons).
func (i *Intel) Snapshot() map[string]qualitykv.Record {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]qualitykv.Record, len(i.snapshot))
	for k, v := range i.snapshot {
		out[k] = v
	}
	return out
}

// Inputs returns a copy of the domain values consumed so far, for the
// metadata intel_inputs record.
func (i *Intel) Inputs() map[string]any {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make(map[string]any, len(i.inputs))
	for k, v := range i.inputs {
		out[k] = v
	}
	return out
}

// ComputeHygiene aggregates a snapshot into the hygiene summary. fresh_pct
// is rounded to one decimal.
func ComputeHygiene(snapshot map[string]qualitykv.Record) Hygiene {
	h := Hygiene{TotalQueries: len(snapshot)}
	for _, rec := range snapshot {
		switch rec.Quality {
		case qualitykv.QualityFresh:
			h.Fresh++
		case qualitykv.QualityStale:
			h.Stale++
		default:
			h.MissingOrTooOld++
		}
	}
	if h.TotalQueries > 0 {
		h.FreshPct = round1(100 * float64(h.Fresh) / float64(h.TotalQueries))
	}
	return h
}

// Hygiene summarizes the instance's snapshot.
func (i *Intel) Hygiene() Hygiene {
	return ComputeHygiene(i.Snapshot())
}

// lookup resolves one query against the cache: classify the envelope,
// record the snapshot entry, decode the payload into out when the envelope
// is servable (fresh or stale) and request a refresh otherwise. It never
// touches the network.
func (i *Intel) lookup(ctx context.Context, queryKey string, params map[string]string, pool, pair string, out any) qualitykv.Record {
	snapKey := snapshotKey(queryKey, pool, pickPair(queryKey, pair), windowOf(params))

	desc, ok := registry.Lookup(queryKey)
	if !ok {
		rec := qualitykv.MissingRecord()
		i.record(snapKey, rec)
		return rec
	}

	cacheKey := qualitykv.Key(queryKey, params)
	env, found, err := i.store.Get(ctx, cacheKey)
	if err != nil {
		i.logger.Warn(ctx, "intel cache read failed", "key", cacheKey, "err", err.Error())
		found = false
	}

	rec := qualitykv.MissingRecord()
	if found {
		rec = env.RecordAt(i.now(), desc.TTL, desc.MaxAge)
	}
	i.record(snapKey, rec)

	if usable(rec) {
		if out != nil && len(env.Data) > 0 {
			if err := decodeRows(env.Data, out); err != nil {
				i.logger.Warn(ctx, "intel payload decode failed", "key", cacheKey, "err", err.Error())
			} else if queryKey != "swaps_for_pair" {
				// Raw swap streams are too bulky for the inputs record; the
				// derived volatility is recorded instead.
				i.recordInput(queryKey, json.RawMessage(env.Data))
			}
		}
		return rec
	}

	i.requestRefresh(ctx, queryKey, pool, pair)
	return rec
}

// requestRefresh appends an advisory trigger for a missing or too-old key.
// Best effort: a failed append is logged, never surfaced to the episode.
func (i *Intel) requestRefresh(ctx context.Context, queryKey, pool, pair string) {
	if i.triggers == nil {
		return
	}
	t := trigger.Trigger{Reason: "cache_miss:" + queryKey, Pool: pool, Pair: pair}
	if err := i.triggers.Append(t); err != nil {
		i.logger.Warn(ctx, "trigger append failed", "query", queryKey, "err", err.Error())
	}
}

func (i *Intel) record(snapKey string, rec qualitykv.Record) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.snapshot[snapKey] = rec
}

func (i *Intel) recordInput(name string, v any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.inputs[name] = v
}

// usable reports whether an envelope may be served. Too-old data is
// withheld and treated like a miss by callers.
func usable(rec qualitykv.Record) bool {
	return rec.Quality == qualitykv.QualityFresh || rec.Quality == qualitykv.QualityStale
}

// snapshotKey joins the query key with its scoping parts using colons,
// omitting empty parts: "gas_regime", "mev_risk:0xABC",
// "pool_metrics:0xABC:1h".
func snapshotKey(queryKey string, parts ...string) string {
	key := queryKey
	for _, p := range parts {
		if p != "" {
			key += ":" + p
		}
	}
	return key
}

// pickPair keeps the pair out of pool-scoped snapshot keys.
func pickPair(queryKey, pair string) string {
	desc, ok := registry.Lookup(queryKey)
	if !ok || desc.Scope != registry.ScopePair {
		return ""
	}
	return pair
}

func windowOf(params map[string]string) string {
	return params["window"]
}

// decodeRows unmarshals a rows payload into out. Single-object accessors
// receive the first row; slice accessors receive all rows.
func decodeRows(data json.RawMessage, out any) error {
	switch out.(type) {
	case *[]swapRow, *[]LiquidityLevel:
		return json.Unmarshal(data, out)
	}
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		// Not an array; try the payload directly.
		return json.Unmarshal(data, out)
	}
	if len(rows) == 0 {
		return nil
	}
	return json.Unmarshal(rows[0], out)
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}
