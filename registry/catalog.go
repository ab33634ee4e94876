package registry

import (
	"sort"
	"time"
)

// catalog holds every known query. Keys, scopes, TTLs, max ages, priorities
// and default-enabled flags mirror the analytics backend's capabilities.
// The map is populated once at init and never mutated afterwards.
var catalog = map[string]Descriptor{}

// keys is the sorted key list backing stable iteration order.
var keys []string

func register(d Descriptor) {
	if d.Cost == "" {
		d.Cost = costForTTL(d.TTL)
	}
	catalog[d.Key] = d
}

func init() {
	// P0: gating (required for decisions).
	register(Descriptor{
		Key: "gas_regime", Method: "get_gas_regime", Scope: ScopeGlobal,
		TTL: 5 * time.Minute, MaxAge: 15 * time.Minute,
		Priority: P0, EnabledDefault: true,
		Description: "Current gas prices and optimal execution windows",
	})
	register(Descriptor{
		Key: "pool_health_score", Method: "get_pool_health_score", Scope: ScopePool,
		TTL: 10 * time.Minute, MaxAge: 30 * time.Minute,
		Priority: P0, EnabledDefault: true,
		Description: "Composite pool health metric",
	})
	register(Descriptor{
		Key: "rebalance_hint", Method: "get_rebalance_hint", Scope: ScopePool,
		TTL: 10 * time.Minute, MaxAge: 30 * time.Minute,
		Priority: P0, EnabledDefault: true,
		Description: "Automated rebalancing signal generator",
	})
	register(Descriptor{
		Key: "pool_metrics", Method: "get_pool_metrics", Scope: ScopePool, Windowed: true,
		TTL: 5 * time.Minute, MaxAge: 15 * time.Minute,
		Priority: P0, EnabledDefault: true,
		Description: "Volume, liquidity and price per pool and window",
	})

	// P1: shaping (improves decisions).
	register(Descriptor{
		Key: "swaps_for_pair", Method: "get_swaps_for_pair", Scope: ScopePair, Windowed: true,
		TTL: 5 * time.Minute, MaxAge: 15 * time.Minute,
		Priority: P1, EnabledDefault: true,
		Description: "Raw swap stream per pair and window",
	})
	register(Descriptor{
		Key: "dynamic_fee_analysis", Method: "get_dynamic_fee_analysis", Scope: ScopePool,
		TTL: 30 * time.Minute, MaxAge: 2 * time.Hour,
		Priority: P1, EnabledDefault: true,
		Description: "Fee tier performance and volume patterns",
	})
	register(Descriptor{
		Key: "fee_tier_optimization", Method: "get_fee_tier_optimization", Scope: ScopePool,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P1, EnabledDefault: true,
		Description: "Fee tier profitability comparison",
	})
	register(Descriptor{
		Key: "liquidity_depth", Method: "get_liquidity_depth", Scope: ScopePool,
		TTL: 6 * time.Hour, MaxAge: 24 * time.Hour,
		Priority: P1, EnabledDefault: true,
		Description: "Tick-by-tick liquidity distribution heatmap",
	})
	register(Descriptor{
		Key: "liquidity_competition", Method: "get_liquidity_competition", Scope: ScopePool,
		TTL: 6 * time.Hour, MaxAge: 24 * time.Hour,
		Priority: P1, EnabledDefault: true,
		Description: "LP concentration and competitive positioning",
	})
	register(Descriptor{
		Key: "arbitrage_opportunities", Method: "get_arbitrage_opportunities", Scope: ScopePool,
		TTL: 5 * time.Minute, MaxAge: 15 * time.Minute,
		Priority: P1, EnabledDefault: false,
		Description: "Cross-pool price discrepancies",
	})

	// P2: risk (protects capital).
	register(Descriptor{
		Key: "mev_risk", Method: "get_mev_risk", Scope: ScopePool,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P2, EnabledDefault: true,
		Description: "MEV sandwich attack frequency and protection",
	})
	register(Descriptor{
		Key: "toxic_flow_index", Method: "get_toxic_flow_index", Scope: ScopePool,
		TTL: 2 * time.Hour, MaxAge: 8 * time.Hour,
		Priority: P2, EnabledDefault: true,
		DependsOn:   []string{"swaps_for_pair"},
		Description: "Loss-versus-rebalancing (LVR) estimator",
	})
	register(Descriptor{
		Key: "jit_liquidity_monitor", Method: "get_jit_liquidity_monitor", Scope: ScopePool,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P2, EnabledDefault: true,
		Description: "Just-in-time liquidity attack detection",
	})
	register(Descriptor{
		Key: "whale_sentiment", Method: "get_whale_sentiment", Scope: ScopePair,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P2, EnabledDefault: false,
		Description: "Large wallet activity and whale trades",
	})
	register(Descriptor{
		Key: "order_impact", Method: "get_order_impact", Scope: ScopeGlobal,
		TTL: 30 * time.Minute, MaxAge: 2 * time.Hour,
		Priority: P2, EnabledDefault: false,
		Description: "Price impact predictions for order sizing",
	})
	register(Descriptor{
		Key: "execution_quality", Method: "get_execution_quality", Scope: ScopeGlobal,
		TTL: 30 * time.Minute, MaxAge: 2 * time.Hour,
		Priority: P2, EnabledDefault: false,
		Description: "Slippage, fill rates, execution metrics",
	})

	// P3: offline analytics and backtesting.
	register(Descriptor{
		Key: "impermanent_loss_tracker", Method: "get_impermanent_loss_tracker", Scope: ScopePool,
		TTL: 6 * time.Hour, MaxAge: 24 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Real-time IL calculations and historical trends",
	})
	register(Descriptor{
		Key: "cross_dex_migration", Method: "get_cross_dex_migration", Scope: ScopePool,
		TTL: 6 * time.Hour, MaxAge: 24 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Liquidity flows between DEXs",
	})
	register(Descriptor{
		Key: "correlation_matrix", Method: "get_correlation_matrix", Scope: ScopePool,
		TTL: 24 * time.Hour, MaxAge: 72 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Asset correlation analysis for diversification",
	})
	register(Descriptor{
		Key: "hook_analysis", Method: "get_hook_analysis", Scope: ScopeHook,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Uniswap V4 hook usage patterns",
	})
	register(Descriptor{
		Key: "hook_gas_performance", Method: "get_hook_gas_performance", Scope: ScopeHook,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Hook gas costs and performance benchmarks",
	})
	register(Descriptor{
		Key: "yield_farming_opportunities", Method: "get_yield_farming_opportunities", Scope: ScopeGlobal,
		TTL: 30 * time.Minute, MaxAge: 2 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Real-time APR/APY across pools",
	})
	register(Descriptor{
		Key: "portfolio_dashboard", Method: "get_portfolio_dashboard", Scope: ScopeWallet,
		TTL: 10 * time.Minute, MaxAge: 30 * time.Minute,
		Priority: P3, EnabledDefault: false,
		Description: "Wallet-level P&L and position summary",
	})
	register(Descriptor{
		Key: "backtesting_data", Method: "get_backtesting_data", Scope: ScopeGlobal,
		TTL: 24 * time.Hour, MaxAge: 72 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Historical tick data for strategy backtesting",
	})
	register(Descriptor{
		Key: "strategy_attribution", Method: "get_strategy_attribution", Scope: ScopeGlobal,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Performance breakdown by strategy",
	})
	register(Descriptor{
		Key: "portfolio_allocation", Method: "get_portfolio_allocation", Scope: ScopeGlobal,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Optimal capital allocation across pools",
	})
	register(Descriptor{
		Key: "dynamic_config", Method: "get_dynamic_config", Scope: ScopeGlobal,
		TTL: time.Hour, MaxAge: 4 * time.Hour,
		Priority: P3, EnabledDefault: false,
		Description: "Dynamic strategy configuration generator",
	})

	keys = make([]string, 0, len(catalog))
	for k := range catalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
}
