// Package registry is the static catalog of external analytics queries. It
// is the single source of truth for query metadata: method names, scopes,
// freshness windows, priorities and cost classes. The catalog is read-only
// at runtime; the scheduler plans refreshes from it and the intelligence
// layer derives freshness from its TTLs.
package registry

import "time"

type (
	// Descriptor describes one analytics query capability.
	Descriptor struct {
		// Key is the stable identifier used in cache keys and snapshots.
		Key string
		// Method is the analytics caller method name (e.g. "get_gas_regime").
		Method string
		// Scope determines how the scheduler instantiates the query across
		// the active pool set.
		Scope Scope
		// Windowed queries are additionally crossed with the enabled window
		// labels (1h/6h/24h).
		Windowed bool
		// TTL is how long a cached result counts as fresh.
		TTL time.Duration
		// MaxAge is the bound past which a cached result is too old to serve.
		MaxAge time.Duration
		// Priority orders refresh work. P0 gates decisions, P3 is offline.
		Priority Priority
		// Cost classifies backend expense; the scheduler budgets expensive
		// queries per tick.
		Cost Cost
		// DependsOn lists query keys whose results this query derives from.
		DependsOn []string
		// EnabledDefault includes the query in the refresh plan without
		// explicit configuration.
		EnabledDefault bool
		// Description is a one-line human summary.
		Description string
	}

	// Scope is the parameterization of a query.
	Scope string

	// Priority is the refresh priority class, ordered P0 first.
	Priority string

	// Cost is the backend cost class, ordered cheap first.
	Cost string
)

const (
	// ScopeGlobal queries take no parameters.
	ScopeGlobal Scope = "global"
	// ScopePool queries take a pool address.
	ScopePool Scope = "pool"
	// ScopePair queries take a trading pair.
	ScopePair Scope = "pair"
	// ScopeWallet queries take a wallet address. No wallet-scoped query is
	// enabled by default; they exist for the offline analytics tooling.
	ScopeWallet Scope = "wallet"
	// ScopeHook queries take a hook address (Uniswap V4 analytics).
	ScopeHook Scope = "hook"
)

const (
	// P0 queries gate decisions and are exempt from the expensive budget.
	P0 Priority = "P0"
	// P1 queries shape decisions.
	P1 Priority = "P1"
	// P2 queries protect capital.
	P2 Priority = "P2"
	// P3 queries feed offline analytics and backtesting.
	P3 Priority = "P3"
)

const (
	CostCheap     Cost = "cheap"
	CostMedium    Cost = "medium"
	CostExpensive Cost = "expensive"
)

// Rank orders priorities ascending, P0 first.
func (p Priority) Rank() int {
	switch p {
	case P0:
		return 0
	case P1:
		return 1
	case P2:
		return 2
	default:
		return 3
	}
}

// Rank orders cost classes ascending, cheap first.
func (c Cost) Rank() int {
	switch c {
	case CostCheap:
		return 0
	case CostMedium:
		return 1
	default:
		return 2
	}
}

// costForTTL derives the cost class from the refresh cadence: queries the
// backend only recomputes every six hours or more are expensive, thirty
// minutes or more are medium, the rest are cheap.
func costForTTL(ttl time.Duration) Cost {
	switch {
	case ttl >= 6*time.Hour:
		return CostExpensive
	case ttl >= 30*time.Minute:
		return CostMedium
	default:
		return CostCheap
	}
}

// Lookup returns the descriptor for key. The second return is false for
// unknown keys.
func Lookup(key string) (Descriptor, bool) {
	d, ok := catalog[key]
	return d, ok
}

// All returns every descriptor in the catalog in stable key order.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(keys))
	for _, k := range keys {
		out = append(out, catalog[k])
	}
	return out
}

// Enabled returns the descriptors enabled by default, in stable key order.
func Enabled() []Descriptor {
	var out []Descriptor
	for _, d := range All() {
		if d.EnabledDefault {
			out = append(out, d)
		}
	}
	return out
}

// ByPriority returns all descriptors of the given priority class.
func ByPriority(p Priority) []Descriptor {
	var out []Descriptor
	for _, d := range All() {
		if d.Priority == p {
			out = append(out, d)
		}
	}
	return out
}

// ByScope returns all descriptors with the given scope.
func ByScope(s Scope) []Descriptor {
	var out []Descriptor
	for _, d := range All() {
		if d.Scope == s {
			out = append(out, d)
		}
	}
	return out
}
