package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCatalogIntegrity(t *testing.T) {
	all := All()
	require.Len(t, all, 27)

	seen := map[string]bool{}
	for _, d := range all {
		require.NotEmpty(t, d.Key)
		require.NotEmpty(t, d.Method)
		require.False(t, seen[d.Key], "duplicate key %s", d.Key)
		seen[d.Key] = true
		require.Greater(t, d.MaxAge, d.TTL, "%s max age must exceed ttl", d.Key)
		require.NotEmpty(t, d.Cost, d.Key)
		for _, dep := range d.DependsOn {
			_, ok := Lookup(dep)
			require.True(t, ok, "%s depends on unknown %s", d.Key, dep)
		}
	}
}

func TestLookup(t *testing.T) {
	d, ok := Lookup("gas_regime")
	require.True(t, ok)
	require.Equal(t, ScopeGlobal, d.Scope)
	require.Equal(t, 5*time.Minute, d.TTL)
	require.Equal(t, P0, d.Priority)

	_, ok = Lookup("no_such_query")
	require.False(t, ok)
}

func TestEnabledStableOrder(t *testing.T) {
	first := Enabled()
	second := Enabled()
	require.Equal(t, first, second)
	for _, d := range first {
		require.True(t, d.EnabledDefault)
	}
}

func TestCostDerivation(t *testing.T) {
	d, _ := Lookup("liquidity_depth")
	require.Equal(t, CostExpensive, d.Cost)
	d, _ = Lookup("dynamic_fee_analysis")
	require.Equal(t, CostMedium, d.Cost)
	d, _ = Lookup("gas_regime")
	require.Equal(t, CostCheap, d.Cost)
}

func TestPriorityRankOrdering(t *testing.T) {
	require.Less(t, P0.Rank(), P1.Rank())
	require.Less(t, P1.Rank(), P2.Rank())
	require.Less(t, P2.Rank(), P3.Rank())
	require.Less(t, CostCheap.Rank(), CostMedium.Rank())
	require.Less(t, CostMedium.Rank(), CostExpensive.Rank())
}
