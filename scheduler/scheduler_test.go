package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantslab/clmmlab/analytics"
	"github.com/quantslab/clmmlab/config"
	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/qualitykv/filestore"
	"github.com/quantslab/clmmlab/registry"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/trigger"
)

const (
	testPool = "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	testPair = "WETH-USDC"
)

// flakyCaller fails the configured methods and delegates the rest to a
// deterministic mock backend.
type flakyCaller struct {
	inner   analytics.Caller
	failing map[string]bool
	calls   atomic.Int64

	mu      sync.Mutex
	methods []string
}

func (c *flakyCaller) Query(ctx context.Context, method string, params map[string]string) (json.RawMessage, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.methods = append(c.methods, method)
	c.mu.Unlock()
	if c.failing[method] {
		return nil, &analytics.QueryError{Method: method, Err: errors.New("backend down")}
	}
	return c.inner.Query(ctx, method, params)
}

func (c *flakyCaller) seen(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, m := range c.methods {
		if m == method {
			n++
		}
	}
	return n
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.ActivePools = []string{testPool}
	// Keep the expensive budget out of the way; the budget tests set their
	// own cap.
	cfg.ExpensivePerTick = 10
	return cfg
}

func newFixture(t *testing.T, cfg config.Config, caller analytics.Caller, opts ...Option) (*Scheduler, qualitykv.Store, *trigger.Log) {
	t.Helper()
	dir := t.TempDir()
	store, err := filestore.Open(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)
	triggers, err := trigger.NewLog(filepath.Join(dir, "triggers.jsonl"))
	require.NoError(t, err)
	opts = append([]Option{WithQueueCap(256)}, opts...)
	return New(cfg, store, caller, triggers, opts...), store, triggers
}

func TestColdCacheTickFillsEverything(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, store, _ := newFixture(t, testConfig(), caller)

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, stats.Planned, stats.Enqueued)
	require.Equal(t, stats.Planned, stats.Succeeded)
	require.Zero(t, stats.Failed)

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, stats.Planned)

	env, found, err := store.Get(context.Background(), qualitykv.Key("gas_regime", nil))
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, env.OK)
	require.Equal(t, config.IntelMock, env.Source)
	desc, ok := registry.Lookup("gas_regime")
	require.True(t, ok)
	require.Equal(t, int64(desc.TTL/time.Second), env.TTLSeconds)
}

func TestFreshEntriesAreSkipped(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, _, _ := newFixture(t, testConfig(), caller)

	first, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Positive(t, first.Succeeded)
	calls := caller.calls.Load()

	second, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, first.Planned, second.Fresh)
	require.Zero(t, second.Enqueued)
	require.Equal(t, calls, caller.calls.Load())
}

func TestFailedRefreshKeepsLastGoodEnvelope(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	cfg := testConfig()
	s, store, _ := newFixture(t, cfg, caller)

	key := qualitykv.Key("gas_regime", nil)
	fetched := time.Now().Add(-10 * time.Minute) // past the 5m TTL, inside max age
	require.NoError(t, store.Set(context.Background(), key, qualitykv.Envelope{
		OK:            true,
		Data:          json.RawMessage(`[{"median_gwei":22}]`),
		FetchedAt:     fetched,
		TTLSeconds:    300,
		MaxAgeSeconds: 3600,
		Source:        "seed",
	}))

	caller.failing = map[string]bool{"get_gas_regime": true}
	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Positive(t, stats.Failed)

	env, found, err := store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, env.OK, "failed refresh must not evict the last good value")
	require.Equal(t, "seed", env.Source)
	require.JSONEq(t, `[{"median_gwei":22}]`, string(env.Data))
}

func TestFailedRefreshWritesErrorEnvelopeWhenNoPriorGood(t *testing.T) {
	caller := &flakyCaller{
		inner:   analytics.NewMockCaller(1),
		failing: map[string]bool{"get_gas_regime": true},
	}
	s, store, _ := newFixture(t, testConfig(), caller)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)

	env, found, err := store.Get(context.Background(), qualitykv.Key("gas_regime", nil))
	require.NoError(t, err)
	require.True(t, found)
	require.False(t, env.OK)
	require.Contains(t, env.Error, "backend down")
}

func TestEmptyPoolSetSkipsPoolScopedQueries(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	cfg := testConfig()
	cfg.ActivePools = nil
	cfg.DefaultPool = ""
	s, store, _ := newFixture(t, cfg, caller)

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Zero(t, stats.ActivePools)
	require.Positive(t, stats.Succeeded, "global and pair scoped queries still run")

	keys, err := store.Keys(context.Background())
	require.NoError(t, err)
	for _, k := range keys {
		require.NotContains(t, k, "pool=", "no pool-scoped key without active pools")
	}
}

func TestTriggerForcesFreshHighPriorityWork(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, _, triggers := newFixture(t, testConfig(), caller)

	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	baseMetrics := caller.seen("get_pool_metrics")
	baseHints := caller.seen("get_rebalance_hint")

	require.NoError(t, triggers.Append(trigger.Trigger{Reason: "out_of_range", Pool: testPool}))

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Triggers.Accepted)
	require.Positive(t, stats.Enqueued, "trigger re-enqueues fresh P0/P1 work for its pool")
	require.Greater(t, caller.seen("get_pool_metrics"), baseMetrics)
	require.Greater(t, caller.seen("get_rebalance_hint"), baseHints)
}

func TestTriggerWidensActivePoolSet(t *testing.T) {
	other := "0x8ad599c3A0ff1De082011EFDDc58f1908eb6e6D8"
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, store, triggers := newFixture(t, testConfig(), caller)

	require.NoError(t, triggers.Append(trigger.Trigger{Reason: "volatility_spike", Pool: other}))
	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, stats.ActivePools)

	_, found, err := store.Get(context.Background(),
		qualitykv.Key("pool_health_score", map[string]string{"pool": other}))
	require.NoError(t, err)
	require.True(t, found)
}

func TestExpiredTriggersAreDiscarded(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, _, triggers := newFixture(t, testConfig(), caller)

	require.NoError(t, triggers.Append(trigger.Trigger{
		Reason:    "gas_drop",
		Timestamp: time.Now().Add(-2 * time.Hour),
	}))
	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Triggers.Expired)
	require.Zero(t, stats.Triggers.Accepted)
}

func TestExpensiveBudgetDefersWork(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	cfg := testConfig()
	cfg.ExpensivePerTick = 1
	cfg.BudgetExemptP0 = config.BudgetSoft
	s, _, _ := newFixture(t, cfg, caller)

	var expensive int
	for _, j := range enumerate([]string{testPool}, []string{cfg.DefaultPair}) {
		if j.desc.Cost == registry.CostExpensive {
			expensive++
		}
	}
	if expensive < 2 {
		t.Skip("catalog plans fewer than two expensive jobs")
	}

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, expensive-1, stats.DroppedBudget)
	require.Equal(t, stats.Planned-stats.DroppedBudget, stats.Succeeded)
}

func TestOrderJobsImmediateAndPriorityFirst(t *testing.T) {
	jobs := []job{
		{key: "b", desc: registry.Descriptor{Priority: registry.P2, Cost: registry.CostCheap}},
		{key: "a", desc: registry.Descriptor{Priority: registry.P0, Cost: registry.CostExpensive}},
		{key: "d", desc: registry.Descriptor{Priority: registry.P0, Cost: registry.CostCheap}, immediate: true},
		{key: "c", desc: registry.Descriptor{Priority: registry.P3, Cost: registry.CostCheap}, immediate: true},
		{key: "e", desc: registry.Descriptor{Priority: registry.P0, Cost: registry.CostCheap}},
	}
	orderJobs(jobs)

	got := make([]string, len(jobs))
	for i, j := range jobs {
		got[i] = j.key
	}
	require.Equal(t, []string{"d", "c", "e", "a", "b"}, got)
}

func TestQueueCapDropsSurplus(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	s, _, _ := newFixture(t, testConfig(), caller, WithQueueCap(3))

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Enqueued)
	require.Positive(t, stats.DroppedQueue)
	require.Equal(t, 3, stats.Succeeded)
}

func TestActivePoolsFromRuns(t *testing.T) {
	base := t.TempDir()
	write := func(run, ep, pool string) {
		dir := filepath.Join(base, "runs", run, "episodes", ep)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		raw, err := json.Marshal(map[string]string{"pool_address": pool})
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, "proposal.json"), raw, 0o644))
	}
	write("run_20260101_000000", "ep_20260101_000000_1", "0xold")
	write("run_20260201_000000", "ep_20260201_000000_1", "0xaaa")
	write("run_20260201_000000", "ep_20260201_000000_2", "0xbbb")
	write("run_20260201_000000", "ep_20260201_000000_3", "0xaaa")

	pools := ActivePoolsFromRuns(base, 3)
	require.Equal(t, []string{"0xaaa", "0xbbb"}, pools, "latest run only, newest episode first, deduplicated")

	require.Nil(t, ActivePoolsFromRuns(t.TempDir(), 3))
}

// recordingTracer captures span names and recorded errors for assertions.
type recordingTracer struct {
	mu     sync.Mutex
	spans  []string
	errors []error
}

type recordingSpan struct{ t *recordingTracer }

func (rt *recordingTracer) Start(ctx context.Context, name string, _ ...trace.SpanStartOption) (context.Context, telemetry.Span) {
	rt.mu.Lock()
	rt.spans = append(rt.spans, name)
	rt.mu.Unlock()
	return ctx, &recordingSpan{t: rt}
}

func (rt *recordingTracer) Span(context.Context) telemetry.Span { return &recordingSpan{t: rt} }

func (s *recordingSpan) End(...trace.SpanEndOption)   {}
func (s *recordingSpan) AddEvent(string, ...any)      {}
func (s *recordingSpan) SetStatus(codes.Code, string) {}
func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.t.mu.Lock()
	s.t.errors = append(s.t.errors, err)
	s.t.mu.Unlock()
}

func TestRefreshJobsEmitSpans(t *testing.T) {
	tracer := &recordingTracer{}
	caller := &flakyCaller{
		inner:   analytics.NewMockCaller(1),
		failing: map[string]bool{"get_gas_regime": true},
	}
	s, _, _ := newFixture(t, testConfig(), caller, WithTracer(tracer))

	stats, err := s.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, tracer.spans, stats.Enqueued, "one span per dispatched job")
	require.Len(t, tracer.errors, stats.Failed)
	require.Contains(t, tracer.errors[0].Error(), "backend down")
}

func TestRunForeverStopsOnCancel(t *testing.T) {
	caller := &flakyCaller{inner: analytics.NewMockCaller(1)}
	cfg := testConfig()
	cfg.TickIntervalSeconds = 1
	s, _, _ := newFixture(t, cfg, caller)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunForever(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
	require.Positive(t, caller.calls.Load())
}
