package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantslab/clmmlab/agent"
	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/harness"
	"github.com/quantslab/clmmlab/intel"
	"github.com/quantslab/clmmlab/qualitykv/filestore"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/validator"
)

const (
	testPool = "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640"
	testPair = "WETH-USDC"
)

func fixedClock() func() time.Time {
	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return base }
}

func newMockOrchestrator(t *testing.T, seed int64, mutate func(*Config)) (*Orchestrator, *artifact.Writer) {
	t.Helper()
	dir := t.TempDir()
	w, err := artifact.NewWriter(dir)
	require.NoError(t, err)
	store, err := filestore.Open(filepath.Join(dir, "cache.json"))
	require.NoError(t, err)

	cfg := Config{
		Writer:   w,
		NewIntel: func() *intel.Intel { return intel.New(store) },
		NewAgent: func(it *intel.Intel) agent.Agent {
			return agent.NewBuiltin(agent.BuiltinConfig{
				Writer:   w,
				Intel:    it,
				Version:  "policy-v1",
				ExecMode: episode.ModeMock,
				Seed:     seed,
				Chain:    "ethereum",
				Network:  "mainnet",
				Pool:     testPool,
				Pair:     testPair,
			})
		},
		Harness:      harness.New("mock"),
		Clock:        fixedClock(),
		ExecMode:     episode.ModeMock,
		Seed:         seed,
		AgentVersion: "policy-v1",
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return New(cfg), w
}

func readJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

func TestMockEpisodeProducesFullBundle(t *testing.T) {
	o, w := newMockOrchestrator(t, 42, nil)

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.NoError(t, out.Err)
	require.Equal(t, episode.StatusSuccess, out.Status)

	for _, kind := range []artifact.Kind{
		artifact.KindProposal, artifact.KindMetadata, artifact.KindResult,
		artifact.KindReward, artifact.KindTimings,
	} {
		require.True(t, w.Exists("run_20260314_120000", "ep_20260314_120000_1", kind), string(kind))
	}
	require.False(t, w.Exists("run_20260314_120000", "ep_20260314_120000_1", artifact.KindFailure))
}

func TestMetadataCarriesSnapshotAndLearningGate(t *testing.T) {
	o, w := newMockOrchestrator(t, 42, nil)

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StatusSuccess, out.Status)

	meta, err := w.ReadMetadata("run_20260314_120000", "ep_20260314_120000_1")
	require.NoError(t, err)
	require.Equal(t, false, meta["learning_update_applied"])
	require.Equal(t, "mock episode with learn_from_mock disabled", meta["learning_update_reason"])

	extra, ok := meta["extra"].(map[string]any)
	require.True(t, ok)
	snapshot, ok := extra["intel_snapshot"].(map[string]any)
	require.True(t, ok)
	require.Len(t, snapshot, 7, "one snapshot entry per consulted query")
	require.Contains(t, snapshot, "gas_regime")
	require.Contains(t, snapshot, "pool_metrics:"+testPool+":1h")

	hygiene, ok := extra["intel_hygiene"].(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 7, hygiene["total_queries"])
}

func TestLearnFromMockEnablesLearning(t *testing.T) {
	o, w := newMockOrchestrator(t, 42, func(cfg *Config) {
		cfg.LearnFromMock = true
	})

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StatusSuccess, out.Status)

	meta, err := w.ReadMetadata("run_20260314_120000", "ep_20260314_120000_1")
	require.NoError(t, err)
	require.Equal(t, true, meta["learning_update_applied"])
}

func TestAgentCrashLeavesMetadataAndFailure(t *testing.T) {
	o, w := newMockOrchestrator(t, 1, func(cfg *Config) {
		cfg.NewAgent = func(*intel.Intel) agent.Agent {
			return agent.NewSubprocess("false", cfg.Writer, nil)
		}
	})

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StatusFailed, out.Status)
	require.Equal(t, episode.StageAgent, out.Stage)

	meta, err := w.ReadMetadata("run_20260314_120000", "ep_20260314_120000_1")
	require.NoError(t, err)
	require.Equal(t, "ep_20260314_120000_1", meta["episode_id"])
	require.Equal(t, false, meta["learning_update_applied"])

	dir := w.EpisodeDir("run_20260314_120000", "ep_20260314_120000_1")
	failure := readJSON(t, filepath.Join(dir, "failure.json"))
	require.Equal(t, "agent", failure["stage"])
	require.EqualValues(t, 1, failure["exit_code"])
}

func TestCampaignSurvivesFailingEpisodes(t *testing.T) {
	o, w := newMockOrchestrator(t, 1, func(cfg *Config) {
		cfg.NewAgent = func(*intel.Intel) agent.Agent {
			return agent.NewSubprocess("false", cfg.Writer, nil)
		}
	})

	stats, err := o.Campaign(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Episodes)
	require.Equal(t, 3, stats.Failed)
	require.Zero(t, stats.Succeeded)

	log, err := os.ReadFile(filepath.Join(w.RunDir(stats.RunID), "campaign.log"))
	require.NoError(t, err)
	require.Contains(t, string(log), "status=failed stage=agent")
}

func TestCampaignCountsOutcomes(t *testing.T) {
	o, _ := newMockOrchestrator(t, 42, nil)

	stats, err := o.Campaign(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Episodes)
	require.Equal(t, 3, stats.Succeeded+stats.Skipped+stats.Failed)
	require.Zero(t, stats.Failed)
}

// rejectedAgent returns an active real-mode proposal with an out-of-bounds
// spread so validation must stop it.
type rejectedAgent struct{ writer *artifact.Writer }

func (a *rejectedAgent) Propose(_ context.Context, runID, episodeID string) (episode.Proposal, error) {
	p := episode.Proposal{
		EpisodeID:   episodeID,
		GeneratedAt: episode.NowUTC(time.Now()),
		Status:      episode.ProposalActive,
		Connector:   "uniswap_v3_clmm",
		Chain:       "ethereum",
		Network:     "mainnet",
		PoolAddress: testPool,
		Params: episode.Params{
			RangeWidthBps:         200,
			RefreshIntervalSec:    300,
			SpreadBps:             5000, // above the 1000 bps bound
			OrderSizeUSD:          1000,
			RebalanceThresholdBps: 100,
			MaxPositionUSD:        50000,
		},
		Metadata: episode.Metadata{
			EpisodeID:             episodeID,
			RunID:                 runID,
			Timestamp:             episode.NowUTC(time.Now()),
			ConfigHash:            "deadbeef",
			AgentVersion:          "policy-v1",
			ExecMode:              episode.ModeReal,
			Seed:                  1,
			LearningUpdateApplied: false,
			Extra:                 map[string]any{},
		},
	}
	if err := a.writer.WriteProposal(runID, episodeID, p); err != nil {
		return episode.Proposal{}, &agent.Error{ExitCode: 1, Err: err}
	}
	if err := a.writer.WriteMetadata(runID, episodeID, p.Metadata); err != nil {
		return episode.Proposal{}, &agent.Error{ExitCode: 1, Err: err}
	}
	return p, nil
}

func TestValidationFailureWritesOnlyFailure(t *testing.T) {
	o, w := newMockOrchestrator(t, 1, func(cfg *Config) {
		cfg.Validator = validator.New()
		cfg.ExecMode = episode.ModeReal
		cfg.NewAgent = func(*intel.Intel) agent.Agent {
			return &rejectedAgent{writer: cfg.Writer}
		}
	})

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StatusFailed, out.Status)
	require.Equal(t, episode.StageValidation, out.Stage)
	require.Error(t, out.Err)
	require.Contains(t, out.Err.Error(), "spread_bps")

	dir := w.EpisodeDir("run_20260314_120000", "ep_20260314_120000_1")
	failure := readJSON(t, filepath.Join(dir, "failure.json"))
	require.Equal(t, "validation", failure["stage"])
	require.Contains(t, failure["error"], "spread_bps")

	// A rejected proposal never executes: exactly one terminal artifact.
	_, err := os.Stat(filepath.Join(dir, "result.json"))
	require.True(t, os.IsNotExist(err), "no result.json on a validation failure")
	require.False(t, w.Exists("run_20260314_120000", "ep_20260314_120000_1", artifact.KindReward))
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

func TestEpisodeEmitsSpans(t *testing.T) {
	tracer := &recordingTracer{}
	o, _ := newMockOrchestrator(t, 42, func(cfg *Config) {
		cfg.Tracer = tracer
	})

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StatusSuccess, out.Status)
	require.Contains(t, tracer.spans, "episode.run")
	require.Empty(t, tracer.errors)
}

func TestFailedStageRecordsSpanError(t *testing.T) {
	tracer := &recordingTracer{}
	o, _ := newMockOrchestrator(t, 1, func(cfg *Config) {
		cfg.Tracer = tracer
		cfg.Validator = validator.New()
		cfg.ExecMode = episode.ModeReal
		cfg.NewAgent = func(*intel.Intel) agent.Agent {
			return &rejectedAgent{writer: cfg.Writer}
		}
	})

	out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
	require.Equal(t, episode.StageValidation, out.Stage)
	require.Len(t, tracer.errors, 1)
	require.Contains(t, tracer.errors[0].Error(), "spread_bps")
}

func TestReplayIsDeterministic(t *testing.T) {
	run := func() map[string]any {
		o, w := newMockOrchestrator(t, 424242, nil)
		out := o.RunEpisode(context.Background(), "run_20260314_120000", "ep_20260314_120000_1")
		require.Equal(t, episode.StatusSuccess, out.Status)
		return readJSON(t, filepath.Join(
			w.EpisodeDir("run_20260314_120000", "ep_20260314_120000_1"), "result.json"))
	}
	first := run()
	second := run()
	require.Equal(t, first["pnl_usd"], second["pnl_usd"])
	require.Equal(t, first["fees_usd"], second["fees_usd"])
	require.Equal(t, first["rebalance_count"], second["rebalance_count"])
	require.Equal(t, first["sim"], second["sim"])
}
