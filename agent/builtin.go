package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/intel"
	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/telemetry"
)

type (
	// Builtin is the deterministic policy agent: it reads the intelligence
	// layer, sizes the range and spread from the observed regime and writes
	// the proposal and initial metadata. Given a fixed seed and cache state
	// its proposal is reproducible.
	Builtin struct {
		writer  *artifact.Writer
		intel   *intel.Intel
		logger  telemetry.Logger
		now     func() time.Time
		version string

		execMode episode.ExecMode
		seed     int64
		chain    string
		network  string
		pool     string
		pair     string
	}

	// BuiltinConfig wires a Builtin agent.
	BuiltinConfig struct {
		Writer   *artifact.Writer
		Intel    *intel.Intel
		Logger   telemetry.Logger
		Clock    func() time.Time
		Version  string
		ExecMode episode.ExecMode
		Seed     int64
		Chain    string
		Network  string
		Pool     string
		Pair     string
	}
)

var _ Agent = (*Builtin)(nil)

// NewBuiltin constructs the builtin policy agent.
func NewBuiltin(cfg BuiltinConfig) *Builtin {
	b := &Builtin{
		writer:   cfg.Writer,
		intel:    cfg.Intel,
		logger:   cfg.Logger,
		now:      cfg.Clock,
		version:  cfg.Version,
		execMode: cfg.ExecMode,
		seed:     cfg.Seed,
		chain:    cfg.Chain,
		network:  cfg.Network,
		pool:     cfg.Pool,
		pair:     cfg.Pair,
	}
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.version == "" {
		b.version = "builtin-policy"
	}
	return b
}

// Policy thresholds. A fresh health score below the floor gates the episode
// out; MEV risk widens the spread; volatility widens the range.
const (
	healthScoreFloor = 30.0
	baseRangeBps     = 200.0
	baseSpreadBps    = 15.0
)

// Propose observes the intelligence layer, derives parameters and writes
// proposal.json plus the initial metadata.json.
func (b *Builtin) Propose(ctx context.Context, runID, episodeID string) (episode.Proposal, error) {
	obs := b.intel.Observe(ctx, b.pool, b.pair, intel.Window1h)
	rng := rand.New(rand.NewSource(deriveSeed(b.seed, episodeID)))

	params := b.deriveParams(obs, rng)
	now := b.now()

	p := episode.Proposal{
		EpisodeID:   episodeID,
		GeneratedAt: episode.NowUTC(now),
		Status:      episode.ProposalActive,
		Connector:   "uniswap_v3_clmm",
		Chain:       b.chain,
		Network:     b.network,
		PoolAddress: b.pool,
		Params:      params,
		DecisionBasis: &episode.DecisionBasis{
			Inputs: map[string]any{
				"volatility":   obs.Volatility,
				"regime":       obs.Regime,
				"health_score": obs.Health.Score,
				"mev_risk":     obs.MEV.RiskLevel,
				"hint_action":  obs.Hint.Action,
			},
			Rule: "regime_sizing_v1",
			Thresholds: map[string]float64{
				"health_score_floor": healthScoreFloor,
			},
		},
	}

	// Gate out on demonstrably unhealthy pools; a missing score is not
	// evidence of trouble, only of a cold cache.
	snap := b.intel.Snapshot()
	healthRec := snap["pool_health_score:"+b.pool]
	if healthRec.Quality == qualitykv.QualityFresh && obs.Health.Score < healthScoreFloor {
		p.Status = episode.ProposalSkipped
		p.SkipReason = fmt.Sprintf("pool health score %.0f below floor %.0f", obs.Health.Score, healthScoreFloor)
	}

	p.Metadata = episode.Metadata{
		EpisodeID:             episodeID,
		RunID:                 runID,
		Timestamp:             episode.NowUTC(now),
		ConfigHash:            episode.ConfigHash(params),
		AgentVersion:          b.version,
		ExecMode:              b.execMode,
		Seed:                  b.seed,
		RegimeKey:             obs.Regime,
		LearningUpdateApplied: false,
		LearningUpdateReason:  "pending episode result",
		Extra:                 map[string]any{},
	}

	if err := b.writer.WriteProposal(runID, episodeID, p); err != nil {
		return episode.Proposal{}, &Error{ExitCode: 1, Err: err}
	}
	if err := b.writer.WriteMetadata(runID, episodeID, p.Metadata); err != nil {
		return episode.Proposal{}, &Error{ExitCode: 1, Err: err}
	}
	b.logger.Info(ctx, "proposal written",
		"episode_id", episodeID, "regime", obs.Regime, "status", string(p.Status))
	return p, nil
}

// deriveParams sizes the position from the observation. High volatility
// widens the range and shortens the refresh interval; MEV pressure widens
// the spread. The rng adds bounded exploration noise so repeated episodes
// under one seed still sweep the neighborhood.
func (b *Builtin) deriveParams(obs intel.Observation, rng *rand.Rand) episode.Params {
	rangeBps := baseRangeBps
	refresh := 300.0
	if obs.Volatility > 0.6 {
		rangeBps *= 2
		refresh = 60
	}
	spread := baseSpreadBps
	if obs.MEV.RiskLevel == "HIGH" {
		spread *= 2
	}
	switch obs.Hint.Action {
	case "widen":
		rangeBps *= 1.5
	case "tighten":
		rangeBps *= 0.75
	}

	jitter := func(v, pct float64) float64 { return v * (1 + pct*(rng.Float64()*2-1)) }
	return episode.Params{
		RangeWidthBps:         clamp(jitter(rangeBps, 0.10), 10, 5000),
		RefreshIntervalSec:    clamp(jitter(refresh, 0.10), 10, 3600),
		SpreadBps:             clamp(jitter(spread, 0.10), 1, 1000),
		OrderSizeUSD:          clamp(jitter(1000, 0.10), 1, 1e6),
		RebalanceThresholdBps: clamp(jitter(rangeBps/2, 0.10), 1, 2500),
		MaxPositionUSD:        50000,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// deriveSeed folds the run seed and episode id so each episode explores a
// different point while the whole run stays reproducible.
func deriveSeed(seed int64, episodeID string) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s", seed, episodeID)
	return int64(h.Sum64())
}
