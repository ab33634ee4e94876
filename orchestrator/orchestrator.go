// Package orchestrator drives episodes end to end: agent proposal,
// validation, harness execution and artifact closure. Every episode ends in
// a terminal state with its artifacts on disk; a campaign keeps going no
// matter how individual episodes end.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/quantslab/clmmlab/agent"
	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/harness"
	"github.com/quantslab/clmmlab/intel"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/validator"
)

type (
	// Orchestrator runs episodes. Construct one per campaign process; it is
	// not safe for concurrent RunEpisode calls sharing a run id.
	Orchestrator struct {
		writer    *artifact.Writer
		newIntel  func() *intel.Intel
		newAgent  func(it *intel.Intel) agent.Agent
		validator *validator.Validator
		harness   *harness.Harness
		logger    telemetry.Logger
		metrics   telemetry.Metrics
		tracer    telemetry.Tracer
		now       func() time.Time

		execMode      episode.ExecMode
		learnFromMock bool
		seed          int64
		agentVersion  string
	}

	// Config wires an Orchestrator.
	Config struct {
		Writer *artifact.Writer
		// NewIntel builds a fresh intelligence instance per episode so each
		// episode's snapshot reflects exactly what that episode consulted.
		NewIntel func() *intel.Intel
		// NewAgent builds the agent for an episode around its intelligence
		// instance. Subprocess agents ignore the argument.
		NewAgent func(it *intel.Intel) agent.Agent
		// Validator gates real-mode proposals. Nil skips validation (mock
		// mode).
		Validator *validator.Validator
		Harness   *harness.Harness
		Logger    telemetry.Logger
		Metrics   telemetry.Metrics
		Tracer    telemetry.Tracer
		Clock     func() time.Time

		ExecMode      episode.ExecMode
		LearnFromMock bool
		Seed          int64
		AgentVersion  string
	}

	// Outcome is the terminal state of one episode.
	Outcome struct {
		EpisodeID string
		Status    episode.ResultStatus
		// Stage is set when the episode failed, naming where.
		Stage episode.Stage
		Err   error
	}

	// CampaignStats summarizes a finished campaign.
	CampaignStats struct {
		RunID     string
		Episodes  int
		Succeeded int
		Failed    int
		Skipped   int
	}
)

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		writer:        cfg.Writer,
		newIntel:      cfg.NewIntel,
		newAgent:      cfg.NewAgent,
		validator:     cfg.Validator,
		harness:       cfg.Harness,
		logger:        cfg.Logger,
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
		now:           cfg.Clock,
		execMode:      cfg.ExecMode,
		learnFromMock: cfg.LearnFromMock,
		seed:          cfg.Seed,
		agentVersion:  cfg.AgentVersion,
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	if o.metrics == nil {
		o.metrics = telemetry.NewNoopMetrics()
	}
	if o.tracer == nil {
		o.tracer = telemetry.NewNoopTracer()
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Campaign runs n episodes under a fresh run id. Episode failures are
// recorded and counted, never propagated; the only errors returned are ones
// that prevent the campaign from progressing at all.
func (o *Orchestrator) Campaign(ctx context.Context, n int) (CampaignStats, error) {
	runID := episode.NewRunID(o.now())
	stats := CampaignStats{RunID: runID}

	o.logger.Info(ctx, "campaign starting", "run_id", runID, "episodes", n)
	for i := 1; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			o.logger.Info(ctx, "campaign interrupted", "run_id", runID, "completed", stats.Episodes)
			return stats, err
		}
		episodeID := episode.NewEpisodeID(o.now(), i)
		out := o.RunEpisode(ctx, runID, episodeID)

		stats.Episodes++
		switch out.Status {
		case episode.StatusSuccess:
			stats.Succeeded++
		case episode.StatusSkipped:
			stats.Skipped++
		default:
			stats.Failed++
		}
		o.metrics.IncCounter("episodes.completed", 1, "status", string(out.Status))

		line := fmt.Sprintf("episode %s status=%s", episodeID, out.Status)
		if out.Err != nil {
			line += fmt.Sprintf(" stage=%s error=%q", out.Stage, out.Err.Error())
		}
		if err := o.writer.AppendCampaignLog(runID, line); err != nil {
			o.logger.Error(ctx, "campaign log append failed", "err", err.Error())
		}
	}
	o.logger.Info(ctx, "campaign finished", "run_id", runID,
		"succeeded", stats.Succeeded, "failed", stats.Failed, "skipped", stats.Skipped)
	return stats, nil
}

// RunEpisode drives one episode through the agent, validator and harness and
// closes its artifacts. It always returns a terminal outcome; every failure
// path leaves metadata.json and failure.json behind.
func (o *Orchestrator) RunEpisode(ctx context.Context, runID, episodeID string) Outcome {
	started := o.now()
	timings := map[string]float64{}
	ctx, span := o.tracer.Start(ctx, "episode.run")
	defer span.End()
	defer func() {
		o.metrics.RecordTimer("episode.duration", o.now().Sub(started))
	}()

	if err := o.writer.CreateEpisode(runID, episodeID); err != nil {
		// Nowhere to write artifacts; this is the one failure without a
		// failure.json.
		o.logger.Error(ctx, "episode directory creation failed", "episode_id", episodeID, "err", err.Error())
		return Outcome{EpisodeID: episodeID, Status: episode.StatusFailed, Stage: episode.StageArtifacts, Err: err}
	}

	it := o.newIntel()
	ag := o.newAgent(it)

	// Agent stage.
	agentStart := o.now()
	p, err := ag.Propose(ctx, runID, episodeID)
	timings["agent_ms"] = ms(o.now().Sub(agentStart))
	if err != nil {
		exitCode := 1
		var aerr *agent.Error
		if errors.As(err, &aerr) {
			exitCode = aerr.ExitCode
		}
		o.closeFailure(ctx, runID, episodeID, episode.StageAgent, err, exitCode, "", it)
		return Outcome{EpisodeID: episodeID, Status: episode.StatusFailed, Stage: episode.StageAgent, Err: err}
	}
	span.AddEvent("proposal", "status", string(p.Status))
	o.appendLog(ctx, runID, episodeID, "proposal", map[string]any{
		"status": string(p.Status), "config_hash": p.Metadata.ConfigHash,
	})

	// Validation stage gates real-mode proposals before any capital is at
	// risk. Mock episodes execute whatever the agent produced. A rejected
	// proposal never reaches the executor and gets no result.json; the
	// episode's terminal artifact is failure.json alone.
	if o.validator != nil && p.Status == episode.ProposalActive {
		valStart := o.now()
		verr := o.validator.Validate(p)
		timings["validation_ms"] = ms(o.now().Sub(valStart))
		if verr != nil {
			o.closeFailure(ctx, runID, episodeID, episode.StageValidation, verr, 1, p.Metadata.ConfigHash, it)
			return Outcome{EpisodeID: episodeID, Status: episode.StatusFailed, Stage: episode.StageValidation, Err: verr}
		}
	}

	// Harness stage.
	harnessStart := o.now()
	res, gw, err := o.harness.Execute(ctx, p, runID, o.seed, p.Metadata.RegimeKey)
	timings["harness_ms"] = ms(o.now().Sub(harnessStart))
	if err != nil {
		o.closeFailure(ctx, runID, episodeID, episode.StageHarness, err, 1, p.Metadata.ConfigHash, it)
		return Outcome{EpisodeID: episodeID, Status: episode.StatusFailed, Stage: episode.StageHarness, Err: err}
	}
	res.TimingsMS = timings
	span.AddEvent("result", "status", string(res.Status))
	o.appendLog(ctx, runID, episodeID, "result", map[string]any{
		"status": string(res.Status), "pnl_usd": res.PnLUSD,
	})

	// Artifact closure: result, reward, timings, then the metadata merge
	// carrying the intel snapshot and the learning decision.
	if err := o.writer.WriteResult(runID, episodeID, res); err != nil {
		o.closeFailure(ctx, runID, episodeID, episode.StageArtifacts, err, 1, p.Metadata.ConfigHash, it)
		return Outcome{EpisodeID: episodeID, Status: episode.StatusFailed, Stage: episode.StageArtifacts, Err: err}
	}
	if res.Status == episode.StatusSuccess {
		if err := o.writer.WriteReward(runID, episodeID, harness.Reward(res)); err != nil {
			o.logger.Error(ctx, "reward write failed", "episode_id", episodeID, "err", err.Error())
		}
	}
	if res.Status == episode.StatusFailed {
		// A failed execution is a terminal outcome with a result; callers
		// still get a failure.json so they never have to parse stderr.
		o.closeFailure(ctx, runID, episodeID, episode.StageHarness,
			errors.New(res.Error), 1, p.Metadata.ConfigHash, it)
	}
	if err := o.writer.WriteTimings(runID, episodeID, timings); err != nil {
		o.logger.Error(ctx, "timings write failed", "episode_id", episodeID, "err", err.Error())
	}
	if err := o.closeMetadata(runID, episodeID, res, gw, it); err != nil {
		o.logger.Error(ctx, "metadata merge failed", "episode_id", episodeID, "err", err.Error())
	}

	return Outcome{EpisodeID: episodeID, Status: res.Status}
}

// closeMetadata merges the execution outcome into metadata.json: gateway
// state, the learning decision and the intel provenance (snapshot, hygiene
// summary and inputs). A snapshot already present is never overwritten.
func (o *Orchestrator) closeMetadata(runID, episodeID string, res episode.Result, gw harness.GatewayStatus, it *intel.Intel) error {
	applied, reason := o.learningDecision(res.Status)
	patch := map[string]any{
		"learning_update_applied": applied,
		"learning_update_reason":  reason,
		"extra": map[string]any{
			"intel_snapshot": toDoc(it.Snapshot()),
			"intel_hygiene":  toDoc(it.Hygiene()),
			"intel_inputs":   it.Inputs(),
			"result_status":  string(res.Status),
		},
	}
	if gw.Health != "" {
		patch["gateway_health"] = gw.Health
	}
	if gw.LatencyMS != nil {
		patch["gateway_latency_ms"] = *gw.LatencyMS
	}
	return o.writer.MergeMetadata(runID, episodeID, patch)
}

// learningDecision applies the learning gate: only successful episodes
// count, and mock episodes count only when explicitly permitted.
func (o *Orchestrator) learningDecision(status episode.ResultStatus) (bool, string) {
	if status != episode.StatusSuccess {
		return false, "episode did not complete successfully"
	}
	if o.execMode == episode.ModeMock && !o.learnFromMock {
		return false, "mock episode with learn_from_mock disabled"
	}
	return true, ""
}

// closeFailure lands the failure artifacts: a best-effort metadata.json when
// the agent never wrote one, then failure.json naming the stage.
func (o *Orchestrator) closeFailure(ctx context.Context, runID, episodeID string, stage episode.Stage, cause error, exitCode int, configHash string, it *intel.Intel) {
	now := episode.NowUTC(o.now())

	span := o.tracer.Span(ctx)
	span.RecordError(cause)
	span.SetStatus(codes.Error, string(stage))

	if configHash == "" {
		// An agent that crashed before proposing has no configuration to
		// hash; the provenance record still needs a value.
		configHash = "unknown"
	}
	if !o.writer.Exists(runID, episodeID, artifact.KindMetadata) {
		meta := episode.Metadata{
			EpisodeID:             episodeID,
			RunID:                 runID,
			Timestamp:             now,
			ConfigHash:            configHash,
			AgentVersion:          o.agentVersion,
			ExecMode:              o.execMode,
			Seed:                  o.seed,
			LearningUpdateApplied: false,
			LearningUpdateReason:  "episode failed before completion",
			Extra:                 map[string]any{},
		}
		if err := o.writer.WriteMetadata(runID, episodeID, meta); err != nil {
			o.logger.Error(ctx, "fallback metadata write failed", "episode_id", episodeID, "err", err.Error())
		}
	} else {
		patch := map[string]any{
			"learning_update_applied": false,
			"learning_update_reason":  "episode failed before completion",
		}
		if err := o.writer.MergeMetadata(runID, episodeID, patch); err != nil {
			o.logger.Error(ctx, "failure metadata merge failed", "episode_id", episodeID, "err", err.Error())
		}
	}

	f := episode.Failure{
		Stage:        stage,
		Error:        cause.Error(),
		ExitCode:     exitCode,
		ConfigHash:   configHash,
		AgentVersion: o.agentVersion,
		ExecMode:     o.execMode,
		Timestamp:    now,
		Context:      map[string]any{"hygiene": toDoc(it.Hygiene())},
	}
	if err := o.writer.WriteFailure(runID, episodeID, f); err != nil {
		o.logger.Error(ctx, "failure write failed", "episode_id", episodeID, "err", err.Error())
	}
	o.logger.Warn(ctx, "episode failed",
		"episode_id", episodeID, "stage", string(stage), "err", cause.Error())
	o.appendLog(ctx, runID, episodeID, "failure", map[string]any{
		"stage": string(stage), "error": cause.Error(),
	})
}

func (o *Orchestrator) appendLog(ctx context.Context, runID, episodeID, event string, payload map[string]any) {
	if err := o.writer.AppendLog(runID, episodeID, event, payload); err != nil {
		o.logger.Error(ctx, "episode log append failed", "episode_id", episodeID, "err", err.Error())
	}
}

// toDoc converts a typed value to its JSON document form so it can be merged
// into metadata extra.
func toDoc(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
