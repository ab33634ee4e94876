package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/quantslab/clmmlab/agent"
	"github.com/quantslab/clmmlab/analytics"
	"github.com/quantslab/clmmlab/artifact"
	"github.com/quantslab/clmmlab/config"
	"github.com/quantslab/clmmlab/episode"
	"github.com/quantslab/clmmlab/harness"
	"github.com/quantslab/clmmlab/intel"
	"github.com/quantslab/clmmlab/orchestrator"
	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/qualitykv/filestore"
	"github.com/quantslab/clmmlab/qualitykv/redisstore"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/trigger"
	"github.com/quantslab/clmmlab/validator"
)

const (
	defaultChain   = "ethereum"
	defaultNetwork = "mainnet"

	defaultDuneURL = "https://api.dune.com/api/v1"
	redisKeyPrefix = "clmmlab:intel"
)

// deps are the shared subsystem handles the commands wire together.
type deps struct {
	store    qualitykv.Store
	caller   analytics.Caller
	triggers *trigger.Log
	logger   telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer
}

func wire(ctx context.Context, cfg config.Config) (*deps, error) {
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	caller, err := buildCaller(ctx, cfg)
	if err != nil {
		return nil, err
	}
	triggers, err := trigger.NewLog(cfg.TriggerPath)
	if err != nil {
		return nil, err
	}
	return &deps{
		store:    store,
		caller:   caller,
		triggers: triggers,
		logger:   telemetry.NewClueLogger(),
		metrics:  telemetry.NewClueMetrics(),
		tracer:   telemetry.NewClueTracer(),
	}, nil
}

func buildStore(cfg config.Config) (qualitykv.Store, error) {
	switch cfg.CacheBackend {
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return redisstore.New(client, redisKeyPrefix), nil
	default:
		return filestore.Open(cfg.CachePath)
	}
}

func buildCaller(ctx context.Context, cfg config.Config) (analytics.Caller, error) {
	if cfg.IntelSource == config.IntelDune {
		apiKey := os.Getenv("DUNE_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("intel_source %q requires DUNE_API_KEY", cfg.IntelSource)
		}
		base := os.Getenv("DUNE_API_URL")
		if base == "" {
			base = defaultDuneURL
		}
		return analytics.NewBreakerCaller(analytics.NewHTTPCaller(base, apiKey)), nil
	}
	return analytics.NewMockCaller(resolveSeed(ctx, cfg)), nil
}

func buildOrchestrator(cfg config.Config, d *deps) (*orchestrator.Orchestrator, error) {
	writer, err := artifact.NewWriter(cfg.BaseDir)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == nil {
		// Drawn once so every episode in the campaign shares it.
		s := resolveSeed(context.Background(), cfg)
		seed = &s
	}

	execMode := episode.ModeMock
	if cfg.Environment == config.EnvReal {
		execMode = episode.ModeReal
	}

	var val *validator.Validator
	if execMode == episode.ModeReal {
		var vopts []validator.Option
		if cfg.DisablePoolValidation {
			vopts = append(vopts, validator.WithPoolValidationDisabled())
		}
		val = validator.New(vopts...)
	}

	hopts := []harness.Option{
		harness.WithLogger(d.logger),
		harness.WithGasCeiling(cfg.GasCeiling),
	}
	if cfg.ForceMock {
		hopts = append(hopts, harness.WithForceMock())
	}
	if cfg.AllowMockFallback {
		hopts = append(hopts, harness.WithMockFallback())
	}
	if cfg.RiskAcknowledged {
		hopts = append(hopts, harness.WithRiskAcknowledged())
	}
	if cfg.GatewayURL != "" {
		hopts = append(hopts, harness.WithGateway(harness.NewHTTPGateway(cfg.GatewayURL)))
	}
	h := harness.New(cfg.Environment, hopts...)

	newIntel := func() *intel.Intel {
		return intel.New(d.store,
			intel.WithTriggerLog(d.triggers),
			intel.WithLogger(d.logger))
	}
	newAgent := func(it *intel.Intel) agent.Agent {
		if cfg.AgentCommand != "" {
			return agent.NewSubprocess(cfg.AgentCommand, writer, d.logger)
		}
		return agent.NewBuiltin(agent.BuiltinConfig{
			Writer:   writer,
			Intel:    it,
			Logger:   d.logger,
			Version:  cfg.AgentVersion,
			ExecMode: execMode,
			Seed:     *seed,
			Chain:    defaultChain,
			Network:  defaultNetwork,
			Pool:     cfg.DefaultPool,
			Pair:     cfg.DefaultPair,
		})
	}

	return orchestrator.New(orchestrator.Config{
		Writer:        writer,
		NewIntel:      newIntel,
		NewAgent:      newAgent,
		Validator:     val,
		Harness:       h,
		Logger:        d.logger,
		Metrics:       d.metrics,
		Tracer:        d.tracer,
		ExecMode:      execMode,
		LearnFromMock: cfg.LearnFromMock,
		Seed:          *seed,
		AgentVersion:  cfg.AgentVersion,
	}), nil
}
