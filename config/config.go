// Package config holds the enumerated runtime configuration. Every toggle is
// a named option with an enumerated value set and a documented default; no
// ambient state beyond these toggles may influence pipeline decisions. Values
// load from an optional YAML file and may be overridden by environment
// variables.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full runtime configuration.
	Config struct {
		// Environment selects the execution environment: "mock" or "real".
		Environment string `yaml:"environment"`
		// ForceMock always selects the mock executor, overriding Environment.
		ForceMock bool `yaml:"force_mock"`
		// LearnFromMock permits learning-state updates from mock episodes.
		LearnFromMock bool `yaml:"learn_from_mock"`
		// AllowMockFallback permits degrading real mode to mock when the live
		// gateway is unhealthy. When false an unhealthy gateway fails the
		// episode instead.
		AllowMockFallback bool `yaml:"allow_mock_fallback"`

		// IntelSource selects the analytics backend: "mock" or "dune".
		IntelSource string `yaml:"intel_source"`
		// CacheBackend selects the QualityKV implementation: "file" or "redis".
		CacheBackend string `yaml:"cache_backend"`
		// RedisAddr is the Redis address when CacheBackend is "redis".
		RedisAddr string `yaml:"redis_addr"`

		// Seed is the deterministic seed. Nil means a random seed is drawn
		// once per run and recorded in episode metadata.
		Seed *int64 `yaml:"seed"`

		// BaseDir is the artifact base path; runs land under <base>/runs/.
		BaseDir string `yaml:"base_dir"`
		// CachePath is the QualityKV file when CacheBackend is "file".
		CachePath string `yaml:"cache_path"`
		// TriggerPath is the scheduler trigger log.
		TriggerPath string `yaml:"trigger_path"`

		// PoolCap bounds the active pool set.
		PoolCap int `yaml:"pool_cap"`
		// ActivePools overrides active-pool derivation when non-empty.
		ActivePools []string `yaml:"active_pools"`
		// DefaultPair is the trading pair used for pair-scoped queries when a
		// proposal does not name one.
		DefaultPair string `yaml:"default_pair"`
		// DefaultPool seeds the active set when no episodes exist yet.
		DefaultPool string `yaml:"default_pool"`

		// WorkerCount is the scheduler worker pool size.
		WorkerCount int `yaml:"worker_count"`
		// TickIntervalSeconds is the scheduler tick cadence.
		TickIntervalSeconds int `yaml:"tick_interval_seconds"`
		// WorkerTimeoutSeconds bounds a single refresh job.
		WorkerTimeoutSeconds int `yaml:"worker_timeout_seconds"`
		// DrainTimeoutSeconds bounds shutdown draining of in-flight workers.
		DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`
		// TriggerHorizonSeconds discards triggers older than this bound.
		TriggerHorizonSeconds int `yaml:"trigger_horizon_seconds"`
		// ExpensivePerTick caps expensive-class jobs dispatched per tick.
		ExpensivePerTick int `yaml:"expensive_per_tick"`
		// BudgetExemptP0 is "hard" (P0 always exempt from the expensive cap)
		// or "soft" (exemption is advisory).
		BudgetExemptP0 string `yaml:"budget_exempt_p0"`

		// GatewayURL is the live exchange gateway endpoint (real mode).
		GatewayURL string `yaml:"gateway_url"`
		// GasCeiling rejects live quotes whose gas estimate exceeds it.
		GasCeiling int64 `yaml:"gas_ceiling"`
		// DisablePoolValidation skips the real-mode proposal gate. Testing
		// only.
		DisablePoolValidation bool `yaml:"disable_pool_validation"`
		// RiskAcknowledged must be set to execute against capital.
		RiskAcknowledged bool `yaml:"risk_acknowledged"`

		// AgentCommand, when set, invokes an external agent process instead of
		// the builtin policy. The command receives the run and episode ids.
		AgentCommand string `yaml:"agent_command"`
		// AgentVersion tags artifacts produced by the builtin agent.
		AgentVersion string `yaml:"agent_version"`
	}
)

// Enumerated toggle values.
const (
	EnvMock = "mock"
	EnvReal = "real"

	IntelMock = "mock"
	IntelDune = "dune"

	CacheFile  = "file"
	CacheRedis = "redis"

	BudgetHard = "hard"
	BudgetSoft = "soft"
)

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Environment:           EnvMock,
		IntelSource:           IntelMock,
		CacheBackend:          CacheFile,
		BaseDir:               "data",
		CachePath:             "data/intel_cache.json",
		TriggerPath:           "data/intel_triggers.jsonl",
		PoolCap:               3,
		DefaultPair:           "WETH-USDC",
		DefaultPool:           "0x88e6A0c2dDD26FEEb64F039a2c41296FcB3f5640",
		WorkerCount:           3,
		TickIntervalSeconds:   60,
		WorkerTimeoutSeconds:  30,
		DrainTimeoutSeconds:   30,
		TriggerHorizonSeconds: 600,
		ExpensivePerTick:      1,
		BudgetExemptP0:        BudgetHard,
		GasCeiling:            1_000_000,
		AgentVersion:          "v1.0",
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// environment overrides, then validates it. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("EXEC_MODE"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("FORCE_MOCK"); v != "" {
		c.ForceMock = v == "true"
	}
	if v := os.Getenv("LEARN_FROM_MOCK"); v != "" {
		c.LearnFromMock = v == "true"
	}
	if v := os.Getenv("INTEL_DATA_SOURCE"); v != "" {
		c.IntelSource = v
	}
	if v := os.Getenv("HB_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Seed = &n
		}
	}
	if v := os.Getenv("HB_ACTIVE_POOL_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PoolCap = n
		}
	}
	if v := os.Getenv("HB_ACTIVE_POOLS"); v != "" {
		var pools []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pools = append(pools, p)
			}
		}
		c.ActivePools = pools
	}
	if v := os.Getenv("SCHEDULER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("DISABLE_POOL_VALIDATION"); v != "" {
		c.DisablePoolValidation = v == "true"
	}
}

// Validate checks enumerated values and numeric ranges.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvMock, EnvReal:
	default:
		return fmt.Errorf("environment must be %q or %q, got %q", EnvMock, EnvReal, c.Environment)
	}
	switch c.IntelSource {
	case IntelMock, IntelDune:
	default:
		return fmt.Errorf("intel_source must be %q or %q, got %q", IntelMock, IntelDune, c.IntelSource)
	}
	switch c.CacheBackend {
	case CacheFile, CacheRedis:
	default:
		return fmt.Errorf("cache_backend must be %q or %q, got %q", CacheFile, CacheRedis, c.CacheBackend)
	}
	if c.CacheBackend == CacheRedis && c.RedisAddr == "" {
		return fmt.Errorf("redis_addr is required when cache_backend is %q", CacheRedis)
	}
	switch c.BudgetExemptP0 {
	case BudgetHard, BudgetSoft:
	default:
		return fmt.Errorf("budget_exempt_p0 must be %q or %q, got %q", BudgetHard, BudgetSoft, c.BudgetExemptP0)
	}
	for name, v := range map[string]int{
		"pool_cap":                c.PoolCap,
		"worker_count":            c.WorkerCount,
		"tick_interval_seconds":   c.TickIntervalSeconds,
		"worker_timeout_seconds":  c.WorkerTimeoutSeconds,
		"drain_timeout_seconds":   c.DrainTimeoutSeconds,
		"trigger_horizon_seconds": c.TriggerHorizonSeconds,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if c.ExpensivePerTick < 0 {
		return fmt.Errorf("expensive_per_tick must be non-negative, got %d", c.ExpensivePerTick)
	}
	if c.Seed != nil && (*c.Seed == math.MinInt64) {
		return fmt.Errorf("seed out of range")
	}
	return nil
}

// TickInterval returns the tick cadence as a duration.
func (c Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// WorkerTimeout returns the per-job timeout as a duration.
func (c Config) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// DrainTimeout returns the shutdown drain bound as a duration.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// TriggerHorizon returns the trigger staleness bound as a duration.
func (c Config) TriggerHorizon() time.Duration {
	return time.Duration(c.TriggerHorizonSeconds) * time.Second
}
