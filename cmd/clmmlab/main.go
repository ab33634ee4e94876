// Command clmmlab runs the CLMM research pipeline: episode campaigns, the
// background cache scheduler and the supporting cache tooling.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"goa.design/clue/log"

	"github.com/quantslab/clmmlab/config"
	"github.com/quantslab/clmmlab/scheduler"
	"github.com/quantslab/clmmlab/trigger"
)

var (
	configPath string
	debug      bool
)

func main() {
	root := &cobra.Command{
		Use:           "clmmlab",
		Short:         "Concentrated-liquidity market-making research pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// Flags are only parsed by now; upgrade the context if asked.
			if debug {
				cmd.SetContext(log.Context(cmd.Context(), log.WithDebug()))
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration (optional)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")

	root.AddCommand(campaignCmd(), schedulerCmd(), seedCacheCmd(), triggerCmd())

	ctx := rootContext()
	if err := root.ExecuteContext(ctx); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

// rootContext builds the base context carrying the logger and OS signal
// cancellation.
func rootContext() context.Context {
	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if os.Getenv("DEBUG") == "true" {
		ctx = log.Context(ctx, log.WithDebug())
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	_ = stop // released on process exit
	return ctx
}

func campaignCmd() *cobra.Command {
	var episodes int
	var seedFlag int64
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Run a campaign of episodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = &seedFlag
			}
			if cfg.Seed == nil {
				s := resolveSeed(cmd.Context(), cfg)
				cfg.Seed = &s
			}
			deps, err := wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			orch, err := buildOrchestrator(cfg, deps)
			if err != nil {
				return err
			}

			stats, err := orch.Campaign(cmd.Context(), episodes)
			if err != nil {
				return fmt.Errorf("campaign %s: %w", stats.RunID, err)
			}
			log.Print(cmd.Context(),
				log.KV{K: "run_id", V: stats.RunID},
				log.KV{K: "episodes", V: stats.Episodes},
				log.KV{K: "succeeded", V: stats.Succeeded},
				log.KV{K: "failed", V: stats.Failed},
				log.KV{K: "skipped", V: stats.Skipped})
			return nil
		},
	}
	cmd.Flags().IntVar(&episodes, "episodes", 1, "number of episodes to run")
	cmd.Flags().Int64Var(&seedFlag, "seed", 0, "deterministic seed (random when omitted)")
	return cmd
}

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the background cache refresh scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			deps, err := wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			s := buildScheduler(cfg, deps)
			log.Print(cmd.Context(),
				log.KV{K: "msg", V: "scheduler starting"},
				log.KV{K: "tick_interval", V: cfg.TickInterval().String()},
				log.KV{K: "workers", V: cfg.WorkerCount})
			return s.RunForever(cmd.Context())
		},
	}
}

func seedCacheCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-cache",
		Short: "Warm the analytics cache with a single scheduler tick",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			deps, err := wire(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			stats, err := buildScheduler(cfg, deps).Tick(cmd.Context())
			if err != nil {
				return err
			}
			log.Print(cmd.Context(),
				log.KV{K: "planned", V: stats.Planned},
				log.KV{K: "succeeded", V: stats.Succeeded},
				log.KV{K: "failed", V: stats.Failed})
			return nil
		},
	}
}

func triggerCmd() *cobra.Command {
	var reason, pool, pair string
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Append a refresh trigger for the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			lg, err := trigger.NewLog(cfg.TriggerPath)
			if err != nil {
				return err
			}
			t := trigger.Trigger{Reason: reason, Pool: pool, Pair: pair}
			if err := lg.Append(t); err != nil {
				return err
			}
			log.Print(cmd.Context(), log.KV{K: "msg", V: "trigger appended"}, log.KV{K: "reason", V: reason})
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "condition raising the trigger (required)")
	cmd.Flags().StringVar(&pool, "pool", "", "pool address to prioritize")
	cmd.Flags().StringVar(&pair, "pair", "", "trading pair to prioritize")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func buildScheduler(cfg config.Config, deps *deps) *scheduler.Scheduler {
	return scheduler.New(cfg, deps.store, deps.caller, deps.triggers,
		scheduler.WithLogger(deps.logger),
		scheduler.WithMetrics(deps.metrics),
		scheduler.WithTracer(deps.tracer),
		scheduler.WithPoolSource(func() []string {
			return scheduler.ActivePoolsFromRuns(cfg.BaseDir, cfg.PoolCap)
		}))
}

// resolveSeed returns the configured seed or draws a random one, which the
// orchestrator records in every episode's metadata so runs stay replayable.
func resolveSeed(ctx context.Context, cfg config.Config) int64 {
	if cfg.Seed != nil {
		return *cfg.Seed
	}
	seed := rand.New(rand.NewSource(time.Now().UnixNano())).Int63()
	log.Print(ctx, log.KV{K: "msg", V: "seed drawn"}, log.KV{K: "seed", V: seed})
	return seed
}
