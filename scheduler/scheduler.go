// Package scheduler keeps the analytics cache warm. A control loop ticks at
// a fixed interval: it drains advisory triggers, computes the active pool
// set, enumerates the refresh plan from the registry, filters fresh
// envelopes and dispatches the rest to a bounded worker pool implementing
// stale-while-revalidate. Failures never evict a prior good envelope.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/quantslab/clmmlab/analytics"
	"github.com/quantslab/clmmlab/config"
	"github.com/quantslab/clmmlab/qualitykv"
	"github.com/quantslab/clmmlab/registry"
	"github.com/quantslab/clmmlab/telemetry"
	"github.com/quantslab/clmmlab/trigger"
)

type (
	// Scheduler is the background refresher. Exactly one instance may write
	// to a given cache store.
	Scheduler struct {
		store    qualitykv.Store
		caller   analytics.Caller
		triggers *trigger.Log
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		tracer   telemetry.Tracer
		now      func() time.Time

		workerCount   int
		tickInterval  time.Duration
		workerTimeout time.Duration
		drainTimeout  time.Duration
		horizon       time.Duration
		queueCap      int

		poolCap     int
		staticPools []string
		defaultPool string
		defaultPair string
		poolSource  func() []string

		source        string
		budgetHard    bool
		expensiveRate *rate.Limiter
	}

	// Option customizes a Scheduler.
	Option func(*Scheduler)

	// TickStats summarizes one refresh cycle for logging and tests.
	TickStats struct {
		Triggers      trigger.DrainStats
		ActivePools   int
		Planned       int
		Fresh         int
		Immediate     int
		Stale         int
		Enqueued      int
		DroppedQueue  int
		DroppedBudget int
		Succeeded     int
		Failed        int
	}
)

// New constructs a Scheduler from the runtime configuration.
func New(cfg config.Config, store qualitykv.Store, caller analytics.Caller, triggers *trigger.Log, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         store,
		caller:        caller,
		triggers:      triggers,
		logger:        telemetry.NewNoopLogger(),
		metrics:       telemetry.NewNoopMetrics(),
		tracer:        telemetry.NewNoopTracer(),
		now:           time.Now,
		workerCount:   cfg.WorkerCount,
		tickInterval:  cfg.TickInterval(),
		workerTimeout: cfg.WorkerTimeout(),
		drainTimeout:  cfg.DrainTimeout(),
		horizon:       cfg.TriggerHorizon(),
		queueCap:      64,
		poolCap:       cfg.PoolCap,
		staticPools:   cfg.ActivePools,
		defaultPool:   cfg.DefaultPool,
		defaultPair:   cfg.DefaultPair,
		source:        cfg.IntelSource,
		budgetHard:    cfg.BudgetExemptP0 == config.BudgetHard,
	}
	// The expensive budget refills per tick interval so an idle scheduler
	// cannot bank an unbounded burst. A zero cap blocks expensive work
	// entirely (P0 hard exemptions aside).
	if cfg.ExpensivePerTick > 0 {
		perTick := rate.Every(cfg.TickInterval() / time.Duration(cfg.ExpensivePerTick))
		s.expensiveRate = rate.NewLimiter(perTick, cfg.ExpensivePerTick)
	} else {
		s.expensiveRate = rate.NewLimiter(0, 0)
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// WithLogger sets the structured logger.
func WithLogger(logger telemetry.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithTracer sets the span tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Scheduler) { s.tracer = t }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithPoolSource supplies the active-pool derivation (typically
// ActivePoolsFromRuns over the artifact base directory). Ignored when the
// configuration lists pools explicitly.
func WithPoolSource(src func() []string) Option {
	return func(s *Scheduler) { s.poolSource = src }
}

// WithQueueCap overrides the bounded tick queue size.
func WithQueueCap(n int) Option {
	return func(s *Scheduler) { s.queueCap = n }
}

// Tick processes one refresh cycle and blocks until every dispatched worker
// has finished or timed out. A tick never returns an error for per-job
// failures; those are recorded in envelopes and counted in the stats.
func (s *Scheduler) Tick(ctx context.Context) (TickStats, error) {
	var stats TickStats
	now := s.now()
	tickID := uuid.NewString()

	drained, dstats, err := s.triggers.Drain(now, s.horizon)
	if err != nil {
		// A broken trigger log degrades the tick, it does not abort it.
		s.logger.Error(ctx, "trigger drain failed", "err", err.Error())
	}
	stats.Triggers = dstats
	if dstats.Malformed > 0 {
		s.logger.Warn(ctx, "malformed trigger lines skipped", "count", dstats.Malformed)
	}

	pools, pairs, forcedPools, forcedPairs := s.activeScope(drained)
	stats.ActivePools = len(pools)

	jobs := enumerate(pools, pairs)
	stats.Planned = len(jobs)

	queue := s.classify(ctx, jobs, forcedPools, forcedPairs, now, &stats)
	orderJobs(queue)
	queue = s.applyBudget(ctx, queue, &stats)
	if len(queue) > s.queueCap {
		stats.DroppedQueue = len(queue) - s.queueCap
		queue = queue[:s.queueCap]
	}
	stats.Enqueued = len(queue)

	s.dispatch(ctx, queue, &stats)

	s.metrics.IncCounter("scheduler.jobs", float64(stats.Succeeded), "outcome", "ok")
	s.metrics.IncCounter("scheduler.jobs", float64(stats.Failed), "outcome", "error")
	s.metrics.RecordGauge("scheduler.queue_depth", float64(stats.Enqueued))
	s.logger.Info(ctx, "tick complete", "tick_id", tickID,
		"planned", stats.Planned, "fresh", stats.Fresh, "enqueued", stats.Enqueued,
		"succeeded", stats.Succeeded, "failed", stats.Failed,
		"dropped_budget", stats.DroppedBudget, "dropped_queue", stats.DroppedQueue)
	return stats, nil
}

// RunForever loops Tick at the configured interval until ctx is cancelled.
// A trigger-log write nudges the next tick early; the interval remains the
// hard bound on trigger-to-refresh latency. Shutdown drains in-flight
// workers for at most the drain timeout.
func (s *Scheduler) RunForever(ctx context.Context) error {
	nudge, err := trigger.Watch(ctx, s.triggers)
	if err != nil {
		s.logger.Warn(ctx, "trigger watcher unavailable", "err", err.Error())
		nudge = make(chan struct{})
	}

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		// Bound each tick so a stuck backend cannot stall the loop past the
		// drain timeout.
		tickCtx, cancel := context.WithTimeout(ctx, s.tickInterval+s.drainTimeout)
		_, err := s.Tick(tickCtx)
		cancel()
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "scheduler stopping")
			return nil
		case <-ticker.C:
		case <-nudge:
			s.logger.Debug(ctx, "early tick on trigger nudge")
		}
	}
}

// activeScope computes the pools and pairs for this tick. Explicit
// configuration wins, then the pool source, then the default pool. Triggers
// widen the scope and force re-enqueue of P0/P1 items touching them.
func (s *Scheduler) activeScope(drained []trigger.Trigger) (pools, pairs, forcedPools, forcedPairs []string) {
	switch {
	case len(s.staticPools) > 0:
		pools = append(pools, s.staticPools...)
	case s.poolSource != nil:
		pools = append(pools, s.poolSource()...)
	}
	if len(pools) == 0 && s.defaultPool != "" {
		pools = append(pools, s.defaultPool)
	}
	if len(pools) > s.poolCap {
		pools = pools[:s.poolCap]
	}
	if s.defaultPair != "" {
		pairs = append(pairs, s.defaultPair)
	}

	for _, t := range drained {
		if t.Pool != "" {
			pools = append(pools, t.Pool)
			forcedPools = append(forcedPools, t.Pool)
		}
		if t.Pair != "" {
			pairs = append(pairs, t.Pair)
			forcedPairs = append(forcedPairs, t.Pair)
		}
	}
	return lo.Uniq(pools), lo.Uniq(pairs), lo.Uniq(forcedPools), lo.Uniq(forcedPairs)
}

// classify reads the current envelope for every planned job and keeps only
// the ones needing work: missing and too-old immediately, stale for
// background revalidation, fresh only when forced by a trigger.
func (s *Scheduler) classify(ctx context.Context, jobs []job, forcedPools, forcedPairs []string, now time.Time, stats *TickStats) []job {
	var queue []job
	for _, j := range jobs {
		env, found, err := s.store.Get(ctx, j.key)
		if err != nil {
			s.logger.Error(ctx, "cache read failed", "key", j.key, "err", err.Error())
			continue
		}
		quality := qualitykv.QualityMissing
		if found {
			quality, _ = env.QualityAt(now, j.desc.TTL, j.desc.MaxAge)
		}

		forced := s.isForced(j, forcedPools, forcedPairs)
		switch quality {
		case qualitykv.QualityFresh:
			stats.Fresh++
			if !forced {
				continue
			}
			j.immediate = true
		case qualitykv.QualityStale:
			stats.Stale++
			j.immediate = forced
		default:
			stats.Immediate++
			j.immediate = true
		}
		queue = append(queue, j)
	}
	return queue
}

// isForced reports whether a trigger touching the job's pool or pair forces
// it this tick. Only P0 and P1 work is force-refreshed.
func (s *Scheduler) isForced(j job, forcedPools, forcedPairs []string) bool {
	if j.desc.Priority != registry.P0 && j.desc.Priority != registry.P1 {
		return false
	}
	if pool := j.params["pool"]; pool != "" && lo.Contains(forcedPools, pool) {
		return true
	}
	if pair := j.params["pair"]; pair != "" && lo.Contains(forcedPairs, pair) {
		return true
	}
	return false
}

// applyBudget drops expensive jobs beyond the per-tick allowance. P0 jobs
// bypass the budget under the hard exemption; under the soft exemption they
// consume permits like everyone else. Dropped jobs are recomputed next tick.
func (s *Scheduler) applyBudget(ctx context.Context, queue []job, stats *TickStats) []job {
	kept := queue[:0]
	for _, j := range queue {
		if j.desc.Cost != registry.CostExpensive {
			kept = append(kept, j)
			continue
		}
		if s.budgetHard && j.desc.Priority == registry.P0 {
			kept = append(kept, j)
			continue
		}
		if !s.expensiveRate.Allow() {
			stats.DroppedBudget++
			s.logger.Debug(ctx, "expensive job deferred by budget", "key", j.key)
			continue
		}
		kept = append(kept, j)
	}
	return kept
}

// dispatch fans the queue out to the worker pool and waits for completion.
func (s *Scheduler) dispatch(ctx context.Context, queue []job, stats *TickStats) {
	if len(queue) == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workerCount)

	outcomes := make([]bool, len(queue))
	for i, j := range queue {
		g.Go(func() error {
			outcomes[i] = s.refresh(gctx, j)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors; outcomes carry the results

	for _, ok := range outcomes {
		if ok {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
	}
}

// refresh executes one job: query the backend with a timeout and publish the
// envelope. On failure the previous good envelope, if any, is left in place
// (stale-while-revalidate); an ok=false envelope is written only when no
// prior good value exists so readers distinguish "never fetched" from
// "currently failing".
func (s *Scheduler) refresh(ctx context.Context, j job) bool {
	jobCtx, cancel := context.WithTimeout(ctx, s.workerTimeout)
	defer cancel()
	jobCtx, span := s.tracer.Start(jobCtx, "scheduler.refresh")
	defer span.End()
	span.AddEvent("job", "key", j.key)

	started := s.now()
	rows, err := s.caller.Query(jobCtx, j.desc.Method, j.params)
	s.metrics.RecordTimer("scheduler.job_duration", s.now().Sub(started), "query", j.desc.Key)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		s.logger.Warn(ctx, "refresh failed", "key", j.key, "err", err.Error())
		prior, found, gerr := s.store.Get(ctx, j.key)
		if gerr == nil && found && prior.OK {
			return false // keep serving the last good envelope
		}
		fail := qualitykv.Envelope{
			OK:            false,
			FetchedAt:     s.now(),
			TTLSeconds:    int64(j.desc.TTL / time.Second),
			MaxAgeSeconds: int64(j.desc.MaxAge / time.Second),
			Error:         err.Error(),
			Source:        s.source,
		}
		if serr := s.store.Set(ctx, j.key, fail); serr != nil {
			s.logger.Error(ctx, "envelope write failed", "key", j.key, "err", serr.Error())
		}
		return false
	}

	env := qualitykv.Envelope{
		OK:            true,
		Data:          rows,
		FetchedAt:     s.now(),
		TTLSeconds:    int64(j.desc.TTL / time.Second),
		MaxAgeSeconds: int64(j.desc.MaxAge / time.Second),
		Source:        s.source,
	}
	if err := s.store.Set(ctx, j.key, env); err != nil {
		s.logger.Error(ctx, "envelope write failed", "key", j.key, "err", err.Error())
		return false
	}
	return true
}
