// Package agent wires the decision core together: the tracker hands READY
// candidates to the aggregate, score, decide and execute pipeline, filled
// buys become positions, and closed positions feed risk state, learning,
// persistence and alerts.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/config"
	"github.com/atmx/conviction-engine/internal/conviction"
	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/learning"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/position"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/risk"
	"github.com/atmx/conviction-engine/internal/scheduler"
	"github.com/atmx/conviction-engine/internal/signal"
	"github.com/atmx/conviction-engine/internal/store"
	"github.com/atmx/conviction-engine/internal/tracker"
)

var (
	// ErrNoExecutionCapability aborts startup when live trading is enabled
	// without a way to build or send transactions.
	ErrNoExecutionCapability = execution.ErrNoExecutionCapability
	ErrKilled                = errors.New("agent: kill switch active")
	ErrMissingDependency     = errors.New("agent: missing dependency")
)

// Job names.
const (
	JobDetect     = "detect"
	JobUpdate     = "update"
	JobMonitor    = "monitor"
	JobCleanup    = "cleanup"
	JobDailyReset = "daily_reset"
)

// Deps bundles the collaborators. Learning, Limiter, Alerts, Builder,
// Chain and Clock are optional.
type Deps struct {
	Store     store.Store
	Prices    signal.PriceFeed
	Safety    signal.SafetyAnalyzer
	Social    signal.SocialProvider
	Stats     signal.TokenStatsProvider
	Regime    signal.RegimeProvider
	Directory signal.WalletDirectory
	Activity  tracker.ActivitySource

	Builder  execution.SwapBuilder
	Chain    execution.Chain
	Learning learning.Store
	Limiter  *ratelimit.Limiter
	Alerts   alert.Notifier
	Clock    func() time.Time
}

// Agent owns the control loop.
type Agent struct {
	cfg      *config.Config
	store    store.Store
	regime   signal.RegimeProvider
	learning learning.Store
	limiter  *ratelimit.Limiter
	alerts   alert.Notifier
	logger   *slog.Logger
	now      func() time.Time

	risk      *risk.RiskState
	engine    *risk.Engine
	scorer    *conviction.Scorer
	agg       *signal.Aggregator
	exec      *execution.Executor
	positions *position.Manager
	tracker   *tracker.Tracker
	sched     *scheduler.Scheduler

	paused    atomic.Bool
	killed    atomic.Bool
	killMu    sync.Mutex
	entryMu   sync.Mutex // serialises decide-and-reserve
	startedAt time.Time
}

// New builds the agent and restores persisted state: risk counters, open
// positions, tracked candidates and learning history. It fails when live
// trading is configured without execution capability.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Store == nil || deps.Prices == nil || deps.Safety == nil || deps.Social == nil ||
		deps.Stats == nil || deps.Regime == nil || deps.Directory == nil || deps.Activity == nil {
		return nil, ErrMissingDependency
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	a := &Agent{
		cfg:     cfg,
		store:   deps.Store,
		regime:  deps.Regime,
		limiter: deps.Limiter,
		alerts:  deps.Alerts,
		logger:  logger,
		now:     now,
	}
	if a.limiter == nil {
		a.limiter = ratelimit.New(cfg.Limiter)
	}
	if a.alerts == nil {
		a.alerts = alert.Nop{}
	}

	builder := deps.Builder
	if builder == nil && cfg.Execution.Paper {
		builder = execution.NewFeedQuoter(deps.Prices)
	}
	exec, err := execution.New(cfg.Execution, builder, deps.Chain, a, logger.With("component", "executor"))
	if err != nil {
		return nil, fmt.Errorf("agent: executor: %w", err)
	}
	a.exec = exec

	a.risk, err = risk.LoadRiskState(ctx, deps.Store, cfg.Risk, logger.With("component", "risk"), risk.WithClock(now))
	if err != nil {
		return nil, fmt.Errorf("agent: load risk state: %w", err)
	}
	a.engine = risk.NewEngine(cfg.Risk, a.risk, logger.With("component", "risk"))
	a.engine.SetClock(now)

	a.learning = deps.Learning
	if a.learning == nil {
		a.learning = learning.NewMemory(cfg.Learning, cfg.Weights, logger.With("component", "learning"))
	}
	a.scorer = conviction.NewScorer(a.learning, logger.With("component", "conviction"))

	a.agg = signal.NewAggregator(signal.Sources{
		Price:  deps.Prices,
		Safety: deps.Safety,
		Social: deps.Social,
		Stats:  deps.Stats,
		Regime: deps.Regime,
	}, a.limiter, cfg.Signal, logger.With("component", "signal"))
	a.agg.SetClock(now)

	a.positions = position.NewManager(cfg.Position, position.Deps{
		Prices:  deps.Prices,
		Safety:  deps.Safety,
		Seller:  exec,
		Store:   deps.Store,
		Limiter: a.limiter,
		OnClose: a.onTradeClosed,
	}, logger.With("component", "position"))
	a.positions.SetClock(now)

	a.tracker = tracker.New(cfg.Tracker, tracker.Deps{
		Directory: deps.Directory,
		Activity:  deps.Activity,
		Prices:    deps.Prices,
		Limiter:   a.limiter,
		Store:     deps.Store,
		Evaluate:  a.evaluate,
	}, logger.With("component", "tracker"))
	a.tracker.SetClock(now)

	if err := a.restore(ctx); err != nil {
		return nil, err
	}

	a.sched = scheduler.New(logger)
	if err := a.registerJobs(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) restore(ctx context.Context) error {
	positions, err := a.store.ListOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("agent: restore positions: %w", err)
	}
	a.positions.Restore(positions)

	opps, err := a.store.ListOpportunities(ctx)
	if err != nil {
		return fmt.Errorf("agent: restore opportunities: %w", err)
	}
	a.tracker.Restore(ctx, opps)

	if seeder, ok := a.learning.(interface{ Seed([]model.CompletedTrade) }); ok {
		trades, err := a.store.ListTrades(ctx, a.cfg.Learning.MaxHistory)
		if err != nil {
			return fmt.Errorf("agent: restore trade history: %w", err)
		}
		seeder.Seed(trades)
	}

	st := a.risk.Snapshot()
	a.logger.Info("state restored",
		"positions", len(positions),
		"opportunities", len(opps),
		"daily_pnl_pct", st.DailyPnLPct,
		"losing_streak", st.LosingStreak,
		"cooldown_until", st.CooldownUntil,
	)
	return nil
}

func (a *Agent) registerJobs() error {
	s := a.cfg.Schedule
	jobs := []struct {
		name string
		spec string
		fn   scheduler.JobFunc
	}{
		{JobDetect, scheduler.Every(s.Detect), a.detect},
		{JobUpdate, scheduler.Every(s.Update), func(ctx context.Context) error { a.tracker.Update(ctx); return nil }},
		{JobMonitor, scheduler.Every(s.Monitor), a.monitor},
		{JobCleanup, scheduler.Every(s.Cleanup), func(ctx context.Context) error { a.tracker.Cleanup(ctx); return nil }},
		{JobDailyReset, s.DailyReset, a.risk.ResetDaily},
	}
	for _, j := range jobs {
		if err := a.sched.Add(j.name, j.spec, j.fn); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	return nil
}

// Start begins the periodic jobs.
func (a *Agent) Start() {
	a.startedAt = a.now()
	a.sched.Start()
	mode := "live"
	if a.cfg.Execution.Paper {
		mode = "paper"
	}
	a.alerts.Notify(alert.NewEvent(alert.KindStartup, alert.SeverityInfo, "agent started",
		fmt.Sprintf("mode %s, trading enabled %t", mode, a.cfg.Execution.TradingEnabled)).
		With("positions", a.positions.OpenPositionCount()).
		With("tracked", a.tracker.Len()))
}

// Stop halts the jobs, waiting for in-flight runs up to ctx. Open
// positions are left for the next start to restore.
func (a *Agent) Stop(ctx context.Context) {
	a.sched.Stop(ctx)
	a.alerts.Notify(alert.NewEvent(alert.KindShutdown, alert.SeverityInfo, "agent stopped", "").
		With("positions", a.positions.OpenPositionCount()))
}

// RunJob runs one periodic job now.
func (a *Agent) RunJob(name string) error { return a.sched.RunNow(name) }

func (a *Agent) detect(ctx context.Context) error {
	added, err := a.tracker.Detect(ctx)
	if err != nil {
		return err
	}
	if added > 0 {
		a.logger.Info("detection cycle", "added", added, "tracked", a.tracker.Len())
	}
	return nil
}

// monitor ticks open positions. While the kill switch is active it
// retries liquidation of whatever is still open.
func (a *Agent) monitor(ctx context.Context) error {
	if a.killed.Load() && a.positions.OpenPositionCount() > 0 {
		if failed := a.positions.LiquidateAll(ctx, model.ExitKillSwitch); failed > 0 {
			return fmt.Errorf("%d positions still open after liquidation", failed)
		}
		return nil
	}
	a.positions.MonitorAll(ctx)
	return nil
}

// Tracker exposes the candidate set.
func (a *Agent) Tracker() *tracker.Tracker { return a.tracker }

// Positions exposes the position manager.
func (a *Agent) Positions() *position.Manager { return a.positions }

// Risk exposes the risk counters.
func (a *Agent) Risk() *risk.RiskState { return a.risk }

// Executor exposes the trade executor.
func (a *Agent) Executor() *execution.Executor { return a.exec }
