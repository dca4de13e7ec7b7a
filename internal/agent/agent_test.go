package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/asset"
	"github.com/atmx/conviction-engine/internal/config"
	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/feeds"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/signal"
	"github.com/atmx/conviction-engine/internal/store"
)

const (
	tokenA = "2JoWYwfSWoMYbdLV82VjCqLtmxr615eyKwW91fVjzGQx"
	tokenB = "9fQ6Lp3eMmVeg2GwUh9VgC7rM3jJzv6dUcv3Bq5x9ZNF"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

var topWallets = []model.WatchedWallet{
	{Address: "A4HfPVkdjjst1awC1BKhZ4zcPisoGvsjn7ftSiYsy47F", Tier: model.Tier1, Score: 92},
	{Address: "wJQzM78ih55mMdd1tbAzYbNKBofrFv1QDsBKCGSZYzW", Tier: model.Tier1, Score: 90},
	{Address: "5pXC7xoN7wky7RW87jkseL9myXzAJaLmd8VYDzLbdWCd", Tier: model.Tier1, Score: 88},
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []alert.Event
}

func (n *recordingNotifier) Notify(e alert.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func (n *recordingNotifier) kinds() []alert.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]alert.Kind, len(n.events))
	for i, e := range n.events {
		out[i] = e.Kind
	}
	return out
}

type testEnv struct {
	feeds   *feeds.Memory
	store   *store.MemoryStore
	alerts  *recordingNotifier
	cfg     *config.Config
	now     time.Time
	builder execution.SwapBuilder
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Execution.TradingEnabled = true
	cfg.Execution.Paper = true
	cfg.Execution.PaperBalanceSOL = decimal.NewFromInt(10)
	cfg.Execution.RetryDelay = time.Millisecond

	env := &testEnv{
		feeds:  feeds.NewMemory(),
		store:  store.NewMemoryStore(),
		alerts: &recordingNotifier{},
		cfg:    cfg,
		now:    t0,
	}
	env.feeds.SetPrice(asset.NativeMint, signal.PriceQuote{PriceUSD: 150})
	env.feeds.SetRegime(signal.RegimeState{Regime: model.RegimeFull, SolChange24h: 6})
	env.feeds.SetWatchlist(topWallets)
	for _, tok := range []string{tokenA, tokenB} {
		env.listToken(tok, 0.001)
	}
	return env
}

// listToken publishes a healthy, well-promoted token.
func (e *testEnv) listToken(tok string, price float64) {
	e.feeds.SetPrice(tok, signal.PriceQuote{PriceUSD: price, LiquidityUSD: 50_000, Volume24h: 200_000})
	e.feeds.SetSafety(tok, model.SafetySignal{Score: 95, Level: "SAFE", Passed: true})
	e.feeds.SetSocial(tok, model.SocialSignal{
		HasTwitter: true, HasTelegram: true, HasWebsite: true,
		Followers: 25_000, MentionsPerHour: 60,
	})
	e.feeds.SetStats(tok, signal.TokenStats{
		Symbol:       "TKN",
		AllTimeHigh:  price * 2,
		CreatedAt:    t0.Add(-time.Hour),
		BuySellRatio: 2,
	})
}

func (e *testEnv) agent(t *testing.T) *Agent {
	t.Helper()
	a, err := New(context.Background(), e.cfg, Deps{
		Store:     e.store,
		Prices:    e.feeds,
		Safety:    e.feeds,
		Social:    e.feeds,
		Stats:     e.feeds,
		Regime:    e.feeds,
		Directory: e.feeds,
		Activity:  e.feeds,
		Builder:   e.builder,
		Alerts:    e.alerts,
		Clock:     func() time.Time { return e.now },
	}, nil)
	require.NoError(t, err)
	return a
}

func candidate(tok string) model.Opportunity {
	o := model.Opportunity{
		Address:       tok,
		FirstDetected: t0.Add(-5 * time.Minute),
		CurrentPrice:  decimal.NewFromFloat(0.001),
		HighWater:     decimal.NewFromFloat(0.001),
		LiquidityUSD:  50_000,
		Status:        model.StatusReady,
		Trigger:       model.TriggerEarlyDiscovery,
		ExpiresAt:     t0.Add(2 * time.Hour),
	}
	for _, w := range topWallets {
		o.Wallets = append(o.Wallets, model.WalletEntry{
			Address: w.Address, Tier: w.Tier, Score: w.Score, EnteredAt: t0.Add(-2 * time.Minute),
		})
	}
	return o
}

func TestNew_FailsWithoutExecutionCapability(t *testing.T) {
	env := newEnv(t)
	env.cfg.Execution.Paper = false
	env.cfg.RPC.Endpoints = []string{"http://localhost:8899"}

	_, err := New(context.Background(), env.cfg, Deps{
		Store: env.store, Prices: env.feeds, Safety: env.feeds, Social: env.feeds,
		Stats: env.feeds, Regime: env.feeds, Directory: env.feeds, Activity: env.feeds,
	}, nil)
	assert.ErrorIs(t, err, ErrNoExecutionCapability)

	_, err = New(context.Background(), env.cfg, Deps{Store: env.store}, nil)
	assert.ErrorIs(t, err, ErrMissingDependency)
}

func TestEvaluate_EntersStrongCandidate(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	v, err := a.evaluate(ctx, candidate(tokenA))
	require.NoError(t, err)
	require.True(t, v.Entered, v.Reason)

	positions := a.Positions().Positions()
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, tokenA, p.Asset)
	assert.True(t, p.EntryAmount.IsPositive())
	assert.Equal(t, p.EntryAmount.String(), a.Executor().Paper().Tokens(tokenA).String())

	decisions, err := a.Decisions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, model.ReasonApproved, decisions[0].Reason)
	assert.Len(t, decisions[0].Checks, 7)

	saved, err := env.store.Position(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PositionOpen, saved.Status)
	assert.Contains(t, env.alerts.kinds(), alert.KindEntry)

	v, err = a.evaluate(ctx, candidate(tokenA))
	require.NoError(t, err)
	assert.False(t, v.Entered, "no second position in the same asset")
}

func TestEvaluate_RiskRejectionIsRecorded(t *testing.T) {
	env := newEnv(t)
	env.feeds.SetSafety(tokenA, model.SafetySignal{Score: 10, HardRejected: true, RejectReason: "mint authority"})
	a := env.agent(t)

	v, err := a.evaluate(context.Background(), candidate(tokenA))
	require.NoError(t, err)
	assert.False(t, v.Entered)
	assert.Contains(t, v.Reason, string(model.ReasonSafetyHardReject))
	assert.Zero(t, a.Positions().OpenPositionCount())
}

func TestEvaluate_PriceUnavailableIsError(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	o := candidate(tokenA)
	o.Address = "BEBu7vyJ616UYkjBumPuecoLvnJt4boYzF2BeKnQncem"

	_, err := a.evaluate(context.Background(), o)
	assert.ErrorIs(t, err, signal.ErrPriceUnavailable)
}

func TestDetectAndUpdate_EarlyDiscoveryEntersThroughJobs(t *testing.T) {
	env := newEnv(t)
	for _, w := range topWallets {
		env.feeds.PushTrade(model.WalletTrade{
			Wallet: w.Address, Asset: tokenB, Side: model.SideBuy, AmountSOL: 2, At: t0.Add(-30 * time.Second),
		})
	}
	a := env.agent(t)

	require.NoError(t, a.RunJob(JobDetect))
	o, ok := a.Tracker().Get(tokenB)
	require.True(t, ok)
	assert.Equal(t, model.StatusWatching, o.Status)
	assert.True(t, env.feeds.Monitored(tokenB))

	require.NoError(t, a.RunJob(JobUpdate))
	o, ok = a.Tracker().Get(tokenB)
	require.True(t, ok)
	assert.Equal(t, model.StatusEntered, o.Status, o.StatusReason)
	assert.Equal(t, model.TriggerEarlyDiscovery, o.Trigger)
	assert.True(t, a.Positions().HoldsAsset(tokenB))
}

func TestPause_BlocksEntriesButMonitoringContinues(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	v, err := a.evaluate(ctx, candidate(tokenA))
	require.NoError(t, err)
	require.True(t, v.Entered, v.Reason)

	assert.True(t, a.Pause("operator"))
	assert.False(t, a.Pause("again"), "pause is idempotent")

	v, err = a.evaluate(ctx, candidate(tokenB))
	require.NoError(t, err)
	assert.False(t, v.Entered)
	assert.Contains(t, v.Reason, string(model.ReasonPaused))
	decisions, err := a.Decisions(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonPaused, decisions[0].Reason)

	// A crash below the hard stop still exits while paused.
	env.feeds.SetPrice(tokenA, signal.PriceQuote{PriceUSD: 0.0006, LiquidityUSD: 50_000})
	require.NoError(t, a.RunJob(JobMonitor))
	assert.Zero(t, a.Positions().OpenPositionCount())

	trades, err := a.Trades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, model.ExitHardStop, trades[0].ExitReason)
	assert.Equal(t, model.OutcomeLoss, trades[0].Outcome)
	assert.Equal(t, 1, a.Risk().Snapshot().LosingStreak)

	resumed, err := a.Resume()
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, []alert.Kind{alert.KindEntry, alert.KindPaused, alert.KindExit, alert.KindResumed}, env.alerts.kinds())
}

func TestKill_LiquidatesAndIsIdempotent(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	for _, tok := range []string{tokenA, tokenB} {
		v, err := a.evaluate(ctx, candidate(tok))
		require.NoError(t, err)
		require.True(t, v.Entered, v.Reason)
	}

	rep := a.Kill(ctx, "operator")
	assert.False(t, rep.AlreadyKilled)
	assert.Equal(t, 2, rep.Positions)
	assert.Zero(t, rep.Failed)
	assert.True(t, a.Killed())
	assert.Zero(t, a.Positions().OpenPositionCount())

	trades, err := a.Trades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	for _, tr := range trades {
		assert.Equal(t, model.ExitKillSwitch, tr.ExitReason)
	}

	again := a.Kill(ctx, "operator")
	assert.True(t, again.AlreadyKilled)
	assert.Zero(t, again.Positions)

	_, err = a.Resume()
	assert.ErrorIs(t, err, ErrKilled)

	v, err := a.evaluate(ctx, candidate(tokenA))
	require.NoError(t, err)
	assert.Contains(t, v.Reason, string(model.ReasonKillSwitch))

	var kills int
	for _, k := range env.alerts.kinds() {
		if k == alert.KindKillSwitch {
			kills++
		}
	}
	assert.Equal(t, 1, kills)
}

func TestRestart_RestoresState(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	for _, tok := range []string{tokenA, tokenB} {
		v, err := a.evaluate(ctx, candidate(tok))
		require.NoError(t, err)
		require.True(t, v.Entered, v.Reason)
	}
	env.feeds.SetPrice(tokenA, signal.PriceQuote{PriceUSD: 0.0006, LiquidityUSD: 50_000})
	require.NoError(t, a.RunJob(JobMonitor))
	require.Equal(t, 1, a.Positions().OpenPositionCount())
	require.NoError(t, a.Tracker().Track(ctx, candidate("C2gA55fyxnp4cY5HjQTAyGMVspRxBQqLvPFy1jvijDiX")))

	before := a.Risk().Snapshot()
	require.Equal(t, 1, before.LosingStreak)
	require.Negative(t, before.DailyPnLPct)

	env.now = t0.Add(time.Minute)
	b := env.agent(t)
	after := b.Risk().Snapshot()
	assert.Equal(t, before.LosingStreak, after.LosingStreak)
	assert.InDelta(t, before.DailyPnLPct, after.DailyPnLPct, 1e-9)
	assert.True(t, before.CooldownUntil.Equal(after.CooldownUntil))

	assert.Equal(t, 1, b.Positions().OpenPositionCount())
	assert.True(t, b.Positions().HoldsAsset(tokenB))
	_, ok := b.Tracker().Get("C2gA55fyxnp4cY5HjQTAyGMVspRxBQqLvPFy1jvijDiX")
	assert.True(t, ok)

	st := b.Status(ctx)
	require.NotNil(t, st.Learning)
	assert.Equal(t, 1, st.Learning.Trades)
	assert.Equal(t, 1, st.OpenPositions)
}

func TestSetRegimeOverride(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	ctx := context.Background()

	require.NoError(t, a.SetRegimeOverride(ctx, model.RegimeDefensive))
	st := a.Status(ctx)
	require.NotNil(t, st.Regime)
	assert.Equal(t, model.RegimeDefensive, st.Regime.Regime)
	assert.True(t, st.Regime.Override)

	assert.Error(t, a.SetRegimeOverride(ctx, "SIDEWAYS"))
	require.NoError(t, a.SetRegimeOverride(ctx, ""))
	assert.Equal(t, model.RegimeFull, a.Status(ctx).Regime.Regime)
}

func TestStatus(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t)
	st := a.Status(context.Background())

	assert.True(t, st.Paper)
	require.NotNil(t, st.PaperBalanceSOL)
	assert.Equal(t, "10", st.PaperBalanceSOL.String())
	assert.ElementsMatch(t, []string{JobCleanup, JobDailyReset, JobDetect, JobMonitor, JobUpdate}, st.Jobs)
	assert.False(t, st.Paused)
}
