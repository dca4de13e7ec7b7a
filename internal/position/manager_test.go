package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/signal"
)

const testAsset = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeSeller struct {
	mu    sync.Mutex
	fail  bool
	sells []execution.SellRequest
}

func (s *fakeSeller) ExecuteSell(_ context.Context, req execution.SellRequest) execution.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return execution.Result{Side: execution.SideSell, Asset: req.Asset, Failure: execution.FailureTransient, Error: "rpc timeout"}
	}
	s.sells = append(s.sells, req)
	return execution.Result{Side: execution.SideSell, Asset: req.Asset, Success: true, Signature: "sig"}
}

func (s *fakeSeller) sold() []execution.SellRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execution.SellRequest(nil), s.sells...)
}

type fakeFeed struct {
	mu     sync.Mutex
	quotes map[string]signal.PriceQuote
}

func (f *fakeFeed) GetPrice(_ context.Context, asset string) (signal.PriceQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[asset]
	if !ok {
		return signal.PriceQuote{}, signal.ErrNoData
	}
	return q, nil
}
func (f *fakeFeed) AddToken(string)    {}
func (f *fakeFeed) RemoveToken(string) {}

type fakeSafety struct{ sig model.SafetySignal }

func (f fakeSafety) Analyze(context.Context, string) (model.SafetySignal, error) { return f.sig, nil }

type testEnv struct {
	m      *Manager
	seller *fakeSeller
	feed   *fakeFeed
	mu     sync.Mutex
	closed []model.CompletedTrade
	now    time.Time
}

func newTestEnv(t *testing.T, safety signal.SafetyAnalyzer) *testEnv {
	t.Helper()
	env := &testEnv{
		seller: &fakeSeller{},
		feed:   &fakeFeed{quotes: map[string]signal.PriceQuote{}},
		now:    time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC),
	}
	env.m = NewManager(DefaultConfig(), Deps{
		Prices: env.feed,
		Safety: safety,
		Seller: env.seller,
		OnClose: func(_ context.Context, tr model.CompletedTrade) {
			env.mu.Lock()
			env.closed = append(env.closed, tr)
			env.mu.Unlock()
		},
	}, nil)
	env.m.SetClock(func() time.Time { return env.now })
	return env
}

func (env *testEnv) open(t *testing.T, asset string) model.Position {
	t.Helper()
	fill := execution.Result{
		Success:   true,
		Asset:     asset,
		PriceUSD:  d(1.0),
		AmountOut: d(1000),
		AmountIn:  d(0.5),
		Signature: "buy-sig",
	}
	sig := model.AggregatedSignal{Asset: asset, Symbol: "TKN", Entry: model.EntryTiming{LiquidityUSD: 40_000}}
	p, err := env.m.Open(context.Background(), fill, model.EntryDecision{PositionSizePct: 5}, sig, model.ConvictionScore{Total: 87, Fingerprint: "fp"})
	require.NoError(t, err)
	return p
}

func (env *testEnv) tick(t *testing.T, id string, price float64) error {
	t.Helper()
	return env.m.Tick(context.Background(), id, signal.PriceQuote{PriceUSD: price, LiquidityUSD: 40_000})
}

func TestOpen_SetsStops(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	assert.Equal(t, model.PositionOpen, p.Status)
	assert.True(t, p.StopLossPrice.Equal(d(0.75)), p.StopLossPrice.String())
	assert.True(t, p.Remaining.Equal(d(1000)))
	assert.False(t, p.TrailingActive)
	assert.Equal(t, 1, env.m.OpenPositionCount())
}

func TestOpen_RejectsEmptyFill(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.m.Open(context.Background(), execution.Result{Asset: testAsset}, model.EntryDecision{}, model.AggregatedSignal{}, model.ConvictionScore{})
	assert.ErrorIs(t, err, ErrBadFill)
}

func TestReserve_CountsUntilReleased(t *testing.T) {
	env := newTestEnv(t, nil)
	r := env.m.Reserve(testAsset, 4)

	assert.True(t, env.m.HoldsAsset(testAsset))
	assert.Equal(t, 1, env.m.PendingCount())
	assert.InDelta(t, 4, env.m.PendingExposurePct(), 1e-9)
	assert.Zero(t, env.m.OpenPositionCount(), "reservations are not positions")

	r.Release()
	r.Release()
	assert.False(t, env.m.HoldsAsset(testAsset))
	assert.Zero(t, env.m.PendingCount())
	assert.Zero(t, env.m.PendingExposurePct())
}

func TestTrailingStop_ActivatesAndExits(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	require.NoError(t, env.tick(t, p.ID, 1.25))
	got, err := env.m.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.TrailingActive)
	assert.Equal(t, 15.0, got.TrailingPct)
	assert.True(t, got.TrailingPrice.Equal(d(1.0625)), got.TrailingPrice.String())

	require.NoError(t, env.tick(t, p.ID, 1.06))
	_, err = env.m.Get(p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.Len(t, env.closed, 1)
	tr := env.closed[0]
	assert.Equal(t, model.ExitTrailingStop, tr.ExitReason)
	assert.True(t, tr.PnL.Equal(d(60)), tr.PnL.String())
	assert.InDelta(t, 6, tr.PnLPct, 1e-9)
	assert.Equal(t, model.OutcomeWin, tr.Outcome)
	require.Len(t, env.seller.sold(), 1)
	assert.True(t, env.seller.sold()[0].Amount.Equal(d(1000)))
}

func TestTrailingStop_TightensOnNewHighsOnly(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	require.NoError(t, env.tick(t, p.ID, 1.25))
	require.NoError(t, env.tick(t, p.ID, 1.6))
	got, _ := env.m.Get(p.ID)
	assert.Equal(t, 12.0, got.TrailingPct)
	assert.True(t, got.TrailingPrice.Equal(d(1.408)), got.TrailingPrice.String())

	require.NoError(t, env.tick(t, p.ID, 1.5))
	got, _ = env.m.Get(p.ID)
	assert.True(t, got.TrailingPrice.Equal(d(1.408)), "trail never moves down")
}

func TestStagedTakeProfit_ThreeLevels(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	for _, price := range []float64{1.3, 1.65, 2.1} {
		require.NoError(t, env.tick(t, p.ID, price))
	}

	sells := env.seller.sold()
	require.Len(t, sells, 3)
	assert.True(t, sells[0].Amount.Equal(d(200)))
	assert.True(t, sells[1].Amount.Equal(d(250)))
	assert.True(t, sells[2].Amount.Equal(d(250)))
	for _, s := range sells {
		assert.Equal(t, model.ExitTakeProfit, s.Reason)
	}

	got, err := env.m.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(d(300)), got.Remaining.String())
	assert.Equal(t, [4]bool{true, true, true, false}, got.TakeProfitHits)
	assert.Len(t, got.Partials, 3)
	// 200*0.3 + 250*0.65 + 250*1.1
	assert.True(t, got.RealizedPnL.Equal(d(497.5)), got.RealizedPnL.String())
	assert.InDelta(t, 1.5, env.m.ExposurePct(), 1e-9)
}

func TestStagedTakeProfit_EachLevelFiresOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	for i := 0; i < 10; i++ {
		require.NoError(t, env.tick(t, p.ID, 3.5))
	}

	sells := env.seller.sold()
	require.Len(t, sells, 4)
	total := decimal.Zero
	for _, s := range sells {
		total = total.Add(s.Amount)
	}
	assert.True(t, total.Equal(d(850)), total.String())
	got, err := env.m.Get(p.ID)
	require.NoError(t, err)
	assert.True(t, got.Remaining.Equal(d(150)), "moonbag stays")
}

func TestHardStop_WithoutTrailing(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	require.NoError(t, env.tick(t, p.ID, 0.75))
	require.Len(t, env.closed, 1)
	assert.Equal(t, model.ExitHardStop, env.closed[0].ExitReason)
	assert.Equal(t, model.OutcomeLoss, env.closed[0].Outcome)
}

func TestHardStop_CheckedBeforeTrailing(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	require.NoError(t, env.tick(t, p.ID, 1.25))
	require.NoError(t, env.tick(t, p.ID, 0.7))
	require.Len(t, env.closed, 1)
	assert.Equal(t, model.ExitHardStop, env.closed[0].ExitReason)
	assert.Len(t, env.seller.sold(), 1)
}

func TestFailedSellLeavesPositionOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	env.seller.fail = true
	err := env.tick(t, p.ID, 1.3)
	assert.ErrorIs(t, err, ErrSellFailed)
	got, err := env.m.Get(p.ID)
	require.NoError(t, err)
	assert.False(t, got.TakeProfitHits[0])
	assert.True(t, got.Remaining.Equal(d(1000)))

	env.seller.fail = false
	require.NoError(t, env.tick(t, p.ID, 1.3))
	got, _ = env.m.Get(p.ID)
	assert.True(t, got.TakeProfitHits[0])

	env.seller.fail = true
	assert.ErrorIs(t, env.tick(t, p.ID, 0.5), ErrSellFailed)
	got, err = env.m.Get(p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PositionOpen, got.Status)
	assert.Empty(t, env.closed)
}

func TestTimeStop(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	env.now = env.now.Add(3 * time.Hour)
	require.NoError(t, env.tick(t, p.ID, 1.05))
	assert.Empty(t, env.closed)

	env.now = env.now.Add(time.Hour)
	require.NoError(t, env.tick(t, p.ID, 1.05))
	require.Len(t, env.closed, 1)
	assert.Equal(t, model.ExitTimeStop, env.closed[0].ExitReason)
}

func TestTimeStop_NotWhenMoving(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.open(t, testAsset)

	env.now = env.now.Add(5 * time.Hour)
	require.NoError(t, env.tick(t, p.ID, 0.9))
	assert.Empty(t, env.closed)
}

func TestDanger_LiquidityPulled(t *testing.T) {
	tests := []struct {
		name string
		liq  float64
	}{
		{"below half of entry", 15_000},
		{"below floor", 4_000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			p := env.open(t, testAsset)

			require.NoError(t, env.m.Tick(context.Background(), p.ID, signal.PriceQuote{PriceUSD: 1.02, LiquidityUSD: tt.liq}))
			require.Len(t, env.closed, 1)
			assert.Equal(t, model.ExitDanger, env.closed[0].ExitReason)
		})
	}
}

func TestDanger_SafetyRecheck(t *testing.T) {
	env := newTestEnv(t, fakeSafety{sig: model.SafetySignal{Honeypot: true}})
	p := env.open(t, testAsset)

	require.NoError(t, env.tick(t, p.ID, 1.0))
	require.Len(t, env.closed, 1)
	assert.Equal(t, model.ExitDanger, env.closed[0].ExitReason)
	assert.True(t, env.seller.sold()[0].Reason.Urgent())
}

type stalledSafety struct{}

func (stalledSafety) Analyze(ctx context.Context, _ string) (model.SafetySignal, error) {
	<-ctx.Done()
	return model.SafetySignal{}, ctx.Err()
}

type stalledFeed struct{}

func (stalledFeed) GetPrice(ctx context.Context, _ string) (signal.PriceQuote, error) {
	<-ctx.Done()
	return signal.PriceQuote{}, ctx.Err()
}
func (stalledFeed) AddToken(string)    {}
func (stalledFeed) RemoveToken(string) {}

func TestDanger_StalledRecheckIsNotDanger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	dm := NewDangerMonitor(cfg, stalledSafety{}, nil)
	p := &model.Position{ID: "p1", Asset: testAsset, EntryLiquidityUSD: 40_000}

	start := time.Now()
	why, exit := dm.Check(context.Background(), p, signal.PriceQuote{PriceUSD: 1, LiquidityUSD: 40_000}, time.Now())
	assert.False(t, exit, why)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestMonitorAll_StalledPriceTimesOut(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	m := NewManager(cfg, Deps{Prices: stalledFeed{}, Seller: &fakeSeller{}}, nil)
	fill := execution.Result{Success: true, Asset: testAsset, PriceUSD: d(1), AmountOut: d(1000), AmountIn: d(0.5)}
	p, err := m.Open(context.Background(), fill, model.EntryDecision{PositionSizePct: 5}, model.AggregatedSignal{Asset: testAsset}, model.ConvictionScore{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		m.MonitorAll(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor blocked on a stalled price feed")
	}
	_, err = m.Get(p.ID)
	assert.NoError(t, err)
}

func TestMonitorAll_SkipsMissingPrices(t *testing.T) {
	env := newTestEnv(t, nil)
	a := env.open(t, testAsset)
	b := env.open(t, "So11111111111111111111111111111111111111112")
	env.feed.quotes[a.Asset] = signal.PriceQuote{PriceUSD: 0.7, LiquidityUSD: 40_000}

	env.m.MonitorAll(context.Background())

	_, err := env.m.Get(a.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = env.m.Get(b.ID)
	assert.NoError(t, err)
}

func TestLiquidateAll(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, testAsset)
	env.open(t, "So11111111111111111111111111111111111111112")

	assert.Zero(t, env.m.LiquidateAll(context.Background(), model.ExitKillSwitch))
	assert.Zero(t, env.m.OpenPositionCount())
	require.Len(t, env.closed, 2)
	for _, tr := range env.closed {
		assert.Equal(t, model.ExitKillSwitch, tr.ExitReason)
		assert.Equal(t, model.OutcomeBreakeven, tr.Outcome)
	}
	assert.Zero(t, env.m.LiquidateAll(context.Background(), model.ExitKillSwitch))
}

func TestLiquidateAll_CountsFailures(t *testing.T) {
	env := newTestEnv(t, nil)
	env.open(t, testAsset)
	env.seller.fail = true

	assert.Equal(t, 1, env.m.LiquidateAll(context.Background(), model.ExitKillSwitch))
	assert.Equal(t, 1, env.m.OpenPositionCount())
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t, nil)
	env.m.Restore([]model.Position{
		{ID: "a", Asset: testAsset, Status: model.PositionOpen, EntryAmount: d(10), Remaining: d(5), PositionSizePct: 4},
		{ID: "b", Asset: testAsset, Status: model.PositionClosed},
	})
	assert.Equal(t, 1, env.m.OpenPositionCount())
	assert.InDelta(t, 2.0, env.m.ExposurePct(), 1e-9)
	assert.True(t, env.m.HoldsAsset(testAsset))
}
