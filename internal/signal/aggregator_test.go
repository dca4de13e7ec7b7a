package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/model"
)

type fakePrice struct {
	quote PriceQuote
	err   error
}

func (f *fakePrice) GetPrice(context.Context, string) (PriceQuote, error) { return f.quote, f.err }
func (f *fakePrice) AddToken(string)                                      {}
func (f *fakePrice) RemoveToken(string)                                   {}

type fakeSafety struct {
	sig model.SafetySignal
	err error
}

func (f *fakeSafety) Analyze(context.Context, string) (model.SafetySignal, error) {
	return f.sig, f.err
}

type fakeSocial struct {
	sig model.SocialSignal
	err error
}

func (f *fakeSocial) Social(context.Context, string) (model.SocialSignal, error) { return f.sig, f.err }

type fakeStats struct {
	stats TokenStats
	err   error
}

func (f *fakeStats) Stats(context.Context, string) (TokenStats, error) { return f.stats, f.err }

type fakeRegime struct {
	state RegimeState
	err   error
}

func (f *fakeRegime) RegimeState(context.Context) (RegimeState, error) { return f.state, f.err }
func (f *fakeRegime) SetOverride(context.Context, model.Regime) error  { return nil }

var testNow = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func newTestAggregator(src Sources) *Aggregator {
	a := NewAggregator(src, nil, DefaultConfig(), nil)
	a.SetClock(func() time.Time { return testNow })
	return a
}

func healthySources() Sources {
	return Sources{
		Price:  &fakePrice{quote: PriceQuote{PriceUSD: 0.75, LiquidityUSD: 40000, PriceChange1h: 5}},
		Safety: &fakeSafety{sig: model.SafetySignal{Score: 90, Level: "SAFE", Passed: true}},
		Social: &fakeSocial{sig: model.SocialSignal{HasTwitter: true, Followers: 1500}},
		Stats: &fakeStats{stats: TokenStats{
			Symbol:       "WIF",
			AllTimeHigh:  1.5,
			CreatedAt:    testNow.Add(-2 * time.Hour),
			BuySellRatio: 1.6,
		}},
		Regime: &fakeRegime{state: RegimeState{Regime: model.RegimeFull, SolChange24h: 3}},
	}
}

func testOpportunity() model.Opportunity {
	return model.Opportunity{
		Address:       "So11111111111111111111111111111111111111112",
		FirstDetected: testNow.Add(-20 * time.Minute),
		HighWater:     decimal.NewFromFloat(1.0),
		Wallets: []model.WalletEntry{
			{Address: "w1", Tier: model.Tier1, Score: 90, EnteredAt: testNow.Add(-20 * time.Minute)},
			{Address: "w2", Tier: model.Tier2, Score: 70, EnteredAt: testNow.Add(-5 * time.Minute)},
		},
	}
}

func TestAggregate_AllFacets(t *testing.T) {
	a := newTestAggregator(healthySources())

	s, err := a.Aggregate(context.Background(), testOpportunity())
	require.NoError(t, err)

	assert.Empty(t, s.Degraded())
	assert.Equal(t, "WIF", s.Symbol)
	assert.Equal(t, 2, s.Wallets.Count)
	assert.Equal(t, 1, s.Wallets.Tier1Count)
	assert.InDelta(t, 80, s.Wallets.AvgScore, 1e-9)
	assert.Equal(t, testNow.Add(-5*time.Minute), s.Wallets.LastEntry)

	assert.InDelta(t, 25, s.Entry.DipPct, 1e-9)
	assert.InDelta(t, 50, s.Entry.FromATHPct, 1e-9)
	assert.InDelta(t, 120, s.Entry.AgeMinutes, 1e-9)
	assert.Equal(t, model.HypeMomentum, s.Entry.Hype)
	assert.Equal(t, model.RegimeFull, s.Market.Regime)
	assert.True(t, s.Market.PeakHours)
}

func TestAggregate_PriceUnavailable(t *testing.T) {
	src := healthySources()
	src.Price = &fakePrice{err: ErrNoData}

	_, err := newTestAggregator(src).Aggregate(context.Background(), testOpportunity())
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestAggregate_ZeroPriceIsUnavailable(t *testing.T) {
	src := healthySources()
	src.Price = &fakePrice{quote: PriceQuote{PriceUSD: 0}}

	_, err := newTestAggregator(src).Aggregate(context.Background(), testOpportunity())
	assert.ErrorIs(t, err, ErrPriceUnavailable)
}

func TestAggregate_SafetyUnavailableHardRejects(t *testing.T) {
	src := healthySources()
	src.Safety = &fakeSafety{err: errors.New("analyzer down")}

	s, err := newTestAggregator(src).Aggregate(context.Background(), testOpportunity())
	require.NoError(t, err)
	assert.True(t, s.Safety.HardRejected)
	assert.Equal(t, SafetyUnavailableReason, s.Safety.RejectReason)
	assert.Zero(t, s.Safety.Score)
	assert.Equal(t, []string{"safety"}, s.Degraded())
}

func TestAggregate_DegradedDefaults(t *testing.T) {
	src := healthySources()
	src.Regime = &fakeRegime{err: errors.New("timeout")}
	src.Social = &fakeSocial{err: ErrNoData}
	src.Stats = &fakeStats{err: ErrNoData}

	s, err := newTestAggregator(src).Aggregate(context.Background(), testOpportunity())
	require.NoError(t, err)

	assert.Equal(t, []string{"regime", "social", "stats"}, s.Degraded())
	assert.Equal(t, model.RegimeDefensive, s.Market.Regime)
	assert.Equal(t, model.SocialSignal{}, s.Social)
	// Without stats the all-time-high falls back to the high-water mark.
	assert.InDelta(t, 1.0, s.Entry.AllTimeHigh, 1e-9)
	assert.InDelta(t, 20, s.Entry.AgeMinutes, 1e-9)
	assert.Equal(t, 1.0, s.Entry.BuySellRatio)
	assert.Equal(t, model.HypeEarly, s.Entry.Hype)
}

func TestClassifyHype(t *testing.T) {
	tests := []struct {
		name     string
		age      float64
		fromATH  float64
		change1h float64
		ratio    float64
		want     model.HypePhase
	}{
		{"young", 10, 80, 0, 0.1, model.HypeEarly},
		{"at top and ripping", 60, 5, 80, 2, model.HypePeak},
		{"far below ath with sellers", 90, 70, 0, 0.5, model.HypeDistribution},
		{"old and sold", 2000, 20, 0, 0.9, model.HypeDistribution},
		{"normal", 120, 40, 10, 1.2, model.HypeMomentum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyHype(tt.age, tt.fromATH, tt.change1h, tt.ratio))
		})
	}
}

func TestResult(t *testing.T) {
	ok := Ok(5)
	assert.False(t, ok.IsDegraded())
	assert.Equal(t, 5, ok.Or(1))

	bad := Degraded(0, "feed down")
	assert.True(t, bad.IsDegraded())
	assert.Equal(t, "feed down", bad.Reason())
	assert.Equal(t, 1, bad.Or(1))
	assert.Equal(t, 0, bad.Value())
}
