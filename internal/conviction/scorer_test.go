package conviction

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/model"
)

var at = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

// earlyDiscovery is three fresh top-tier wallets in a five-minute-old asset.
func earlyDiscovery() model.AggregatedSignal {
	return model.AggregatedSignal{
		Asset: "asset",
		Wallets: model.WalletSignal{
			Count:      3,
			Tier1Count: 3,
			AvgScore:   90,
			FirstEntry: at.Add(-5 * time.Minute),
			LastEntry:  at.Add(-2 * time.Minute),
		},
		Safety: model.SafetySignal{Score: 90, Passed: true},
		Entry: model.EntryTiming{
			CurrentPrice: 1,
			LocalHigh:    1,
			AllTimeHigh:  1,
			AgeMinutes:   5,
			BuySellRatio: 1.5,
			Hype:         model.HypeEarly,
		},
		Social: model.SocialSignal{
			HasTwitter:      true,
			HasTelegram:     true,
			HasWebsite:      true,
			Followers:       20_000,
			MentionsPerHour: 60,
		},
		Market: model.MarketContext{
			Regime:       model.RegimeFull,
			SolChange24h: 6,
			PeakHours:    true,
		},
		CollectedAt: at,
	}
}

func TestCompute_EarlyDiscoveryIsHigh(t *testing.T) {
	s := Compute(earlyDiscovery(), model.DefaultWeights(), 0)

	assert.Equal(t, 85.0, s.Raw.Wallet)
	assert.Equal(t, 90.0, s.Raw.Safety)
	assert.Equal(t, 100.0, s.Raw.Market)
	assert.Equal(t, 100.0, s.Raw.Social)
	assert.Equal(t, 70.0, s.Raw.Entry)
	assert.InDelta(t, 87, s.Total, 1e-9)
	assert.Equal(t, model.LevelHigh, s.Level)
	assert.Equal(t, 5.0, s.PositionSizePct)
	assert.True(t, s.ShouldEnter)
	assert.Equal(t, 0.0, s.RegimeAdjustment)
}

func TestCompute_ScoreBoundsAndBands(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	regimes := []model.Regime{model.RegimeFull, model.RegimeCautious, model.RegimeDefensive, model.RegimePause}
	hypes := []model.HypePhase{model.HypeEarly, model.HypeMomentum, model.HypePeak, model.HypeDistribution}

	for i := 0; i < 2000; i++ {
		sig := model.AggregatedSignal{
			Wallets: model.WalletSignal{
				Count:      r.Intn(10),
				Tier1Count: r.Intn(5),
				Tier2Count: r.Intn(5),
				Tier3Count: r.Intn(5),
				AvgScore:   r.Float64() * 100,
				LastEntry:  at.Add(-time.Duration(r.Intn(120)) * time.Minute),
			},
			Safety: model.SafetySignal{Score: r.Float64() * 120},
			Entry: model.EntryTiming{
				DipPct:       r.Float64() * 90,
				FromATHPct:   r.Float64() * 99,
				AgeMinutes:   r.Float64() * 3000,
				BuySellRatio: r.Float64() * 3,
				Hype:         hypes[r.Intn(len(hypes))],
			},
			Social: model.SocialSignal{
				HasTwitter:      r.Intn(2) == 0,
				Followers:       r.Intn(50_000),
				MentionsPerHour: r.Float64() * 100,
				Coordinated:     r.Intn(4) == 0,
			},
			Market: model.MarketContext{
				Regime:       regimes[r.Intn(len(regimes))],
				SolChange24h: r.Float64()*20 - 10,
				BtcChange24h: r.Float64()*20 - 10,
				PeakHours:    r.Intn(2) == 0,
			},
			CollectedAt: at,
		}
		s := Compute(sig, model.DefaultWeights(), r.Float64()*60-30)

		require.GreaterOrEqual(t, s.Total, 0.0)
		require.LessOrEqual(t, s.Total, 100.0)
		require.GreaterOrEqual(t, s.PatternAdjustment, MinPatternAdjustment)
		require.LessOrEqual(t, s.PatternAdjustment, MaxPatternAdjustment)

		th := ThresholdsFor(sig.Market.Regime)
		want := model.LevelReject
		for _, b := range th.Bands {
			if s.Total >= b.MinScore {
				want = b.Level
				break
			}
		}
		require.Equal(t, want, s.Level)
		if !s.ShouldEnter {
			require.Zero(t, s.PositionSizePct)
		}
		if sig.Market.Regime == model.RegimePause {
			require.False(t, s.ShouldEnter)
		}
	}
}

func TestCompute_LowEntersOnlyInFull(t *testing.T) {
	lvl, size, enter := classify(55, model.RegimeFull)
	assert.Equal(t, model.LevelLow, lvl)
	assert.Equal(t, 1.0, size)
	assert.True(t, enter)

	lvl, size, enter = classify(65, model.RegimeCautious)
	assert.Equal(t, model.LevelLow, lvl)
	assert.Zero(t, size)
	assert.False(t, enter)

	lvl, _, enter = classify(72, model.RegimeDefensive)
	assert.Equal(t, model.LevelLow, lvl)
	assert.False(t, enter)
}

func TestCompute_BandEdges(t *testing.T) {
	tests := []struct {
		total  float64
		regime model.Regime
		level  model.ConvictionLevel
		size   float64
	}{
		{85, model.RegimeFull, model.LevelHigh, 5},
		{84.9, model.RegimeFull, model.LevelMedium, 3},
		{49.9, model.RegimeFull, model.LevelReject, 0},
		{90, model.RegimeCautious, model.LevelHigh, 2.5},
		{75, model.RegimeCautious, model.LevelMedium, 1.5},
		{95, model.RegimeDefensive, model.LevelHigh, 1},
		{85, model.RegimeDefensive, model.LevelMedium, 1},
		{96, model.RegimePause, model.LevelHigh, 0},
	}
	for _, tt := range tests {
		lvl, size, _ := classify(tt.total, tt.regime)
		assert.Equal(t, tt.level, lvl, "total %v regime %s", tt.total, tt.regime)
		assert.Equal(t, tt.size, size, "total %v regime %s", tt.total, tt.regime)
	}
}

func TestRegimeAdjustment(t *testing.T) {
	assert.Equal(t, 0.0, RegimeAdjustment(model.RegimeFull))
	assert.Equal(t, -5.0, RegimeAdjustment(model.RegimeCautious))
	assert.Equal(t, -10.0, RegimeAdjustment(model.RegimeDefensive))
	assert.Equal(t, -20.0, RegimeAdjustment(model.RegimePause))
}

type fakePatterns struct {
	weights    model.Weights
	weightsErr error
	matches    []model.CompletedTrade
	matchErr   error
	adj        float64
	seenFP     string
}

func (f *fakePatterns) CurrentWeights(context.Context) (model.Weights, error) {
	return f.weights, f.weightsErr
}

func (f *fakePatterns) FindSimilarTrades(_ context.Context, fp string) ([]model.CompletedTrade, error) {
	f.seenFP = fp
	return f.matches, f.matchErr
}

func (f *fakePatterns) PatternMatchAdjustment([]model.CompletedTrade) float64 { return f.adj }

func TestScorer_PatternAdjustmentIsClamped(t *testing.T) {
	p := &fakePatterns{weights: model.DefaultWeights(), adj: -40}
	s := NewScorer(p, nil).Score(context.Background(), earlyDiscovery())

	assert.Equal(t, MinPatternAdjustment, s.PatternAdjustment)
	assert.InDelta(t, 72, s.Total, 1e-9)
	assert.Equal(t, model.LevelMedium, s.Level)
	assert.Equal(t, Fingerprint(earlyDiscovery()), p.seenFP)
}

func TestScorer_LookupFailuresFallBack(t *testing.T) {
	p := &fakePatterns{weightsErr: errors.New("down"), matchErr: errors.New("down"), adj: 5}
	s := NewScorer(p, nil).Score(context.Background(), earlyDiscovery())

	assert.Equal(t, model.DefaultWeights(), s.Weights)
	assert.Zero(t, s.PatternAdjustment)
	assert.InDelta(t, 87, s.Total, 1e-9)
}

func TestScorer_WeightsNormalised(t *testing.T) {
	doubled := model.Weights{Wallet: 0.6, Safety: 0.5, Market: 0.3, Social: 0.2, Entry: 0.4}
	s := NewScorer(&fakePatterns{weights: doubled}, nil).Score(context.Background(), earlyDiscovery())

	assert.InDelta(t, 1.0, s.Weights.Sum(), 1e-9)
	assert.InDelta(t, 87, s.Total, 1e-9)
}

func scoreSamples(t *testing.T) uint64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == "agent_conviction_score" {
			return f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	return 0
}

func TestScorer_ObservesScore(t *testing.T) {
	before := scoreSamples(t)
	NewScorer(&fakePatterns{weights: model.DefaultWeights()}, nil).Score(context.Background(), earlyDiscovery())
	assert.Equal(t, before+1, scoreSamples(t))
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, "FULL|t1:3+|dip:0-10|age:0-30m|EARLY", Fingerprint(earlyDiscovery()))
}

func TestComponentScores(t *testing.T) {
	assert.Equal(t, 0.0, MarketScore(model.MarketContext{Regime: model.RegimePause, SolChange24h: -8, BtcChange24h: -6}))
	assert.Equal(t, 0.0, SocialScore(model.SocialSignal{Coordinated: true, OverPromoted: true}))
	assert.Equal(t, 0.0, EntryScore(model.EntryTiming{DipPct: 60, AgeMinutes: 2000, BuySellRatio: 0.5, Hype: model.HypeDistribution}))
	assert.Equal(t, 35.0, EntryScore(model.EntryTiming{DipPct: 60, FromATHPct: 70, AgeMinutes: 2000, BuySellRatio: 1.0, Hype: model.HypeMomentum}))
	assert.Equal(t, 100.0, WalletScore(model.WalletSignal{
		Count: 8, Tier1Count: 3, Tier2Count: 3, Tier3Count: 2, AvgScore: 95, LastEntry: at,
	}, at))
}
