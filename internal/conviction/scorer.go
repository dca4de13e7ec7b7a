// Package conviction turns an aggregated signal into a 0-100 conviction
// score, a level, and a recommended position size.
package conviction

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
)

// Adjustment bounds for the pattern-match term.
const (
	MinPatternAdjustment = -15.0
	MaxPatternAdjustment = 5.0
)

// Band maps a minimum score to a level and a position size percentage.
type Band struct {
	MinScore float64
	Level    model.ConvictionLevel
	SizePct  float64
}

// Thresholds is the ordered band table for one regime, highest first.
type Thresholds struct {
	Bands []Band
	// LowEnters allows entries at LevelLow.
	LowEnters bool
}

var regimeThresholds = map[model.Regime]Thresholds{
	model.RegimeFull: {
		Bands: []Band{
			{85, model.LevelHigh, 5},
			{70, model.LevelMedium, 3},
			{50, model.LevelLow, 1},
		},
		LowEnters: true,
	},
	model.RegimeCautious: {
		Bands: []Band{
			{90, model.LevelHigh, 2.5},
			{75, model.LevelMedium, 1.5},
			{60, model.LevelLow, 0.5},
		},
	},
	model.RegimeDefensive: {
		Bands: []Band{
			{95, model.LevelHigh, 1},
			{85, model.LevelMedium, 1},
			{70, model.LevelLow, 0.5},
		},
	},
}

// ThresholdsFor returns the band table for a regime. PAUSE scores against
// the DEFENSIVE table; unknown regimes do too.
func ThresholdsFor(r model.Regime) Thresholds {
	if t, ok := regimeThresholds[r]; ok {
		return t
	}
	return regimeThresholds[model.RegimeDefensive]
}

// RegimeAdjustment is the additive penalty per regime.
func RegimeAdjustment(r model.Regime) float64 {
	switch r {
	case model.RegimeFull:
		return 0
	case model.RegimeCautious:
		return -5
	case model.RegimeDefensive:
		return -10
	case model.RegimePause:
		return -20
	}
	return -10
}

// PatternSource is the subset of the learning store the scorer reads.
type PatternSource interface {
	CurrentWeights(ctx context.Context) (model.Weights, error)
	FindSimilarTrades(ctx context.Context, fingerprint string) ([]model.CompletedTrade, error)
	PatternMatchAdjustment(matches []model.CompletedTrade) float64
}

// Scorer computes conviction scores using weights and pattern history
// from a PatternSource.
type Scorer struct {
	patterns PatternSource
	logger   *slog.Logger
}

// NewScorer creates a scorer. patterns may be nil, in which case default
// weights and a zero pattern adjustment are used.
func NewScorer(patterns PatternSource, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{patterns: patterns, logger: logger}
}

// Score looks up weights and pattern history, then computes the score.
// Lookup failures fall back to defaults and never fail the evaluation.
func (s *Scorer) Score(ctx context.Context, sig model.AggregatedSignal) model.ConvictionScore {
	weights := model.DefaultWeights()
	adj := 0.0
	fp := Fingerprint(sig)

	if s.patterns != nil {
		if w, err := s.patterns.CurrentWeights(ctx); err != nil {
			s.logger.Warn("weights lookup failed, using defaults", "asset", sig.Asset, "err", err)
		} else {
			weights = w
		}
		if matches, err := s.patterns.FindSimilarTrades(ctx, fp); err != nil {
			s.logger.Warn("pattern lookup failed", "asset", sig.Asset, "fingerprint", fp, "err", err)
		} else {
			adj = s.patterns.PatternMatchAdjustment(matches)
		}
	}

	score := Compute(sig, weights, adj)
	metrics.ConvictionScores.Observe(score.Total)
	s.logger.Debug("conviction scored",
		"asset", sig.Asset,
		"total", score.Total,
		"level", score.Level,
		"regime", score.Regime,
		"fingerprint", score.Fingerprint,
	)
	return score
}

// Compute is the pure scoring function. Recency is measured against
// sig.CollectedAt.
func Compute(sig model.AggregatedSignal, weights model.Weights, patternAdj float64) model.ConvictionScore {
	w := weights.Normalized()
	raw := model.Components{
		Wallet: WalletScore(sig.Wallets, sig.CollectedAt),
		Safety: SafetyScore(sig.Safety),
		Market: MarketScore(sig.Market),
		Social: SocialScore(sig.Social),
		Entry:  EntryScore(sig.Entry),
	}
	weighted := model.Components{
		Wallet: raw.Wallet * w.Wallet,
		Safety: raw.Safety * w.Safety,
		Market: raw.Market * w.Market,
		Social: raw.Social * w.Social,
		Entry:  raw.Entry * w.Entry,
	}

	regime := sig.Market.Regime
	pattern := clamp(patternAdj, MinPatternAdjustment, MaxPatternAdjustment)
	regimeAdj := RegimeAdjustment(regime)
	total := clamp(weighted.Sum()+pattern+regimeAdj, 0, 100)

	level, size, enter := classify(total, regime)
	return model.ConvictionScore{
		Total:             total,
		Level:             level,
		Raw:               raw,
		Weighted:          weighted,
		Weights:           w,
		PatternAdjustment: pattern,
		RegimeAdjustment:  regimeAdj,
		PositionSizePct:   size,
		ShouldEnter:       enter,
		Regime:            regime,
		Fingerprint:       Fingerprint(sig),
	}
}

func classify(total float64, regime model.Regime) (model.ConvictionLevel, float64, bool) {
	t := ThresholdsFor(regime)
	for _, b := range t.Bands {
		if total < b.MinScore {
			continue
		}
		enter := regime != model.RegimePause && (b.Level != model.LevelLow || t.LowEnters)
		if !enter {
			return b.Level, 0, false
		}
		return b.Level, b.SizePct, true
	}
	return model.LevelReject, 0, false
}

// Fingerprint buckets the features used to look up similar past trades.
func Fingerprint(sig model.AggregatedSignal) string {
	return fmt.Sprintf("%s|t1:%s|dip:%s|age:%s|%s",
		sig.Market.Regime,
		tier1Bucket(sig.Wallets.Tier1Count),
		dipBucket(sig.Entry.DipPct),
		ageBucket(sig.Entry.AgeMinutes),
		sig.Entry.Hype,
	)
}

func tier1Bucket(n int) string {
	if n >= 3 {
		return "3+"
	}
	return fmt.Sprint(n)
}

func dipBucket(pct float64) string {
	switch {
	case pct < 10:
		return "0-10"
	case pct < 20:
		return "10-20"
	case pct <= 40:
		return "20-40"
	default:
		return "40+"
	}
}

func ageBucket(minutes float64) string {
	switch {
	case minutes < 30:
		return "0-30m"
	case minutes <= 480:
		return "30m-8h"
	case minutes <= 1440:
		return "8h-24h"
	default:
		return "24h+"
	}
}
