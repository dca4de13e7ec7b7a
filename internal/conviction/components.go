package conviction

import (
	"time"

	"github.com/atmx/conviction-engine/internal/model"
)

// WalletScore rewards the size, tier mix, quality, and freshness of the
// watched-wallet cohort. at is the evaluation time.
func WalletScore(w model.WalletSignal, at time.Time) float64 {
	score := 0.0
	switch {
	case w.Tier1Count >= 3:
		score += 40
	case w.Tier1Count >= 2:
		score += 30
	case w.Tier1Count >= 1:
		score += 20
	}
	switch {
	case w.Tier2Count >= 3:
		score += 20
	case w.Tier2Count >= 2:
		score += 15
	case w.Tier2Count >= 1:
		score += 10
	}
	switch {
	case w.Tier3Count >= 2:
		score += 10
	case w.Tier3Count >= 1:
		score += 5
	}
	if w.Count > 0 {
		switch {
		case w.AvgScore >= 85:
			score += 25
		case w.AvgScore >= 70:
			score += 15
		case w.AvgScore >= 50:
			score += 5
		}
	}
	if !w.LastEntry.IsZero() {
		switch age := at.Sub(w.LastEntry); {
		case age < 10*time.Minute:
			score += 20
		case age < 30*time.Minute:
			score += 10
		}
	}
	return clamp(score, 0, 100)
}

// SafetyScore passes the analyzer score through.
func SafetyScore(s model.SafetySignal) float64 {
	return clamp(s.Score, 0, 100)
}

// MarketScore starts neutral and moves with regime, reference trends, and
// time of day.
func MarketScore(m model.MarketContext) float64 {
	score := 50.0
	switch m.Regime {
	case model.RegimeFull:
		score += 25
	case model.RegimeCautious:
		score += 10
	case model.RegimePause:
		score -= 50
	}
	switch {
	case m.SolChange24h >= 5:
		score += 15
	case m.SolChange24h >= 2:
		score += 8
	case m.SolChange24h <= -5:
		score -= 15
	case m.SolChange24h <= -2:
		score -= 8
	}
	if m.BtcChange24h <= -5 {
		score -= 10
	}
	if m.PeakHours {
		score += 10
	}
	return clamp(score, 0, 100)
}

// SocialScore sums presence, audience, and velocity bonuses minus
// manipulation penalties.
func SocialScore(s model.SocialSignal) float64 {
	score := 0.0
	if s.HasTwitter {
		score += 20
	}
	if s.HasTelegram {
		score += 15
	}
	if s.HasWebsite {
		score += 10
	}
	switch {
	case s.Followers >= 10_000:
		score += 25
	case s.Followers >= 1_000:
		score += 15
	case s.Followers >= 100:
		score += 5
	}
	switch {
	case s.MentionsPerHour >= 50:
		score += 30
	case s.MentionsPerHour >= 10:
		score += 20
	case s.MentionsPerHour >= 2:
		score += 10
	}
	if s.Coordinated {
		score -= 30
	}
	if s.OverPromoted {
		score -= 20
	}
	return clamp(score, 0, 100)
}

// EntryScore rates the entry point: dip depth, distance from the all-time
// high, asset age, order flow, and hype phase.
func EntryScore(e model.EntryTiming) float64 {
	score := 50.0
	switch {
	case e.DipPct > 50:
		score -= 20
	case e.DipPct >= 20 && e.DipPct <= 40:
		score += 20
	case e.DipPct >= 10 && e.DipPct < 20:
		score += 5
	}
	if e.FromATHPct > 30 {
		score += 10
	}
	switch {
	case e.AgeMinutes >= 30 && e.AgeMinutes <= 480:
		score += 10
	case e.AgeMinutes > 1440:
		score -= 10
	}
	switch {
	case e.BuySellRatio >= 1.5:
		score += 10
	case e.BuySellRatio >= 1.0:
		score += 5
	case e.BuySellRatio < 0.7:
		score -= 15
	}
	switch e.Hype {
	case model.HypeEarly:
		score += 10
	case model.HypePeak:
		score -= 15
	case model.HypeDistribution:
		score -= 30
	}
	return clamp(score, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
