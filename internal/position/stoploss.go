package position

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/model"
)

// TrailTier sets the trail distance once gain reaches MinGainPct.
type TrailTier struct {
	MinGainPct float64 `yaml:"min_gain_pct"`
	TrailPct   float64 `yaml:"trail_pct"`
}

// StopLoss owns the hard stop and the trailing stop.
type StopLoss struct {
	HardStopPct   float64     `yaml:"hard_stop_pct"`  // exit at or below this P&L %
	ActivationPct float64     `yaml:"activation_pct"` // trailing arms once P&L % exceeds this
	Tiers         []TrailTier `yaml:"tiers"`          // highest MinGainPct first
}

// DefaultStopLoss returns a -25% hard stop and a trail that arms above
// +20% and tightens from 15% to 12% to 10% as gains grow.
func DefaultStopLoss() StopLoss {
	return StopLoss{
		HardStopPct:   -25,
		ActivationPct: 20,
		Tiers: []TrailTier{
			{MinGainPct: 100, TrailPct: 10},
			{MinGainPct: 50, TrailPct: 12},
			{MinGainPct: 20, TrailPct: 15},
		},
	}
}

// HardStopPrice is the fixed stop price for an entry price.
func (s StopLoss) HardStopPrice(entry decimal.Decimal) decimal.Decimal {
	return entry.Mul(decimal.NewFromFloat(1 + s.HardStopPct/100))
}

// TrailPctFor returns the trail distance for a gain, or 0 below every tier.
func (s StopLoss) TrailPctFor(gainPct float64) float64 {
	for _, t := range s.Tiers {
		if gainPct >= t.MinGainPct {
			return t.TrailPct
		}
	}
	return 0
}

// Evaluate updates the trailing state of p for the current tick and
// reports a full exit. The hard stop is checked first and the trailing
// stop only when the hard stop did not fire. newHigh reports whether
// this tick set a new highest price.
func (s StopLoss) Evaluate(p *model.Position, pnlPct float64, newHigh bool) (model.ExitReason, bool) {
	if pnlPct <= s.HardStopPct {
		return model.ExitHardStop, true
	}

	if !p.TrailingActive && pnlPct > s.ActivationPct {
		p.TrailingActive = true
		newHigh = true
	}
	if !p.TrailingActive {
		return "", false
	}

	if newHigh {
		gain := pctChange(p.EntryPrice, p.Highest)
		if pct := s.TrailPctFor(gain); pct > 0 {
			trail := p.Highest.Mul(decimal.NewFromFloat(1 - pct/100))
			if trail.GreaterThan(p.TrailingPrice) {
				p.TrailingPrice = trail
				p.TrailingPct = pct
			}
		}
	}
	if p.TrailingPrice.IsPositive() && p.CurrentPrice.LessThanOrEqual(p.TrailingPrice) {
		return model.ExitTrailingStop, true
	}
	return "", false
}

func pctChange(from, to decimal.Decimal) float64 {
	if !from.IsPositive() {
		return 0
	}
	f, _ := to.Sub(from).Div(from).Mul(decimal.NewFromInt(100)).Float64()
	return f
}
