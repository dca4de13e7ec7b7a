package position

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/model"
)

// TakeProfitLevel sells SellPct percent of the original entry amount
// once P&L reaches GainPct.
type TakeProfitLevel struct {
	GainPct float64 `yaml:"gain_pct"`
	SellPct float64 `yaml:"sell_pct"`
}

// TakeProfit holds the staged levels, ascending by gain.
type TakeProfit struct {
	Levels [model.TakeProfitLevels]TakeProfitLevel `yaml:"levels"`
}

// DefaultTakeProfit sells 20/25/25/15% at +30/+60/+100/+200% and keeps
// the last 15% as a moonbag under the trailing stop.
func DefaultTakeProfit() TakeProfit {
	return TakeProfit{Levels: [model.TakeProfitLevels]TakeProfitLevel{
		{GainPct: 30, SellPct: 20},
		{GainPct: 60, SellPct: 25},
		{GainPct: 100, SellPct: 25},
		{GainPct: 200, SellPct: 15},
	}}
}

// PartialOrder is one due take-profit sell.
type PartialOrder struct {
	Level  int
	Amount decimal.Decimal
}

// Next returns the lowest level that is due and not yet hit, with the
// amount to sell capped at what remains.
func (t TakeProfit) Next(p *model.Position, pnlPct float64) (PartialOrder, bool) {
	for i, lvl := range t.Levels {
		if p.TakeProfitHits[i] {
			continue
		}
		if pnlPct < lvl.GainPct {
			return PartialOrder{}, false
		}
		amt := p.EntryAmount.Mul(decimal.NewFromFloat(lvl.SellPct)).Div(decimal.NewFromInt(100))
		if amt.GreaterThan(p.Remaining) {
			amt = p.Remaining
		}
		return PartialOrder{Level: i, Amount: amt}, true
	}
	return PartialOrder{}, false
}
