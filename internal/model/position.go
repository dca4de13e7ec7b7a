package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// ExitReason names why a sell was triggered.
type ExitReason string

const (
	ExitHardStop     ExitReason = "HARD_STOP"
	ExitTrailingStop ExitReason = "TRAILING_STOP"
	ExitTimeStop     ExitReason = "TIME_STOP"
	ExitDanger       ExitReason = "DANGER"
	ExitKillSwitch   ExitReason = "KILL_SWITCH"
	ExitManual       ExitReason = "MANUAL"
	ExitTakeProfit   ExitReason = "TAKE_PROFIT"
)

// Urgent reports whether the exit should be sent with raised fees.
func (r ExitReason) Urgent() bool {
	switch r {
	case ExitHardStop, ExitTrailingStop, ExitDanger, ExitKillSwitch:
		return true
	}
	return false
}

// TakeProfitLevels is the number of staged take-profit levels.
const TakeProfitLevels = 4

// PartialSell is one executed take-profit sell.
type PartialSell struct {
	Level     int             `json:"level"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	PnL       decimal.Decimal `json:"pnl"`
	Signature string          `json:"signature"`
	At        time.Time       `json:"at"`
}

// Position is an open (or just-closed) holding, created on buy confirmation.
type Position struct {
	ID                string          `json:"id"`
	Asset             string          `json:"asset"`
	Symbol            string          `json:"symbol"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	EntryAmount       decimal.Decimal `json:"entry_amount"` // tokens
	EntryCostSOL      decimal.Decimal `json:"entry_cost_sol"`
	EntryTime         time.Time       `json:"entry_time"`
	EntrySignature    string          `json:"entry_signature"`
	EntryLiquidityUSD float64         `json:"entry_liquidity_usd"`
	PositionSizePct   float64         `json:"position_size_pct"`
	ConvictionScore   float64         `json:"conviction_score"`
	Fingerprint       string          `json:"fingerprint"`

	Remaining      decimal.Decimal        `json:"remaining"`
	CurrentPrice   decimal.Decimal        `json:"current_price"`
	Highest        decimal.Decimal        `json:"highest"`
	Lowest         decimal.Decimal        `json:"lowest"`
	StopLossPrice  decimal.Decimal        `json:"stop_loss_price"`
	TrailingActive bool                   `json:"trailing_active"`
	TrailingPct    float64                `json:"trailing_pct,omitempty"`
	TrailingPrice  decimal.Decimal        `json:"trailing_price"`
	TakeProfitHits [TakeProfitLevels]bool `json:"take_profit_hits"`
	Partials       []PartialSell          `json:"partials,omitempty"`
	RealizedPnL    decimal.Decimal        `json:"realized_pnl"`
	UnrealizedPnL  decimal.Decimal        `json:"unrealized_pnl"`
	PnLPct         float64                `json:"pnl_pct"`
	Status         PositionStatus         `json:"status"`
	ExitReason     ExitReason             `json:"exit_reason,omitempty"`
	ClosedAt       *time.Time             `json:"closed_at,omitempty"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

// Clone returns a deep copy.
func (p *Position) Clone() Position {
	c := *p
	c.Partials = append([]PartialSell(nil), p.Partials...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// CostBasis is the USD value paid for the original entry amount.
func (p *Position) CostBasis() decimal.Decimal {
	return p.EntryPrice.Mul(p.EntryAmount)
}
