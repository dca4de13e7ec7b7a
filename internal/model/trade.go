package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome classifies a completed trade.
type Outcome string

const (
	OutcomeWin       Outcome = "WIN"
	OutcomeLoss      Outcome = "LOSS"
	OutcomeBreakeven Outcome = "BREAKEVEN"
)

// ClassifyOutcome maps a final P&L percentage to an outcome class.
func ClassifyOutcome(pnlPct float64) Outcome {
	switch {
	case pnlPct > 1:
		return OutcomeWin
	case pnlPct < -1:
		return OutcomeLoss
	default:
		return OutcomeBreakeven
	}
}

// CompletedTrade is the immutable record of a fully closed position,
// handed to the learning collaborator and the trade history.
type CompletedTrade struct {
	ID              string          `json:"id"`
	PositionID      string          `json:"position_id"`
	Asset           string          `json:"asset"`
	Symbol          string          `json:"symbol"`
	EntryPrice      decimal.Decimal `json:"entry_price"`
	ExitPrice       decimal.Decimal `json:"exit_price"`
	EntryAmount     decimal.Decimal `json:"entry_amount"`
	EntryTime       time.Time       `json:"entry_time"`
	ExitTime        time.Time       `json:"exit_time"`
	PnL             decimal.Decimal `json:"pnl"`
	PnLPct          float64         `json:"pnl_pct"`
	Outcome         Outcome         `json:"outcome"`
	ExitReason      ExitReason      `json:"exit_reason"`
	PositionSizePct float64         `json:"position_size_pct"`
	ConvictionScore float64         `json:"conviction_score"`
	Fingerprint     string          `json:"fingerprint"`
	PartialSells    int             `json:"partial_sells"`
}

// HoldDuration returns how long the position was held.
func (t CompletedTrade) HoldDuration() time.Duration {
	return t.ExitTime.Sub(t.EntryTime)
}
