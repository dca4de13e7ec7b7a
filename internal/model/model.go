// Package model defines the core domain types shared across the agent.
// SOL and token amounts, and prices stored on long-lived records, use
// shopspring/decimal. Scores and percentages are float64.
package model

import "time"

// Tier ranks a watched wallet by historical performance, 1 being best.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Valid reports whether t is one of the three known tiers.
func (t Tier) Valid() bool {
	return t >= Tier1 && t <= Tier3
}

// WatchedWallet is one entry of the wallet directory watchlist.
type WatchedWallet struct {
	Address string  `json:"address"`
	Tier    Tier    `json:"tier"`
	Score   float64 `json:"score"` // 0-100 quality score
}

// WalletEntry records one watched wallet buying into a tracked asset.
type WalletEntry struct {
	Address   string    `json:"address"`
	Tier      Tier      `json:"tier"`
	Score     float64   `json:"score"`
	EnteredAt time.Time `json:"entered_at"`
}

// TierCounts counts wallet entries per tier.
func TierCounts(entries []WalletEntry) (t1, t2, t3 int) {
	for _, e := range entries {
		switch e.Tier {
		case Tier1:
			t1++
		case Tier2:
			t2++
		case Tier3:
			t3++
		}
	}
	return t1, t2, t3
}

// TradeSide is the direction of a wallet trade.
type TradeSide string

const (
	SideBuy  TradeSide = "BUY"
	SideSell TradeSide = "SELL"
)

// WalletTrade is one swap by a watched wallet, as reported by the
// wallet-activity source.
type WalletTrade struct {
	Wallet    string    `json:"wallet"`
	Asset     string    `json:"asset"`
	Name      string    `json:"name,omitempty"`
	Symbol    string    `json:"symbol,omitempty"`
	Side      TradeSide `json:"side"`
	AmountSOL float64   `json:"amount_sol"`
	Signature string    `json:"signature,omitempty"`
	At        time.Time `json:"at"`
}
