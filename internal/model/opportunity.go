package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityStatus is the lifecycle state of a tracked candidate.
type OpportunityStatus string

const (
	StatusWatching OpportunityStatus = "WATCHING"
	StatusReady    OpportunityStatus = "READY"
	StatusEntered  OpportunityStatus = "ENTERED"
	StatusExpired  OpportunityStatus = "EXPIRED"
)

// EvictionRank orders statuses for eviction from a full tracked set.
// Lower ranks are evicted first.
func (s OpportunityStatus) EvictionRank() int {
	switch s {
	case StatusExpired:
		return 0
	case StatusEntered:
		return 1
	case StatusReady:
		return 2
	case StatusWatching:
		return 3
	}
	return 0
}

// Terminal reports whether no further update cycles apply.
func (s OpportunityStatus) Terminal() bool {
	return s == StatusEntered || s == StatusExpired
}

// TriggerKind names the rule that moved a candidate to READY.
type TriggerKind string

const (
	TriggerNone           TriggerKind = ""
	TriggerEarlyDiscovery TriggerKind = "EARLY_DISCOVERY"
	TriggerPrimaryDip     TriggerKind = "PRIMARY_DIP"
	TriggerSecondaryDip   TriggerKind = "SECONDARY_DIP"
	TriggerTier3Cluster   TriggerKind = "TIER3_CLUSTER"
)

// Opportunity is the mutable record the tracker owns per candidate asset.
type Opportunity struct {
	Address       string            `json:"address"`
	Name          string            `json:"name"`
	Symbol        string            `json:"symbol"`
	FirstDetected time.Time         `json:"first_detected"`
	Wallets       []WalletEntry     `json:"wallets"`
	CurrentPrice  decimal.Decimal   `json:"current_price"`
	HighWater     decimal.Decimal   `json:"high_water"`
	DipPct        float64           `json:"dip_pct"`
	LiquidityUSD  float64           `json:"liquidity_usd"`
	Status        OpportunityStatus `json:"status"`
	Trigger       TriggerKind       `json:"trigger,omitempty"`
	StatusReason  string            `json:"status_reason,omitempty"`
	ExpiresAt     time.Time         `json:"expires_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to another owner.
func (o *Opportunity) Clone() Opportunity {
	c := *o
	c.Wallets = append([]WalletEntry(nil), o.Wallets...)
	return c
}

// AddWallet appends a wallet entry unless the wallet is already present.
func (o *Opportunity) AddWallet(w WalletEntry) bool {
	for _, e := range o.Wallets {
		if e.Address == w.Address {
			return false
		}
	}
	o.Wallets = append(o.Wallets, w)
	return true
}

// RemoveWallet drops a wallet that exited the asset.
func (o *Opportunity) RemoveWallet(address string) bool {
	for i, e := range o.Wallets {
		if e.Address == address {
			o.Wallets = append(o.Wallets[:i], o.Wallets[i+1:]...)
			return true
		}
	}
	return false
}

// Age returns the time since first detection.
func (o *Opportunity) Age(now time.Time) time.Duration {
	return now.Sub(o.FirstDetected)
}
