package model

import (
	"fmt"
	"time"
)

// Regime is the coarse market-condition classification gating risk appetite.
type Regime string

const (
	RegimeFull      Regime = "FULL"
	RegimeCautious  Regime = "CAUTIOUS"
	RegimeDefensive Regime = "DEFENSIVE"
	RegimePause     Regime = "PAUSE"
)

// ParseRegime validates a regime tag.
func ParseRegime(s string) (Regime, error) {
	switch r := Regime(s); r {
	case RegimeFull, RegimeCautious, RegimeDefensive, RegimePause:
		return r, nil
	}
	return "", fmt.Errorf("model: unknown regime %q", s)
}

// TrendDirection is the direction of a reference asset's 24h trend.
type TrendDirection string

const (
	TrendUp   TrendDirection = "UP"
	TrendDown TrendDirection = "DOWN"
	TrendFlat TrendDirection = "FLAT"
)

// HypePhase tags where an asset sits in its attention cycle.
type HypePhase string

const (
	HypeEarly        HypePhase = "EARLY"
	HypeMomentum     HypePhase = "MOMENTUM"
	HypePeak         HypePhase = "PEAK"
	HypeDistribution HypePhase = "DISTRIBUTION"
)

// WalletSignal summarises the watched-wallet cohort in one asset.
type WalletSignal struct {
	Count      int       `json:"count"`
	Tier1Count int       `json:"tier1_count"`
	Tier2Count int       `json:"tier2_count"`
	Tier3Count int       `json:"tier3_count"`
	AvgScore   float64   `json:"avg_score"`
	FirstEntry time.Time `json:"first_entry"`
	LastEntry  time.Time `json:"last_entry"`
}

// SafetySignal is the safety collaborator's verdict.
type SafetySignal struct {
	Score           float64 `json:"score"` // 0-100
	Level           string  `json:"level"`
	Passed          bool    `json:"passed"`
	HardRejected    bool    `json:"hard_rejected"`
	RejectReason    string  `json:"reject_reason,omitempty"`
	Honeypot        bool    `json:"honeypot"`
	MintAuthority   bool    `json:"mint_authority"`
	FreezeAuthority bool    `json:"freeze_authority"`
}

// EntryTiming describes how attractive the current price is as an entry.
type EntryTiming struct {
	CurrentPrice  float64   `json:"current_price"`
	LocalHigh     float64   `json:"local_high"`
	AllTimeHigh   float64   `json:"all_time_high"`
	DipPct        float64   `json:"dip_pct"`
	FromATHPct    float64   `json:"from_ath_pct"`
	AgeMinutes    float64   `json:"age_minutes"`
	BuySellRatio  float64   `json:"buy_sell_ratio"`
	PriceChange1h float64   `json:"price_change_1h"`
	LiquidityUSD  float64   `json:"liquidity_usd"`
	Hype          HypePhase `json:"hype"`
}

// SocialSignal holds social presence and activity metrics.
type SocialSignal struct {
	HasTwitter      bool    `json:"has_twitter"`
	HasTelegram     bool    `json:"has_telegram"`
	HasWebsite      bool    `json:"has_website"`
	Followers       int     `json:"followers"`
	MentionsPerHour float64 `json:"mentions_per_hour"`
	Coordinated     bool    `json:"coordinated"`
	OverPromoted    bool    `json:"over_promoted"`
}

// MarketContext is the regime context at evaluation time.
type MarketContext struct {
	Regime       Regime         `json:"regime"`
	SolTrend     TrendDirection `json:"sol_trend"`
	BtcTrend     TrendDirection `json:"btc_trend"`
	SolChange24h float64        `json:"sol_change_24h"`
	BtcChange24h float64        `json:"btc_change_24h"`
	PeakHours    bool           `json:"peak_hours"`
}

// AggregatedSignal is the immutable snapshot of every signal facet for one
// asset. It is built fresh on every evaluation and passed by value.
type AggregatedSignal struct {
	Asset       string        `json:"asset"`
	Symbol      string        `json:"symbol"`
	Name        string        `json:"name"`
	Wallets     WalletSignal  `json:"wallets"`
	Safety      SafetySignal  `json:"safety"`
	Entry       EntryTiming   `json:"entry"`
	Social      SocialSignal  `json:"social"`
	Market      MarketContext `json:"market"`
	CollectedAt time.Time     `json:"collected_at"`

	degraded []string
}

// NewAggregatedSignal builds a snapshot. The degraded facet names are copied.
func NewAggregatedSignal(s AggregatedSignal, degraded []string) AggregatedSignal {
	if len(degraded) > 0 {
		s.degraded = append([]string(nil), degraded...)
	}
	return s
}

// Degraded lists the facets that fell back to conservative defaults.
func (s AggregatedSignal) Degraded() []string {
	return append([]string(nil), s.degraded...)
}
