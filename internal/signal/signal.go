// Package signal collects the per-asset signal facets from external
// collaborators and assembles them into a model.AggregatedSignal.
package signal

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/conviction-engine/internal/model"
)

var (
	// ErrNoData is returned by collaborators that have nothing for an asset.
	ErrNoData = errors.New("signal: no data")

	// ErrPriceUnavailable means the evaluation cannot proceed this cycle.
	ErrPriceUnavailable = errors.New("signal: price unavailable")
)

// PriceQuote is a price feed answer. Zero optional fields mean unknown.
type PriceQuote struct {
	PriceUSD       float64   `json:"price_usd"`
	LiquidityUSD   float64   `json:"liquidity_usd,omitempty"`
	Volume24h      float64   `json:"volume_24h,omitempty"`
	PriceChange1h  float64   `json:"price_change_1h,omitempty"`
	PriceChange24h float64   `json:"price_change_24h,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TokenStats are slow-moving per-asset statistics.
type TokenStats struct {
	Name         string    `json:"name"`
	Symbol       string    `json:"symbol"`
	AllTimeHigh  float64   `json:"all_time_high"`
	CreatedAt    time.Time `json:"created_at"`
	BuySellRatio float64   `json:"buy_sell_ratio"`
}

// RegimeState is the regime collaborator's current view of the market.
type RegimeState struct {
	Regime       model.Regime         `json:"regime"`
	SolTrend     model.TrendDirection `json:"sol_trend"`
	BtcTrend     model.TrendDirection `json:"btc_trend"`
	SolChange24h float64              `json:"sol_change_24h"`
	BtcChange24h float64              `json:"btc_change_24h"`
	Override     bool                 `json:"override"`
}

// PriceFeed supplies spot prices. GetPrice returns ErrNoData when the asset
// has no price. AddToken and RemoveToken are monitoring hints.
type PriceFeed interface {
	GetPrice(ctx context.Context, asset string) (PriceQuote, error)
	AddToken(asset string)
	RemoveToken(asset string)
}

// SafetyAnalyzer scores an asset's contract safety.
type SafetyAnalyzer interface {
	Analyze(ctx context.Context, asset string) (model.SafetySignal, error)
}

// SocialProvider reports social presence and activity.
type SocialProvider interface {
	Social(ctx context.Context, asset string) (model.SocialSignal, error)
}

// TokenStatsProvider reports all-time-high, creation time, and order flow.
type TokenStatsProvider interface {
	Stats(ctx context.Context, asset string) (TokenStats, error)
}

// RegimeProvider reports the market regime. SetOverride pins a regime
// until cleared with the empty regime.
type RegimeProvider interface {
	RegimeState(ctx context.Context) (RegimeState, error)
	SetOverride(ctx context.Context, r model.Regime) error
}

// WalletDirectory supplies the watched-wallet list.
type WalletDirectory interface {
	Watchlist(ctx context.Context) ([]model.WatchedWallet, error)
}
