package feeds

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/signal"
)

// Memory implements every collaborator interface over in-process maps.
// Used for development runs without the data services, and in tests.
type Memory struct {
	mu        sync.RWMutex
	prices    map[string]signal.PriceQuote
	safety    map[string]model.SafetySignal
	social    map[string]model.SocialSignal
	stats     map[string]signal.TokenStats
	regime    *signal.RegimeState
	override  model.Regime
	watchlist []model.WatchedWallet
	monitored map[string]bool
	trades    []model.WalletTrade
}

// NewMemory creates empty feeds.
func NewMemory() *Memory {
	return &Memory{
		prices:    make(map[string]signal.PriceQuote),
		safety:    make(map[string]model.SafetySignal),
		social:    make(map[string]model.SocialSignal),
		stats:     make(map[string]signal.TokenStats),
		monitored: make(map[string]bool),
	}
}

func (m *Memory) SetPrice(asset string, q signal.PriceQuote) {
	m.mu.Lock()
	m.prices[asset] = q
	m.mu.Unlock()
}

func (m *Memory) SetSafety(asset string, s model.SafetySignal) {
	m.mu.Lock()
	m.safety[asset] = s
	m.mu.Unlock()
}

func (m *Memory) SetSocial(asset string, s model.SocialSignal) {
	m.mu.Lock()
	m.social[asset] = s
	m.mu.Unlock()
}

func (m *Memory) SetStats(asset string, s signal.TokenStats) {
	m.mu.Lock()
	m.stats[asset] = s
	m.mu.Unlock()
}

func (m *Memory) SetRegime(st signal.RegimeState) {
	m.mu.Lock()
	m.regime = &st
	m.mu.Unlock()
}

func (m *Memory) SetWatchlist(ws []model.WatchedWallet) {
	m.mu.Lock()
	m.watchlist = append([]model.WatchedWallet(nil), ws...)
	m.mu.Unlock()
}

// PushTrade records a wallet trade for RecentTrades.
func (m *Memory) PushTrade(t model.WalletTrade) {
	m.mu.Lock()
	m.trades = append(m.trades, t)
	m.mu.Unlock()
}

// Monitored reports whether asset has an active polling hint.
func (m *Memory) Monitored(asset string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.monitored[asset]
}

func (m *Memory) GetPrice(_ context.Context, asset string) (signal.PriceQuote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.prices[asset]
	if !ok || q.PriceUSD <= 0 {
		return signal.PriceQuote{}, signal.ErrNoData
	}
	return q, nil
}

func (m *Memory) AddToken(asset string) {
	m.mu.Lock()
	m.monitored[asset] = true
	m.mu.Unlock()
}

func (m *Memory) RemoveToken(asset string) {
	m.mu.Lock()
	delete(m.monitored, asset)
	m.mu.Unlock()
}

func (m *Memory) Analyze(_ context.Context, asset string) (model.SafetySignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.safety[asset]
	if !ok {
		return model.SafetySignal{}, signal.ErrNoData
	}
	return s, nil
}

func (m *Memory) Social(_ context.Context, asset string) (model.SocialSignal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.social[asset]
	if !ok {
		return model.SocialSignal{}, signal.ErrNoData
	}
	return s, nil
}

func (m *Memory) Stats(_ context.Context, asset string) (signal.TokenStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.stats[asset]
	if !ok {
		return signal.TokenStats{}, signal.ErrNoData
	}
	return s, nil
}

func (m *Memory) RegimeState(context.Context) (signal.RegimeState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var st signal.RegimeState
	if m.regime != nil {
		st = *m.regime
	}
	if m.override != "" {
		return ApplyOverride(st, m.override), nil
	}
	if m.regime == nil {
		return st, signal.ErrNoData
	}
	return st, nil
}

func (m *Memory) SetOverride(_ context.Context, r model.Regime) error {
	if r != "" {
		if _, err := model.ParseRegime(string(r)); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.override = r
	m.mu.Unlock()
	return nil
}

func (m *Memory) Watchlist(context.Context) ([]model.WatchedWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.WatchedWallet(nil), m.watchlist...), nil
}

// RecentTrades implements tracker.ActivitySource.
func (m *Memory) RecentTrades(_ context.Context, wallets []model.WatchedWallet, since time.Time) ([]model.WalletTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterTrades(m.trades, wallets, since), nil
}

// filterTrades returns trades by wallets strictly after since, oldest first.
func filterTrades(trades []model.WalletTrade, wallets []model.WatchedWallet, since time.Time) []model.WalletTrade {
	want := make(map[string]bool, len(wallets))
	for _, w := range wallets {
		want[w.Address] = true
	}
	var out []model.WalletTrade
	for _, t := range trades {
		if want[t.Wallet] && t.At.After(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}
