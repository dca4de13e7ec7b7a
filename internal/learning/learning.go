// Package learning keeps the trade history the scorer learns from: the
// current category weights and per-fingerprint outcomes of past trades.
package learning

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/atmx/conviction-engine/internal/model"
)

// Store is the learning collaborator contract.
type Store interface {
	CurrentWeights(ctx context.Context) (model.Weights, error)
	FindSimilarTrades(ctx context.Context, fingerprint string) ([]model.CompletedTrade, error)
	PatternMatchAdjustment(matches []model.CompletedTrade) float64
	OnTradeCompleted(ctx context.Context, t model.CompletedTrade) error
}

// Config tunes the in-memory learner.
type Config struct {
	MinMatches  int     `yaml:"min_matches"`
	MaxHistory  int     `yaml:"max_history"`
	MaxMatches  int     `yaml:"max_matches"`
	Sensitivity float64 `yaml:"sensitivity"`
}

// DefaultConfig returns the default learner settings.
func DefaultConfig() Config {
	return Config{MinMatches: 3, MaxHistory: 1000, MaxMatches: 50, Sensitivity: 30}
}

// Memory is an in-process Store. History is bounded; the oldest trades
// fall off first.
type Memory struct {
	mu      sync.RWMutex
	cfg     Config
	weights model.Weights
	trades  []model.CompletedTrade
	logger  *slog.Logger
}

// NewMemory creates a learner starting from weights.
func NewMemory(cfg Config, weights model.Weights, logger *slog.Logger) *Memory {
	def := DefaultConfig()
	if cfg.MinMatches < 1 {
		cfg.MinMatches = def.MinMatches
	}
	if cfg.MaxHistory < 1 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.MaxMatches < 1 {
		cfg.MaxMatches = def.MaxMatches
	}
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = def.Sensitivity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{cfg: cfg, weights: weights.Normalized(), logger: logger}
}

// CurrentWeights returns the active weight vector.
func (m *Memory) CurrentWeights(context.Context) (model.Weights, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.weights, nil
}

// SetWeights replaces the weight vector.
func (m *Memory) SetWeights(w model.Weights) {
	m.mu.Lock()
	m.weights = w.Normalized()
	m.mu.Unlock()
}

// FindSimilarTrades returns past trades sharing fingerprint, newest first.
func (m *Memory) FindSimilarTrades(_ context.Context, fingerprint string) ([]model.CompletedTrade, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.CompletedTrade
	for i := len(m.trades) - 1; i >= 0 && len(out) < m.cfg.MaxMatches; i-- {
		if m.trades[i].Fingerprint == fingerprint {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

// PatternMatchAdjustment maps the win rate of matches onto [-15, +5].
// Fewer than MinMatches trades carry no signal.
func (m *Memory) PatternMatchAdjustment(matches []model.CompletedTrade) float64 {
	if len(matches) < m.cfg.MinMatches {
		return 0
	}
	wins := make([]float64, len(matches))
	for i, t := range matches {
		if t.Outcome == model.OutcomeWin {
			wins[i] = 1
		}
	}
	rate := stat.Mean(wins, nil)
	return math.Max(-15, math.Min(5, (rate-0.5)*m.cfg.Sensitivity))
}

// OnTradeCompleted appends t to the history.
func (m *Memory) OnTradeCompleted(_ context.Context, t model.CompletedTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(t)
	m.logger.Debug("trade recorded for learning", "asset", t.Asset, "fingerprint", t.Fingerprint, "outcome", t.Outcome)
	return nil
}

// Seed loads historical trades, oldest first, typically at startup.
func (m *Memory) Seed(trades []model.CompletedTrade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trades {
		m.appendLocked(t)
	}
}

// Stats summarises the history.
type Stats struct {
	Trades     int     `json:"trades"`
	WinRate    float64 `json:"win_rate"`
	MeanPnLPct float64 `json:"mean_pnl_pct"`
	StdPnLPct  float64 `json:"std_pnl_pct"`
}

// Stats returns aggregate statistics over the history.
func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.trades)
	if n == 0 {
		return Stats{}
	}
	pnl := make([]float64, n)
	wins := 0
	for i, t := range m.trades {
		pnl[i] = t.PnLPct
		if t.Outcome == model.OutcomeWin {
			wins++
		}
	}
	s := Stats{Trades: n, WinRate: float64(wins) / float64(n)}
	if n > 1 {
		s.MeanPnLPct, s.StdPnLPct = stat.MeanStdDev(pnl, nil)
	} else {
		s.MeanPnLPct = pnl[0]
	}
	return s
}

func (m *Memory) appendLocked(t model.CompletedTrade) {
	m.trades = append(m.trades, t)
	if over := len(m.trades) - m.cfg.MaxHistory; over > 0 {
		m.trades = append(m.trades[:0:0], m.trades[over:]...)
	}
}
