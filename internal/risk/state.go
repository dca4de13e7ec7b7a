package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/atmx/conviction-engine/internal/model"
)

const dayLayout = "2006-01-02"

// State is the persisted snapshot of the engine-level counters.
type State struct {
	DailyPnLPct    float64   `json:"daily_pnl_pct"`
	Day            string    `json:"day"` // UTC date the daily P&L belongs to
	LosingStreak   int       `json:"losing_streak"`
	CooldownUntil  time.Time `json:"cooldown_until"`
	CooldownReason string    `json:"cooldown_reason,omitempty"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// StateStore persists State across restarts. Load reports found=false
// when nothing was saved yet.
type StateStore interface {
	LoadRiskState(ctx context.Context) (s State, found bool, err error)
	SaveRiskState(ctx context.Context, s State) error
}

// RiskState owns the daily P&L, losing streak and cooldown deadline.
// Every mutation goes through RecordTrade or ResetDaily and is persisted
// before returning.
type RiskState struct {
	mu     sync.Mutex
	s      State
	store  StateStore
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a RiskState.
type Option func(*RiskState)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *RiskState) { r.now = now }
}

// LoadRiskState restores the state from store, rolling the daily P&L over
// if the saved day is not today.
func LoadRiskState(ctx context.Context, store StateStore, cfg Config, logger *slog.Logger, opts ...Option) (*RiskState, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RiskState{store: store, cfg: cfg, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if store != nil {
		s, found, err := store.LoadRiskState(ctx)
		if err != nil {
			return nil, fmt.Errorf("risk: load state: %w", err)
		}
		if found {
			r.s = s
		}
	}
	if r.s.Day == "" {
		r.s.Day = r.today()
	}
	if err := r.rolloverLocked(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Snapshot returns a copy of the current state.
func (r *RiskState) Snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rolloverLocked(context.Background()); err != nil {
		r.logger.Error("risk state rollover", "err", err)
	}
	return r.s
}

// CooldownRemaining returns how long new entries stay blocked.
func (r *RiskState) CooldownRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d := r.s.CooldownUntil.Sub(r.now()); d > 0 {
		return d
	}
	return 0
}

// RecordTrade folds a completed trade into the counters.
func (r *RiskState) RecordTrade(ctx context.Context, t model.CompletedTrade) (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.rolloverLocked(ctx); err != nil {
		r.logger.Error("risk state rollover", "err", err)
	}

	r.s.DailyPnLPct += t.PnLPct * t.PositionSizePct / 100
	switch t.Outcome {
	case model.OutcomeWin:
		r.s.Wins++
		r.s.LosingStreak = 0
	case model.OutcomeLoss:
		r.s.Losses++
		r.s.LosingStreak++
	}

	now := r.now()
	switch {
	case r.s.LosingStreak >= 5:
		r.extendCooldownLocked(now.Add(r.cfg.LongStreakCooldown), "losing streak")
	case r.s.LosingStreak >= 3:
		r.extendCooldownLocked(now.Add(r.cfg.StreakCooldown), "losing streak")
	}
	if r.s.DailyPnLPct <= r.cfg.DailyLossLimitPct {
		r.extendCooldownLocked(now.Add(r.cfg.DailyLossCooldown), "daily loss limit")
	}

	if err := r.persistLocked(ctx); err != nil {
		return r.s, err
	}
	r.logger.Info("risk state updated",
		"asset", t.Asset,
		"outcome", t.Outcome,
		"daily_pnl_pct", r.s.DailyPnLPct,
		"losing_streak", r.s.LosingStreak,
		"cooldown_until", r.s.CooldownUntil,
	)
	return r.s, nil
}

// ResetDaily zeroes the daily P&L if the UTC day has changed.
func (r *RiskState) ResetDaily(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rolloverLocked(ctx)
}

// extendCooldownLocked only ever moves the deadline later.
func (r *RiskState) extendCooldownLocked(until time.Time, reason string) {
	if until.After(r.s.CooldownUntil) {
		r.s.CooldownUntil = until
		r.s.CooldownReason = reason
	}
}

func (r *RiskState) rolloverLocked(ctx context.Context) error {
	today := r.today()
	if r.s.Day == today {
		return nil
	}
	r.logger.Info("daily risk reset", "previous_day", r.s.Day, "daily_pnl_pct", r.s.DailyPnLPct)
	r.s.Day = today
	r.s.DailyPnLPct = 0
	return r.persistLocked(ctx)
}

func (r *RiskState) persistLocked(ctx context.Context) error {
	r.s.UpdatedAt = r.now()
	if r.store == nil {
		return nil
	}
	if err := r.store.SaveRiskState(ctx, r.s); err != nil {
		return fmt.Errorf("risk: save state: %w", err)
	}
	return nil
}

func (r *RiskState) today() string {
	return r.now().UTC().Format(dayLayout)
}
