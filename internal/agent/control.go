package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/learning"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
	"github.com/atmx/conviction-engine/internal/signal"
)

// Killed implements execution.KillFlag.
func (a *Agent) Killed() bool { return a.killed.Load() }

// Paused reports whether new entries are blocked.
func (a *Agent) Paused() bool { return a.paused.Load() }

// Pause blocks new entries. Open positions keep being monitored. It
// reports whether the state changed.
func (a *Agent) Pause(reason string) bool {
	if !a.paused.CompareAndSwap(false, true) {
		return false
	}
	a.logger.Warn("entries paused", "reason", reason)
	a.alerts.Notify(alert.NewEvent(alert.KindPaused, alert.SeverityWarning, "trading paused", reason))
	return true
}

// Resume lifts a pause. It fails once the kill switch has fired.
func (a *Agent) Resume() (bool, error) {
	if a.killed.Load() {
		return false, ErrKilled
	}
	if !a.paused.CompareAndSwap(true, false) {
		return false, nil
	}
	a.logger.Info("entries resumed")
	a.alerts.Notify(alert.NewEvent(alert.KindResumed, alert.SeverityInfo, "trading resumed", ""))
	return true, nil
}

// KillReport describes a kill switch invocation.
type KillReport struct {
	AlreadyKilled bool `json:"already_killed"`
	Positions     int  `json:"positions"`
	Failed        int  `json:"failed"`
}

// Kill halts new entries for good and liquidates every open position.
// Calling it again only retries positions that are still open. It is
// safe to call while a buy is in flight; the executor checks the flag
// right before sending.
func (a *Agent) Kill(ctx context.Context, reason string) KillReport {
	a.killMu.Lock()
	defer a.killMu.Unlock()

	first := a.killed.CompareAndSwap(false, true)
	a.paused.Store(true)
	rep := KillReport{AlreadyKilled: !first, Positions: a.positions.OpenPositionCount()}
	if first {
		a.logger.Error("kill switch triggered", "reason", reason, "open_positions", rep.Positions)
	}
	if rep.Positions > 0 {
		rep.Failed = a.positions.LiquidateAll(ctx, model.ExitKillSwitch)
	}
	if first || rep.Failed > 0 {
		a.alerts.Notify(alert.NewEvent(alert.KindKillSwitch, alert.SeverityCritical, "kill switch", reason).
			With("positions", rep.Positions).
			With("failed", rep.Failed))
	}
	return rep
}

// SetRegimeOverride pins the market regime until cleared with "".
func (a *Agent) SetRegimeOverride(ctx context.Context, r model.Regime) error {
	if r != "" {
		if _, err := model.ParseRegime(string(r)); err != nil {
			return fmt.Errorf("agent: %w", err)
		}
	}
	if err := a.regime.SetOverride(ctx, r); err != nil {
		return fmt.Errorf("agent: set regime override: %w", err)
	}
	title, msg := "regime override set", string(r)
	if r == "" {
		title, msg = "regime override cleared", ""
	}
	a.logger.Warn(title, "regime", r)
	a.alerts.Notify(alert.NewEvent(alert.KindRegimeOverride, alert.SeverityWarning, title, msg))
	return nil
}

// Status is a read-only snapshot of the agent.
type Status struct {
	Paused            bool                            `json:"paused"`
	Killed            bool                            `json:"killed"`
	TradingEnabled    bool                            `json:"trading_enabled"`
	Paper             bool                            `json:"paper"`
	PaperBalanceSOL   *decimal.Decimal                `json:"paper_balance_sol,omitempty"`
	Regime            *signal.RegimeState             `json:"regime,omitempty"`
	Risk              risk.State                      `json:"risk"`
	CooldownRemaining time.Duration                   `json:"cooldown_remaining"`
	OpenPositions     int                             `json:"open_positions"`
	ExposurePct       float64                         `json:"exposure_pct"`
	Tracked           map[model.OpportunityStatus]int `json:"tracked"`
	Learning          *learning.Stats                 `json:"learning,omitempty"`
	LimiterQueue      int                             `json:"limiter_queue"`
	Jobs              []string                        `json:"jobs"`
	StartedAt         time.Time                       `json:"started_at"`
	Uptime            time.Duration                   `json:"uptime"`
}

// Status builds a snapshot. A regime lookup failure leaves Regime empty.
func (a *Agent) Status(ctx context.Context) Status {
	st := Status{
		Paused:            a.paused.Load(),
		Killed:            a.killed.Load(),
		TradingEnabled:    a.cfg.Execution.TradingEnabled,
		Paper:             a.cfg.Execution.Paper,
		Risk:              a.risk.Snapshot(),
		CooldownRemaining: a.risk.CooldownRemaining(),
		OpenPositions:     a.positions.OpenPositionCount(),
		ExposurePct:       a.positions.ExposurePct(),
		Tracked:           a.tracker.Counts(),
		LimiterQueue:      a.limiter.QueueDepth(),
		Jobs:              a.sched.Jobs(),
		StartedAt:         a.startedAt,
	}
	if !a.startedAt.IsZero() {
		st.Uptime = a.now().Sub(a.startedAt).Round(time.Second)
	}
	if w := a.exec.Paper(); w != nil {
		sol := w.SOL()
		st.PaperBalanceSOL = &sol
	}
	if rs, err := a.regime.RegimeState(ctx); err == nil {
		st.Regime = &rs
	} else {
		a.logger.Warn("status regime lookup failed", "err", err)
	}
	if m, ok := a.learning.(*learning.Memory); ok {
		ls := m.Stats()
		st.Learning = &ls
	}
	return st
}

// Decisions returns the most recent entry decisions, newest first.
func (a *Agent) Decisions(ctx context.Context, limit int) ([]model.EntryDecision, error) {
	return a.store.ListDecisions(ctx, limit)
}

// Trades returns the most recent completed trades, oldest first.
func (a *Agent) Trades(ctx context.Context, limit int) ([]model.CompletedTrade, error) {
	return a.store.ListTrades(ctx, limit)
}

// OpenPositions returns the open positions, oldest first.
func (a *Agent) OpenPositions() []model.Position { return a.positions.Positions() }

// ClosePosition exits one position at the operator's request.
func (a *Agent) ClosePosition(ctx context.Context, id string) error {
	return a.positions.Close(ctx, id, model.ExitManual)
}

// Opportunities returns the tracked opportunities.
func (a *Agent) Opportunities() []model.Opportunity { return a.tracker.Opportunities() }
