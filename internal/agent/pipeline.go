package agent

import (
	"context"
	"fmt"

	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/position"
	"github.com/atmx/conviction-engine/internal/risk"
	"github.com/atmx/conviction-engine/internal/tracker"
)

// evaluate runs aggregate, score, decide and execute for one READY
// candidate, strictly in that order.
func (a *Agent) evaluate(ctx context.Context, o model.Opportunity) (tracker.Verdict, error) {
	if v, blocked := a.gate(ctx, o.Address); blocked {
		return v, nil
	}
	if a.positions.HoldsAsset(o.Address) {
		return tracker.Verdict{Reason: "position already open"}, nil
	}

	sig, err := a.agg.Aggregate(ctx, o)
	if err != nil {
		return tracker.Verdict{}, fmt.Errorf("aggregate: %w", err)
	}
	score := a.scorer.Score(ctx, sig)

	d, held := a.decide(ctx, sig, score)
	if held {
		return tracker.Verdict{Reason: "position already open"}, nil
	}
	a.recordDecision(ctx, d.EntryDecision)
	if !d.ShouldEnter {
		return tracker.Verdict{Reason: reasonText(d.EntryDecision)}, nil
	}
	defer d.slot.Release()

	// Pause may have landed while the candidate was being scored. The kill
	// switch is checked again by the executor right before send.
	if v, blocked := a.gate(ctx, o.Address); blocked {
		return v, nil
	}

	res := a.exec.ExecuteBuy(ctx, d.EntryDecision)
	if !res.Success {
		a.logger.Warn("buy failed",
			"asset", o.Address,
			"failure", res.Failure,
			"attempts", res.Attempts,
			"err", res.Error,
		)
		a.alerts.Notify(withAsset(alert.NewEvent(alert.KindExecutionFailed, alert.SeverityWarning,
			"buy failed", res.Error), o.Address).
			With("failure", string(res.Failure)).
			With("attempts", res.Attempts))
		return tracker.Verdict{Reason: fmt.Sprintf("execution failed: %s", res.Error)}, nil
	}

	pos, err := a.positions.Open(ctx, res, d.EntryDecision, sig, score)
	if err != nil {
		return tracker.Verdict{}, fmt.Errorf("open position: %w", err)
	}
	a.alerts.Notify(withAsset(alert.NewEvent(alert.KindEntry, alert.SeverityInfo,
		fmt.Sprintf("entered %s", displayName(sig.Symbol, o.Address)),
		fmt.Sprintf("score %.1f %s, size %.2f%%", score.Total, score.Level, d.PositionSizePct)), o.Address).
		With("position_id", pos.ID).
		With("entry_price", pos.EntryPrice.String()).
		With("cost_sol", pos.EntryCostSOL.String()).
		With("trigger", string(o.Trigger)))
	return tracker.Verdict{Entered: true, Reason: string(model.ReasonApproved)}, nil
}

type approval struct {
	model.EntryDecision
	slot *position.Reservation
}

// decide runs the engine against the book plus every entry still in
// flight, and reserves the slot when approved. held reports that another
// evaluation already holds or is entering the asset.
func (a *Agent) decide(ctx context.Context, sig model.AggregatedSignal, score model.ConvictionScore) (approval, bool) {
	a.entryMu.Lock()
	defer a.entryMu.Unlock()
	if a.positions.HoldsAsset(sig.Asset) {
		return approval{}, true
	}
	d := a.engine.Decide(ctx, sig, score, book{a.positions})
	out := approval{EntryDecision: d}
	if d.ShouldEnter {
		out.slot = a.positions.Reserve(sig.Asset, d.PositionSizePct)
	}
	return out, false
}

// book is the open positions plus the reserved entries.
type book struct{ m *position.Manager }

func (b book) OpenPositionCount() int {
	return b.m.OpenPositionCount() + b.m.PendingCount()
}

func (b book) ExposurePct() float64 {
	return b.m.ExposurePct() + b.m.PendingExposurePct()
}

// gate applies the agent-level checks that run ahead of the engine.
func (a *Agent) gate(ctx context.Context, asset string) (tracker.Verdict, bool) {
	var d model.EntryDecision
	switch {
	case a.killed.Load():
		d = risk.Rejection(asset, model.ReasonKillSwitch, "kill switch active", a.now())
	case a.paused.Load():
		d = risk.Rejection(asset, model.ReasonPaused, "entries paused by operator", a.now())
	default:
		return tracker.Verdict{}, false
	}
	a.logger.Info("entry decision", "asset", asset, "reason", d.Reason, "should_enter", false)
	a.recordDecision(ctx, d)
	return tracker.Verdict{Reason: reasonText(d)}, true
}

func (a *Agent) recordDecision(ctx context.Context, d model.EntryDecision) {
	if err := a.store.InsertDecision(ctx, d); err != nil {
		a.logger.Error("persist decision failed", "asset", d.Asset, "reason", d.Reason, "err", err)
	}
}

// onTradeClosed receives every completed trade from the position manager.
func (a *Agent) onTradeClosed(ctx context.Context, t model.CompletedTrade) {
	before := a.risk.Snapshot()
	after, err := a.risk.RecordTrade(ctx, t)
	if err != nil {
		a.logger.Error("record trade in risk state failed", "asset", t.Asset, "position_id", t.PositionID, "err", err)
	}
	if err := a.learning.OnTradeCompleted(ctx, t); err != nil {
		a.logger.Warn("learning update failed", "asset", t.Asset, "position_id", t.PositionID, "err", err)
	}
	if err := a.store.InsertTrade(ctx, t); err != nil {
		a.logger.Error("persist trade failed", "asset", t.Asset, "position_id", t.PositionID, "err", err)
	}

	sev := alert.SeverityInfo
	if t.Outcome == model.OutcomeLoss {
		sev = alert.SeverityWarning
	}
	a.alerts.Notify(withAsset(alert.NewEvent(alert.KindExit, sev,
		fmt.Sprintf("closed %s", displayName(t.Symbol, t.Asset)),
		fmt.Sprintf("%s, pnl %.2f%%", t.ExitReason, t.PnLPct)), t.Asset).
		With("position_id", t.PositionID).
		With("pnl", t.PnL.String()).
		With("outcome", string(t.Outcome)).
		With("held", t.HoldDuration().String()))

	if after.CooldownUntil.After(before.CooldownUntil) {
		a.alerts.Notify(alert.NewEvent(alert.KindCooldown, alert.SeverityWarning, "entry cooldown",
			fmt.Sprintf("%s until %s", after.CooldownReason, after.CooldownUntil.UTC().Format("15:04 MST"))).
			With("losing_streak", after.LosingStreak).
			With("daily_pnl_pct", after.DailyPnLPct))
	}
}

func reasonText(d model.EntryDecision) string {
	if d.Detail == "" {
		return string(d.Reason)
	}
	return fmt.Sprintf("%s: %s", d.Reason, d.Detail)
}

func withAsset(e alert.Event, asset string) alert.Event {
	e.Asset = asset
	return e
}

func displayName(symbol, asset string) string {
	if symbol != "" {
		return symbol
	}
	if len(asset) > 8 {
		return asset[:4] + ".." + asset[len(asset)-4:]
	}
	return asset
}
