// Package risk implements the entry decision gate and the engine-level
// risk counters it reads.
//
// The gate runs its checks in a fixed order and stops at the first one
// that fails, so every decision carries exactly the checks that were
// evaluated and a reason code for the one that decided it.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
)

// Check names, in gate order.
const (
	CheckHardReject     = "hard_reject"
	CheckDailyLossLimit = "daily_loss_limit"
	CheckDailyProfitCap = "daily_profit_cap"
	CheckMaxPositions   = "max_positions"
	CheckCooldown       = "cooldown"
	CheckConviction     = "conviction"
	CheckExposure       = "exposure"
)

// Config holds the gate limits and the cooldown policy.
type Config struct {
	DailyLossLimitPct  float64       `yaml:"daily_loss_limit_pct"`
	DailyProfitCapPct  float64       `yaml:"daily_profit_cap_pct"`
	MaxOpenPositions   int           `yaml:"max_open_positions"`
	MaxExposurePct     float64       `yaml:"max_exposure_pct"`
	StreakCooldown     time.Duration `yaml:"streak_cooldown"`
	LongStreakCooldown time.Duration `yaml:"long_streak_cooldown"`
	DailyLossCooldown  time.Duration `yaml:"daily_loss_cooldown"`
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		DailyLossLimitPct:  -8,
		DailyProfitCapPct:  15,
		MaxOpenPositions:   5,
		MaxExposurePct:     20,
		StreakCooldown:     time.Hour,
		LongStreakCooldown: 6 * time.Hour,
		DailyLossCooldown:  12 * time.Hour,
	}
}

// Portfolio exposes the open-position view the gate needs. It is only
// consulted by the checks that need it.
type Portfolio interface {
	OpenPositionCount() int
	ExposurePct() float64
}

// Engine is the sequential entry gate.
type Engine struct {
	cfg    Config
	state  *RiskState
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an engine reading counters from state.
func NewEngine(cfg Config, state *RiskState, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, state: state, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Decide runs the gate for one scored candidate. It never returns an
// error: internal faults become an EVALUATION_ERROR rejection.
func (e *Engine) Decide(ctx context.Context, sig model.AggregatedSignal, score model.ConvictionScore, pf Portfolio) (d model.EntryDecision) {
	d = model.EntryDecision{
		ID:        uuid.NewString(),
		Asset:     sig.Asset,
		Score:     score.Total,
		Level:     score.Level,
		DecidedAt: e.now(),
	}
	defer func() {
		if r := recover(); r != nil {
			d.ShouldEnter = false
			d.PositionSizePct = 0
			d.Reason = model.ReasonEvaluationError
			d.Detail = fmt.Sprintf("panic: %v", r)
		}
		e.audit(d)
	}()

	st := e.state.Snapshot()

	pass := func(name string, ok bool) bool {
		d.Checks = append(d.Checks, model.CheckResult{Name: name, Passed: ok})
		return ok
	}
	reject := func(reason model.ReasonCode, detail string) model.EntryDecision {
		d.Reason = reason
		d.Detail = detail
		return d
	}

	// 1. Hard rejects.
	if !pass(CheckHardReject, !sig.Safety.HardRejected && sig.Market.Regime != model.RegimePause) {
		if sig.Safety.HardRejected {
			return reject(model.ReasonSafetyHardReject, sig.Safety.RejectReason)
		}
		return reject(model.ReasonRegimePause, "market regime is PAUSE")
	}

	// 2-3. Daily P&L bounds.
	if !pass(CheckDailyLossLimit, st.DailyPnLPct > e.cfg.DailyLossLimitPct) {
		return reject(model.ReasonDailyLossLimit, fmt.Sprintf("daily pnl %.2f%% at or below %.2f%%", st.DailyPnLPct, e.cfg.DailyLossLimitPct))
	}
	if !pass(CheckDailyProfitCap, st.DailyPnLPct < e.cfg.DailyProfitCapPct) {
		return reject(model.ReasonDailyProfitCap, fmt.Sprintf("daily pnl %.2f%% at or above %.2f%%", st.DailyPnLPct, e.cfg.DailyProfitCapPct))
	}

	// 4. Position count.
	open := pf.OpenPositionCount()
	if !pass(CheckMaxPositions, open < e.cfg.MaxOpenPositions) {
		return reject(model.ReasonMaxPositions, fmt.Sprintf("%d open positions", open))
	}

	// 5. Cooldown.
	if remaining := st.CooldownUntil.Sub(d.DecidedAt); !pass(CheckCooldown, remaining <= 0) {
		d.CooldownRemaining = remaining
		return reject(model.ReasonCooldown, fmt.Sprintf("cooldown active for %d more minutes (%s)", int(remaining.Minutes()+0.5), st.CooldownReason))
	}

	// 6. Conviction.
	if !pass(CheckConviction, score.ShouldEnter) {
		return reject(model.ReasonLowConviction, fmt.Sprintf("score %.1f level %s in %s", score.Total, score.Level, score.Regime))
	}

	// 7. Exposure.
	exposure := pf.ExposurePct()
	if !pass(CheckExposure, exposure+score.PositionSizePct <= e.cfg.MaxExposurePct) {
		return reject(model.ReasonExposureLimit, fmt.Sprintf("exposure %.2f%% + %.2f%% exceeds %.2f%%", exposure, score.PositionSizePct, e.cfg.MaxExposurePct))
	}

	// 8. Approve with streak throttle.
	d.ShouldEnter = true
	d.Reason = model.ReasonApproved
	d.PositionSizePct = score.PositionSizePct * StreakMultiplier(st.LosingStreak)
	return d
}

// StreakMultiplier scales position size down after consecutive losses.
func StreakMultiplier(streak int) float64 {
	switch {
	case streak >= 3:
		return 0.5
	case streak >= 2:
		return 0.75
	default:
		return 1
	}
}

// Rejection builds a rejected decision for gates that run ahead of the
// engine, such as pause and kill switch.
func Rejection(asset string, reason model.ReasonCode, detail string, at time.Time) model.EntryDecision {
	return model.EntryDecision{
		ID:        uuid.NewString(),
		Asset:     asset,
		Reason:    reason,
		Detail:    detail,
		DecidedAt: at,
	}
}

func (e *Engine) audit(d model.EntryDecision) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Reason)).Inc()
	e.logger.Info("entry decision",
		"decision_id", d.ID,
		"asset", d.Asset,
		"should_enter", d.ShouldEnter,
		"reason", d.Reason,
		"detail", d.Detail,
		"score", d.Score,
		"size_pct", d.PositionSizePct,
		"checks", len(d.Checks),
	)
}
