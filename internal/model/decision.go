package model

import "time"

// ReasonCode is the audit code attached to every entry decision.
type ReasonCode string

const (
	ReasonApproved         ReasonCode = "APPROVED"
	ReasonSafetyHardReject ReasonCode = "SAFETY_HARD_REJECT"
	ReasonRegimePause      ReasonCode = "REGIME_PAUSE"
	ReasonDailyLossLimit   ReasonCode = "DAILY_LOSS_LIMIT"
	ReasonDailyProfitCap   ReasonCode = "DAILY_PROFIT_CAP"
	ReasonMaxPositions     ReasonCode = "MAX_POSITIONS"
	ReasonCooldown         ReasonCode = "COOLDOWN_ACTIVE"
	ReasonLowConviction    ReasonCode = "LOW_CONVICTION"
	ReasonExposureLimit    ReasonCode = "EXPOSURE_LIMIT"
	ReasonPaused           ReasonCode = "PAUSED"
	ReasonKillSwitch       ReasonCode = "KILL_SWITCH"
	ReasonEvaluationError  ReasonCode = "EVALUATION_ERROR"
)

// CheckResult is the outcome of one gate check, in evaluation order.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
}

// EntryDecision is the immutable output of the risk gate.
type EntryDecision struct {
	ID                string          `json:"id"`
	Asset             string          `json:"asset"`
	ShouldEnter       bool            `json:"should_enter"`
	Reason            ReasonCode      `json:"reason"`
	Detail            string          `json:"detail,omitempty"`
	PositionSizePct   float64         `json:"position_size_pct"`
	Score             float64         `json:"score"`
	Level             ConvictionLevel `json:"level"`
	Checks            []CheckResult   `json:"checks"`
	CooldownRemaining time.Duration   `json:"cooldown_remaining,omitempty"`
	DecidedAt         time.Time       `json:"decided_at"`
}

// Check looks up the result of a named check. ok is false when the check
// was never evaluated.
func (d EntryDecision) Check(name string) (passed, ok bool) {
	for _, c := range d.Checks {
		if c.Name == name {
			return c.Passed, true
		}
	}
	return false, false
}
