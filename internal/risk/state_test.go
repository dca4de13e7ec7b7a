package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/model"
)

func trade(outcome model.Outcome, pnlPct, sizePct float64) model.CompletedTrade {
	return model.CompletedTrade{Asset: "asset", Outcome: outcome, PnLPct: pnlPct, PositionSizePct: sizePct}
}

func TestRecordTrade_DailyPnLWeightedBySize(t *testing.T) {
	_, rs, store := newTestEngine(t, State{})

	s, err := rs.RecordTrade(context.Background(), trade(model.OutcomeWin, 40, 5))
	require.NoError(t, err)
	assert.InDelta(t, 2.0, s.DailyPnLPct, 1e-9)

	s, err = rs.RecordTrade(context.Background(), trade(model.OutcomeLoss, -25, 4))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, s.DailyPnLPct, 1e-9)
	assert.Equal(t, 1, s.Wins)
	assert.Equal(t, 1, s.Losses)
	assert.Equal(t, s, store.state)
	assert.Equal(t, 2, store.saves)
}

func TestRecordTrade_StreakCooldowns(t *testing.T) {
	_, rs, _ := newTestEngine(t, State{})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := rs.RecordTrade(ctx, trade(model.OutcomeLoss, -2, 1))
		require.NoError(t, err)
	}
	assert.Zero(t, rs.CooldownRemaining())

	s, err := rs.RecordTrade(ctx, trade(model.OutcomeLoss, -2, 1))
	require.NoError(t, err)
	assert.Equal(t, 3, s.LosingStreak)
	assert.Equal(t, time.Hour, rs.CooldownRemaining())

	for i := 0; i < 2; i++ {
		s, err = rs.RecordTrade(ctx, trade(model.OutcomeLoss, -2, 1))
		require.NoError(t, err)
	}
	assert.Equal(t, 5, s.LosingStreak)
	assert.Equal(t, 6*time.Hour, rs.CooldownRemaining())

	// Breakeven leaves the streak alone; a win resets it.
	s, _ = rs.RecordTrade(ctx, trade(model.OutcomeBreakeven, 0, 1))
	assert.Equal(t, 5, s.LosingStreak)
	s, _ = rs.RecordTrade(ctx, trade(model.OutcomeWin, 10, 1))
	assert.Zero(t, s.LosingStreak)
	// Cooldown deadlines never shorten on a win.
	assert.Equal(t, 6*time.Hour, rs.CooldownRemaining())
}

func TestRecordTrade_DailyLossCooldownOverridesShorter(t *testing.T) {
	_, rs, _ := newTestEngine(t, State{LosingStreak: 2})

	s, err := rs.RecordTrade(context.Background(), trade(model.OutcomeLoss, -90, 10))
	require.NoError(t, err)
	assert.InDelta(t, -9, s.DailyPnLPct, 1e-9)
	assert.Equal(t, 12*time.Hour, rs.CooldownRemaining())
	assert.Equal(t, "daily loss limit", s.CooldownReason)
}

func TestLoadRiskState_RollsOverStaleDay(t *testing.T) {
	store := &memStateStore{saved: true, state: State{
		Day:          "2026-03-01",
		DailyPnLPct:  -6,
		LosingStreak: 4,
	}}
	rs, err := LoadRiskState(context.Background(), store, DefaultConfig(), nil, WithClock(clock))
	require.NoError(t, err)

	s := rs.Snapshot()
	assert.Equal(t, "2026-03-02", s.Day)
	assert.Zero(t, s.DailyPnLPct)
	assert.Equal(t, 4, s.LosingStreak)
	assert.Equal(t, 1, store.saves)
}

func TestResetDaily_AtMidnight(t *testing.T) {
	current := now
	store := &memStateStore{}
	rs, err := LoadRiskState(context.Background(), store, DefaultConfig(), nil, WithClock(func() time.Time { return current }))
	require.NoError(t, err)

	_, err = rs.RecordTrade(context.Background(), trade(model.OutcomeLoss, -20, 5))
	require.NoError(t, err)
	require.NoError(t, rs.ResetDaily(context.Background()))
	assert.InDelta(t, -1, rs.Snapshot().DailyPnLPct, 1e-9)

	current = time.Date(2026, 3, 3, 0, 0, 1, 0, time.UTC)
	require.NoError(t, rs.ResetDaily(context.Background()))
	assert.Zero(t, rs.Snapshot().DailyPnLPct)
	assert.Equal(t, "2026-03-03", store.state.Day)
}
