package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

var storeT0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// exerciseStore runs the behaviour every Store implementation shares.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("opportunities", func(t *testing.T) {
		a := model.Opportunity{Address: "asset-a", FirstDetected: storeT0, Status: model.StatusWatching,
			Wallets:   []model.WalletEntry{{Address: "w1", Tier: model.Tier1, Score: 90, EnteredAt: storeT0}},
			HighWater: d(1.5), CurrentPrice: d(1.2), DipPct: 20}
		b := model.Opportunity{Address: "asset-b", FirstDetected: storeT0.Add(time.Minute), Status: model.StatusWatching}
		require.NoError(t, s.SaveOpportunity(ctx, b))
		require.NoError(t, s.SaveOpportunity(ctx, a))

		a.Status = model.StatusReady
		a.Trigger = model.TriggerPrimaryDip
		require.NoError(t, s.SaveOpportunity(ctx, a))

		got, err := s.ListOpportunities(ctx)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "asset-a", got[0].Address)
		assert.Equal(t, model.StatusReady, got[0].Status)
		assert.True(t, got[0].HighWater.Equal(d(1.5)))
		require.Len(t, got[0].Wallets, 1)
		assert.Equal(t, model.Tier1, got[0].Wallets[0].Tier)

		require.NoError(t, s.DeleteOpportunity(ctx, "asset-a"))
		got, err = s.ListOpportunities(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "asset-b", got[0].Address)
	})

	t.Run("positions", func(t *testing.T) {
		p := &model.Position{ID: "pos-1", Asset: "asset-a", EntryPrice: d(0.002), EntryAmount: d(5000),
			Remaining: d(5000), EntryTime: storeT0, Status: model.PositionOpen, UpdatedAt: storeT0}
		q := &model.Position{ID: "pos-2", Asset: "asset-b", EntryTime: storeT0.Add(time.Minute), Status: model.PositionOpen}
		require.NoError(t, s.SavePosition(ctx, p))
		require.NoError(t, s.SavePosition(ctx, q))

		p.Remaining = d(4000)
		p.TakeProfitHits[0] = true
		require.NoError(t, s.SavePosition(ctx, p))
		q.Status = model.PositionClosed
		q.ExitReason = model.ExitHardStop
		require.NoError(t, s.SavePosition(ctx, q))

		open, err := s.ListOpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, "pos-1", open[0].ID)
		assert.True(t, open[0].Remaining.Equal(d(4000)))
		assert.True(t, open[0].TakeProfitHits[0])
	})

	t.Run("trades", func(t *testing.T) {
		for i, pnl := range []float64{12.5, -30, 4} {
			require.NoError(t, s.InsertTrade(ctx, model.CompletedTrade{
				ID:          string(rune('a' + i)),
				PositionID:  "pos",
				Asset:       "asset",
				EntryPrice:  d(1),
				ExitPrice:   d(1 + pnl/100),
				EntryAmount: d(100),
				PnL:         d(pnl),
				PnLPct:      pnl,
				Outcome:     model.ClassifyOutcome(pnl),
				ExitReason:  model.ExitTrailingStop,
				EntryTime:   storeT0,
				ExitTime:    storeT0.Add(time.Duration(i+1) * time.Hour),
				Fingerprint: "FULL|t1:3+",
			}))
		}
		recent, err := s.ListTrades(ctx, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "b", recent[0].ID)
		assert.Equal(t, "c", recent[1].ID)
		assert.Equal(t, model.OutcomeLoss, recent[0].Outcome)
		assert.True(t, recent[0].PnL.Equal(d(-30)))
		assert.True(t, recent[1].ExitTime.Equal(storeT0.Add(3*time.Hour)))

		all, err := s.ListTrades(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("decisions", func(t *testing.T) {
		require.NoError(t, s.InsertDecision(ctx, model.EntryDecision{ID: "d1", Asset: "asset", Reason: model.ReasonApproved,
			ShouldEnter: true, PositionSizePct: 5, DecidedAt: storeT0,
			Checks: []model.CheckResult{{Name: "conviction", Passed: true}}}))
		require.NoError(t, s.InsertDecision(ctx, model.EntryDecision{ID: "d2", Asset: "asset", Reason: model.ReasonPaused,
			DecidedAt: storeT0.Add(time.Second), Checks: []model.CheckResult{}}))

		got, err := s.ListDecisions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "d2", got[0].ID)
		assert.Equal(t, model.ReasonApproved, got[1].Reason)
		assert.True(t, got[1].ShouldEnter)
		assert.Equal(t, []model.CheckResult{{Name: "conviction", Passed: true}}, got[1].Checks)
	})

	t.Run("risk state", func(t *testing.T) {
		_, found, err := s.LoadRiskState(ctx)
		require.NoError(t, err)
		assert.False(t, found)

		st := risk.State{DailyPnLPct: -3.5, Day: "2026-03-02", LosingStreak: 3,
			CooldownUntil: storeT0.Add(time.Hour), CooldownReason: "losing streak", Wins: 4, Losses: 6, UpdatedAt: storeT0}
		require.NoError(t, s.SaveRiskState(ctx, st))
		st.Wins = 5
		st.CooldownUntil = time.Time{}
		require.NoError(t, s.SaveRiskState(ctx, st))

		got, found, err := s.LoadRiskState(ctx)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, 5, got.Wins)
		assert.Equal(t, 3, got.LosingStreak)
		assert.InDelta(t, -3.5, got.DailyPnLPct, 1e-9)
		assert.True(t, got.CooldownUntil.IsZero())
		assert.True(t, got.UpdatedAt.Equal(storeT0))
	})
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	p := &model.Position{ID: "p", Status: model.PositionOpen, Partials: []model.PartialSell{{Level: 1}}}
	require.NoError(t, s.SavePosition(context.Background(), p))
	p.Partials[0].Level = 9

	got, err := s.Position("p")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Partials[0].Level)

	_, err = s.Position("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	exerciseStore(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.SaveRiskState(context.Background(), risk.State{Day: "2026-03-02", LosingStreak: 2}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()
	st, found, err := s.LoadRiskState(context.Background())
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, st.LosingStreak)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := OpenPostgres(ctx, url)
	require.NoError(t, err)
	defer s.Close()
	for _, table := range []string{"opportunities", "positions", "trades", "decisions", "risk_state"} {
		_, err := s.pool.Exec(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	exerciseStore(t, s)
}

func TestCachedStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()
	prefix := "test:" + time.Now().Format("150405.000000")
	exerciseStore(t, NewCachedStore(NewMemoryStore(), rdb, time.Minute, prefix))
}
