package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Token amounts and prices are stored as NUMERIC for exact decimal
// precision; mutable records are stored as JSONB documents.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// OpenPostgres connects to url and applies the schema.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			address        TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			first_detected TIMESTAMPTZ NOT NULL,
			data           JSONB NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id         TEXT PRIMARY KEY,
			asset      TEXT NOT NULL,
			status     TEXT NOT NULL,
			entry_time TIMESTAMPTZ NOT NULL,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id               TEXT PRIMARY KEY,
			position_id      TEXT NOT NULL,
			asset            TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			entry_price      NUMERIC NOT NULL,
			exit_price       NUMERIC NOT NULL,
			entry_amount     NUMERIC NOT NULL,
			pnl              NUMERIC NOT NULL,
			pnl_pct          DOUBLE PRECISION NOT NULL,
			outcome          TEXT NOT NULL,
			exit_reason      TEXT NOT NULL,
			size_pct         DOUBLE PRECISION NOT NULL,
			conviction_score DOUBLE PRECISION NOT NULL,
			fingerprint      TEXT NOT NULL,
			partial_sells    INTEGER NOT NULL,
			opened_at        TIMESTAMPTZ NOT NULL,
			closed_at        TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id           TEXT PRIMARY KEY,
			asset        TEXT NOT NULL,
			reason       TEXT NOT NULL,
			should_enter BOOLEAN NOT NULL,
			size_pct     DOUBLE PRECISION NOT NULL,
			score        DOUBLE PRECISION NOT NULL,
			level        TEXT NOT NULL,
			detail       TEXT NOT NULL,
			checks       JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			daily_pnl_pct   DOUBLE PRECISION NOT NULL,
			day             TEXT NOT NULL,
			losing_streak   INTEGER NOT NULL,
			cooldown_until  TIMESTAMPTZ,
			cooldown_reason TEXT NOT NULL,
			wins            INTEGER NOT NULL,
			losses          INTEGER NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveOpportunity(ctx context.Context, o model.Opportunity) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode opportunity %s: %w", o.Address, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO opportunities (address, status, first_detected, data)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (address) DO UPDATE SET status = EXCLUDED.status, data = EXCLUDED.data`,
		o.Address, o.Status, o.FirstDetected, data,
	)
	return err
}

func (s *PostgresStore) DeleteOpportunity(ctx context.Context, address string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM opportunities WHERE address = $1`, address)
	return err
}

func (s *PostgresStore) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM opportunities ORDER BY first_detected`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o model.Opportunity
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("decode opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePosition(ctx context.Context, p *model.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO positions (id, asset, status, entry_time, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		p.ID, p.Asset, p.Status, p.EntryTime, data, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT data FROM positions WHERE status = $1 ORDER BY entry_time`, model.PositionOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertTrade(ctx context.Context, t model.CompletedTrade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, position_id, asset, symbol, entry_price, exit_price, entry_amount, pnl,
		                     pnl_pct, outcome, exit_reason, size_pct, conviction_score, fingerprint,
		                     partial_sells, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.PositionID, t.Asset, t.Symbol,
		t.EntryPrice.String(), t.ExitPrice.String(), t.EntryAmount.String(), t.PnL.String(),
		t.PnLPct, t.Outcome, t.ExitReason, t.PositionSizePct, t.ConvictionScore, t.Fingerprint,
		t.PartialSells, t.EntryTime, t.ExitTime,
	)
	return err
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]model.CompletedTrade, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (
			SELECT id, position_id, asset, symbol,
			       entry_price::TEXT, exit_price::TEXT, entry_amount::TEXT, pnl::TEXT,
			       pnl_pct, outcome, exit_reason, size_pct, conviction_score, fingerprint,
			       partial_sells, opened_at, closed_at
			FROM trades ORDER BY closed_at DESC LIMIT $1
		 ) recent ORDER BY closed_at`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CompletedTrade
	for rows.Next() {
		var t model.CompletedTrade
		var entryS, exitS, amountS, pnlS string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Asset, &t.Symbol,
			&entryS, &exitS, &amountS, &pnlS,
			&t.PnLPct, &t.Outcome, &t.ExitReason, &t.PositionSizePct, &t.ConvictionScore, &t.Fingerprint,
			&t.PartialSells, &t.EntryTime, &t.ExitTime); err != nil {
			return nil, err
		}
		t.EntryPrice, _ = decimal.NewFromString(entryS)
		t.ExitPrice, _ = decimal.NewFromString(exitS)
		t.EntryAmount, _ = decimal.NewFromString(amountS)
		t.PnL, _ = decimal.NewFromString(pnlS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *PostgresStore) InsertDecision(ctx context.Context, d model.EntryDecision) error {
	checks, err := json.Marshal(d.Checks)
	if err != nil {
		return fmt.Errorf("encode decision checks: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, asset, reason, should_enter, size_pct, score, level, detail, checks, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Asset, d.Reason, d.ShouldEnter, d.PositionSizePct, d.Score, d.Level, d.Detail, checks, d.DecidedAt,
	)
	return err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, limit int) ([]model.EntryDecision, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, asset, reason, should_enter, size_pct, score, level, detail, checks, created_at
		 FROM decisions ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EntryDecision
	for rows.Next() {
		var d model.EntryDecision
		var checks []byte
		if err := rows.Scan(&d.ID, &d.Asset, &d.Reason, &d.ShouldEnter, &d.PositionSizePct,
			&d.Score, &d.Level, &d.Detail, &checks, &d.DecidedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(checks, &d.Checks); err != nil {
			return nil, fmt.Errorf("decode decision checks: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LoadRiskState(ctx context.Context) (risk.State, bool, error) {
	var st risk.State
	var cooldown *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT daily_pnl_pct, day, losing_streak, cooldown_until, cooldown_reason, wins, losses, updated_at
		 FROM risk_state WHERE id = 1`).
		Scan(&st.DailyPnLPct, &st.Day, &st.LosingStreak, &cooldown, &st.CooldownReason,
			&st.Wins, &st.Losses, &st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return risk.State{}, false, nil
	}
	if err != nil {
		return risk.State{}, false, fmt.Errorf("load risk state: %w", err)
	}
	if cooldown != nil {
		st.CooldownUntil = *cooldown
	}
	return st, true, nil
}

func (s *PostgresStore) SaveRiskState(ctx context.Context, st risk.State) error {
	var cooldown *time.Time
	if !st.CooldownUntil.IsZero() {
		cooldown = &st.CooldownUntil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO risk_state (id, daily_pnl_pct, day, losing_streak, cooldown_until, cooldown_reason, wins, losses, updated_at)
		 VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		     daily_pnl_pct = EXCLUDED.daily_pnl_pct, day = EXCLUDED.day,
		     losing_streak = EXCLUDED.losing_streak, cooldown_until = EXCLUDED.cooldown_until,
		     cooldown_reason = EXCLUDED.cooldown_reason, wins = EXCLUDED.wins,
		     losses = EXCLUDED.losses, updated_at = EXCLUDED.updated_at`,
		st.DailyPnLPct, st.Day, st.LosingStreak, cooldown, st.CooldownReason, st.Wins, st.Losses, st.UpdatedAt,
	)
	return err
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
