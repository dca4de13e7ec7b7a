package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

// SQLiteStore implements Store on a local SQLite file. Timestamps are
// stored as unix nanoseconds and decimals as TEXT.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; readers share the WAL.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS opportunities (
			address        TEXT PRIMARY KEY,
			status         TEXT NOT NULL,
			first_detected INTEGER NOT NULL,
			data           TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS positions (
			id         TEXT PRIMARY KEY,
			asset      TEXT NOT NULL,
			status     TEXT NOT NULL,
			entry_time INTEGER NOT NULL,
			data       TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status)`,
		`CREATE TABLE IF NOT EXISTS trades (
			id               TEXT PRIMARY KEY,
			position_id      TEXT NOT NULL,
			asset            TEXT NOT NULL,
			symbol           TEXT NOT NULL,
			entry_price      TEXT NOT NULL,
			exit_price       TEXT NOT NULL,
			entry_amount     TEXT NOT NULL,
			pnl              TEXT NOT NULL,
			pnl_pct          REAL NOT NULL,
			outcome          TEXT NOT NULL,
			exit_reason      TEXT NOT NULL,
			size_pct         REAL NOT NULL,
			conviction_score REAL NOT NULL,
			fingerprint      TEXT NOT NULL,
			partial_sells    INTEGER NOT NULL,
			opened_at        INTEGER NOT NULL,
			closed_at        INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_closed ON trades(closed_at)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id           TEXT PRIMARY KEY,
			asset        TEXT NOT NULL,
			reason       TEXT NOT NULL,
			should_enter INTEGER NOT NULL,
			size_pct     REAL NOT NULL,
			score        REAL NOT NULL,
			level        TEXT NOT NULL,
			detail       TEXT NOT NULL,
			checks       TEXT NOT NULL,
			created_at   INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,
		`CREATE TABLE IF NOT EXISTS risk_state (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			daily_pnl_pct   REAL NOT NULL,
			day             TEXT NOT NULL,
			losing_streak   INTEGER NOT NULL,
			cooldown_until  INTEGER NOT NULL,
			cooldown_reason TEXT NOT NULL,
			wins            INTEGER NOT NULL,
			losses          INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveOpportunity(ctx context.Context, o model.Opportunity) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("encode opportunity %s: %w", o.Address, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO opportunities (address, status, first_detected, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET status = excluded.status, data = excluded.data`,
		o.Address, string(o.Status), nanos(o.FirstDetected), string(data),
	)
	return err
}

func (s *SQLiteStore) DeleteOpportunity(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM opportunities WHERE address = ?`, address)
	return err
}

func (s *SQLiteStore) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM opportunities ORDER BY first_detected`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Opportunity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var o model.Opportunity
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, fmt.Errorf("decode opportunity: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePosition(ctx context.Context, p *model.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode position %s: %w", p.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO positions (id, asset, status, entry_time, data, updated_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, data = excluded.data, updated_at = excluded.updated_at`,
		p.ID, p.Asset, string(p.Status), nanos(p.EntryTime), string(data), nanos(p.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM positions WHERE status = ? ORDER BY entry_time`, string(model.PositionOpen))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("decode position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, t model.CompletedTrade) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trades (id, position_id, asset, symbol, entry_price, exit_price, entry_amount, pnl,
		                               pnl_pct, outcome, exit_reason, size_pct, conviction_score, fingerprint,
		                               partial_sells, opened_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.PositionID, t.Asset, t.Symbol,
		t.EntryPrice.String(), t.ExitPrice.String(), t.EntryAmount.String(), t.PnL.String(),
		t.PnLPct, string(t.Outcome), string(t.ExitReason), t.PositionSizePct, t.ConvictionScore, t.Fingerprint,
		t.PartialSells, nanos(t.EntryTime), nanos(t.ExitTime),
	)
	return err
}

func (s *SQLiteStore) ListTrades(ctx context.Context, limit int) ([]model.CompletedTrade, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT * FROM (
			SELECT id, position_id, asset, symbol, entry_price, exit_price, entry_amount, pnl,
			       pnl_pct, outcome, exit_reason, size_pct, conviction_score, fingerprint,
			       partial_sells, opened_at, closed_at
			FROM trades ORDER BY closed_at DESC LIMIT ?
		 ) ORDER BY closed_at`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.CompletedTrade
	for rows.Next() {
		var t model.CompletedTrade
		var entryS, exitS, amountS, pnlS, outcome, reason string
		var opened, closed int64
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Asset, &t.Symbol,
			&entryS, &exitS, &amountS, &pnlS,
			&t.PnLPct, &outcome, &reason, &t.PositionSizePct, &t.ConvictionScore, &t.Fingerprint,
			&t.PartialSells, &opened, &closed); err != nil {
			return nil, err
		}
		t.EntryPrice, _ = decimal.NewFromString(entryS)
		t.ExitPrice, _ = decimal.NewFromString(exitS)
		t.EntryAmount, _ = decimal.NewFromString(amountS)
		t.PnL, _ = decimal.NewFromString(pnlS)
		t.Outcome = model.Outcome(outcome)
		t.ExitReason = model.ExitReason(reason)
		t.EntryTime = fromNanos(opened)
		t.ExitTime = fromNanos(closed)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertDecision(ctx context.Context, d model.EntryDecision) error {
	checks, err := json.Marshal(d.Checks)
	if err != nil {
		return fmt.Errorf("encode decision checks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO decisions (id, asset, reason, should_enter, size_pct, score, level, detail, checks, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Asset, string(d.Reason), d.ShouldEnter, d.PositionSizePct, d.Score, string(d.Level), d.Detail,
		string(checks), nanos(d.DecidedAt),
	)
	return err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, limit int) ([]model.EntryDecision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset, reason, should_enter, size_pct, score, level, detail, checks, created_at
		 FROM decisions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.EntryDecision
	for rows.Next() {
		var d model.EntryDecision
		var reason, level, checks string
		var created int64
		if err := rows.Scan(&d.ID, &d.Asset, &reason, &d.ShouldEnter, &d.PositionSizePct,
			&d.Score, &level, &d.Detail, &checks, &created); err != nil {
			return nil, err
		}
		d.Reason = model.ReasonCode(reason)
		d.Level = model.ConvictionLevel(level)
		d.DecidedAt = fromNanos(created)
		if err := json.Unmarshal([]byte(checks), &d.Checks); err != nil {
			return nil, fmt.Errorf("decode decision checks: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LoadRiskState(ctx context.Context) (risk.State, bool, error) {
	var st risk.State
	var cooldown, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT daily_pnl_pct, day, losing_streak, cooldown_until, cooldown_reason, wins, losses, updated_at
		 FROM risk_state WHERE id = 1`).
		Scan(&st.DailyPnLPct, &st.Day, &st.LosingStreak, &cooldown, &st.CooldownReason,
			&st.Wins, &st.Losses, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.State{}, false, nil
	}
	if err != nil {
		return risk.State{}, false, fmt.Errorf("load risk state: %w", err)
	}
	st.CooldownUntil = fromNanos(cooldown)
	st.UpdatedAt = fromNanos(updated)
	return st, true, nil
}

func (s *SQLiteStore) SaveRiskState(ctx context.Context, st risk.State) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO risk_state (id, daily_pnl_pct, day, losing_streak, cooldown_until, cooldown_reason, wins, losses, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     daily_pnl_pct = excluded.daily_pnl_pct, day = excluded.day,
		     losing_streak = excluded.losing_streak, cooldown_until = excluded.cooldown_until,
		     cooldown_reason = excluded.cooldown_reason, wins = excluded.wins,
		     losses = excluded.losses, updated_at = excluded.updated_at`,
		st.DailyPnLPct, st.Day, st.LosingStreak, nanos(st.CooldownUntil), st.CooldownReason,
		st.Wins, st.Losses, nanos(st.UpdatedAt),
	)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// nanos maps the zero time to 0.
func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
