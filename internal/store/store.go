// Package store defines the persistence interface for the agent.
// Implementations include PostgreSQL (source of truth), SQLite (single
// host deployments), Redis (read-through cache), and in-memory (for
// testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

// ErrNotFound is returned for a missing record.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. It satisfies risk.StateStore,
// position.Store and tracker.Store.
type Store interface {
	// --- Tracked opportunities ---

	// SaveOpportunity upserts a tracked candidate by address.
	SaveOpportunity(ctx context.Context, o model.Opportunity) error

	// DeleteOpportunity removes a candidate that left the tracked set.
	DeleteOpportunity(ctx context.Context, address string) error

	// ListOpportunities returns every saved candidate.
	ListOpportunities(ctx context.Context) ([]model.Opportunity, error)

	// --- Positions ---

	// SavePosition upserts a position by ID.
	SavePosition(ctx context.Context, p *model.Position) error

	// ListOpenPositions returns positions still OPEN.
	ListOpenPositions(ctx context.Context) ([]model.Position, error)

	// --- Trade history ---

	// InsertTrade appends a completed trade.
	InsertTrade(ctx context.Context, t model.CompletedTrade) error

	// ListTrades returns the most recent limit trades, oldest first.
	ListTrades(ctx context.Context, limit int) ([]model.CompletedTrade, error)

	// --- Decision audit ---

	// InsertDecision appends an entry decision.
	InsertDecision(ctx context.Context, d model.EntryDecision) error

	// ListDecisions returns the most recent limit decisions, newest first.
	ListDecisions(ctx context.Context, limit int) ([]model.EntryDecision, error)

	// --- Engine state ---

	LoadRiskState(ctx context.Context) (risk.State, bool, error)
	SaveRiskState(ctx context.Context, s risk.State) error

	Close() error
}
