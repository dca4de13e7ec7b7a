package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the records read on every status query: risk state, open positions and
// tracked opportunities. Writes go to the primary store and invalidate
// or refresh the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	prefix  string
}

// NewCachedStore creates a cached wrapper around a primary store. Keys
// are namespaced under prefix.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, prefix string) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		prefix:  prefix,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) SaveOpportunity(ctx context.Context, o model.Opportunity) error {
	if err := s.primary.SaveOpportunity(ctx, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.key("opportunities"))
	return nil
}

func (s *CachedStore) DeleteOpportunity(ctx context.Context, address string) error {
	if err := s.primary.DeleteOpportunity(ctx, address); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.key("opportunities"))
	return nil
}

func (s *CachedStore) SavePosition(ctx context.Context, p *model.Position) error {
	if err := s.primary.SavePosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.key("positions:open"))
	return nil
}

func (s *CachedStore) SaveRiskState(ctx context.Context, st risk.State) error {
	if err := s.primary.SaveRiskState(ctx, st); err != nil {
		return err
	}
	s.set(ctx, s.key("risk_state"), st)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	var opps []model.Opportunity
	if s.get(ctx, s.key("opportunities"), &opps) {
		return opps, nil
	}
	opps, err := s.primary.ListOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, s.key("opportunities"), opps)
	return opps, nil
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	if s.get(ctx, s.key("positions:open"), &positions) {
		return positions, nil
	}
	positions, err := s.primary.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	s.set(ctx, s.key("positions:open"), positions)
	return positions, nil
}

func (s *CachedStore) LoadRiskState(ctx context.Context) (risk.State, bool, error) {
	var st risk.State
	if s.get(ctx, s.key("risk_state"), &st) {
		return st, true, nil
	}
	st, found, err := s.primary.LoadRiskState(ctx)
	if err != nil || !found {
		return st, found, err
	}
	s.set(ctx, s.key("risk_state"), st)
	return st, true, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t model.CompletedTrade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTrades(ctx context.Context, limit int) ([]model.CompletedTrade, error) {
	return s.primary.ListTrades(ctx, limit)
}

func (s *CachedStore) InsertDecision(ctx context.Context, d model.EntryDecision) error {
	return s.primary.InsertDecision(ctx, d)
}

func (s *CachedStore) ListDecisions(ctx context.Context, limit int) ([]model.EntryDecision, error) {
	return s.primary.ListDecisions(ctx, limit)
}

// Close closes the primary store. The Redis client is owned by the caller.
func (s *CachedStore) Close() error { return s.primary.Close() }

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, v any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) key(name string) string { return fmt.Sprintf("%s:%s", s.prefix, name) }
