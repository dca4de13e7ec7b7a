package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/risk"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and paper runs. Nothing survives the process.
type MemoryStore struct {
	mu            sync.RWMutex
	opportunities map[string]model.Opportunity
	positions     map[string]model.Position
	trades        []model.CompletedTrade
	decisions     []model.EntryDecision
	risk          *risk.State
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		opportunities: make(map[string]model.Opportunity),
		positions:     make(map[string]model.Position),
	}
}

func (s *MemoryStore) SaveOpportunity(_ context.Context, o model.Opportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opportunities[o.Address] = o.Clone()
	return nil
}

func (s *MemoryStore) DeleteOpportunity(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.opportunities, address)
	return nil
}

func (s *MemoryStore) ListOpportunities(_ context.Context) ([]model.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Opportunity, 0, len(s.opportunities))
	for _, o := range s.opportunities {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstDetected.Before(out[j].FirstDetected) })
	return out, nil
}

func (s *MemoryStore) SavePosition(_ context.Context, p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Store a copy to avoid external mutation.
	s.positions[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Position
	for _, p := range s.positions {
		if p.Status == model.PositionOpen {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out, nil
}

// Position returns any saved position, open or closed.
func (s *MemoryStore) Position(id string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	if !ok {
		return model.Position{}, ErrNotFound
	}
	return p.Clone(), nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t model.CompletedTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, t)
	return nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]model.CompletedTrade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := append([]model.CompletedTrade(nil), s.trades...)
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ExitTime.Before(trades[j].ExitTime) })
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return trades, nil
}

func (s *MemoryStore) InsertDecision(_ context.Context, d model.EntryDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.Checks = append([]model.CheckResult(nil), d.Checks...)
	s.decisions = append(s.decisions, d)
	return nil
}

func (s *MemoryStore) ListDecisions(_ context.Context, limit int) ([]model.EntryDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.decisions)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]model.EntryDecision, 0, n)
	for i := len(s.decisions) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.decisions[i])
	}
	return out, nil
}

func (s *MemoryStore) LoadRiskState(_ context.Context) (risk.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.risk == nil {
		return risk.State{}, false, nil
	}
	return *s.risk, true, nil
}

func (s *MemoryStore) SaveRiskState(_ context.Context, st risk.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.risk = &st
	return nil
}

func (s *MemoryStore) Close() error { return nil }
