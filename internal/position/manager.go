// Package position owns every open position from fill to full exit.
//
// Each monitoring tick recomputes P&L and the high/low-water marks, then
// evaluates exits in priority order: hard stop, trailing stop, danger,
// time stop, and finally the staged take-profit levels, which only run
// when no full exit fired. Ticks for one position are serialised; ticks
// for different positions run concurrently.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/signal"
)

var (
	ErrNotFound   = errors.New("position: not found")
	ErrBadFill    = errors.New("position: buy fill has no price or amount")
	ErrSellFailed = errors.New("position: sell failed")
)

// Config holds the exit policy.
type Config struct {
	StopLoss          StopLoss      `yaml:"stop_loss"`
	TakeProfit        TakeProfit    `yaml:"take_profit"`
	TimeStop          time.Duration `yaml:"time_stop"`
	FlatLowPct        float64       `yaml:"flat_low_pct"`
	FlatHighPct       float64       `yaml:"flat_high_pct"`
	LiquidityDropPct  float64       `yaml:"liquidity_drop_pct"`
	LiquidityFloorUSD float64       `yaml:"liquidity_floor_usd"`
	SafetyRecheck     time.Duration `yaml:"safety_recheck"`
	Concurrency       int           `yaml:"concurrency"`
	CallTimeout       time.Duration `yaml:"call_timeout"` // per price or safety lookup
}

// DefaultConfig returns the default exit policy.
func DefaultConfig() Config {
	return Config{
		StopLoss:          DefaultStopLoss(),
		TakeProfit:        DefaultTakeProfit(),
		TimeStop:          4 * time.Hour,
		FlatLowPct:        -5,
		FlatHighPct:       10,
		LiquidityDropPct:  50,
		LiquidityFloorUSD: 5000,
		SafetyRecheck:     5 * time.Minute,
		Concurrency:       4,
		CallTimeout:       5 * time.Second,
	}
}

// Seller executes sells.
type Seller interface {
	ExecuteSell(ctx context.Context, req execution.SellRequest) execution.Result
}

// Store persists positions.
type Store interface {
	SavePosition(ctx context.Context, p *model.Position) error
}

// ClosedFunc receives every completed trade.
type ClosedFunc func(ctx context.Context, t model.CompletedTrade)

type entry struct {
	mu  sync.Mutex
	pos *model.Position
}

// Manager tracks open positions.
type Manager struct {
	cfg     Config
	prices  signal.PriceFeed
	seller  Seller
	store   Store
	danger  *DangerMonitor
	limiter *ratelimit.Limiter
	onClose ClosedFunc
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.RWMutex
	positions map[string]*entry
	reserved  map[string]reservation
}

type reservation struct {
	asset   string
	sizePct float64
}

// Reservation holds an entry slot between approval and fill.
type Reservation struct {
	once    sync.Once
	release func()
}

// Release frees the slot. It is safe to call more than once.
func (r *Reservation) Release() {
	if r != nil {
		r.once.Do(r.release)
	}
}

// Deps bundles the manager's collaborators. Safety, Store, Limiter and
// OnClose are optional.
type Deps struct {
	Prices  signal.PriceFeed
	Safety  signal.SafetyAnalyzer
	Seller  Seller
	Store   Store
	Limiter *ratelimit.Limiter
	OnClose ClosedFunc
}

// NewManager creates a manager.
func NewManager(cfg Config, deps Deps, logger *slog.Logger) *Manager {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		prices:    deps.Prices,
		seller:    deps.Seller,
		store:     deps.Store,
		danger:    NewDangerMonitor(cfg, deps.Safety, deps.Limiter),
		limiter:   deps.Limiter,
		onClose:   deps.OnClose,
		logger:    logger,
		now:       time.Now,
		positions: make(map[string]*entry),
		reserved:  make(map[string]reservation),
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open registers the position created by a confirmed buy.
func (m *Manager) Open(ctx context.Context, fill execution.Result, d model.EntryDecision, sig model.AggregatedSignal, score model.ConvictionScore) (model.Position, error) {
	if !fill.PriceUSD.IsPositive() || !fill.AmountOut.IsPositive() {
		return model.Position{}, ErrBadFill
	}
	now := m.now()
	p := &model.Position{
		ID:                uuid.NewString(),
		Asset:             fill.Asset,
		Symbol:            sig.Symbol,
		EntryPrice:        fill.PriceUSD,
		EntryAmount:       fill.AmountOut,
		EntryCostSOL:      fill.AmountIn,
		EntryTime:         now,
		EntrySignature:    fill.Signature,
		EntryLiquidityUSD: sig.Entry.LiquidityUSD,
		PositionSizePct:   d.PositionSizePct,
		ConvictionScore:   score.Total,
		Fingerprint:       score.Fingerprint,
		Remaining:         fill.AmountOut,
		CurrentPrice:      fill.PriceUSD,
		Highest:           fill.PriceUSD,
		Lowest:            fill.PriceUSD,
		StopLossPrice:     m.cfg.StopLoss.HardStopPrice(fill.PriceUSD),
		RealizedPnL:       decimal.Zero,
		UnrealizedPnL:     decimal.Zero,
		Status:            model.PositionOpen,
		UpdatedAt:         now,
	}

	m.mu.Lock()
	m.positions[p.ID] = &entry{pos: p}
	n := len(m.positions)
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(n))

	m.persist(ctx, p)
	m.logger.Info("position opened",
		"position_id", p.ID,
		"asset", p.Asset,
		"entry_price", p.EntryPrice.String(),
		"amount", p.EntryAmount.String(),
		"cost_sol", p.EntryCostSOL.String(),
		"size_pct", p.PositionSizePct,
	)
	return p.Clone(), nil
}

// Restore loads open positions saved before a restart.
func (m *Manager) Restore(positions []model.Position) {
	m.mu.Lock()
	for i := range positions {
		if positions[i].Status != model.PositionOpen {
			continue
		}
		p := positions[i].Clone()
		m.positions[p.ID] = &entry{pos: &p}
	}
	n := len(m.positions)
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(n))
}

// Positions returns copies of the open positions, oldest first.
func (m *Manager) Positions() []model.Position {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.positions))
	for _, e := range m.positions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]model.Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos.Clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

// Get returns a copy of one open position.
func (m *Manager) Get(id string) (model.Position, error) {
	e := m.lookup(id)
	if e == nil {
		return model.Position{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.Clone(), nil
}

// HoldsAsset reports whether an open position or a pending entry exists
// for asset.
func (m *Manager) HoldsAsset(asset string) bool {
	m.mu.RLock()
	for _, r := range m.reserved {
		if r.asset == asset {
			m.mu.RUnlock()
			return true
		}
	}
	m.mu.RUnlock()
	for _, p := range m.Positions() {
		if p.Asset == asset {
			return true
		}
	}
	return false
}

// Reserve counts an approved entry against the book until the returned
// reservation is released.
func (m *Manager) Reserve(asset string, sizePct float64) *Reservation {
	id := uuid.NewString()
	m.mu.Lock()
	m.reserved[id] = reservation{asset: asset, sizePct: sizePct}
	m.mu.Unlock()
	return &Reservation{release: func() {
		m.mu.Lock()
		delete(m.reserved, id)
		m.mu.Unlock()
	}}
}

// PendingCount is the number of unreleased reservations.
func (m *Manager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.reserved)
}

// PendingExposurePct sums the size of unreleased reservations.
func (m *Manager) PendingExposurePct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, r := range m.reserved {
		total += r.sizePct
	}
	return total
}

// OpenPositionCount implements risk.Portfolio.
func (m *Manager) OpenPositionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// ExposurePct implements risk.Portfolio: the sum of entry size
// percentages, scaled by the fraction of each position still held.
func (m *Manager) ExposurePct() float64 {
	total := 0.0
	for _, p := range m.Positions() {
		if !p.EntryAmount.IsPositive() {
			continue
		}
		frac, _ := p.Remaining.Div(p.EntryAmount).Float64()
		total += p.PositionSizePct * frac
	}
	return total
}

// MonitorAll runs one tick for every open position. Price lookups that
// fail skip that position for this cycle.
func (m *Manager) MonitorAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			m.monitorOne(ctx, id)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) monitorOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("position tick panicked", "position_id", id, "cycle", "monitor", "panic", r)
		}
	}()
	e := m.lookup(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	asset := e.pos.Asset
	e.mu.Unlock()

	q, err := m.price(ctx, asset)
	if err != nil {
		m.logger.Warn("position price unavailable", "position_id", id, "asset", asset, "cycle", "monitor", "err", err)
		return
	}
	if err := m.Tick(ctx, id, q); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn("position tick failed", "position_id", id, "asset", asset, "cycle", "monitor", "err", err)
	}
}

// Tick applies one price observation to a position and runs its exits.
func (m *Manager) Tick(ctx context.Context, id string, q signal.PriceQuote) error {
	e := m.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pos
	if p.Status != model.PositionOpen {
		return ErrNotFound
	}

	now := m.now()
	price := decimal.NewFromFloat(q.PriceUSD)
	if !price.IsPositive() {
		return fmt.Errorf("position: non-positive price for %s", p.Asset)
	}
	p.CurrentPrice = price
	newHigh := price.GreaterThan(p.Highest)
	if newHigh {
		p.Highest = price
	}
	if price.LessThan(p.Lowest) || p.Lowest.IsZero() {
		p.Lowest = price
	}
	pnlPct := pctChange(p.EntryPrice, price)
	p.PnLPct = pnlPct
	p.UnrealizedPnL = price.Sub(p.EntryPrice).Mul(p.Remaining)
	p.UpdatedAt = now

	reason, detail, exit := m.fullExitReason(ctx, p, q, pnlPct, newHigh, now)
	if exit {
		err := m.exitFull(ctx, p, reason, detail)
		m.persist(ctx, p)
		return err
	}

	err := m.takeProfits(ctx, p, pnlPct)
	m.persist(ctx, p)
	return err
}

func (m *Manager) fullExitReason(ctx context.Context, p *model.Position, q signal.PriceQuote, pnlPct float64, newHigh bool, now time.Time) (model.ExitReason, string, bool) {
	if r, ok := m.cfg.StopLoss.Evaluate(p, pnlPct, newHigh); ok {
		return r, fmt.Sprintf("pnl %.2f%%", pnlPct), true
	}
	if why, ok := m.danger.Check(ctx, p, q, now); ok {
		return model.ExitDanger, why, true
	}
	if m.cfg.TimeStop > 0 && now.Sub(p.EntryTime) >= m.cfg.TimeStop &&
		pnlPct >= m.cfg.FlatLowPct && pnlPct <= m.cfg.FlatHighPct {
		return model.ExitTimeStop, fmt.Sprintf("flat at %.2f%% after %s", pnlPct, now.Sub(p.EntryTime).Round(time.Minute)), true
	}
	return "", "", false
}

func (m *Manager) takeProfits(ctx context.Context, p *model.Position, pnlPct float64) error {
	for {
		order, ok := m.cfg.TakeProfit.Next(p, pnlPct)
		if !ok {
			return nil
		}
		if !order.Amount.IsPositive() {
			p.TakeProfitHits[order.Level] = true
			continue
		}
		res := m.seller.ExecuteSell(ctx, execution.SellRequest{
			PositionID: p.ID,
			Asset:      p.Asset,
			Amount:     order.Amount,
			Reason:     model.ExitTakeProfit,
		})
		if !res.Success {
			return fmt.Errorf("%w: take-profit level %d: %s", ErrSellFailed, order.Level+1, res.Error)
		}

		fillPrice := m.fillPrice(res, p)
		pnl := fillPrice.Sub(p.EntryPrice).Mul(order.Amount)
		p.TakeProfitHits[order.Level] = true
		p.Remaining = p.Remaining.Sub(order.Amount)
		p.RealizedPnL = p.RealizedPnL.Add(pnl)
		p.Partials = append(p.Partials, model.PartialSell{
			Level:     order.Level + 1,
			Amount:    order.Amount,
			Price:     fillPrice,
			PnL:       pnl,
			Signature: res.Signature,
			At:        m.now(),
		})
		p.UnrealizedPnL = p.CurrentPrice.Sub(p.EntryPrice).Mul(p.Remaining)
		metrics.ExitsTotal.WithLabelValues(string(model.ExitTakeProfit)).Inc()
		m.logger.Info("take profit",
			"position_id", p.ID,
			"asset", p.Asset,
			"level", order.Level+1,
			"amount", order.Amount.String(),
			"price", fillPrice.String(),
			"remaining", p.Remaining.String(),
		)

		if !p.Remaining.IsPositive() {
			m.finalize(ctx, p, model.ExitTakeProfit, fillPrice)
			return nil
		}
	}
}

// exitFull sells everything that remains. A failed sell leaves the
// position open for the next tick.
func (m *Manager) exitFull(ctx context.Context, p *model.Position, reason model.ExitReason, detail string) error {
	m.logger.Info("full exit triggered",
		"position_id", p.ID,
		"asset", p.Asset,
		"reason", reason,
		"detail", detail,
		"pnl_pct", p.PnLPct,
	)
	amount := p.Remaining
	res := m.seller.ExecuteSell(ctx, execution.SellRequest{
		PositionID: p.ID,
		Asset:      p.Asset,
		Amount:     amount,
		Reason:     reason,
	})
	if !res.Success {
		return fmt.Errorf("%w: %s exit: %s", ErrSellFailed, reason, res.Error)
	}
	fillPrice := m.fillPrice(res, p)
	p.RealizedPnL = p.RealizedPnL.Add(fillPrice.Sub(p.EntryPrice).Mul(amount))
	p.Remaining = decimal.Zero
	metrics.ExitsTotal.WithLabelValues(string(reason)).Inc()
	m.finalize(ctx, p, reason, fillPrice)
	return nil
}

func (m *Manager) finalize(ctx context.Context, p *model.Position, reason model.ExitReason, exitPrice decimal.Decimal) {
	now := m.now()
	p.Status = model.PositionClosed
	p.ExitReason = reason
	p.ClosedAt = &now
	p.UnrealizedPnL = decimal.Zero
	p.UpdatedAt = now

	pnlPct := 0.0
	if basis := p.CostBasis(); basis.IsPositive() {
		pnlPct, _ = p.RealizedPnL.Div(basis).Mul(decimal.NewFromInt(100)).Float64()
	}
	p.PnLPct = pnlPct

	m.mu.Lock()
	delete(m.positions, p.ID)
	n := len(m.positions)
	m.mu.Unlock()
	metrics.OpenPositions.Set(float64(n))
	m.danger.Forget(p.ID)

	t := model.CompletedTrade{
		ID:              uuid.NewString(),
		PositionID:      p.ID,
		Asset:           p.Asset,
		Symbol:          p.Symbol,
		EntryPrice:      p.EntryPrice,
		ExitPrice:       exitPrice,
		EntryAmount:     p.EntryAmount,
		EntryTime:       p.EntryTime,
		ExitTime:        now,
		PnL:             p.RealizedPnL,
		PnLPct:          pnlPct,
		Outcome:         model.ClassifyOutcome(pnlPct),
		ExitReason:      reason,
		PositionSizePct: p.PositionSizePct,
		ConvictionScore: p.ConvictionScore,
		Fingerprint:     p.Fingerprint,
		PartialSells:    len(p.Partials),
	}
	m.logger.Info("position closed",
		"position_id", p.ID,
		"asset", p.Asset,
		"reason", reason,
		"pnl", t.PnL.String(),
		"pnl_pct", t.PnLPct,
		"outcome", t.Outcome,
		"held", t.HoldDuration().Round(time.Second).String(),
	)
	if m.onClose != nil {
		m.onClose(ctx, t)
	}
}

// Close exits one position with reason.
func (m *Manager) Close(ctx context.Context, id string, reason model.ExitReason) error {
	e := m.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pos.Status != model.PositionOpen {
		return ErrNotFound
	}
	err := m.exitFull(ctx, e.pos, reason, "requested")
	m.persist(ctx, e.pos)
	return err
}

// LiquidateAll exits every open position with reason and returns the
// number that failed to sell.
func (m *Manager) LiquidateAll(ctx context.Context, reason model.ExitReason) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.positions))
	for id := range m.positions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed int
	)
	g.SetLimit(m.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.Close(ctx, id, reason); err != nil && !errors.Is(err, ErrNotFound) {
				m.logger.Error("liquidation failed", "position_id", id, "reason", reason, "err", err)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return failed
}

func (m *Manager) lookup(id string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positions[id]
}

func (m *Manager) price(ctx context.Context, asset string) (signal.PriceQuote, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx, ratelimit.PriorityPosition); err != nil {
			return signal.PriceQuote{}, err
		}
	}
	if m.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
	}
	return m.prices.GetPrice(ctx, asset)
}

func (m *Manager) fillPrice(res execution.Result, p *model.Position) decimal.Decimal {
	if res.PriceUSD.IsPositive() {
		return res.PriceUSD
	}
	return p.CurrentPrice
}

func (m *Manager) persist(ctx context.Context, p *model.Position) {
	if m.store == nil {
		return
	}
	if err := m.store.SavePosition(ctx, p); err != nil {
		m.logger.Error("persist position", "position_id", p.ID, "err", err)
	}
}
