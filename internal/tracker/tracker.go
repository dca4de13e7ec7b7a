// Package tracker owns candidate assets from first detection through
// entry or expiry.
//
// Detection promotes assets bought by watched wallets into a bounded
// working set. The update cycle refreshes each candidate's price and dip,
// drops dead candidates, and hands READY candidates to the evaluation
// callback, which decides whether the candidate is ENTERED or EXPIRED.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/conviction-engine/internal/asset"
	"github.com/atmx/conviction-engine/internal/metrics"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/signal"
)

// ErrTracked is returned by Track for an asset already in the set.
var ErrTracked = errors.New("tracker: asset already tracked")

// Config tunes detection and the update cycle.
type Config struct {
	Rules             Rules         `yaml:",inline"`
	TTL               time.Duration `yaml:"ttl"`
	MaxTracked        int           `yaml:"max_tracked"`
	LiquidityFloorUSD float64       `yaml:"liquidity_floor_usd"`
	CollapsePct       float64       `yaml:"collapse_pct"`
	ZeroInterestGrace time.Duration `yaml:"zero_interest_grace"`
	CleanupAfter      time.Duration `yaml:"cleanup_after"`
	Lookback          time.Duration `yaml:"lookback"`
	ScanLimit         int           `yaml:"scan_limit"` // 0 scans every watched wallet
	Concurrency       int           `yaml:"concurrency"`
	CallTimeout       time.Duration `yaml:"call_timeout"` // per feed call
}

// DefaultConfig returns the default tracker settings.
func DefaultConfig() Config {
	return Config{
		Rules:             DefaultRules(),
		TTL:               2 * time.Hour,
		MaxTracked:        20,
		LiquidityFloorUSD: 5000,
		CollapsePct:       80,
		ZeroInterestGrace: 15 * time.Minute,
		CleanupAfter:      30 * time.Minute,
		Lookback:          2 * time.Minute,
		Concurrency:       4,
		CallTimeout:       5 * time.Second,
	}
}

// ActivitySource reports swaps made by watched wallets.
type ActivitySource interface {
	RecentTrades(ctx context.Context, wallets []model.WatchedWallet, since time.Time) ([]model.WalletTrade, error)
}

// Store persists tracked candidates.
type Store interface {
	SaveOpportunity(ctx context.Context, o model.Opportunity) error
	DeleteOpportunity(ctx context.Context, address string) error
}

// Verdict is the result of evaluating a READY candidate.
type Verdict struct {
	Entered bool
	Reason  string
}

// EvaluateFunc runs the full aggregate, score, decide and execute
// sequence for one candidate.
type EvaluateFunc func(ctx context.Context, o model.Opportunity) (Verdict, error)

// Deps bundles the tracker's collaborators. Limiter and Store are
// optional.
type Deps struct {
	Directory signal.WalletDirectory
	Activity  ActivitySource
	Prices    signal.PriceFeed
	Limiter   *ratelimit.Limiter
	Store     Store
	Evaluate  EvaluateFunc
}

type entry struct {
	mu  sync.Mutex
	opp *model.Opportunity

	// guarded by Tracker.mu
	snap    model.Opportunity
	removed bool
}

// Tracker holds the bounded set of candidates.
type Tracker struct {
	cfg      Config
	dir      signal.WalletDirectory
	activity ActivitySource
	prices   signal.PriceFeed
	limiter  *ratelimit.Limiter
	store    Store
	evaluate EvaluateFunc
	logger   *slog.Logger
	now      func() time.Time

	scanMu   sync.Mutex
	lastScan time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a tracker.
func New(cfg Config, deps Deps, logger *slog.Logger) *Tracker {
	if cfg.MaxTracked < 1 {
		cfg.MaxTracked = 1
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:      cfg,
		dir:      deps.Directory,
		activity: deps.Activity,
		prices:   deps.Prices,
		limiter:  deps.Limiter,
		store:    deps.Store,
		evaluate: deps.Evaluate,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[string]*entry),
	}
}

// SetClock overrides the time source.
func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// Detect runs one detection cycle and returns the number of newly
// tracked assets.
func (t *Tracker) Detect(ctx context.Context) (int, error) {
	t.scanMu.Lock()
	defer t.scanMu.Unlock()

	watch, err := t.watchlist(ctx)
	if err != nil {
		return 0, fmt.Errorf("tracker: watchlist: %w", err)
	}
	wallets := prioritise(watch)
	if t.cfg.ScanLimit > 0 && len(wallets) > t.cfg.ScanLimit {
		wallets = wallets[:t.cfg.ScanLimit]
	}
	if len(wallets) == 0 {
		return 0, nil
	}

	now := t.now()
	since := t.lastScan
	if since.IsZero() {
		since = now.Add(-t.cfg.Lookback)
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, ratelimit.PriorityScan); err != nil {
			return 0, err
		}
	}
	trades, err := t.recentTrades(ctx, wallets, since)
	if err != nil {
		return 0, fmt.Errorf("tracker: wallet activity: %w", err)
	}
	t.lastScan = now

	groups := t.group(ctx, wallets, trades)
	added := 0
	for _, g := range groups {
		if t.merge(ctx, g.asset, g.wallets) {
			continue
		}
		if !Interesting(g.wallets) {
			continue
		}
		o := model.Opportunity{
			Address:       g.asset,
			Name:          g.name,
			Symbol:        g.symbol,
			FirstDetected: now,
			Wallets:       g.wallets,
			Status:        model.StatusWatching,
			ExpiresAt:     now.Add(t.cfg.TTL),
			UpdatedAt:     now,
		}
		if err := t.Track(ctx, o); err != nil {
			continue
		}
		added++
	}
	return added, nil
}

type buyGroup struct {
	asset   string
	name    string
	symbol  string
	wallets []model.WalletEntry
}

// group folds trades into per-asset buyer groups in first-seen order.
// Sells drop the wallet from both the pending group and any tracked
// candidate.
func (t *Tracker) group(ctx context.Context, wallets []model.WatchedWallet, trades []model.WalletTrade) []*buyGroup {
	byAddr := make(map[string]model.WatchedWallet, len(wallets))
	for _, w := range wallets {
		byAddr[w.Address] = w
	}
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].At.Before(trades[j].At) })

	var order []*buyGroup
	groups := make(map[string]*buyGroup)
	for _, tr := range trades {
		w, ok := byAddr[tr.Wallet]
		if !ok || tr.Asset == asset.NativeMint {
			continue
		}
		if _, err := asset.ParseAddress(tr.Asset); err != nil {
			t.logger.Warn("skipping trade with bad asset", "wallet", tr.Wallet, "asset", tr.Asset, "cycle", "detect", "err", err)
			continue
		}
		g := groups[tr.Asset]
		switch tr.Side {
		case model.SideSell:
			if g != nil {
				g.wallets = removeWallet(g.wallets, tr.Wallet)
			}
			t.walletExited(ctx, tr.Asset, tr.Wallet)
		case model.SideBuy:
			if g == nil {
				g = &buyGroup{asset: tr.Asset}
				groups[tr.Asset] = g
				order = append(order, g)
			}
			if g.name == "" {
				g.name, g.symbol = tr.Name, tr.Symbol
			}
			if !hasWallet(g.wallets, tr.Wallet) {
				g.wallets = append(g.wallets, model.WalletEntry{Address: w.Address, Tier: w.Tier, Score: w.Score, EnteredAt: tr.At})
			}
		}
	}
	return order
}

// Track adds a candidate, evicting the lowest-priority entry when the set
// is full.
func (t *Tracker) Track(ctx context.Context, o model.Opportunity) error {
	t.mu.Lock()
	if _, ok := t.entries[o.Address]; ok {
		t.mu.Unlock()
		return ErrTracked
	}
	var evicted []string
	for len(t.entries) >= t.cfg.MaxTracked {
		victim := t.victimLocked()
		if victim == "" {
			break
		}
		t.entries[victim].removed = true
		delete(t.entries, victim)
		evicted = append(evicted, victim)
	}
	p := o.Clone()
	e := &entry{opp: &p, snap: p.Clone()}
	t.entries[o.Address] = e
	n := len(t.entries)
	t.mu.Unlock()
	metrics.TrackedOpportunities.Set(float64(n))

	for _, addr := range evicted {
		t.forget(ctx, addr)
		t.logger.Info("opportunity evicted", "asset", addr, "cycle", "detect")
	}
	if !o.Status.Terminal() {
		t.prices.AddToken(o.Address)
	}
	e.mu.Lock()
	t.persist(ctx, e)
	e.mu.Unlock()
	t.logger.Info("opportunity tracked",
		"asset", o.Address,
		"symbol", o.Symbol,
		"wallets", len(o.Wallets),
		"status", o.Status,
	)
	return nil
}

// victimLocked picks the entry to evict: lowest status rank, then oldest
// first detection.
func (t *Tracker) victimLocked() string {
	var (
		victim string
		best   model.Opportunity
	)
	for addr, e := range t.entries {
		s := e.snap
		if victim == "" ||
			s.Status.EvictionRank() < best.Status.EvictionRank() ||
			(s.Status.EvictionRank() == best.Status.EvictionRank() && s.FirstDetected.Before(best.FirstDetected)) {
			victim, best = addr, s
		}
	}
	return victim
}

// Restore reloads candidates saved before a restart.
func (t *Tracker) Restore(ctx context.Context, opps []model.Opportunity) {
	sort.Slice(opps, func(i, j int) bool { return opps[i].FirstDetected.Before(opps[j].FirstDetected) })
	for _, o := range opps {
		if err := t.Track(ctx, o); err != nil {
			t.logger.Warn("restore opportunity", "asset", o.Address, "err", err)
		}
	}
}

// merge adds new buyers to an already tracked asset. It reports whether
// the asset was tracked.
func (t *Tracker) merge(ctx context.Context, addr string, wallets []model.WalletEntry) bool {
	e := t.lookup(addr)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opp.Status.Terminal() {
		return true
	}
	changed := false
	for _, w := range wallets {
		if e.opp.AddWallet(w) {
			changed = true
		}
	}
	if changed {
		e.opp.UpdatedAt = t.now()
		t.publish(e)
		t.persist(ctx, e)
	}
	return true
}

func (t *Tracker) walletExited(ctx context.Context, addr, wallet string) {
	e := t.lookup(addr)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.opp.Status.Terminal() || !e.opp.RemoveWallet(wallet) {
		return
	}
	e.opp.UpdatedAt = t.now()
	t.publish(e)
	t.persist(ctx, e)
	t.logger.Info("wallet exited opportunity", "asset", addr, "wallet", wallet, "remaining_wallets", len(e.opp.Wallets))
}

// Update runs one update cycle over every candidate not yet ENTERED or
// EXPIRED.
func (t *Tracker) Update(ctx context.Context) {
	t.mu.RLock()
	active := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.snap.Status.Terminal() {
			active = append(active, e)
		}
	}
	t.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(t.cfg.Concurrency)
	for _, e := range active {
		g.Go(func() error {
			t.updateOne(ctx, e)
			return nil
		})
	}
	g.Wait()
}

func (t *Tracker) updateOne(ctx context.Context, e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o := e.opp
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("opportunity update panicked", "asset", o.Address, "cycle", "update", "panic", r)
		}
	}()
	if o.Status.Terminal() {
		return
	}

	now := t.now()
	if !now.Before(o.ExpiresAt) {
		t.transition(ctx, e, model.StatusExpired, "ttl elapsed")
		return
	}

	q, err := t.price(ctx, o.Address)
	if err != nil || q.PriceUSD <= 0 {
		t.logger.Warn("opportunity price unavailable", "asset", o.Address, "cycle", "update", "err", err)
		return
	}
	price := decimal.NewFromFloat(q.PriceUSD)
	o.CurrentPrice = price
	if price.GreaterThan(o.HighWater) {
		o.HighWater = price
	}
	o.DipPct = dipPct(o.HighWater, price)
	if q.LiquidityUSD > 0 {
		o.LiquidityUSD = q.LiquidityUSD
	}
	o.UpdatedAt = now

	if why, ok := t.disqualify(o, now); ok {
		t.transition(ctx, e, model.StatusExpired, why)
		t.remove(ctx, o.Address)
		return
	}

	trigger := o.Trigger
	if o.Status == model.StatusWatching {
		trigger = t.cfg.Rules.Trigger(o, now)
	}
	if trigger == model.TriggerNone {
		t.publish(e)
		t.persist(ctx, e)
		return
	}
	if o.Status == model.StatusWatching {
		o.Trigger = trigger
		t.transition(ctx, e, model.StatusReady, string(trigger))
	}

	v, err := t.evaluate(ctx, o.Clone())
	switch {
	case err != nil:
		t.logger.Error("opportunity evaluation failed", "asset", o.Address, "cycle", "update", "err", err)
		t.transition(ctx, e, model.StatusExpired, "evaluation failed: "+err.Error())
	case v.Entered:
		t.transition(ctx, e, model.StatusEntered, v.Reason)
	default:
		t.transition(ctx, e, model.StatusExpired, v.Reason)
	}
}

// disqualify applies the real-time checks that drop a dead candidate.
func (t *Tracker) disqualify(o *model.Opportunity, now time.Time) (string, bool) {
	if t.cfg.LiquidityFloorUSD > 0 && o.LiquidityUSD > 0 && o.LiquidityUSD < t.cfg.LiquidityFloorUSD {
		return fmt.Sprintf("liquidity $%.0f below floor", o.LiquidityUSD), true
	}
	if t.cfg.CollapsePct > 0 && o.DipPct > t.cfg.CollapsePct {
		return fmt.Sprintf("price collapsed %.1f%% from high", o.DipPct), true
	}
	if len(o.Wallets) == 0 && o.Age(now) >= t.cfg.ZeroInterestGrace {
		return "no wallet interest", true
	}
	return "", false
}

// transition moves e to status. Caller holds e.mu.
func (t *Tracker) transition(ctx context.Context, e *entry, status model.OpportunityStatus, reason string) {
	o := e.opp
	from := o.Status
	o.Status = status
	o.StatusReason = reason
	o.UpdatedAt = t.now()
	t.publish(e)
	t.persist(ctx, e)
	if status.Terminal() {
		t.prices.RemoveToken(o.Address)
	}
	t.logger.Info("opportunity status",
		"asset", o.Address,
		"symbol", o.Symbol,
		"from", from,
		"to", status,
		"reason", reason,
		"dip_pct", o.DipPct,
		"wallets", len(o.Wallets),
	)
}

// Cleanup drops ENTERED and EXPIRED records that have been idle longer
// than the cleanup age and returns how many were removed.
func (t *Tracker) Cleanup(ctx context.Context) int {
	now := t.now()
	t.mu.RLock()
	var stale []string
	for addr, e := range t.entries {
		if e.snap.Status.Terminal() && now.Sub(e.snap.UpdatedAt) >= t.cfg.CleanupAfter {
			stale = append(stale, addr)
		}
	}
	t.mu.RUnlock()
	for _, addr := range stale {
		t.remove(ctx, addr)
	}
	return len(stale)
}

func (t *Tracker) remove(ctx context.Context, addr string) {
	t.mu.Lock()
	e, ok := t.entries[addr]
	if ok {
		e.removed = true
		delete(t.entries, addr)
	}
	n := len(t.entries)
	t.mu.Unlock()
	if !ok {
		return
	}
	metrics.TrackedOpportunities.Set(float64(n))
	t.forget(ctx, addr)
}

func (t *Tracker) forget(ctx context.Context, addr string) {
	t.prices.RemoveToken(addr)
	if t.store != nil {
		if err := t.store.DeleteOpportunity(ctx, addr); err != nil {
			t.logger.Error("delete opportunity", "asset", addr, "err", err)
		}
	}
}

// Opportunities returns copies of every tracked record, oldest first.
func (t *Tracker) Opportunities() []model.Opportunity {
	t.mu.RLock()
	out := make([]model.Opportunity, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.snap.Clone())
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FirstDetected.Before(out[j].FirstDetected) })
	return out
}

// Get returns a copy of one tracked record.
func (t *Tracker) Get(addr string) (model.Opportunity, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[addr]
	if !ok {
		return model.Opportunity{}, false
	}
	return e.snap.Clone(), true
}

// Len returns the size of the tracked set.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Counts returns the number of tracked records per status.
func (t *Tracker) Counts() map[model.OpportunityStatus]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[model.OpportunityStatus]int)
	for _, e := range t.entries {
		out[e.snap.Status]++
	}
	return out
}

func (t *Tracker) lookup(addr string) *entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[addr]
}

// publish refreshes the read snapshot. Caller holds e.mu.
func (t *Tracker) publish(e *entry) {
	t.mu.Lock()
	e.snap = e.opp.Clone()
	t.mu.Unlock()
}

// persist saves e unless it has left the set. Caller holds e.mu.
func (t *Tracker) persist(ctx context.Context, e *entry) {
	if t.store == nil {
		return
	}
	t.mu.RLock()
	gone := e.removed
	t.mu.RUnlock()
	if gone {
		return
	}
	if err := t.store.SaveOpportunity(ctx, e.opp.Clone()); err != nil {
		t.logger.Error("persist opportunity", "asset", e.opp.Address, "err", err)
	}
}

func (t *Tracker) price(ctx context.Context, addr string) (signal.PriceQuote, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(ctx, ratelimit.PriorityScan); err != nil {
			return signal.PriceQuote{}, err
		}
	}
	ctx, cancel := t.call(ctx)
	defer cancel()
	return t.prices.GetPrice(ctx, addr)
}

func (t *Tracker) watchlist(ctx context.Context) ([]model.WatchedWallet, error) {
	ctx, cancel := t.call(ctx)
	defer cancel()
	return t.dir.Watchlist(ctx)
}

func (t *Tracker) recentTrades(ctx context.Context, wallets []model.WatchedWallet, since time.Time) ([]model.WalletTrade, error) {
	ctx, cancel := t.call(ctx)
	defer cancel()
	return t.activity.RecentTrades(ctx, wallets, since)
}

// call bounds one collaborator call by CallTimeout.
func (t *Tracker) call(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.cfg.CallTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.cfg.CallTimeout)
}

func dipPct(high, price decimal.Decimal) float64 {
	if !high.IsPositive() {
		return 0
	}
	f, _ := high.Sub(price).Div(high).Mul(decimal.NewFromInt(100)).Float64()
	if f < 0 {
		return 0
	}
	return f
}

// prioritise orders wallets best tier first, then by score.
func prioritise(ws []model.WatchedWallet) []model.WatchedWallet {
	out := make([]model.WatchedWallet, 0, len(ws))
	for _, w := range ws {
		if w.Tier.Valid() && w.Address != "" {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Score > out[j].Score
	})
	return out
}

func hasWallet(ws []model.WalletEntry, addr string) bool {
	for _, w := range ws {
		if w.Address == addr {
			return true
		}
	}
	return false
}

func removeWallet(ws []model.WalletEntry, addr string) []model.WalletEntry {
	out := ws[:0]
	for _, w := range ws {
		if w.Address != addr {
			out = append(out, w)
		}
	}
	return out
}
