package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/signal"
)

// DangerMonitor flags open positions whose market has become unsafe:
// liquidity pulled, or a safety re-check finding a honeypot or an active
// freeze authority.
type DangerMonitor struct {
	LiquidityDropPct  float64 // exit when liquidity falls this far below entry
	LiquidityFloorUSD float64
	RecheckInterval   time.Duration
	CallTimeout       time.Duration // bounds each safety re-check

	safety  signal.SafetyAnalyzer
	limiter *ratelimit.Limiter

	mu      sync.Mutex
	checked map[string]time.Time
}

// NewDangerMonitor creates a monitor from the exit policy. safety may be
// nil to disable re-checks; limiter may be nil.
func NewDangerMonitor(cfg Config, safety signal.SafetyAnalyzer, limiter *ratelimit.Limiter) *DangerMonitor {
	return &DangerMonitor{
		LiquidityDropPct:  cfg.LiquidityDropPct,
		LiquidityFloorUSD: cfg.LiquidityFloorUSD,
		RecheckInterval:   cfg.SafetyRecheck,
		CallTimeout:       cfg.CallTimeout,
		safety:            safety,
		limiter:           limiter,
		checked:           make(map[string]time.Time),
	}
}

// Check returns a reason when p should be exited. Unknown liquidity and
// failed safety lookups are not treated as danger.
func (d *DangerMonitor) Check(ctx context.Context, p *model.Position, q signal.PriceQuote, now time.Time) (string, bool) {
	if liq := q.LiquidityUSD; liq > 0 {
		if d.LiquidityFloorUSD > 0 && liq < d.LiquidityFloorUSD {
			return fmt.Sprintf("liquidity $%.0f below floor $%.0f", liq, d.LiquidityFloorUSD), true
		}
		if p.EntryLiquidityUSD > 0 && d.LiquidityDropPct > 0 {
			limit := p.EntryLiquidityUSD * (1 - d.LiquidityDropPct/100)
			if liq < limit {
				return fmt.Sprintf("liquidity $%.0f down more than %.0f%% from entry $%.0f", liq, d.LiquidityDropPct, p.EntryLiquidityUSD), true
			}
		}
	}

	if d.safety == nil || !d.due(p.ID, now) {
		return "", false
	}
	s, err := d.analyze(ctx, p.Asset)
	if err != nil {
		return "", false
	}
	switch {
	case s.Honeypot:
		return "honeypot detected", true
	case s.FreezeAuthority:
		return "freeze authority active", true
	}
	return "", false
}

func (d *DangerMonitor) analyze(ctx context.Context, asset string) (model.SafetySignal, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, ratelimit.PriorityPosition); err != nil {
			return model.SafetySignal{}, err
		}
	}
	if d.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.CallTimeout)
		defer cancel()
	}
	return d.safety.Analyze(ctx, asset)
}

// Forget drops re-check bookkeeping for a closed position.
func (d *DangerMonitor) Forget(id string) {
	d.mu.Lock()
	delete(d.checked, id)
	d.mu.Unlock()
}

func (d *DangerMonitor) due(id string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.checked[id]; ok && now.Sub(last) < d.RecheckInterval {
		return false
	}
	d.checked[id] = now
	return true
}
