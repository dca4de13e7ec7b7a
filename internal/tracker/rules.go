package tracker

import (
	"time"

	"github.com/atmx/conviction-engine/internal/model"
)

// Interesting reports whether a group of buyers clears the bar for
// promotion to tracking: one top-tier wallet, two distinct wallets of
// any tier, or three third-tier wallets.
func Interesting(wallets []model.WalletEntry) bool {
	t1, _, t3 := model.TierCounts(wallets)
	return t1 >= 1 || len(wallets) >= 2 || t3 >= 3
}

// Rules holds the READY trigger thresholds.
type Rules struct {
	EarlyWindow time.Duration `yaml:"early_window"`
	DipMinPct   float64       `yaml:"dip_min_pct"`
	DipMaxPct   float64       `yaml:"dip_max_pct"`
}

// DefaultRules returns a 10 minute early-discovery window and a 20-35% dip
// window.
func DefaultRules() Rules {
	return Rules{EarlyWindow: 10 * time.Minute, DipMinPct: 20, DipMaxPct: 35}
}

// InDip reports whether dipPct sits inside the entry window.
func (r Rules) InDip(dipPct float64) bool {
	return dipPct >= r.DipMinPct && dipPct <= r.DipMaxPct
}

// Trigger returns the first READY rule o satisfies, checked in order:
// early discovery, primary dip, secondary dip, tier-3 cluster.
func (r Rules) Trigger(o *model.Opportunity, now time.Time) model.TriggerKind {
	t1, t2, t3 := model.TierCounts(o.Wallets)
	if o.Age(now) <= r.EarlyWindow && t1 >= 1 {
		return model.TriggerEarlyDiscovery
	}
	if !r.InDip(o.DipPct) {
		return model.TriggerNone
	}
	switch {
	case t1 >= 2 || t1+t2 >= 2:
		return model.TriggerPrimaryDip
	case t1 >= 1 || t2 >= 2:
		return model.TriggerSecondaryDip
	case t3 >= 3:
		return model.TriggerTier3Cluster
	}
	return model.TriggerNone
}
