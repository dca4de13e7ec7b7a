package signal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/ratelimit"
)

// SafetyUnavailableReason is the hard-reject reason used when the safety
// collaborator cannot answer.
const SafetyUnavailableReason = "safety data unavailable"

// Config tunes facet collection.
type Config struct {
	FacetTimeout  time.Duration      `yaml:"facet_timeout"`
	Priority      ratelimit.Priority `yaml:"-"`
	PeakStartHour int                `yaml:"peak_start_hour"`
	PeakEndHour   int                `yaml:"peak_end_hour"`
}

// DefaultConfig returns the default collection settings.
func DefaultConfig() Config {
	return Config{
		FacetTimeout:  5 * time.Second,
		Priority:      ratelimit.PriorityEvaluation,
		PeakStartHour: 13,
		PeakEndHour:   21,
	}
}

// Sources bundles the collaborators the aggregator reads from.
type Sources struct {
	Price  PriceFeed
	Safety SafetyAnalyzer
	Social SocialProvider
	Stats  TokenStatsProvider
	Regime RegimeProvider
}

// Aggregator fans out to every facet source concurrently and assembles an
// immutable snapshot.
type Aggregator struct {
	src     Sources
	limiter *ratelimit.Limiter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewAggregator creates an aggregator. limiter may be nil in tests.
func NewAggregator(src Sources, limiter *ratelimit.Limiter, cfg Config, logger *slog.Logger) *Aggregator {
	if cfg.FacetTimeout <= 0 {
		cfg.FacetTimeout = DefaultConfig().FacetTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{src: src, limiter: limiter, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock overrides the time source.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// Aggregate collects every facet for opp. A missing price aborts with
// ErrPriceUnavailable; every other facet degrades to a conservative default.
func (a *Aggregator) Aggregate(ctx context.Context, opp model.Opportunity) (model.AggregatedSignal, error) {
	var (
		quote  PriceQuote
		safety Result[model.SafetySignal]
		social Result[model.SocialSignal]
		stats  Result[TokenStats]
		regime Result[RegimeState]
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		q, err := fetch(gctx, a, func(ctx context.Context) (PriceQuote, error) {
			return a.src.Price.GetPrice(ctx, opp.Address)
		})
		if err != nil || q.PriceUSD <= 0 {
			return fmt.Errorf("%w: %s", ErrPriceUnavailable, opp.Address)
		}
		quote = q
		return nil
	})
	g.Go(func() error {
		safety = collect(gctx, a, "safety", opp.Address, unavailableSafety(), func(ctx context.Context) (model.SafetySignal, error) {
			return a.src.Safety.Analyze(ctx, opp.Address)
		})
		return nil
	})
	g.Go(func() error {
		social = collect(gctx, a, "social", opp.Address, model.SocialSignal{}, func(ctx context.Context) (model.SocialSignal, error) {
			return a.src.Social.Social(ctx, opp.Address)
		})
		return nil
	})
	g.Go(func() error {
		stats = collect(gctx, a, "stats", opp.Address, TokenStats{}, func(ctx context.Context) (TokenStats, error) {
			return a.src.Stats.Stats(ctx, opp.Address)
		})
		return nil
	})
	g.Go(func() error {
		regime = collect(gctx, a, "regime", opp.Address, RegimeState{Regime: model.RegimeDefensive}, func(ctx context.Context) (RegimeState, error) {
			return a.src.Regime.RegimeState(ctx)
		})
		return nil
	})
	if err := g.Wait(); err != nil {
		return model.AggregatedSignal{}, err
	}

	now := a.now()
	var degraded []string
	for _, f := range []struct {
		name string
		bad  bool
	}{
		{"regime", regime.IsDegraded()},
		{"safety", safety.IsDegraded()},
		{"social", social.IsDegraded()},
		{"stats", stats.IsDegraded()},
	} {
		if f.bad {
			degraded = append(degraded, f.name)
		}
	}

	st := stats.Value()
	rs := regime.Value()
	if rs.Regime == "" {
		rs.Regime = model.RegimeDefensive
	}

	s := model.AggregatedSignal{
		Asset:       opp.Address,
		Name:        firstNonEmpty(opp.Name, st.Name),
		Symbol:      firstNonEmpty(opp.Symbol, st.Symbol),
		Wallets:     walletSignal(opp.Wallets),
		Safety:      safety.Value(),
		Entry:       entryTiming(opp, quote, st, stats.IsDegraded(), now),
		Social:      social.Value(),
		Market:      a.marketContext(rs, now),
		CollectedAt: now,
	}
	return model.NewAggregatedSignal(s, degraded), nil
}

func fetch[T any](ctx context.Context, a *Aggregator, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FacetTimeout)
	defer cancel()
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx, a.cfg.Priority); err != nil {
			var zero T
			return zero, err
		}
	}
	return fn(ctx)
}

func collect[T any](ctx context.Context, a *Aggregator, facet, asset string, fallback T, fn func(context.Context) (T, error)) Result[T] {
	v, err := fetch(ctx, a, fn)
	if err != nil {
		a.logger.Warn("signal facet degraded", "asset", asset, "facet", facet, "err", err)
		return Degraded(fallback, err.Error())
	}
	return Ok(v)
}

func unavailableSafety() model.SafetySignal {
	return model.SafetySignal{
		Score:        0,
		Level:        "UNKNOWN",
		HardRejected: true,
		RejectReason: SafetyUnavailableReason,
	}
}

func walletSignal(entries []model.WalletEntry) model.WalletSignal {
	var ws model.WalletSignal
	ws.Count = len(entries)
	ws.Tier1Count, ws.Tier2Count, ws.Tier3Count = model.TierCounts(entries)
	if len(entries) == 0 {
		return ws
	}
	scores := make([]float64, len(entries))
	for i, e := range entries {
		scores[i] = e.Score
		if ws.FirstEntry.IsZero() || e.EnteredAt.Before(ws.FirstEntry) {
			ws.FirstEntry = e.EnteredAt
		}
		if e.EnteredAt.After(ws.LastEntry) {
			ws.LastEntry = e.EnteredAt
		}
	}
	ws.AvgScore = stat.Mean(scores, nil)
	return ws
}

func entryTiming(opp model.Opportunity, q PriceQuote, st TokenStats, statsDegraded bool, now time.Time) model.EntryTiming {
	cur := q.PriceUSD
	high, _ := opp.HighWater.Float64()
	high = math.Max(high, cur)

	ath := high
	created := opp.FirstDetected
	ratio := 1.0
	if !statsDegraded {
		ath = math.Max(st.AllTimeHigh, high)
		if !st.CreatedAt.IsZero() {
			created = st.CreatedAt
		}
		if st.BuySellRatio > 0 {
			ratio = st.BuySellRatio
		}
	}

	liq := q.LiquidityUSD
	if liq == 0 {
		liq = opp.LiquidityUSD
	}

	et := model.EntryTiming{
		CurrentPrice:  cur,
		LocalHigh:     high,
		AllTimeHigh:   ath,
		DipPct:        pctBelow(high, cur),
		FromATHPct:    pctBelow(ath, cur),
		AgeMinutes:    math.Max(0, now.Sub(created).Minutes()),
		BuySellRatio:  ratio,
		PriceChange1h: q.PriceChange1h,
		LiquidityUSD:  liq,
	}
	et.Hype = ClassifyHype(et.AgeMinutes, et.FromATHPct, et.PriceChange1h, et.BuySellRatio)
	return et
}

// ClassifyHype tags the attention phase from age, distance from the
// all-time-high, 1h change, and buy/sell ratio.
func ClassifyHype(ageMinutes, fromATHPct, change1h, buySell float64) model.HypePhase {
	switch {
	case ageMinutes < 30:
		return model.HypeEarly
	case fromATHPct < 10 && change1h > 50:
		return model.HypePeak
	case (fromATHPct > 60 && buySell < 0.8) || (ageMinutes > 24*60 && buySell < 1):
		return model.HypeDistribution
	default:
		return model.HypeMomentum
	}
}

func (a *Aggregator) marketContext(rs RegimeState, now time.Time) model.MarketContext {
	h := now.UTC().Hour()
	return model.MarketContext{
		Regime:       rs.Regime,
		SolTrend:     rs.SolTrend,
		BtcTrend:     rs.BtcTrend,
		SolChange24h: rs.SolChange24h,
		BtcChange24h: rs.BtcChange24h,
		PeakHours:    h >= a.cfg.PeakStartHour && h < a.cfg.PeakEndHour,
	}
}

func pctBelow(ref, cur float64) float64 {
	if ref <= 0 || cur >= ref {
		return 0
	}
	return (ref - cur) / ref * 100
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
