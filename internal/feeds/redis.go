// Package feeds adapts the external data services to the collaborator
// interfaces the agent consumes: prices, safety, social, token stats,
// market regime, the wallet watchlist and wallet activity.
package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/signal"
)

// ErrStale is returned for a price older than the configured maximum age.
var ErrStale = errors.New("feeds: stale price")

// RedisConfig configures the Redis-backed feeds.
type RedisConfig struct {
	Prefix      string        `yaml:"prefix"`
	MaxPriceAge time.Duration `yaml:"max_price_age"`
	HintTimeout time.Duration `yaml:"hint_timeout"`
}

// DefaultRedisConfig returns the default key prefix and freshness bound.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Prefix: "feeds", MaxPriceAge: time.Minute, HintTimeout: 2 * time.Second}
}

// Redis reads collaborator snapshots that the data services publish as
// JSON documents under well-known keys:
//
//	<prefix>:price:<mint>     signal.PriceQuote
//	<prefix>:safety:<mint>    model.SafetySignal
//	<prefix>:social:<mint>    model.SocialSignal
//	<prefix>:stats:<mint>     signal.TokenStats
//	<prefix>:regime           signal.RegimeState
//	<prefix>:regime:override  regime tag, set by SetOverride
//	<prefix>:watchlist        []model.WatchedWallet
//	<prefix>:monitored        set of mints the price service should poll
type Redis struct {
	rdb    *redis.Client
	cfg    RedisConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewRedis creates the Redis-backed feeds.
func NewRedis(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *Redis {
	if cfg.Prefix == "" {
		cfg.Prefix = "feeds"
	}
	if cfg.HintTimeout <= 0 {
		cfg.HintTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, cfg: cfg, logger: logger, now: time.Now}
}

// GetPrice implements signal.PriceFeed.
func (r *Redis) GetPrice(ctx context.Context, asset string) (signal.PriceQuote, error) {
	q, err := getJSON[signal.PriceQuote](ctx, r.rdb, r.key("price", asset))
	if err != nil {
		return signal.PriceQuote{}, err
	}
	if err := checkFresh(q, r.cfg.MaxPriceAge, r.now()); err != nil {
		return signal.PriceQuote{}, fmt.Errorf("%w: %s", err, asset)
	}
	return q, nil
}

// AddToken asks the price service to poll asset.
func (r *Redis) AddToken(asset string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HintTimeout)
	defer cancel()
	if err := r.rdb.SAdd(ctx, r.key("monitored"), asset).Err(); err != nil {
		r.logger.Warn("monitor hint failed", "asset", asset, "op", "add", "err", err)
	}
}

// RemoveToken withdraws a polling hint.
func (r *Redis) RemoveToken(asset string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HintTimeout)
	defer cancel()
	if err := r.rdb.SRem(ctx, r.key("monitored"), asset).Err(); err != nil {
		r.logger.Warn("monitor hint failed", "asset", asset, "op", "remove", "err", err)
	}
}

// Analyze implements signal.SafetyAnalyzer.
func (r *Redis) Analyze(ctx context.Context, asset string) (model.SafetySignal, error) {
	return getJSON[model.SafetySignal](ctx, r.rdb, r.key("safety", asset))
}

// Social implements signal.SocialProvider.
func (r *Redis) Social(ctx context.Context, asset string) (model.SocialSignal, error) {
	return getJSON[model.SocialSignal](ctx, r.rdb, r.key("social", asset))
}

// Stats implements signal.TokenStatsProvider.
func (r *Redis) Stats(ctx context.Context, asset string) (signal.TokenStats, error) {
	return getJSON[signal.TokenStats](ctx, r.rdb, r.key("stats", asset))
}

// RegimeState implements signal.RegimeProvider. A manual override wins
// over the published regime, and stands alone when nothing is published.
func (r *Redis) RegimeState(ctx context.Context) (signal.RegimeState, error) {
	st, err := getJSON[signal.RegimeState](ctx, r.rdb, r.key("regime"))
	if err != nil && !errors.Is(err, signal.ErrNoData) {
		return signal.RegimeState{}, err
	}
	override, oerr := r.rdb.Get(ctx, r.key("regime", "override")).Result()
	switch {
	case oerr == nil:
		reg, perr := model.ParseRegime(override)
		if perr != nil {
			r.logger.Warn("ignoring bad regime override", "value", override, "err", perr)
			break
		}
		return ApplyOverride(st, reg), nil
	case !errors.Is(oerr, redis.Nil):
		return signal.RegimeState{}, fmt.Errorf("feeds: regime override: %w", oerr)
	}
	return st, err
}

// SetOverride pins the regime; the empty regime clears the override.
func (r *Redis) SetOverride(ctx context.Context, reg model.Regime) error {
	key := r.key("regime", "override")
	if reg == "" {
		return r.rdb.Del(ctx, key).Err()
	}
	if _, err := model.ParseRegime(string(reg)); err != nil {
		return err
	}
	return r.rdb.Set(ctx, key, string(reg), 0).Err()
}

// Watchlist implements signal.WalletDirectory.
func (r *Redis) Watchlist(ctx context.Context) ([]model.WatchedWallet, error) {
	ws, err := getJSON[[]model.WatchedWallet](ctx, r.rdb, r.key("watchlist"))
	if errors.Is(err, signal.ErrNoData) {
		return nil, nil
	}
	return ws, err
}

func (r *Redis) key(parts ...string) string {
	k := r.cfg.Prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// getJSON maps a missing key to signal.ErrNoData.
func getJSON[T any](ctx context.Context, rdb *redis.Client, key string) (T, error) {
	var v T
	data, err := rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return v, signal.ErrNoData
	}
	if err != nil {
		return v, fmt.Errorf("feeds: get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("feeds: decode %s: %w", key, err)
	}
	return v, nil
}

// ApplyOverride returns st pinned to reg.
func ApplyOverride(st signal.RegimeState, reg model.Regime) signal.RegimeState {
	st.Regime = reg
	st.Override = true
	return st
}

func checkFresh(q signal.PriceQuote, maxAge time.Duration, now time.Time) error {
	if q.PriceUSD <= 0 {
		return signal.ErrNoData
	}
	if maxAge > 0 && !q.UpdatedAt.IsZero() && now.Sub(q.UpdatedAt) > maxAge {
		return ErrStale
	}
	return nil
}
