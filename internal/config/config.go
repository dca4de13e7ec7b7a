// Package config loads the agent configuration: defaults, then a YAML
// file, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/feeds"
	"github.com/atmx/conviction-engine/internal/learning"
	"github.com/atmx/conviction-engine/internal/model"
	"github.com/atmx/conviction-engine/internal/position"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/risk"
	"github.com/atmx/conviction-engine/internal/rpc"
	"github.com/atmx/conviction-engine/internal/signal"
	"github.com/atmx/conviction-engine/internal/tracker"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Feed sources.
const (
	FeedMemory = "memory"
	FeedRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Port string `yaml:"port"`

	Schedule  Schedule         `yaml:"schedule"`
	Weights   model.Weights    `yaml:"weights"`
	Tracker   tracker.Config   `yaml:"tracker"`
	Signal    signal.Config    `yaml:"signal"`
	Risk      risk.Config      `yaml:"risk"`
	Execution execution.Config `yaml:"execution"`
	Position  position.Config  `yaml:"position"`
	Learning  learning.Config  `yaml:"learning"`
	Limiter   ratelimit.Config `yaml:"limiter"`
	RPC       rpc.Config       `yaml:"rpc"`

	SwapAPI struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"swap_api"`

	Storage struct {
		DatabaseURL string        `yaml:"database_url"`
		SQLitePath  string        `yaml:"sqlite_path"`
		RedisURL    string        `yaml:"redis_url"`
		CacheTTL    time.Duration `yaml:"cache_ttl"`
		CachePrefix string        `yaml:"cache_prefix"`
	} `yaml:"storage"`

	Feeds struct {
		Source string            `yaml:"source"`
		Redis  feeds.RedisConfig `yaml:"redis"`
		Kafka  feeds.KafkaConfig `yaml:"kafka"`
		// KafkaActivity consumes wallet trades from Kafka instead of the
		// feed source.
		KafkaActivity bool `yaml:"kafka_activity"`
	} `yaml:"feeds"`

	Alerts struct {
		QueueSize int                  `yaml:"queue_size"`
		Timeout   time.Duration        `yaml:"timeout"`
		Telegram  alert.TelegramConfig `yaml:"telegram"`
		// Kafka publishes alerts to KafkaTopic on feeds.kafka.brokers.
		Kafka      bool   `yaml:"kafka"`
		KafkaTopic string `yaml:"kafka_topic"`
	} `yaml:"alerts"`
}

// Schedule sets the cadence of each periodic job.
type Schedule struct {
	Detect     time.Duration `yaml:"detect"`
	Update     time.Duration `yaml:"update"`
	Monitor    time.Duration `yaml:"monitor"`
	Cleanup    time.Duration `yaml:"cleanup"`
	DailyReset string        `yaml:"daily_reset"` // cron spec, UTC
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	cfg := &Config{
		Port: "8080",
		Schedule: Schedule{
			Detect:     30 * time.Second,
			Update:     10 * time.Second,
			Monitor:    5 * time.Second,
			Cleanup:    5 * time.Minute,
			DailyReset: "0 0 0 * * *",
		},
		Weights:   model.DefaultWeights(),
		Tracker:   tracker.DefaultConfig(),
		Signal:    signal.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Execution: execution.DefaultConfig(),
		Position:  position.DefaultConfig(),
		Learning:  learning.DefaultConfig(),
		Limiter:   ratelimit.DefaultConfig(),
		RPC:       rpc.DefaultConfig(),
	}
	cfg.Log.Level = "info"
	cfg.SwapAPI.Timeout = 10 * time.Second
	cfg.Storage.CacheTTL = 30 * time.Second
	cfg.Storage.CachePrefix = "agent"
	cfg.Feeds.Source = FeedMemory
	cfg.Feeds.Redis = feeds.DefaultRedisConfig()
	cfg.Feeds.Kafka = feeds.DefaultKafkaConfig()
	cfg.Alerts.QueueSize = 256
	cfg.Alerts.Timeout = 10 * time.Second
	cfg.Alerts.Telegram.MaxRetries = 3
	cfg.Alerts.KafkaTopic = "agent.alerts"
	return cfg
}

// Load reads config from a YAML file, then applies environment variable
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			var out []string
			for _, s := range strings.Split(v, ",") {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
			*dst = out
		}
	}

	str("PORT", &c.Port)
	str("DATABASE_URL", &c.Storage.DatabaseURL)
	str("REDIS_URL", &c.Storage.RedisURL)
	str("SQLITE_PATH", &c.Storage.SQLitePath)
	str("TELEGRAM_BOT_TOKEN", &c.Alerts.Telegram.Token)
	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err))
		} else {
			c.Alerts.Telegram.ChatID = id
		}
	}
	list("KAFKA_BROKERS", &c.Feeds.Kafka.Brokers)
	boolean("TRADING_ENABLED", &c.Execution.TradingEnabled)
	boolean("PAPER_MODE", &c.Execution.Paper)
	list("RPC_ENDPOINTS", &c.RPC.Endpoints)

	str("AGENT_LOG_LEVEL", &c.Log.Level)
	str("AGENT_WALLET", &c.Execution.Wallet)
	str("AGENT_SWAP_API_URL", &c.SwapAPI.URL)
	str("AGENT_FEED_SOURCE", &c.Feeds.Source)
	boolean("AGENT_KAFKA_ACTIVITY", &c.Feeds.KafkaActivity)
	boolean("AGENT_KAFKA_ALERTS", &c.Alerts.Kafka)
	integer("AGENT_MAX_TRACKED", &c.Tracker.MaxTracked)
	integer("AGENT_MAX_ATTEMPTS", &c.Execution.MaxAttempts)
	integer("AGENT_MAX_OPEN_POSITIONS", &c.Risk.MaxOpenPositions)

	return errors.Join(errs...)
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if _, err := c.LogLevel(); err != nil {
		bad("log.level %q", c.Log.Level)
	}
	if sum := c.Weights.Sum(); math.Abs(sum-1) > 0.01 {
		bad("weights sum to %.3f, want 1", sum)
	}
	for name, d := range map[string]time.Duration{
		"schedule.detect":  c.Schedule.Detect,
		"schedule.update":  c.Schedule.Update,
		"schedule.monitor": c.Schedule.Monitor,
		"schedule.cleanup": c.Schedule.Cleanup,
		"tracker.ttl":      c.Tracker.TTL,
	} {
		if d <= 0 {
			bad("%s must be positive", name)
		}
	}
	if c.Schedule.DailyReset == "" {
		bad("schedule.daily_reset is required")
	}
	if c.Tracker.Rules.DipMinPct >= c.Tracker.Rules.DipMaxPct {
		bad("tracker dip window [%g, %g] is inverted", c.Tracker.Rules.DipMinPct, c.Tracker.Rules.DipMaxPct)
	}
	if c.Tracker.MaxTracked < 1 {
		bad("tracker.max_tracked must be at least 1")
	}
	if c.Execution.MaxAttempts < 1 {
		bad("execution.max_attempts must be at least 1")
	}
	if c.Execution.MaxPriorityFee < c.Execution.BasePriorityFee {
		bad("execution.max_priority_fee below base fee")
	}
	if c.Risk.MaxOpenPositions < 1 {
		bad("risk.max_open_positions must be at least 1")
	}
	if c.Risk.DailyLossLimitPct >= 0 {
		bad("risk.daily_loss_limit_pct must be negative")
	}
	if c.Position.StopLoss.HardStopPct >= 0 {
		bad("position.stop_loss.hard_stop_pct must be negative")
	}
	var sold float64
	for _, l := range c.Position.TakeProfit.Levels {
		sold += l.SellPct
	}
	if sold > 100 {
		bad("take-profit levels sell %g%% in total", sold)
	}
	if c.Limiter.RatePerSecond <= 0 || c.Limiter.Burst < 1 {
		bad("limiter rate and burst must be positive")
	}
	switch c.Feeds.Source {
	case FeedMemory:
	case FeedRedis:
		if c.Storage.RedisURL == "" {
			bad("feeds.source redis needs storage.redis_url")
		}
		if !c.Feeds.KafkaActivity {
			bad("feeds.source redis has no wallet activity; enable feeds.kafka_activity")
		}
	default:
		bad("feeds.source %q", c.Feeds.Source)
	}
	if c.Feeds.KafkaActivity && len(c.Feeds.Kafka.Brokers) == 0 {
		bad("feeds.kafka_activity needs brokers")
	}
	if c.Alerts.Kafka && (len(c.Feeds.Kafka.Brokers) == 0 || c.Alerts.KafkaTopic == "") {
		bad("alerts.kafka needs brokers and alerts.kafka_topic")
	}
	if c.Execution.TradingEnabled && !c.Execution.Paper && len(c.RPC.Endpoints) == 0 {
		bad("live trading needs rpc.endpoints")
	}
	return errors.Join(errs...)
}

// LogLevel parses log.level.
func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.Log.Level))
	return l, err
}
