package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/conviction-engine/internal/agent"
	"github.com/atmx/conviction-engine/internal/alert"
	"github.com/atmx/conviction-engine/internal/chain"
	"github.com/atmx/conviction-engine/internal/config"
	"github.com/atmx/conviction-engine/internal/control"
	"github.com/atmx/conviction-engine/internal/execution"
	"github.com/atmx/conviction-engine/internal/feeds"
	"github.com/atmx/conviction-engine/internal/ratelimit"
	"github.com/atmx/conviction-engine/internal/rpc"
	"github.com/atmx/conviction-engine/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config load failed", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config invalid", err)
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (cache and feeds share one client) ---
	var rdb *redis.Client
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			fatal("invalid REDIS_URL", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
	}

	// --- Initialize store ---
	var st store.Store
	switch {
	case cfg.Storage.DatabaseURL != "":
		pg, err := store.OpenPostgres(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			fatal("database connection failed", err)
		}
		st = pg
		slog.Info("connected to PostgreSQL")
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL, cfg.Storage.CachePrefix)
			slog.Info("Redis cache enabled")
		}
	case cfg.Storage.SQLitePath != "":
		lite, err := store.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			fatal("sqlite open failed", err)
		}
		st = lite
		slog.Info("using SQLite store", "path", cfg.Storage.SQLitePath)
	default:
		slog.Warn("DATABASE_URL not set, using in-memory store (state will not survive a restart)")
		st = store.NewMemoryStore()
	}
	cleanup = append(cleanup, func() { st.Close() })

	// --- Shared rate limiter ---
	limiter := ratelimit.New(cfg.Limiter)
	cleanup = append(cleanup, limiter.Close)

	// --- Collaborator feeds ---
	deps := agent.Deps{Store: st, Limiter: limiter}
	switch cfg.Feeds.Source {
	case config.FeedRedis:
		fr := feeds.NewRedis(rdb, cfg.Feeds.Redis, logger)
		deps.Prices, deps.Safety, deps.Social, deps.Stats = fr, fr, fr, fr
		deps.Regime, deps.Directory = fr, fr
		slog.Info("reading feeds from Redis", "prefix", cfg.Feeds.Redis.Prefix)
	default:
		mem := feeds.NewMemory()
		deps.Prices, deps.Safety, deps.Social, deps.Stats = mem, mem, mem, mem
		deps.Regime, deps.Directory, deps.Activity = mem, mem, mem
		slog.Warn("using in-memory feeds; nothing will be detected until they are populated")
	}
	if cfg.Feeds.KafkaActivity {
		ka, err := feeds.NewKafkaActivity(cfg.Feeds.Kafka, logger)
		if err != nil {
			fatal("kafka activity consumer failed", err)
		}
		cleanup = append(cleanup, func() { ka.Close() })
		startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = ka.Start(startCtx)
		cancel()
		if err != nil {
			fatal("kafka activity consumer did not join its group", err)
		}
		deps.Activity = ka
	}

	// --- Chain access and swap routing ---
	if len(cfg.RPC.Endpoints) > 0 {
		pool, err := rpc.NewPool(cfg.RPC, limiter, logger)
		if err != nil {
			fatal("rpc pool failed", err)
		}
		deps.Chain = chain.NewClient(pool)
		slog.Info("rpc pool ready", "endpoints", len(cfg.RPC.Endpoints))
	}
	if cfg.SwapAPI.URL != "" {
		deps.Builder = execution.NewSwapAPI(cfg.SwapAPI.URL, cfg.SwapAPI.Timeout, limiter)
	}

	// --- Alerts ---
	hub := alert.NewHub(logger)
	go hub.Run(ctx)

	sinks := []alert.Sink{alert.LogSink{Logger: logger}, hub}
	if cfg.Alerts.Telegram.Token != "" {
		tg, err := alert.NewTelegramSink(cfg.Alerts.Telegram, logger)
		if err != nil {
			fatal("telegram sink failed", err)
		}
		sinks = append(sinks, tg)
	}
	if cfg.Alerts.Kafka {
		ks, err := alert.NewKafkaSink(cfg.Feeds.Kafka.Brokers, cfg.Alerts.KafkaTopic)
		if err != nil {
			fatal("kafka alert sink failed", err)
		}
		cleanup = append(cleanup, func() { ks.Close() })
		sinks = append(sinks, ks)
	}
	alerts := alert.NewDispatcher(sinks, cfg.Alerts.QueueSize, cfg.Alerts.Timeout, logger)
	alerts.Start()
	cleanup = append(cleanup, alerts.Close)
	deps.Alerts = alerts

	// --- Agent ---
	ag, err := agent.New(ctx, cfg, deps, logger)
	if err != nil {
		fatal("agent init failed", err)
	}
	ag.Start()

	// --- Server ---
	svc := control.NewService(ag, hub.HandleWS, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      control.NewRouter(svc, 30*time.Second),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("conviction-engine listening",
			"port", cfg.Port,
			"trading_enabled", cfg.Execution.TradingEnabled,
			"paper", cfg.Execution.Paper,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	slog.Info("shutting down conviction-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	ag.Stop(shutdownCtx)
	fmt.Println("conviction-engine stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
