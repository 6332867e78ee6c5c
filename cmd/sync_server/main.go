package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"syncsession/config"
	"syncsession/internal/auth"
	"syncsession/internal/cache"
	"syncsession/internal/events"
	"syncsession/internal/httpapi/handlers"
	"syncsession/internal/httpapi/middleware"
	"syncsession/internal/resolve"
	"syncsession/internal/session"
	"syncsession/internal/store"
	"syncsession/internal/sweep"
	"syncsession/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("init config failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Redis：持久化存储适配器 ===
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("redis unreachable", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()
	sessionStore := store.NewRedisStore(rdb)

	// === MySQL 终态快照归档（可选） ===
	var archive *store.Archive
	if cfg.Mysql.DSN != "" {
		archive, err = store.OpenMySQLArchive(cfg.Mysql.DSN)
		if err != nil {
			logger.Error("mysql archive unavailable", slog.Any("error", err))
			os.Exit(1)
		}
	}

	// === Kafka 事件分发（可选） ===
	var sink events.Sink = events.NopSink{}
	var dispatcher *events.Dispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			logger.Error("kafka unreachable", slog.Any("error", err))
			os.Exit(1)
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.NewSemaphore(100), events.DispatcherOptions{
			QueueSize:   10_000,
			Workers:     4,
			MaxRetry:    3,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  time.Second,
		}, logger)
		sink = dispatcher
	}

	// === 核心装配 ===
	resolver := resolve.New(cfg.Sync.PlatformPriority)
	registry := session.NewRegistry(registryConfig(cfg), sessionStore, resolver, sink, logger)
	registry.SetArchive(archive)

	hub := ws.NewHub(logger)
	registry.SetBroadcaster(hub)
	presence := cache.NewRedisPresence(rdb)
	hub.SetPresence(presence, cfg.Sync.HeartbeatTimeout)

	var authn auth.Authenticator = auth.StaticAuthenticator{}
	if cfg.Auth.JWTSecret != "" {
		authn = auth.NewTokenAuthenticator(cfg.Auth.JWTSecret)
	}
	manager := ws.NewManager(hub, registry, authn, logger)

	sweeper := sweep.New(registry, hub, sweep.Options{
		FlushInterval:    cfg.Sync.FlushInterval,
		SweepInterval:    cfg.Sync.SweepInterval,
		HeartbeatTimeout: cfg.Sync.HeartbeatTimeout,
	}, logger)
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		sweeper.Run(ctx)
	}()

	// === 路由 ===
	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	sync := r.Group("/sync")
	sync.GET("/ws", manager.WebSocketConnect)
	sync.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})

	api := r.Group("/v1")
	if cfg.Auth.JWTSecret != "" {
		api.Use(middleware.Auth(authn))
	}
	handlers.NewSessionAPI(registry, presence, logger).Register(api)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		logger.Info("server starting", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	hub.CloseAll()
	<-sweepDone
	if dispatcher != nil {
		dispatcher.Close()
	}
	logger.Info("shutdown complete")
}

// registryConfig converts the flat config file shapes into registry types.
func registryConfig(cfg *config.Config) session.Config {
	byKind := make(map[session.Kind]resolve.Strategy, len(cfg.Sync.StrategyByKind))
	for kind, strategy := range cfg.Sync.StrategyByKind {
		byKind[session.Kind(kind)] = resolve.Strategy(strategy)
	}
	rules := make(map[string]session.FieldRule, len(cfg.Sync.FieldRules))
	for field, rule := range cfg.Sync.FieldRules {
		rules[field] = session.FieldRule{
			Strategy: resolve.Strategy(rule.Strategy),
			Policy:   resolve.FieldPolicy(rule.Policy),
		}
	}
	return session.Config{
		ConflictWindow:  cfg.Sync.ConflictWindow,
		SessionTTL:      cfg.Sync.SessionTTL,
		RingCapacity:    cfg.Sync.RingCapacity,
		JoinReplay:      cfg.Sync.JoinReplay,
		PendingCap:      cfg.Sync.PendingCap,
		DefaultStrategy: resolve.Strategy(cfg.Sync.DefaultStrategy),
		StrategyByKind:  byKind,
		FieldRules:      rules,
	}
}
