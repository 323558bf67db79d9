// Command broker starts the memory task broker: HTTP API, worker hub,
// dispatcher, and event stream.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/memory-broker/internal/adapter/httpserver"
	"github.com/fairyhunter13/memory-broker/internal/adapter/observability"
	"github.com/fairyhunter13/memory-broker/internal/adapter/queue/archive"
	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/memory-broker/internal/app"
	"github.com/fairyhunter13/memory-broker/internal/config"
	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/federation"
	"github.com/fairyhunter13/memory-broker/internal/hub"
	"github.com/fairyhunter13/memory-broker/internal/service/ratelimiter"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Task store: Postgres when configured, otherwise in-memory.
	var store domain.TaskRepository
	var pool *pgxpool.Pool
	if cfg.DBURL != "" {
		pool, err = postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.Migrate(ctx, pool); err != nil {
			slog.Error("db migrate failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = postgres.NewTaskRepo(pool)
		slog.Info("task store ready", slog.String("backend", "postgres"))
	} else {
		store = memstore.New()
		slog.Warn("task store ready", slog.String("backend", "memory"),
			slog.String("note", "tasks do not survive restart"))
	}

	bus := eventbus.New(cfg.EventBusInbox)

	h := hub.New(hub.Options{
		AuthToken:            cfg.WorkerAuthToken,
		MaxWorkers:           cfg.MaxWorkers,
		PerWorkerConcurrency: cfg.PerWorkerConcurrency,
		SendQueue:            cfg.WorkerSendQueue,
		HeartbeatDeadline:    cfg.HeartbeatDeadline(),
		AssignAckGrace:       cfg.AssignAckGrace,
		DrainTimeout:         cfg.DrainTimeout,
	}, bus)
	go h.Run(ctx)

	retry := domain.NewRetryPolicy(cfg.Backoffs(), nil)
	dispatcher := dispatch.New(store, h, bus, retry, dispatch.Options{
		Tick:           cfg.DispatchTick,
		ReaperInterval: cfg.ReaperInterval,
		StaleAssigned:  cfg.StaleAssigned(),
	})
	go dispatcher.Run(ctx)

	// Enqueue admission limiter (optional).
	var limiter ratelimiter.Limiter
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		var mirror postgres.PgxPool
		if pool != nil {
			mirror = pool
		}
		rl := ratelimiter.NewRedisLuaLimiter(redis.NewClient(redisOpts), mirror, map[string]ratelimiter.BucketConfig{
			"enqueue": ratelimiter.NewBucketConfigFromPerMinute(cfg.EnqueuePerMin),
		})
		if err := rl.WarmFromPostgres(ctx); err != nil {
			slog.Warn("rate limiter warm-up failed", slog.Any("error", err))
		}
		limiter = rl
		slog.Info("enqueue limiter enabled", slog.Int("per_minute", cfg.EnqueuePerMin))
	}

	// Federation uplink (optional).
	if cfg.UpstreamURL != "" {
		fc := federation.New(federation.Options{
			URL:               cfg.UpstreamURL,
			AuthToken:         cfg.UpstreamAuthToken,
			HeartbeatInterval: cfg.HeartbeatInterval,
			WriteTimeout:      cfg.StreamWriteTimeout,
		}, h, dispatcher, store, bus)
		go fc.Run(ctx)
		slog.Info("federation enabled", slog.String("upstream", cfg.UpstreamURL))
	}

	// Event archive to Kafka (optional).
	if len(cfg.KafkaBrokers) > 0 {
		archiver, err := archive.New(cfg.KafkaBrokers, cfg.EventArchiveTopic, bus)
		if err != nil {
			slog.Error("event archiver connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		go archiver.Run(ctx)
		slog.Info("event archiver enabled",
			slog.Any("brokers", cfg.KafkaBrokers), slog.String("topic", cfg.EventArchiveTopic))
	}

	if sweeper := app.NewRetentionSweeper(store,
		time.Duration(cfg.RetentionDays)*24*time.Hour, cfg.CleanupInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}

	srv := httpserver.NewServer(cfg, dispatcher, store, h, bus, limiter)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker starting", slog.String("addr", cfg.ListenAddr()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	// Tell workers to drain before the listener goes away.
	h.BroadcastShutdown("broker shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	stop()
}
