// Command worker starts a task worker process: it connects to a broker,
// registers its capabilities, and executes assigned tasks.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fairyhunter13/memory-broker/internal/adapter/ai/stub"
	"github.com/fairyhunter13/memory-broker/internal/adapter/observability"
	"github.com/fairyhunter13/memory-broker/internal/adapter/vector/qdrant"
	"github.com/fairyhunter13/memory-broker/internal/config"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	handlers := &worker.Handlers{
		// TODO: swap the stub for a real provider adapter once one lands.
		AI: stub.New(),
	}
	if cfg.QdrantURL != "" {
		handlers.Vector = qdrant.New(cfg.QdrantURL, cfg.QdrantAPIKey)
		slog.Info("vector store enabled", slog.String("url", cfg.QdrantURL))
	}

	rt := worker.New(worker.Options{
		BrokerURL:         cfg.BrokerURL,
		AuthToken:         cfg.WorkerAuthToken,
		Capabilities:      cfg.WorkerCapabilities,
		Concurrency:       cfg.WorkerConcurrency,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Metadata:          map[string]string{"hostname": hostname()},
	})
	handlers.RegisterAll(rt)

	// Workers only serve the kinds they advertise; the registry covers all of
	// them so a capability list wider than the defaults still resolves.
	for _, cap := range cfg.WorkerCapabilities {
		if !domain.ValidKind(domain.TaskKind(cap)) {
			slog.Warn("capability does not match a task kind; fallback-only",
				slog.String("capability", cap))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("worker starting",
		slog.String("broker", cfg.BrokerURL),
		slog.Any("capabilities", cfg.WorkerCapabilities),
		slog.Int("concurrency", cfg.WorkerConcurrency))
	rt.Run(ctx)
	slog.Info("worker stopped")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
