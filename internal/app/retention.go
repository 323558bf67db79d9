package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// RetentionSweeper deletes terminal tasks once they age past the retention
// window, keeping the tasks table bounded.
type RetentionSweeper struct {
	store     domain.TaskRepository
	retention time.Duration
	interval  time.Duration
}

// NewRetentionSweeper builds a sweeper. Returns nil when store is nil.
func NewRetentionSweeper(store domain.TaskRepository, retention, interval time.Duration) *RetentionSweeper {
	if store == nil {
		return nil
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionSweeper{store: store, retention: retention, interval: interval}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *RetentionSweeper) Run(ctx context.Context) {
	if s == nil || s.store == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *RetentionSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("tasks.retention")
	ctx, span := tracer.Start(ctx, "RetentionSweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.retention)
	span.SetAttributes(attribute.Float64("tasks.retention_seconds", s.retention.Seconds()))

	removed, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		span.RecordError(err)
		slog.Error("retention sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int64("tasks.removed", removed))
	if removed > 0 {
		slog.Info("retention sweep removed settled tasks",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff))
	}
}
