// Package dispatch connects the task store to the worker hub: it claims
// eligible pending tasks, assigns them round-robin to capable workers, applies
// the per-kind retry policy to failures, and reaps work stranded on dead
// workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/memory-broker/internal/adapter/observability"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

// Options tune the dispatch loops.
type Options struct {
	// Tick is the fallback poll interval; enqueues and membership changes
	// wake the loop earlier.
	Tick time.Duration
	// ReaperInterval is how often stranded assigned/processing tasks are
	// checked.
	ReaperInterval time.Duration
	// StaleAssigned is how long a task may sit assigned or processing before
	// the reaper considers it stranded.
	StaleAssigned time.Duration
	// OpTimeout bounds each store call made from handler callbacks.
	OpTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = 250 * time.Millisecond
	}
	if o.ReaperInterval <= 0 {
		o.ReaperInterval = 10 * time.Second
	}
	if o.StaleAssigned <= 0 {
		o.StaleAssigned = 30 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	return o
}

// Dispatcher is the broker's reactor. It implements hub.Handler; the hub
// feeds it worker traffic and it feeds the hub assignments.
type Dispatcher struct {
	store domain.TaskRepository
	hub   *hub.Hub
	bus   domain.EventPublisher
	retry *domain.RetryPolicy
	opts  Options

	// wake coalesces dispatch triggers (enqueue, task release, completion).
	wake chan struct{}
	// lastPass is the unix-nano time of the last completed dispatch pass,
	// read by the readiness probe.
	lastPass atomic.Int64
}

// New builds a Dispatcher and attaches it to the hub as its handler.
func New(store domain.TaskRepository, h *hub.Hub, bus domain.EventPublisher, retry *domain.RetryPolicy, opts Options) *Dispatcher {
	d := &Dispatcher{
		store: store,
		hub:   h,
		bus:   bus,
		retry: retry,
		opts:  opts.withDefaults(),
		wake:  make(chan struct{}, 1),
	}
	d.lastPass.Store(time.Now().UnixNano())
	h.SetHandler(d)
	return d
}

// Enqueue validates nothing beyond what the store enforces; it persists the
// task, announces it, and wakes the dispatch loop.
func (d *Dispatcher) Enqueue(ctx context.Context, req domain.EnqueueRequest) (string, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.enqueue")
	defer span.End()
	id, err := d.store.Enqueue(ctx, req)
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("task.id", id), attribute.String("task.kind", string(req.Kind)))
	observability.TasksEnqueuedTotal.WithLabelValues(string(req.Kind)).Inc()
	d.bus.Publish(domain.ChTaskQueued, map[string]any{
		"task_id":    id,
		"kind":       string(req.Kind),
		"capability": req.RequiredCapability,
		"priority":   req.Priority,
	})
	d.Wake()
	return id, nil
}

// Cancel settles a non-terminal task as failed and, when it is running on a
// connected worker, tells that worker to stop.
func (d *Dispatcher) Cancel(ctx context.Context, id, reason string) error {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.cancel")
	defer span.End()

	t, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.Cancel(ctx, id, reason); err != nil {
		return err
	}
	if t.AssignedWorkerID != "" {
		if s, ok := d.hub.Get(t.AssignedWorkerID); ok {
			if err := s.SendCancel(id, reason); err != nil {
				slog.Warn("cancel not delivered to worker",
					slog.String("task_id", id), slog.String("worker_id", t.AssignedWorkerID))
			}
		}
	}
	d.bus.Publish(domain.ChTaskCancelled, map[string]any{"task_id": id, "reason": reason})
	if t.Status == domain.TaskAssigned || t.Status == domain.TaskProcessing {
		d.writerGate(t, false)
	}
	return nil
}

// Wake nudges the dispatch loop without blocking.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Healthy reports whether a dispatch pass finished within window (liveness
// for the readiness probe).
func (d *Dispatcher) Healthy(window time.Duration) bool {
	return time.Since(time.Unix(0, d.lastPass.Load())) < window
}

// Run drives dispatch and reaping until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	tick := time.NewTicker(d.opts.Tick)
	defer tick.Stop()
	reap := time.NewTicker(d.opts.ReaperInterval)
	defer reap.Stop()
	membership := d.hub.Membership()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		case <-d.wake:
		case <-membership:
		case <-reap.C:
			d.reap(ctx)
			continue
		}
		d.dispatchPending(ctx)
	}
}

// maxSkippedPerPass bounds head-of-line scanning within one dispatch pass.
const maxSkippedPerPass = 256

// dispatchPending drains eligible work. Each round peeks the globally best
// pending task against the live capability union, then picks a worker in the
// task's own preference order (required capability first, then fallbacks), so
// a fallback worker never wins while a primary worker is free.
func (d *Dispatcher) dispatchPending(ctx context.Context) {
	defer d.lastPass.Store(time.Now().UnixNano())
	var skip []string
	for len(skip) < maxSkippedPerPass {
		if ctx.Err() != nil {
			return
		}
		live := d.hub.Capabilities()
		if len(live) == 0 {
			return
		}
		t, err := d.store.PeekNext(ctx, live, skip, time.Now().UTC())
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				slog.Error("peek failed", slog.Any("error", err))
			}
			return
		}
		if !d.assignTask(ctx, t) {
			// No session can take this task right now; keep scanning so work
			// for other capabilities is not stalled behind it.
			skip = append(skip, t.ID)
		}
	}
}

// assignTask claims t on the matched capability and hands it to the chosen
// worker. A claim that cannot be delivered is released back to pending.
func (d *Dispatcher) assignTask(ctx context.Context, t domain.Task) bool {
	s, matched := d.hub.Pick(t.Capabilities())
	if s == nil {
		return false
	}
	now := time.Now().UTC()
	// The claim re-checks eligibility under the store's own guard, so a
	// concurrent broker racing for the same row cannot double-assign it.
	claimed, err := d.store.ClaimNext(ctx, []string{matched}, s.WorkerID(), now)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Error("claim failed", slog.String("capability", matched), slog.Any("error", err))
		}
		return false
	}
	if err := s.Assign(claimed, matched, d.perWorkerLimit()); err != nil {
		// The worker filled up or vanished between pick and claim; put the
		// task back for the next pass.
		d.releaseTask(ctx, claimed)
		return true
	}
	observability.TasksAssignedTotal.WithLabelValues(string(claimed.Kind)).Inc()
	d.bus.Publish(domain.ChTaskAssigned, map[string]any{
		"task_id":    claimed.ID,
		"worker_id":  s.WorkerID(),
		"kind":       string(claimed.Kind),
		"capability": matched,
	})
	d.writerGate(claimed, true)
	slog.Debug("task assigned",
		slog.String("task_id", claimed.ID),
		slog.String("worker_id", s.WorkerID()),
		slog.String("capability", matched))
	return true
}

// writerGate announces the compression write-pause window: compression
// rewrites stored records in place, so writers pause while one is on a worker
// and resume when it leaves.
func (d *Dispatcher) writerGate(t domain.Task, active bool) {
	if t.Kind != domain.KindCompression {
		return
	}
	ch := domain.ChWriterResume
	if active {
		ch = domain.ChWriterPause
	}
	d.bus.Publish(ch, map[string]any{"task_id": t.ID})
}

func (d *Dispatcher) perWorkerLimit() int {
	return d.hub.PerWorkerConcurrency()
}

// releaseTask returns a claimed task to pending with the kind's backoff,
// announcing the requeue, or the terminal failure when retries are spent.
func (d *Dispatcher) releaseTask(ctx context.Context, t domain.Task) {
	retryAfter := d.retry.RetryAfter(t.Kind, t.RetryCount, time.Now().UTC())
	if err := d.store.Release(ctx, t.ID, retryAfter); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("release failed", slog.String("task_id", t.ID), slog.Any("error", err))
		}
		return
	}
	observability.TasksReleasedTotal.Inc()
	d.writerGate(t, false)
	after, err := d.store.Get(ctx, t.ID)
	if err != nil {
		return
	}
	if after.Status == domain.TaskPending {
		d.bus.Publish(domain.ChTaskQueued, map[string]any{
			"task_id":     t.ID,
			"kind":        string(t.Kind),
			"capability":  t.RequiredCapability,
			"retry_count": after.RetryCount,
		})
		return
	}
	d.bus.Publish(domain.ChTaskFailed, map[string]any{
		"task_id": t.ID,
		"error":   after.Error,
	})
}

// reap releases assigned/processing tasks whose worker is gone or no longer
// tracks them, after the staleness threshold.
func (d *Dispatcher) reap(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-d.opts.StaleAssigned)
	for _, status := range []domain.TaskStatus{domain.TaskAssigned, domain.TaskProcessing} {
		tasks, err := d.store.List(ctx, domain.TaskFilter{Status: status, Limit: 500})
		if err != nil {
			slog.Error("reaper list failed", slog.Any("error", err))
			return
		}
		for _, t := range tasks {
			if t.AssignedAt == nil || t.AssignedAt.After(cutoff) {
				continue
			}
			if s, ok := d.hub.Get(t.AssignedWorkerID); ok && tracksTask(s, t.ID) {
				continue
			}
			slog.Warn("reaping stranded task",
				slog.String("task_id", t.ID),
				slog.String("worker_id", t.AssignedWorkerID),
				slog.String("status", string(t.Status)))
			d.releaseTask(ctx, t)
		}
	}
	d.Wake()
}

func tracksTask(s *hub.Session, taskID string) bool {
	for _, id := range s.InFlight() {
		if id == taskID {
			return true
		}
	}
	return false
}

// hub.Handler implementation

// OnRegistered wakes the loop so queued work reaches the new capability set.
func (d *Dispatcher) OnRegistered(s *hub.Session) {
	observability.WorkersConnected.Set(float64(d.hub.Len()))
	d.Wake()
}

// OnProgress marks the task processing on its first report and relays the
// fraction to subscribers.
func (d *Dispatcher) OnProgress(s *hub.Session, taskID string, fraction float64, note string) {
	ctx, cancel := d.opCtx()
	defer cancel()
	if err := d.store.BeginProcessing(ctx, taskID, s.WorkerID()); err != nil && !errors.Is(err, domain.ErrConflict) {
		slog.Warn("progress on unknown task", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}
	d.bus.Publish(domain.ChTaskProgress, map[string]any{
		"task_id":   taskID,
		"worker_id": s.WorkerID(),
		"fraction":  fraction,
		"note":      note,
	})
}

// OnComplete settles a task as completed. Reports for tasks this worker no
// longer owns (reaped and reassigned meanwhile) are dropped.
func (d *Dispatcher) OnComplete(s *hub.Session, taskID string, result []byte, elapsedMS int64) {
	ctx, cancel := d.opCtx()
	defer cancel()
	if err := d.store.Complete(ctx, taskID, s.WorkerID(), result); err != nil {
		slog.Warn("completion dropped",
			slog.String("task_id", taskID),
			slog.String("worker_id", s.WorkerID()),
			slog.Any("error", err))
		return
	}
	t, getErr := d.store.Get(ctx, taskID)
	if getErr == nil {
		observability.TasksCompletedTotal.WithLabelValues(string(t.Kind)).Inc()
	}
	d.bus.Publish(domain.ChTaskCompleted, map[string]any{
		"task_id":    taskID,
		"worker_id":  s.WorkerID(),
		"elapsed_ms": elapsedMS,
	})
	if getErr == nil {
		d.writerGate(t, false)
		if t.Kind == domain.KindDocGen {
			d.bus.Publish(domain.ChDocReady, map[string]any{"task_id": taskID})
		}
	}
	d.Wake()
}

// OnTaskError records a failure, scheduling a retry with the kind's backoff
// when the worker says it is retryable and the retry bound allows.
func (d *Dispatcher) OnTaskError(s *hub.Session, taskID, errMsg string, retryable bool) {
	ctx, cancel := d.opCtx()
	defer cancel()
	t, err := d.store.Get(ctx, taskID)
	if err != nil {
		slog.Warn("error report for unknown task", slog.String("task_id", taskID))
		return
	}
	retryAfter := d.retry.RetryAfter(t.Kind, t.RetryCount, time.Now().UTC())
	if err := d.store.Fail(ctx, taskID, s.WorkerID(), errMsg, retryable, retryAfter); err != nil {
		slog.Warn("failure dropped",
			slog.String("task_id", taskID),
			slog.String("worker_id", s.WorkerID()),
			slog.Any("error", err))
		return
	}
	willRetry := retryable && t.RetryCount < t.MaxRetries
	observability.TasksFailedTotal.WithLabelValues(string(t.Kind), strconv.FormatBool(willRetry)).Inc()
	d.writerGate(t, false)
	if willRetry {
		// A scheduled retry surfaces as a requeue, not a failure; task:failed
		// is reserved for terminal settles.
		d.bus.Publish(domain.ChTaskQueued, map[string]any{
			"task_id":     taskID,
			"kind":        string(t.Kind),
			"capability":  t.RequiredCapability,
			"retry_count": t.RetryCount + 1,
			"error":       errMsg,
		})
		d.Wake()
		return
	}
	d.bus.Publish(domain.ChTaskFailed, map[string]any{
		"task_id":   taskID,
		"worker_id": s.WorkerID(),
		"error":     errMsg,
	})
}

// OnSessionClosed releases every task the dead session still held.
func (d *Dispatcher) OnSessionClosed(s *hub.Session, inFlight []string) {
	observability.WorkersConnected.Set(float64(d.hub.Len()))
	if len(inFlight) == 0 {
		return
	}
	ctx, cancel := d.opCtx()
	defer cancel()
	for _, id := range inFlight {
		t, err := d.store.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Status.Terminal() {
			continue
		}
		slog.Info("releasing task from closed session",
			slog.String("task_id", id), slog.String("worker_id", s.WorkerID()))
		d.releaseTask(ctx, t)
	}
	d.Wake()
}

func (d *Dispatcher) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.opts.OpTimeout)
}

// Stats aggregates queue counts and hub membership for the stats endpoint.
type Stats struct {
	Queue   map[domain.TaskStatus]int `json:"queue"`
	Workers hub.Stats                 `json:"workers"`
}

// Stats snapshots the queue and the worker set.
func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	counts, err := d.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("op=dispatch.stats: %w", err)
	}
	return Stats{Queue: counts, Workers: d.hub.Stats()}, nil
}
