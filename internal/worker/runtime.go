// Package worker implements the worker process runtime: it connects to a
// broker, registers its capabilities, and executes assigned tasks through a
// per-kind handler registry with bounded concurrency.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

// HandlerFunc executes one task. report publishes progress; the returned
// bytes become the task result. Returned errors are retryable unless wrapped
// with Fatal.
type HandlerFunc func(ctx context.Context, task hub.TaskAssignment, report func(fraction float64, note string)) (json.RawMessage, error)

// fatalError marks a failure the broker must not retry.
type fatalError struct{ err error }

func (e fatalError) Error() string { return e.err.Error() }
func (e fatalError) Unwrap() error { return e.err }

// Fatal wraps err so the failure is reported as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err carries the non-retryable marker.
func IsFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// Options configure the runtime.
type Options struct {
	BrokerURL         string
	AuthToken         string
	Capabilities      []string
	Concurrency       int
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	Metadata          map[string]string
	// Dial overrides the transport dialer (tests use an in-process pipe).
	Dial func(url string, writeTimeout time.Duration) (hub.Transport, error)
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 15 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = hub.Dial
	}
	return o
}

// Runtime is one worker process's connection loop and executor pool.
type Runtime struct {
	opts     Options
	handlers map[domain.TaskKind]HandlerFunc

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	workerID string
}

// New builds a Runtime with an empty handler registry.
func New(opts Options) *Runtime {
	return &Runtime{
		opts:     opts.withDefaults(),
		handlers: make(map[domain.TaskKind]HandlerFunc),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Register installs the handler for kind, replacing any previous one.
func (rt *Runtime) Register(kind domain.TaskKind, fn HandlerFunc) {
	rt.handlers[kind] = fn
}

// WorkerID returns the broker-assigned id of the current session.
func (rt *Runtime) WorkerID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.workerID
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff after connection loss.
func (rt *Runtime) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		err := rt.runSession(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		slog.Warn("broker session ended, reconnecting",
			slog.String("broker", rt.opts.BrokerURL),
			slog.Any("error", err),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (rt *Runtime) runSession(ctx context.Context) error {
	transport, err := rt.opts.Dial(rt.opts.BrokerURL, rt.opts.WriteTimeout)
	if err != nil {
		return fmt.Errorf("op=worker.dial: %w", err)
	}
	defer func() { _ = transport.Close() }()

	if err := rt.handshake(transport); err != nil {
		return err
	}
	slog.Info("registered with broker",
		slog.String("broker", rt.opts.BrokerURL),
		slog.String("worker_id", rt.WorkerID()),
		slog.Any("capabilities", rt.opts.Capabilities))

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()

	inbound := make(chan hub.Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := transport.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case inbound <- f:
			case <-sessionCtx.Done():
				return
			}
		}
	}()

	sem := make(chan struct{}, rt.opts.Concurrency)
	heartbeat := time.NewTicker(rt.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = transport.WriteFrame(hub.Frame{Type: hub.MsgShutdown, Reason: "worker shutting down"})
			return nil
		case err := <-readErr:
			return fmt.Errorf("op=worker.read: %w", err)
		case <-heartbeat.C:
			if err := transport.WriteFrame(hub.Frame{Type: hub.MsgHeartbeat, InFlight: rt.inFlightIDs()}); err != nil {
				return fmt.Errorf("op=worker.heartbeat: %w", err)
			}
		case f := <-inbound:
			switch f.Type {
			case hub.MsgHeartbeatAck:
			case hub.MsgTaskAssign:
				if f.Task == nil {
					continue
				}
				task := *f.Task
				taskCtx, cancel := context.WithCancel(sessionCtx)
				rt.track(task.ID, cancel)
				go rt.execute(taskCtx, transport, task, sem)
			case hub.MsgTaskCancel:
				rt.cancelTask(f.TaskID)
			case hub.MsgServerShutdown:
				slog.Info("broker draining, finishing in-flight work", slog.String("reason", f.Reason))
				// Stop taking new work; the broker stops assigning to a
				// draining session on its own. Wait for the broker to close.
			case hub.MsgError:
				slog.Warn("broker error frame", slog.String("message", f.Message))
			}
		}
	}
}

func (rt *Runtime) handshake(transport hub.Transport) (err error) {
	f, err := transport.ReadFrame()
	if err != nil {
		return fmt.Errorf("op=worker.handshake: %w", err)
	}
	if f.Type != hub.MsgConnectionPending {
		return fmt.Errorf("op=worker.handshake: unexpected %q", f.Type)
	}
	if rt.opts.AuthToken != "" {
		if err := transport.WriteFrame(hub.Frame{Type: hub.MsgAuth, Token: rt.opts.AuthToken}); err != nil {
			return fmt.Errorf("op=worker.handshake: %w", err)
		}
		if f, err = transport.ReadFrame(); err != nil {
			return fmt.Errorf("op=worker.handshake: %w", err)
		}
		if f.Type != hub.MsgAuthSuccess {
			return fmt.Errorf("op=worker.handshake: auth rejected: %s", f.Reason)
		}
	}
	if err := transport.WriteFrame(hub.Frame{
		Type:         hub.MsgRegister,
		Capabilities: rt.opts.Capabilities,
		Metadata:     rt.opts.Metadata,
	}); err != nil {
		return fmt.Errorf("op=worker.handshake: %w", err)
	}
	if f, err = transport.ReadFrame(); err != nil {
		return fmt.Errorf("op=worker.handshake: %w", err)
	}
	if f.Type != hub.MsgRegistered {
		return fmt.Errorf("op=worker.handshake: register rejected: %s", f.Message)
	}
	rt.mu.Lock()
	rt.workerID = f.WorkerID
	rt.mu.Unlock()
	return nil
}

// execute runs one assignment through its kind handler and reports the
// outcome. The semaphore bounds concurrent handlers beyond what the broker
// already enforces per session.
func (rt *Runtime) execute(ctx context.Context, transport hub.Transport, task hub.TaskAssignment, sem chan struct{}) {
	defer rt.untrack(task.ID)

	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: task.ID,
			Error: "cancelled before start", Retryable: true,
		})
		return
	}

	handler, ok := rt.handlers[task.Kind]
	if !ok {
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: task.ID,
			Error: fmt.Sprintf("no handler for kind %q", task.Kind), Retryable: false,
		})
		return
	}

	report := func(fraction float64, note string) {
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskProgress, TaskID: task.ID,
			Fraction: fraction, Note: note,
		})
	}

	start := time.Now()
	report(0, "started")
	result, err := handler(ctx, task, report)
	elapsed := time.Since(start).Milliseconds()
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled: the broker already settled the task; nothing to report.
			return
		}
		slog.Warn("task handler failed",
			slog.String("task_id", task.ID),
			slog.String("kind", string(task.Kind)),
			slog.Any("error", err))
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: task.ID,
			Error: err.Error(), Retryable: !IsFatal(err), ElapsedMS: elapsed,
		})
		return
	}
	_ = transport.WriteFrame(hub.Frame{
		Type: hub.MsgTaskComplete, TaskID: task.ID,
		Result: result, ElapsedMS: elapsed,
	})
}

func (rt *Runtime) track(taskID string, cancel context.CancelFunc) {
	rt.mu.Lock()
	rt.inFlight[taskID] = cancel
	rt.mu.Unlock()
}

func (rt *Runtime) untrack(taskID string) {
	rt.mu.Lock()
	delete(rt.inFlight, taskID)
	rt.mu.Unlock()
}

func (rt *Runtime) cancelTask(taskID string) {
	rt.mu.Lock()
	cancel, ok := rt.inFlight[taskID]
	rt.mu.Unlock()
	if ok {
		slog.Info("cancelling task on broker request", slog.String("task_id", taskID))
		cancel()
	}
}

func (rt *Runtime) inFlightIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.inFlight))
	for id := range rt.inFlight {
		out = append(out, id)
	}
	return out
}
