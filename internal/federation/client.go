// Package federation lets a broker join an upstream broker as if it were one
// worker: it advertises the union of its local workers' capabilities, accepts
// assignments, runs them through the local queue, and relays the outcomes
// back upstream.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

// Options configure the upstream link.
type Options struct {
	// URL is the upstream worker endpoint (ws://host/v1/workers/connect).
	URL string
	// AuthToken is presented during the upstream handshake when non-empty.
	AuthToken string
	// HeartbeatInterval paces heartbeats to the upstream.
	HeartbeatInterval time.Duration
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration
	// Dial overrides the transport dialer (tests use an in-process pipe).
	Dial func(url string, writeTimeout time.Duration) (hub.Transport, error)
}

func (o Options) withDefaults() Options {
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

// Client maintains the upstream session. A capability change in the local hub
// forces a reconnect, since a session's capability set is fixed at register
// time.
type Client struct {
	opts       Options
	localHub   *hub.Hub
	dispatcher *dispatch.Dispatcher
	store      domain.TaskRepository
	bus        *eventbus.Bus

	// membership is this client's hub change signal, registered once.
	membership <-chan struct{}

	mu sync.Mutex
	// bridge maps local task ids to the upstream ids they were enqueued for.
	bridge map[string]string
}

// New builds a federation client. It is inert until Run is called.
func New(opts Options, localHub *hub.Hub, d *dispatch.Dispatcher, store domain.TaskRepository, bus *eventbus.Bus) *Client {
	return &Client{
		opts:       opts.withDefaults(),
		localHub:   localHub,
		dispatcher: d,
		store:      store,
		bus:        bus,
		membership: localHub.Membership(),
		bridge:     make(map[string]string),
	}
}

// Run keeps the upstream session alive until ctx is cancelled, reconnecting
// with exponential backoff after failures.
func (c *Client) Run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		caps := c.localHub.AllCapabilities()
		if len(caps) == 0 {
			// Nothing to advertise; wait for a worker to join.
			select {
			case <-ctx.Done():
				return
			case <-c.membership:
			case <-time.After(30 * time.Second):
			}
			continue
		}

		err := c.runSession(ctx, caps)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			wait := bo.NextBackOff()
			slog.Warn("upstream session ended, reconnecting",
				slog.String("upstream", c.opts.URL),
				slog.Any("error", err),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		// Clean exit (capability change); reconnect immediately.
		bo.Reset()
	}
}

// runSession holds one upstream connection from handshake to teardown. A nil
// error means the session was closed deliberately to re-advertise.
func (c *Client) runSession(ctx context.Context, caps []string) error {
	transport, err := c.opts.Dial(c.opts.URL, c.opts.WriteTimeout)
	if err != nil {
		return fmt.Errorf("op=federation.dial: %w", err)
	}
	defer func() { _ = transport.Close() }()

	workerID, err := c.handshake(transport, caps)
	if err != nil {
		return err
	}
	slog.Info("joined upstream broker",
		slog.String("upstream", c.opts.URL),
		slog.String("worker_id", workerID),
		slog.Any("capabilities", caps))

	sub := c.bus.Subscribe(domain.ChTaskCompleted, domain.ChTaskFailed, domain.ChTaskCancelled, domain.ChTaskProgress)
	defer c.bus.Unsubscribe(sub)

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
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(c.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	advertised := strings.Join(caps, ",")
	for {
		select {
		case <-ctx.Done():
			_ = transport.WriteFrame(hub.Frame{Type: hub.MsgShutdown, Reason: "broker shutting down"})
			return nil
		case err := <-readErr:
			return fmt.Errorf("op=federation.read: %w", err)
		case <-heartbeat.C:
			// Report the upstream ids of bridged tasks so the upstream broker
			// keeps treating them as in flight.
			if err := transport.WriteFrame(hub.Frame{Type: hub.MsgHeartbeat, InFlight: c.upstreamIDs()}); err != nil {
				return fmt.Errorf("op=federation.heartbeat: %w", err)
			}
		case <-c.membership:
			now := c.localHub.AllCapabilities()
			if strings.Join(now, ",") != advertised {
				slog.Info("local capability set changed, re-advertising upstream",
					slog.Any("capabilities", now))
				return nil
			}
		case f := <-inbound:
			if err := c.handleFrame(ctx, transport, f); err != nil {
				return err
			}
		case ev := <-sub.C():
			c.relayOutcome(ctx, transport, ev)
		}
	}
}

func (c *Client) handshake(transport hub.Transport, caps []string) (string, error) {
	f, err := transport.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("op=federation.handshake: %w", err)
	}
	if f.Type != hub.MsgConnectionPending {
		return "", fmt.Errorf("op=federation.handshake: unexpected %q", f.Type)
	}
	if c.opts.AuthToken != "" {
		if err := transport.WriteFrame(hub.Frame{Type: hub.MsgAuth, Token: c.opts.AuthToken}); err != nil {
			return "", fmt.Errorf("op=federation.handshake: %w", err)
		}
		if f, err = transport.ReadFrame(); err != nil {
			return "", fmt.Errorf("op=federation.handshake: %w", err)
		}
		if f.Type != hub.MsgAuthSuccess {
			return "", fmt.Errorf("op=federation.handshake: auth rejected: %s", f.Reason)
		}
	}
	sorted := append([]string(nil), caps...)
	sort.Strings(sorted)
	if err := transport.WriteFrame(hub.Frame{
		Type:         hub.MsgRegister,
		Capabilities: sorted,
		Metadata:     map[string]string{"federated": "true"},
	}); err != nil {
		return "", fmt.Errorf("op=federation.handshake: %w", err)
	}
	if f, err = transport.ReadFrame(); err != nil {
		return "", fmt.Errorf("op=federation.handshake: %w", err)
	}
	if f.Type != hub.MsgRegistered {
		return "", fmt.Errorf("op=federation.handshake: register rejected: %s", f.Message)
	}
	return f.WorkerID, nil
}

func (c *Client) handleFrame(ctx context.Context, transport hub.Transport, f hub.Frame) error {
	switch f.Type {
	case hub.MsgHeartbeatAck:
		return nil
	case hub.MsgTaskAssign:
		if f.Task == nil {
			return nil
		}
		c.acceptAssignment(ctx, transport, *f.Task)
		return nil
	case hub.MsgTaskCancel:
		c.cancelAssignment(ctx, f.TaskID, f.Reason)
		return nil
	case hub.MsgServerShutdown:
		return fmt.Errorf("op=federation: upstream shutting down: %s", f.Reason)
	case hub.MsgError:
		return fmt.Errorf("op=federation: upstream error: %s", f.Message)
	default:
		return nil
	}
}

// acceptAssignment enqueues the upstream task locally and records the id
// bridge. Failures are reported upstream as non-retryable here; the upstream
// retry policy decides what happens next.
func (c *Client) acceptAssignment(ctx context.Context, transport hub.Transport, t hub.TaskAssignment) {
	localID, err := c.dispatcher.Enqueue(ctx, domain.EnqueueRequest{
		Kind:                 t.Kind,
		RequiredCapability:   t.RequiredCapability,
		FallbackCapabilities: t.FallbackCapabilities,
		Priority:             t.Priority,
		Payload:              t.Payload,
		MaxRetries:           t.MaxRetries - t.RetryCount,
	})
	if err != nil {
		slog.Warn("could not enqueue federated task",
			slog.String("upstream_task_id", t.ID), slog.Any("error", err))
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: t.ID,
			Error: err.Error(), Retryable: true,
		})
		return
	}
	c.mu.Lock()
	c.bridge[localID] = t.ID
	c.mu.Unlock()
	slog.Debug("federated task accepted",
		slog.String("upstream_task_id", t.ID), slog.String("local_task_id", localID))
}

func (c *Client) cancelAssignment(ctx context.Context, upstreamID, reason string) {
	c.mu.Lock()
	var localID string
	for l, u := range c.bridge {
		if u == upstreamID {
			localID = l
			break
		}
	}
	c.mu.Unlock()
	if localID == "" {
		return
	}
	if reason == "" {
		reason = "cancelled by upstream"
	}
	if err := c.dispatcher.Cancel(ctx, localID, reason); err != nil {
		slog.Warn("could not cancel federated task",
			slog.String("local_task_id", localID), slog.Any("error", err))
	}
}

// relayOutcome forwards a local terminal (or progress) event upstream when
// the task was a federated assignment.
func (c *Client) relayOutcome(ctx context.Context, transport hub.Transport, ev domain.Event) {
	localID, _ := ev.Payload["task_id"].(string)
	if localID == "" {
		return
	}
	c.mu.Lock()
	upstreamID, bridged := c.bridge[localID]
	if bridged && ev.Channel != domain.ChTaskProgress {
		delete(c.bridge, localID)
	}
	c.mu.Unlock()
	if !bridged {
		return
	}

	switch ev.Channel {
	case domain.ChTaskProgress:
		fraction, _ := ev.Payload["fraction"].(float64)
		note, _ := ev.Payload["note"].(string)
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskProgress, TaskID: upstreamID,
			Fraction: fraction, Note: note,
		})
	case domain.ChTaskCompleted:
		var result json.RawMessage
		if t, err := c.store.Get(ctx, localID); err == nil {
			result = t.Result
		}
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskComplete, TaskID: upstreamID, Result: result,
		})
	case domain.ChTaskFailed:
		// task:failed is terminal; local retries surface on task:queued and
		// never reach this channel.
		msg, _ := ev.Payload["error"].(string)
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: upstreamID,
			Error: msg, Retryable: false,
		})
	case domain.ChTaskCancelled:
		reason, _ := ev.Payload["reason"].(string)
		_ = transport.WriteFrame(hub.Frame{
			Type: hub.MsgTaskError, TaskID: upstreamID,
			Error: "cancelled: " + reason, Retryable: false,
		})
	}
}

// Bridged returns the number of in-flight federated tasks (used by stats and
// tests).
func (c *Client) Bridged() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bridge)
}

// upstreamIDs snapshots the upstream ids of bridged tasks, sorted for
// deterministic frames.
func (c *Client) upstreamIDs() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.bridge))
	for _, u := range c.bridge {
		out = append(out, u)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}
