package hub

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// Options configure the hub.
type Options struct {
	// AuthToken, when non-empty, must be presented by workers before
	// register.
	AuthToken string
	// MaxWorkers bounds concurrent admitted sessions.
	MaxWorkers int
	// PerWorkerConcurrency bounds in-flight assignments per session.
	PerWorkerConcurrency int
	// SendQueue bounds each session's outbound frame buffer.
	SendQueue int
	// HeartbeatDeadline is the silence threshold after which a session is
	// forcibly closed.
	HeartbeatDeadline time.Duration
	// AssignAckGrace is how long after an assignment a heartbeat may omit the
	// task id before the assignment counts as dropped by the worker.
	AssignAckGrace time.Duration
	// DrainTimeout caps how long a draining session may hold in-flight work.
	DrainTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxWorkers <= 0 {
		o.MaxWorkers = 64
	}
	if o.PerWorkerConcurrency <= 0 {
		o.PerWorkerConcurrency = 4
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 256
	}
	if o.HeartbeatDeadline <= 0 {
		o.HeartbeatDeadline = 45 * time.Second
	}
	if o.AssignAckGrace <= 0 {
		o.AssignAckGrace = 5 * time.Second
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

// Stats summarizes hub membership.
type Stats struct {
	Workers      int                 `json:"workers"`
	ByState      map[string]int      `json:"by_state"`
	ByCapability map[string]int      `json:"by_capability"`
	Sessions     []domain.WorkerInfo `json:"sessions"`
}

// Hub owns the set of live worker sessions. All membership changes and picks
// take one mutex briefly; frame I/O happens on per-session goroutines.
type Hub struct {
	opts         Options
	bus          domain.EventPublisher
	drainTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	// rr holds the round-robin cursor per capability so equally capable
	// workers share load fairly.
	rr map[string]int

	handler   Handler
	handlerMu sync.RWMutex

	// membership wakes listeners (dispatcher, federation) when the eligible
	// capability set may have changed. One channel per listener.
	membershipMu sync.Mutex
	membership   []chan struct{}
}

// New constructs a Hub. SetHandler must be called before Accept.
func New(opts Options, bus domain.EventPublisher) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		opts:         opts,
		bus:          bus,
		drainTimeout: opts.DrainTimeout,
		sessions:     make(map[string]*Session),
		rr:           make(map[string]int),
	}
}

// SetHandler wires the dispatcher in after construction (the dispatcher also
// needs the hub, so one side attaches late).
func (h *Hub) SetHandler(handler Handler) {
	h.handlerMu.Lock()
	defer h.handlerMu.Unlock()
	h.handler = handler
}

func (h *Hub) getHandler() Handler {
	h.handlerMu.RLock()
	defer h.handlerMu.RUnlock()
	return h.handler
}

// Membership registers and returns a channel that receives a token whenever
// the worker set changes in a way that may make more tasks dispatchable.
// Callers must obtain their channel once and keep reusing it.
func (h *Hub) Membership() <-chan struct{} {
	ch := make(chan struct{}, 1)
	h.membershipMu.Lock()
	h.membership = append(h.membership, ch)
	h.membershipMu.Unlock()
	return ch
}

func (h *Hub) notifyMembership() {
	h.membershipMu.Lock()
	defer h.membershipMu.Unlock()
	for _, ch := range h.membership {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Accept runs the handshake on a fresh transport: pending -> auth ->
// register -> running. On success the session is admitted and its I/O
// goroutines are started.
func (h *Hub) Accept(transport Transport) (*Session, error) {
	handler := h.getHandler()
	if handler == nil {
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: no handler attached: %w", domain.ErrUnavailable)
	}

	if err := transport.WriteFrame(Frame{Type: MsgConnectionPending}); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: %w", err)
	}

	deadline := time.Now().Add(handshakeTimeout)
	f, err := readWithDeadline(transport, deadline)
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: %w", err)
	}

	if h.opts.AuthToken != "" {
		if f.Type != MsgAuth {
			_ = transport.WriteFrame(Frame{Type: MsgAuthFailed, Reason: "auth required"})
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: %w", ErrProtocol{Detail: "expected auth"})
		}
		if subtle.ConstantTimeCompare([]byte(f.Token), []byte(h.opts.AuthToken)) != 1 {
			_ = transport.WriteFrame(Frame{Type: MsgAuthFailed, Reason: "invalid token"})
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: invalid token: %w", domain.ErrInvalidArgument)
		}
		if err := transport.WriteFrame(Frame{Type: MsgAuthSuccess}); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: %w", err)
		}
		if f, err = readWithDeadline(transport, deadline); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: %w", err)
		}
	} else if f.Type == MsgAuth {
		// No auth configured; accept and move on to register.
		if err := transport.WriteFrame(Frame{Type: MsgAuthSuccess}); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: %w", err)
		}
		if f, err = readWithDeadline(transport, deadline); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("op=hub.accept: %w", err)
		}
	}

	if f.Type != MsgRegister || len(f.Capabilities) == 0 {
		_ = transport.WriteFrame(Frame{Type: MsgError, Message: "expected register with capabilities"})
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: %w", ErrProtocol{Detail: "expected register"})
	}

	s := &Session{
		transport:     transport,
		workerID:      uuid.New().String(),
		capabilities:  append([]string(nil), f.Capabilities...),
		metadata:      f.Metadata,
		connectedAt:   time.Now().UTC(),
		owner:         h,
		handler:       handler,
		state:         domain.WorkerRunning,
		lastHeartbeat: time.Now().UTC(),
		inFlight:      make(map[string]time.Time),
		outbox:        make(chan Frame, h.opts.SendQueue),
		closed:        make(chan struct{}),
	}

	h.mu.Lock()
	if len(h.sessions) >= h.opts.MaxWorkers {
		h.mu.Unlock()
		_ = transport.WriteFrame(Frame{Type: MsgError, Message: "worker limit reached"})
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: worker limit reached: %w", domain.ErrUnavailable)
	}
	h.sessions[s.workerID] = s
	h.mu.Unlock()

	if err := transport.WriteFrame(Frame{Type: MsgRegistered, WorkerID: s.workerID}); err != nil {
		h.remove(s)
		_ = transport.Close()
		return nil, fmt.Errorf("op=hub.accept: %w", err)
	}

	go s.writeLoop()
	go s.readLoop()

	slog.Info("worker registered",
		slog.String("worker_id", s.workerID),
		slog.Any("capabilities", s.capabilities),
		slog.String("remote", transport.RemoteAddr()))
	if h.bus != nil {
		h.bus.Publish(domain.ChWorkerConnected, map[string]any{
			"worker_id":    s.workerID,
			"capabilities": s.capabilities,
		})
		// A session's lifetime is the transport's lifetime, so the session
		// channel mirrors worker connectivity.
		h.bus.Publish(domain.ChSessionStarted, map[string]any{
			"worker_id": s.workerID,
			"remote":    transport.RemoteAddr(),
		})
	}
	handler.OnRegistered(s)
	h.notifyMembership()
	return s, nil
}

// readWithDeadline polls the transport for one frame within the handshake
// window. Transports own their blocking reads, so the deadline is enforced
// by a watchdog close.
func readWithDeadline(t Transport, deadline time.Time) (Frame, error) {
	type result struct {
		f   Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := t.ReadFrame()
		ch <- result{f, err}
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-timer.C:
		_ = t.Close()
		return Frame{}, ErrProtocol{Detail: "handshake timeout"}
	}
}

func (h *Hub) remove(s *Session) {
	h.mu.Lock()
	_, present := h.sessions[s.workerID]
	delete(h.sessions, s.workerID)
	h.mu.Unlock()
	if present {
		if h.bus != nil {
			h.bus.Publish(domain.ChWorkerDisconnected, map[string]any{"worker_id": s.workerID})
			h.bus.Publish(domain.ChSessionEnded, map[string]any{
				"worker_id":   s.workerID,
				"duration_ms": time.Since(s.connectedAt).Milliseconds(),
			})
		}
		h.notifyMembership()
	}
}

// Pick selects a session for the ordered capability list: first capability
// with any available worker wins, round-robin within it. Returns the matched
// capability alongside the session.
func (h *Hub) Pick(capabilities []string) (*Session, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, cap := range capabilities {
		var eligible []*Session
		for _, s := range h.sessions {
			if s.hasCapability(cap) && s.available(h.opts.PerWorkerConcurrency) {
				eligible = append(eligible, s)
			}
		}
		if len(eligible) == 0 {
			continue
		}
		// Deterministic order so the cursor actually rotates.
		sort.Slice(eligible, func(i, j int) bool { return eligible[i].workerID < eligible[j].workerID })
		idx := h.rr[cap] % len(eligible)
		h.rr[cap] = idx + 1
		return eligible[idx], cap
	}
	return nil, ""
}

// Get returns the session for workerID, if connected.
func (h *Hub) Get(workerID string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[workerID]
	return s, ok
}

// Has reports whether workerID has a live session.
func (h *Hub) Has(workerID string) bool {
	_, ok := h.Get(workerID)
	return ok
}

// Capabilities returns the union of capabilities across sessions that can
// currently take work.
func (h *Hub) Capabilities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[string]struct{})
	for _, s := range h.sessions {
		if !s.available(h.opts.PerWorkerConcurrency) {
			continue
		}
		for _, c := range s.capabilities {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// AllCapabilities returns the union across every non-draining session,
// regardless of momentary capacity (used by federation advertisements).
func (h *Hub) AllCapabilities() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := make(map[string]struct{})
	for _, s := range h.sessions {
		if s.State() != domain.WorkerRunning {
			continue
		}
		for _, c := range s.capabilities {
			set[c] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PerWorkerConcurrency returns the per-session in-flight assignment limit.
func (h *Hub) PerWorkerConcurrency() int { return h.opts.PerWorkerConcurrency }

// Len returns the number of admitted sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// BroadcastShutdown announces shutdown and drains every session.
func (h *Hub) BroadcastShutdown(reason string) {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	slog.Info("broadcasting shutdown to workers", slog.Int("workers", len(sessions)), slog.String("reason", reason))
	for _, s := range sessions {
		_ = s.Send(Frame{Type: MsgServerShutdown, Reason: reason})
		s.StartDrain(h.drainTimeout)
	}
}

// Stats snapshots membership counts.
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	st := Stats{
		Workers:      len(sessions),
		ByState:      make(map[string]int),
		ByCapability: make(map[string]int),
	}
	for _, s := range sessions {
		info := s.Info()
		st.ByState[string(info.State)]++
		for _, c := range info.Capabilities {
			st.ByCapability[c]++
		}
		st.Sessions = append(st.Sessions, info)
	}
	sort.Slice(st.Sessions, func(i, j int) bool { return st.Sessions[i].WorkerID < st.Sessions[j].WorkerID })
	return st
}

// Run enforces heartbeat liveness until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	interval := h.opts.HeartbeatDeadline / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.expireSilent()
		}
	}
}

func (h *Hub) expireSilent() {
	cutoff := time.Now().Add(-h.opts.HeartbeatDeadline)
	h.mu.Lock()
	var stale []*Session
	for _, s := range h.sessions {
		s.mu.Lock()
		silent := s.lastHeartbeat.Before(cutoff)
		s.mu.Unlock()
		if silent {
			stale = append(stale, s)
		}
	}
	h.mu.Unlock()
	for _, s := range stale {
		slog.Warn("closing silent worker session", slog.String("worker_id", s.workerID))
		_ = s.Send(Frame{Type: MsgError, Message: "heartbeat starvation"})
		s.close("heartbeat starvation")
	}
}
