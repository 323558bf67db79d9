package hub

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// Handler receives session lifecycle and task traffic. The dispatcher
// implements it; the hub never touches the task store directly.
type Handler interface {
	// OnRegistered fires after a session is admitted into the hub.
	OnRegistered(s *Session)
	// OnProgress relays a task:progress frame.
	OnProgress(s *Session, taskID string, fraction float64, note string)
	// OnComplete relays a task:complete frame.
	OnComplete(s *Session, taskID string, result []byte, elapsedMS int64)
	// OnTaskError relays a task:error frame.
	OnTaskError(s *Session, taskID, errMsg string, retryable bool)
	// OnSessionClosed fires once per admitted session, with the task ids
	// that were still in flight.
	OnSessionClosed(s *Session, inFlight []string)
}

// Session is the broker-side representation of one worker transport
// lifetime. It owns a reader goroutine, a writer goroutine, and a bounded
// outbox; overflow of the outbox closes the session.
type Session struct {
	transport Transport

	workerID     string
	capabilities []string
	metadata     map[string]string
	connectedAt  time.Time

	owner   *Hub
	handler Handler

	mu            sync.Mutex
	state         domain.WorkerState
	lastHeartbeat time.Time
	// inFlight maps assigned task ids to assignment time; the timestamp
	// bounds the grace window for heartbeat reconciliation.
	inFlight   map[string]time.Time
	drainTimer *time.Timer

	outbox    chan Frame
	closed    chan struct{}
	closeOnce sync.Once
}

// WorkerID returns the broker-assigned worker id.
func (s *Session) WorkerID() string { return s.workerID }

// Capabilities returns the capability set declared at register time.
func (s *Session) Capabilities() []string { return s.capabilities }

// State returns the current session state.
func (s *Session) State() domain.WorkerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight returns a snapshot of in-flight task ids.
func (s *Session) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		out = append(out, id)
	}
	return out
}

// Info returns an observational snapshot.
func (s *Session) Info() domain.WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.WorkerInfo{
		WorkerID:      s.workerID,
		Capabilities:  append([]string(nil), s.capabilities...),
		State:         s.state,
		ConnectedAt:   s.connectedAt,
		LastHeartbeat: s.lastHeartbeat,
		InFlight:      len(s.inFlight),
		Metadata:      s.metadata,
	}
}

func (s *Session) hasCapability(cap string) bool {
	for _, c := range s.capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// available reports whether the session can take one more assignment.
func (s *Session) available(perWorkerLimit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == domain.WorkerRunning && len(s.inFlight) < perWorkerLimit
}

// Assign reserves in-flight capacity and sends task:assign. It fails when the
// session is draining, closed, or at its concurrency limit; callers release
// the task back to pending on failure.
func (s *Session) Assign(task domain.Task, matchedCapability string, perWorkerLimit int) error {
	s.mu.Lock()
	if s.state != domain.WorkerRunning {
		s.mu.Unlock()
		return fmt.Errorf("op=session.assign worker=%s: %w", s.workerID, domain.ErrConflict)
	}
	if len(s.inFlight) >= perWorkerLimit {
		s.mu.Unlock()
		return fmt.Errorf("op=session.assign worker=%s: %w", s.workerID, domain.ErrConflict)
	}
	s.inFlight[task.ID] = time.Now()
	s.mu.Unlock()

	if err := s.Send(Frame{Type: MsgTaskAssign, Task: AssignmentFromTask(task, matchedCapability)}); err != nil {
		s.removeInFlight(task.ID)
		return err
	}
	return nil
}

// SendCancel tells the worker to stop a task and frees its in-flight slot.
func (s *Session) SendCancel(taskID, reason string) error {
	s.removeInFlight(taskID)
	return s.Send(Frame{Type: MsgTaskCancel, TaskID: taskID, Reason: reason})
}

// Send queues an outbound frame. A full outbox closes the session: a worker
// that cannot drain its socket is indistinguishable from a dead one.
func (s *Session) Send(f Frame) error {
	select {
	case <-s.closed:
		return fmt.Errorf("op=session.send worker=%s: %w", s.workerID, domain.ErrConflict)
	default:
	}
	select {
	case s.outbox <- f:
		return nil
	default:
		slog.Warn("worker send buffer overflow, closing session", slog.String("worker_id", s.workerID))
		s.close("send buffer overflow")
		return fmt.Errorf("op=session.send worker=%s: buffer overflow: %w", s.workerID, domain.ErrConflict)
	}
}

func (s *Session) removeInFlight(taskID string) {
	s.mu.Lock()
	delete(s.inFlight, taskID)
	drained := s.state == domain.WorkerDraining && len(s.inFlight) == 0
	s.mu.Unlock()
	if drained {
		s.close("drained")
	}
}

// StartDrain moves the session to draining: no new assignments, in-flight
// tasks may finish until the timeout. With nothing in flight it closes
// immediately.
func (s *Session) StartDrain(timeout time.Duration) {
	s.mu.Lock()
	if s.state != domain.WorkerRunning {
		s.mu.Unlock()
		return
	}
	s.state = domain.WorkerDraining
	empty := len(s.inFlight) == 0
	if !empty {
		s.drainTimer = time.AfterFunc(timeout, func() { s.close("drain timeout") })
	}
	s.mu.Unlock()
	if empty {
		s.close("drained")
	}
}

// close is idempotent; it tears down the transport, removes the session from
// the hub, and reports remaining in-flight tasks to the handler exactly once.
func (s *Session) close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = domain.WorkerClosed
		if s.drainTimer != nil {
			s.drainTimer.Stop()
		}
		inFlight := make([]string, 0, len(s.inFlight))
		for id := range s.inFlight {
			inFlight = append(inFlight, id)
		}
		s.inFlight = map[string]time.Time{}
		s.mu.Unlock()

		close(s.closed)
		_ = s.transport.Close()
		if s.owner != nil {
			s.owner.remove(s)
		}
		slog.Info("worker session closed",
			slog.String("worker_id", s.workerID),
			slog.String("reason", reason),
			slog.Int("in_flight", len(inFlight)))
		if s.handler != nil {
			s.handler.OnSessionClosed(s, inFlight)
		}
	})
}

// Close tears the session down (used by tests and admin paths).
func (s *Session) Close(reason string) { s.close(reason) }

// reconcileInFlight compares the worker's heartbeat-reported in-flight ids
// against the broker's view. An assignment the worker stopped reporting was
// dropped on its side (executor crash, lost frame); it is surfaced as a
// retryable error so the dispatcher can requeue it. Assignments younger than
// the grace window are exempt since the report may predate the assign frame.
func (s *Session) reconcileInFlight(reported []string) {
	rep := make(map[string]struct{}, len(reported))
	for _, id := range reported {
		rep[id] = struct{}{}
	}
	grace := s.owner.opts.AssignAckGrace
	now := time.Now()
	s.mu.Lock()
	var dropped []string
	for id, assignedAt := range s.inFlight {
		if _, ok := rep[id]; ok {
			continue
		}
		if now.Sub(assignedAt) < grace {
			continue
		}
		dropped = append(dropped, id)
	}
	s.mu.Unlock()
	for _, id := range dropped {
		slog.Warn("heartbeat no longer reports assigned task",
			slog.String("worker_id", s.workerID), slog.String("task_id", id))
		s.removeInFlight(id)
		s.handler.OnTaskError(s, id, "assignment not acknowledged by worker", true)
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now().UTC()
	s.mu.Unlock()
}

func (s *Session) writeLoop() {
	for {
		select {
		case f := <-s.outbox:
			if err := s.transport.WriteFrame(f); err != nil {
				s.close("write failed: " + err.Error())
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		f, err := s.transport.ReadFrame()
		if err != nil {
			s.close("transport closed")
			return
		}
		// Every inbound frame counts as liveness.
		s.touch()
		if !clientFrame(f.Type) {
			_ = s.Send(Frame{Type: MsgError, Message: fmt.Sprintf("unexpected frame %q", f.Type)})
			s.close("protocol violation")
			return
		}
		switch f.Type {
		case MsgHeartbeat:
			s.reconcileInFlight(f.InFlight)
			_ = s.Send(Frame{Type: MsgHeartbeatAck})
		case MsgTaskProgress:
			s.handler.OnProgress(s, f.TaskID, f.Fraction, f.Note)
		case MsgTaskComplete:
			s.removeInFlight(f.TaskID)
			s.handler.OnComplete(s, f.TaskID, f.Result, f.ElapsedMS)
		case MsgTaskError:
			s.removeInFlight(f.TaskID)
			s.handler.OnTaskError(s, f.TaskID, f.Error, f.Retryable)
		case MsgShutdown:
			slog.Info("worker requested shutdown",
				slog.String("worker_id", s.workerID), slog.String("reason", f.Reason))
			s.StartDrain(s.owner.drainTimeout)
		case MsgAuth, MsgRegister:
			_ = s.Send(Frame{Type: MsgError, Message: "already registered"})
			s.close("protocol violation")
			return
		}
	}
}
