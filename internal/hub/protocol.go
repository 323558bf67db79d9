// Package hub implements the broker side of the worker protocol: framed JSON
// messages over a persistent bidirectional transport, one session per worker
// connection, and the session table with capability-indexed selection.
package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// MsgType discriminates wire frames.
type MsgType string

// Inbound (worker -> broker) frame types.
const (
	MsgAuth         MsgType = "auth"
	MsgRegister     MsgType = "register"
	MsgHeartbeat    MsgType = "heartbeat"
	MsgTaskProgress MsgType = "task:progress"
	MsgTaskComplete MsgType = "task:complete"
	MsgTaskError    MsgType = "task:error"
	MsgShutdown     MsgType = "shutdown"
)

// Outbound (broker -> worker) frame types.
const (
	MsgConnectionPending MsgType = "connection:pending"
	MsgAuthSuccess       MsgType = "auth:success"
	MsgAuthFailed        MsgType = "auth:failed"
	MsgRegistered        MsgType = "registered"
	MsgHeartbeatAck      MsgType = "heartbeat:ack"
	MsgTaskAssign        MsgType = "task:assign"
	MsgTaskCancel        MsgType = "task:cancel"
	MsgServerShutdown    MsgType = "server:shutdown"
	MsgError             MsgType = "error"
)

// TaskAssignment is the wire form of a task handed to a worker.
type TaskAssignment struct {
	ID                   string          `json:"id"`
	Kind                 domain.TaskKind `json:"kind"`
	RequiredCapability   string          `json:"required_capability"`
	FallbackCapabilities []string        `json:"fallback_capabilities,omitempty"`
	MatchedCapability    string          `json:"matched_capability,omitempty"`
	Priority             int             `json:"priority,omitempty"`
	Payload              []byte          `json:"payload,omitempty"`
	RetryCount           int             `json:"retry_count,omitempty"`
	MaxRetries           int             `json:"max_retries,omitempty"`
}

// Frame is the superset of every protocol message; Type selects which fields
// are meaningful. One JSON object per frame.
type Frame struct {
	Type MsgType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`
	// register
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	// heartbeat
	InFlight []string `json:"in_flight,omitempty"`
	// task:progress / task:complete / task:error / task:cancel
	TaskID    string          `json:"task_id,omitempty"`
	Fraction  float64         `json:"fraction,omitempty"`
	Note      string          `json:"note,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	ElapsedMS int64           `json:"elapsed_ms,omitempty"`
	Error     string          `json:"error,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	// shutdown / auth:failed / task:cancel
	Reason string `json:"reason,omitempty"`
	// registered
	WorkerID string `json:"worker_id,omitempty"`
	// task:assign
	Task *TaskAssignment `json:"task,omitempty"`
	// error
	Message string `json:"message,omitempty"`
}

// clientFrame reports whether t is a legal worker-originated frame type.
func clientFrame(t MsgType) bool {
	switch t {
	case MsgAuth, MsgRegister, MsgHeartbeat, MsgTaskProgress, MsgTaskComplete, MsgTaskError, MsgShutdown:
		return true
	}
	return false
}

// AssignmentFromTask builds the wire assignment for a claimed task.
func AssignmentFromTask(t domain.Task, matched string) *TaskAssignment {
	return &TaskAssignment{
		ID:                   t.ID,
		Kind:                 t.Kind,
		RequiredCapability:   t.RequiredCapability,
		FallbackCapabilities: append([]string(nil), t.FallbackCapabilities...),
		MatchedCapability:    matched,
		Priority:             t.Priority,
		Payload:              t.Payload,
		RetryCount:           t.RetryCount,
		MaxRetries:           t.MaxRetries,
	}
}

// Transport is one worker connection's framed byte pipe. Implementations:
// websocket (production) and an in-process pipe (tests, federation loopback).
type Transport interface {
	// ReadFrame blocks for the next inbound frame.
	ReadFrame() (Frame, error)
	// WriteFrame sends one frame; implementations apply the write deadline.
	WriteFrame(Frame) error
	Close() error
	// RemoteAddr describes the peer for logging.
	RemoteAddr() string
}

// ErrProtocol is returned when a peer violates the frame grammar.
type ErrProtocol struct{ Detail string }

func (e ErrProtocol) Error() string { return fmt.Sprintf("protocol violation: %s", e.Detail) }

// handshakeTimeout bounds the pending->running transition.
const handshakeTimeout = 10 * time.Second
