// Package domain: event channel catalog and pattern matching.
package domain

import (
	"strings"
	"time"
)

// Event channels form a closed set. Payloads are small structured maps; events
// are ephemeral and never persisted.
const (
	ChSessionStarted     = "session:started"
	ChSessionEnded       = "session:ended"
	ChTaskQueued         = "task:queued"
	ChTaskAssigned       = "task:assigned"
	ChTaskProgress       = "task:progress"
	ChTaskCompleted      = "task:completed"
	ChTaskFailed         = "task:failed"
	ChTaskCancelled      = "task:cancelled"
	ChWorkerConnected    = "worker:connected"
	ChWorkerDisconnected = "worker:disconnected"
	ChWriterPause        = "writer:pause"
	ChWriterResume       = "writer:resume"
	ChDocReady           = "doc:ready"
)

// Event is one published occurrence.
type Event struct {
	Channel   string         `json:"channel"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"-"`
}

// MatchChannel reports whether pattern matches channel. Supported forms:
// "*" (all), an exact channel name, or "prefix:*" matching any channel that
// begins with "prefix:". No other globbing.
func MatchChannel(pattern, channel string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ":*"); ok {
		return strings.HasPrefix(channel, prefix+":")
	}
	return pattern == channel
}

// EventPublisher is the publish half of the event bus (port).
type EventPublisher interface {
	Publish(channel string, payload map[string]any)
}
