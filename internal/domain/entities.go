// Package domain defines the broker's entities, ports, and error taxonomy.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrAlreadyTerminal = errors.New("already terminal")
	ErrUnavailable     = errors.New("unavailable")
	ErrRateLimited     = errors.New("rate limited")
	ErrInternal        = errors.New("internal error")
)

// TaskKind enumerates the closed set of work types the broker routes.
type TaskKind string

const (
	KindObservation    TaskKind = "observation"
	KindSummarize      TaskKind = "summarize"
	KindEmbedding      TaskKind = "embedding"
	KindVectorSync     TaskKind = "vector-sync"
	KindContextGen     TaskKind = "context-gen"
	KindDocGen         TaskKind = "doc-gen"
	KindSemanticSearch TaskKind = "semantic-search"
	KindCompression    TaskKind = "compression"
)

// Kinds lists every valid TaskKind.
var Kinds = []TaskKind{
	KindObservation, KindSummarize, KindEmbedding, KindVectorSync,
	KindContextGen, KindDocGen, KindSemanticSearch, KindCompression,
}

// ValidKind reports whether k is a member of the closed kind set.
func ValidKind(k TaskKind) bool {
	for _, v := range Kinds {
		if v == k {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTimeout    TaskStatus = "timeout"
)

// Terminal reports whether s admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskTimeout
}

// Task is the durable unit of work.
// Invariants: AssignedWorkerID non-empty iff Status in {assigned, processing};
// RetryCount <= MaxRetries; terminal statuses are never unwound.
type Task struct {
	ID                   string
	Kind                 TaskKind
	Status               TaskStatus
	RequiredCapability   string
	FallbackCapabilities []string
	Priority             int
	Payload              []byte
	Result               []byte
	Error                string
	RetryCount           int
	MaxRetries           int
	AssignedWorkerID     string
	RetryAfter           *time.Time
	CreatedAt            time.Time
	AssignedAt           *time.Time
	CompletedAt          *time.Time
}

// Capabilities returns the required capability followed by fallbacks, in
// matching order.
func (t Task) Capabilities() []string {
	out := make([]string, 0, 1+len(t.FallbackCapabilities))
	out = append(out, t.RequiredCapability)
	out = append(out, t.FallbackCapabilities...)
	return out
}

// EnqueueRequest carries the parameters of a new task.
type EnqueueRequest struct {
	Kind                 TaskKind
	RequiredCapability   string
	FallbackCapabilities []string
	Priority             int
	Payload              []byte
	MaxRetries           int
}

// TaskFilter narrows List results. Zero values mean "no constraint".
type TaskFilter struct {
	Status     TaskStatus
	Kind       TaskKind
	Capability string
	Offset     int
	Limit      int
}

// TaskRepository is the durable task store (port).
//
// All mutating operations are conditional on the task's current status (and,
// where a worker id is supplied, on ownership); a failed precondition yields
// ErrConflict without mutation. ClaimNext is atomic: concurrent callers with
// overlapping capability sets each receive a given row at most once.
type TaskRepository interface {
	Enqueue(ctx Context, req EnqueueRequest) (string, error)
	Get(ctx Context, id string) (Task, error)
	// ClaimNext selects the highest-priority, oldest eligible pending task
	// whose required or fallback capabilities intersect caps, marks it
	// assigned to workerID, and returns it. Returns ErrNotFound when nothing
	// is eligible.
	ClaimNext(ctx Context, caps []string, workerID string, now time.Time) (Task, error)
	// PeekNext returns, without claiming, the task ClaimNext would select for
	// caps, skipping any ids in skip. Returns ErrNotFound when nothing is
	// eligible.
	PeekNext(ctx Context, caps []string, skip []string, now time.Time) (Task, error)
	BeginProcessing(ctx Context, id, workerID string) error
	Complete(ctx Context, id, workerID string, result []byte) error
	// Fail records a worker-reported failure. Retryable failures below the
	// retry bound go back to pending with retryAfter; everything else is
	// terminal failed.
	Fail(ctx Context, id, workerID, errMsg string, retryable bool, retryAfter time.Time) error
	// Release returns an assigned or processing task to pending after its
	// worker vanished. The retry count is incremented.
	Release(ctx Context, id string, retryAfter time.Time) error
	// Cancel moves any non-terminal task to failed with the given reason.
	// Returns ErrAlreadyTerminal if the task is already settled.
	Cancel(ctx Context, id, reason string) error
	List(ctx Context, f TaskFilter) ([]Task, error)
	CountByStatus(ctx Context) (map[TaskStatus]int, error)
	// Sweep deletes terminal tasks settled before cutoff, returning the
	// number removed.
	Sweep(ctx Context, cutoff time.Time) (int64, error)
	// Ping reports store availability (readiness).
	Ping(ctx Context) error
}

// WorkerState tracks a session through its lifetime.
type WorkerState string

const (
	WorkerAuthenticating WorkerState = "authenticating"
	WorkerRunning        WorkerState = "running"
	WorkerDraining       WorkerState = "draining"
	WorkerClosed         WorkerState = "closed"
)

// WorkerInfo is an observational snapshot of one connected worker.
type WorkerInfo struct {
	WorkerID      string
	Capabilities  []string
	State         WorkerState
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	InFlight      int
	Metadata      map[string]string
}

// AIClient is the provider port used by worker task handlers. Provider
// internals (model selection, rate limits, retries against vendors) live
// behind this interface.
type AIClient interface {
	Embed(ctx Context, texts []string) ([][]float32, error)
	ChatJSON(ctx Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// VectorStore is the vector database port used by embedding and vector-sync
// handlers.
type VectorStore interface {
	EnsureCollection(ctx Context, name string, vectorSize int, distance string) error
	UpsertPoints(ctx Context, collection string, ids []string, vectors [][]float32, payloads []map[string]any) error
	Search(ctx Context, collection string, vector []float32, limit int) ([]VectorHit, error)
}

// VectorHit is a single vector search result.
type VectorHit struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Context aliases context.Context so adapters and the domain share one
// signature without the domain importing adapter packages.
type Context = context.Context
