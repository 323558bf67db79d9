// Package memstore implements domain.TaskRepository in process memory. It
// backs tests and DB-less development runs; it honors the same transition
// preconditions as the Postgres store but provides no durability.
package memstore

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// Store is a mutex-guarded map of tasks.
type Store struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	rng   *rand.Rand
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*domain.Task),
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enqueue persists a new pending task and returns its id.
func (s *Store) Enqueue(_ domain.Context, req domain.EnqueueRequest) (string, error) {
	if !domain.ValidKind(req.Kind) || req.RequiredCapability == "" {
		return "", fmt.Errorf("op=task.enqueue: %w", domain.ErrInvalidArgument)
	}
	if req.MaxRetries < 0 {
		return "", fmt.Errorf("op=task.enqueue: %w", domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), s.rng).String()
	s.tasks[id] = &domain.Task{
		ID:                   id,
		Kind:                 req.Kind,
		Status:               domain.TaskPending,
		RequiredCapability:   req.RequiredCapability,
		FallbackCapabilities: append([]string(nil), req.FallbackCapabilities...),
		Priority:             req.Priority,
		Payload:              append([]byte(nil), req.Payload...),
		MaxRetries:           req.MaxRetries,
		CreatedAt:            time.Now().UTC(),
	}
	return id, nil
}

// Get loads a task by id.
func (s *Store) Get(_ domain.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
	}
	return *t, nil
}

func eligible(t *domain.Task, caps map[string]bool, now time.Time) bool {
	if t.Status != domain.TaskPending {
		return false
	}
	if t.RetryAfter != nil && t.RetryAfter.After(now) {
		return false
	}
	if caps[t.RequiredCapability] {
		return true
	}
	for _, c := range t.FallbackCapabilities {
		if caps[c] {
			return true
		}
	}
	return false
}

// ClaimNext atomically assigns the best eligible pending task to workerID.
func (s *Store) ClaimNext(_ domain.Context, caps []string, workerID string, now time.Time) (domain.Task, error) {
	if len(caps) == 0 {
		return domain.Task{}, fmt.Errorf("op=task.claim: %w", domain.ErrNotFound)
	}
	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Task
	for _, t := range s.tasks {
		if !eligible(t, capSet, now) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return domain.Task{}, fmt.Errorf("op=task.claim: %w", domain.ErrNotFound)
	}
	assignedAt := now.UTC()
	best.Status = domain.TaskAssigned
	best.AssignedWorkerID = workerID
	best.AssignedAt = &assignedAt
	return *best, nil
}

// PeekNext returns the best eligible pending task without claiming it.
func (s *Store) PeekNext(_ domain.Context, caps []string, skip []string, now time.Time) (domain.Task, error) {
	if len(caps) == 0 {
		return domain.Task{}, fmt.Errorf("op=task.peek: %w", domain.ErrNotFound)
	}
	capSet := make(map[string]bool, len(caps))
	for _, c := range caps {
		capSet[c] = true
	}
	skipSet := make(map[string]bool, len(skip))
	for _, id := range skip {
		skipSet[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var best *domain.Task
	for _, t := range s.tasks {
		if skipSet[t.ID] || !eligible(t, capSet, now) {
			continue
		}
		if best == nil || t.Priority > best.Priority ||
			(t.Priority == best.Priority && t.CreatedAt.Before(best.CreatedAt)) {
			best = t
		}
	}
	if best == nil {
		return domain.Task{}, fmt.Errorf("op=task.peek: %w", domain.ErrNotFound)
	}
	return *best, nil
}

// BeginProcessing transitions assigned -> processing for the owning worker.
func (s *Store) BeginProcessing(_ domain.Context, id, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=task.begin: %w", domain.ErrNotFound)
	}
	if t.Status != domain.TaskAssigned || t.AssignedWorkerID != workerID {
		return fmt.Errorf("op=task.begin: %w", domain.ErrConflict)
	}
	t.Status = domain.TaskProcessing
	return nil
}

// Complete terminally settles a task with its result.
func (s *Store) Complete(_ domain.Context, id, workerID string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=task.complete: %w", domain.ErrNotFound)
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskProcessing {
		return fmt.Errorf("op=task.complete: %w", domain.ErrConflict)
	}
	if t.AssignedWorkerID != workerID {
		return fmt.Errorf("op=task.complete: %w", domain.ErrConflict)
	}
	done := time.Now().UTC()
	t.Status = domain.TaskCompleted
	t.Result = append([]byte(nil), result...)
	t.AssignedWorkerID = ""
	t.CompletedAt = &done
	return nil
}

// Fail records a worker-reported failure, retrying when allowed.
func (s *Store) Fail(_ domain.Context, id, workerID, errMsg string, retryable bool, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=task.fail: %w", domain.ErrNotFound)
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskProcessing {
		return fmt.Errorf("op=task.fail: %w", domain.ErrConflict)
	}
	if t.AssignedWorkerID != workerID {
		return fmt.Errorf("op=task.fail: %w", domain.ErrConflict)
	}
	if retryable && t.RetryCount < t.MaxRetries {
		ra := retryAfter.UTC()
		t.Status = domain.TaskPending
		t.RetryCount++
		t.AssignedWorkerID = ""
		t.AssignedAt = nil
		t.RetryAfter = &ra
		t.Error = errMsg
		return nil
	}
	done := time.Now().UTC()
	t.Status = domain.TaskFailed
	t.Error = errMsg
	t.AssignedWorkerID = ""
	t.CompletedAt = &done
	return nil
}

// Release returns a lost task to pending, incrementing the retry count; at
// the retry bound the task fails terminally instead.
func (s *Store) Release(_ domain.Context, id string, retryAfter time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=task.release: %w", domain.ErrNotFound)
	}
	if t.Status != domain.TaskAssigned && t.Status != domain.TaskProcessing {
		return fmt.Errorf("op=task.release: %w", domain.ErrConflict)
	}
	if t.RetryCount >= t.MaxRetries {
		done := time.Now().UTC()
		t.Status = domain.TaskFailed
		t.Error = "worker disconnected"
		t.AssignedWorkerID = ""
		t.CompletedAt = &done
		return nil
	}
	ra := retryAfter.UTC()
	t.Status = domain.TaskPending
	t.RetryCount++
	t.AssignedWorkerID = ""
	t.AssignedAt = nil
	t.RetryAfter = &ra
	t.Error = "worker disconnected"
	return nil
}

// Cancel terminally fails any non-terminal task.
func (s *Store) Cancel(_ domain.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("op=task.cancel: %w", domain.ErrNotFound)
	}
	if t.Status.Terminal() {
		return fmt.Errorf("op=task.cancel: %w", domain.ErrAlreadyTerminal)
	}
	done := time.Now().UTC()
	t.Status = domain.TaskFailed
	t.Error = reason
	t.AssignedWorkerID = ""
	t.CompletedAt = &done
	return nil
}

// List returns tasks matching the filter ordered newest-first.
func (s *Store) List(_ domain.Context, f domain.TaskFilter) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Kind != "" && t.Kind != f.Kind {
			continue
		}
		if f.Capability != "" && t.RequiredCapability != f.Capability {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// CountByStatus returns task counts keyed by status.
func (s *Store) CountByStatus(_ domain.Context) (map[domain.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// Sweep deletes terminal tasks settled before cutoff.
func (s *Store) Sweep(_ domain.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, t := range s.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(s.tasks, id)
			n++
		}
	}
	return n, nil
}

// Ping always succeeds for the in-memory store.
func (s *Store) Ping(domain.Context) error { return nil }
