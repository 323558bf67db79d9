package memstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/domain"
)

func enqueue(t *testing.T, s *memstore.Store, req domain.EnqueueRequest) string {
	t.Helper()
	if req.Kind == "" {
		req.Kind = domain.KindObservation
	}
	if req.RequiredCapability == "" {
		req.RequiredCapability = "observation"
	}
	id, err := s.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return id
}

func TestEnqueueValidation(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	_, err := s.Enqueue(ctx, domain.EnqueueRequest{Kind: "bogus", RequiredCapability: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = s.Enqueue(ctx, domain.EnqueueRequest{Kind: domain.KindDocGen})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestHappyPathRoundTrip(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{Payload: []byte("p1"), MaxRetries: 3})

	task, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, domain.TaskAssigned, task.Status)
	assert.Equal(t, "w1", task.AssignedWorkerID)
	assert.Equal(t, []byte("p1"), task.Payload)

	require.NoError(t, s.BeginProcessing(ctx, id, "w1"))
	require.NoError(t, s.Complete(ctx, id, "w1", []byte("r1")))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, got.Status)
	assert.Equal(t, []byte("r1"), got.Result)
	assert.Empty(t, got.AssignedWorkerID)
	assert.NotNil(t, got.CompletedAt)
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	low := enqueue(t, s, domain.EnqueueRequest{Priority: 0})
	time.Sleep(2 * time.Millisecond)
	lowLater := enqueue(t, s, domain.EnqueueRequest{Priority: 0})
	high := enqueue(t, s, domain.EnqueueRequest{Priority: 5})

	t1, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, high, t1.ID)

	t2, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, low, t2.ID)

	t3, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, lowLater, t3.ID)
}

func TestClaimCapabilityFallback(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{
		RequiredCapability:   "observation:X",
		FallbackCapabilities: []string{"observation:Y"},
	})

	_, err := s.ClaimNext(ctx, []string{"observation:Z"}, "w1", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)

	task, err := s.ClaimNext(ctx, []string{"observation:Y"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
}

func TestPeekNextLeavesTaskPending(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	low := enqueue(t, s, domain.EnqueueRequest{Priority: 0})
	high := enqueue(t, s, domain.EnqueueRequest{Priority: 5})

	peeked, err := s.PeekNext(ctx, []string{"observation"}, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, high, peeked.ID)
	assert.Equal(t, domain.TaskPending, peeked.Status)
	assert.Empty(t, peeked.AssignedWorkerID)

	// Peeking mutates nothing: the same task is still claimable.
	claimed, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, high, claimed.ID)

	// Skip moves the scan past the head task.
	peeked, err = s.PeekNext(ctx, []string{"observation"}, []string{low}, time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_ = peeked

	peeked, err = s.PeekNext(ctx, []string{"observation"}, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, low, peeked.ID)
}

func TestClaimEmptyCapabilitySet(t *testing.T) {
	s := memstore.New()
	enqueue(t, s, domain.EnqueueRequest{})
	_, err := s.ClaimNext(context.Background(), nil, "w1", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClaimRespectsRetryAfter(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 2})

	now := time.Now()
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", now)
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "w1", "boom", true, now.Add(time.Minute)))

	_, err = s.ClaimNext(ctx, []string{"observation"}, "w1", now.Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	task, err := s.ClaimNext(ctx, []string{"observation"}, "w1", now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, id, task.ID)
	assert.Equal(t, 1, task.RetryCount)
}

func TestClaimAtMostOnceUnderConcurrency(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	const n = 50
	for i := 0; i < n; i++ {
		enqueue(t, s, domain.EnqueueRequest{})
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(ctx, []string{"observation"}, "w", time.Now())
				if err != nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s claimed %d times", id, count)
	}
}

func TestFailExhaustsRetries(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 1})

	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "w1", "e1", true, time.Now()))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	_, err = s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "w1", "e2", true, time.Now()))
	got, _ = s.Get(ctx, id)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "e2", got.Error)
}

func TestFailZeroMaxRetriesTerminal(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 0})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "w1", "boom", true, time.Now()))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestFailNonRetryableTerminal(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 5})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Fail(ctx, id, "w1", "bad payload", false, time.Now()))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "bad payload", got.Error)
}

func TestFailWrongWorkerConflicts(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 3})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, s.Complete(ctx, id, "w2", nil), domain.ErrConflict)
	assert.ErrorIs(t, s.Fail(ctx, id, "w2", "x", true, time.Now()), domain.ErrConflict)
	assert.ErrorIs(t, s.BeginProcessing(ctx, id, "w2"), domain.ErrConflict)
}

func TestTerminalNeverUnwound(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 3})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id, "user cancelled"))

	// Late complete from the worker is a conflict and leaves the record.
	assert.ErrorIs(t, s.Complete(ctx, id, "w1", []byte("late")), domain.ErrConflict)
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskFailed, got.Status)
	assert.Equal(t, "user cancelled", got.Error)
	assert.Nil(t, got.Result)

	assert.ErrorIs(t, s.Cancel(ctx, id, "again"), domain.ErrAlreadyTerminal)
}

func TestReleaseIncrementsRetryCount(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 2})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.BeginProcessing(ctx, id, "w1"))

	require.NoError(t, s.Release(ctx, id, time.Now().Add(time.Second)))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.AssignedWorkerID)
	require.NotNil(t, got.RetryAfter)
}

func TestReleaseAtBoundFailsTerminally(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 0})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, id, time.Now()))
	got, _ := s.Get(ctx, id)
	assert.Equal(t, domain.TaskFailed, got.Status)
}

func TestListAndCounts(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	enqueue(t, s, domain.EnqueueRequest{Kind: domain.KindEmbedding, RequiredCapability: "embedding"})
	id := enqueue(t, s, domain.EnqueueRequest{})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)

	pending, err := s.List(ctx, domain.TaskFilter{Status: domain.TaskPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, domain.KindEmbedding, pending[0].Kind)

	assigned, err := s.List(ctx, domain.TaskFilter{Status: domain.TaskAssigned})
	require.NoError(t, err)
	require.Len(t, assigned, 1)
	assert.Equal(t, id, assigned[0].ID)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[domain.TaskPending])
	assert.Equal(t, 1, counts[domain.TaskAssigned])
}

func TestSweepRemovesOldTerminal(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	id := enqueue(t, s, domain.EnqueueRequest{MaxRetries: 0})
	_, err := s.ClaimNext(ctx, []string{"observation"}, "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id, "w1", nil))
	keep := enqueue(t, s, domain.EnqueueRequest{})

	n, err := s.Sweep(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.Get(ctx, keep)
	assert.NoError(t, err)
}
