package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/adapter/ai/stub"
	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/hub"
	"github.com/fairyhunter13/memory-broker/internal/worker"
)

// broker bundles one in-process broker instance the runtime can dial.
type broker struct {
	store      *memstore.Store
	bus        *eventbus.Bus
	hub        *hub.Hub
	dispatcher *dispatch.Dispatcher
}

func newBroker(t *testing.T, authToken string) *broker {
	t.Helper()
	store := memstore.New()
	bus := eventbus.New(256)
	h := hub.New(hub.Options{AuthToken: authToken}, bus)
	d := dispatch.New(store, h, bus, domain.NewRetryPolicy(nil, nil), dispatch.Options{Tick: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	t.Cleanup(cancel)
	return &broker{store: store, bus: bus, hub: h, dispatcher: d}
}

func startRuntime(t *testing.T, b *broker, rt *worker.Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go rt.Run(ctx)
	t.Cleanup(cancel)
}

func pipeDialer(b *broker) func(string, time.Duration) (hub.Transport, error) {
	return func(string, time.Duration) (hub.Transport, error) {
		server, client := hub.NewPipe()
		go func() { _, _ = b.hub.Accept(server) }()
		return client, nil
	}
}

func awaitStatus(t *testing.T, store *memstore.Store, id string, want domain.TaskStatus) domain.Task {
	t.Helper()
	var got domain.Task
	require.Eventually(t, func() bool {
		task, err := store.Get(context.Background(), id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s (last %+v)", id, want, got)
	return got
}

func TestRuntimeRegistersAndCompletesTask(t *testing.T) {
	b := newBroker(t, "worker-token")

	rt := worker.New(worker.Options{
		BrokerURL:         "ws://broker.test/v1/workers/connect",
		AuthToken:         "worker-token",
		Capabilities:      []string{"summarize"},
		HeartbeatInterval: 50 * time.Millisecond,
		Dial:              pipeDialer(b),
	})
	rt.Register(domain.KindSummarize, func(_ context.Context, task hub.TaskAssignment, report func(float64, string)) (json.RawMessage, error) {
		report(0.5, "halfway")
		return []byte(`{"summary":"short"}`), nil
	})
	startRuntime(t, b, rt)

	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, rt.WorkerID())

	id, err := b.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindSummarize,
		RequiredCapability: "summarize",
		Payload:            []byte(`{"text":"long"}`),
	})
	require.NoError(t, err)

	task := awaitStatus(t, b.store, id, domain.TaskCompleted)
	assert.Equal(t, []byte(`{"summary":"short"}`), task.Result)
}

func TestRuntimeReportsFatalErrorAsNonRetryable(t *testing.T) {
	b := newBroker(t, "")

	rt := worker.New(worker.Options{
		BrokerURL:    "ws://broker.test",
		Capabilities: []string{"doc-gen"},
		Dial:         pipeDialer(b),
	})
	rt.Register(domain.KindDocGen, func(context.Context, hub.TaskAssignment, func(float64, string)) (json.RawMessage, error) {
		return nil, worker.Fatal(errors.New("corrupt input"))
	})
	startRuntime(t, b, rt)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := b.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindDocGen,
		RequiredCapability: "doc-gen",
		MaxRetries:         3,
	})
	require.NoError(t, err)

	task := awaitStatus(t, b.store, id, domain.TaskFailed)
	assert.Contains(t, task.Error, "corrupt input")
	assert.Equal(t, 0, task.RetryCount)
}

func TestRuntimeRetryableErrorRequeues(t *testing.T) {
	b := newBroker(t, "")

	calls := make(chan struct{}, 8)
	rt := worker.New(worker.Options{
		BrokerURL:    "ws://broker.test",
		Capabilities: []string{"embedding"},
		Dial:         pipeDialer(b),
	})
	first := true
	rt.Register(domain.KindEmbedding, func(context.Context, hub.TaskAssignment, func(float64, string)) (json.RawMessage, error) {
		calls <- struct{}{}
		if first {
			first = false
			return nil, errors.New("provider timeout")
		}
		return []byte(`{"embedded":1}`), nil
	})
	startRuntime(t, b, rt)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := b.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindEmbedding,
		RequiredCapability: "embedding",
		MaxRetries:         3,
	})
	require.NoError(t, err)

	task := awaitStatus(t, b.store, id, domain.TaskCompleted)
	assert.Equal(t, 1, task.RetryCount)
	assert.Len(t, calls, 2)
}

func TestRuntimeMissingHandlerFailsTerminally(t *testing.T) {
	b := newBroker(t, "")

	rt := worker.New(worker.Options{
		BrokerURL:    "ws://broker.test",
		Capabilities: []string{"compression"},
		Dial:         pipeDialer(b),
	})
	startRuntime(t, b, rt)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := b.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindCompression,
		RequiredCapability: "compression",
		MaxRetries:         3,
	})
	require.NoError(t, err)

	task := awaitStatus(t, b.store, id, domain.TaskFailed)
	assert.Contains(t, task.Error, "no handler")
}

func TestRuntimeCancelStopsHandler(t *testing.T) {
	b := newBroker(t, "")

	started := make(chan struct{})
	cancelled := make(chan struct{})
	rt := worker.New(worker.Options{
		BrokerURL:    "ws://broker.test",
		Capabilities: []string{"context-gen"},
		Dial:         pipeDialer(b),
	})
	rt.Register(domain.KindContextGen, func(ctx context.Context, _ hub.TaskAssignment, _ func(float64, string)) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	})
	startRuntime(t, b, rt)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	id, err := b.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindContextGen,
		RequiredCapability: "context-gen",
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	require.NoError(t, b.dispatcher.Cancel(context.Background(), id, "operator request"))

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("handler context never cancelled")
	}
	task := awaitStatus(t, b.store, id, domain.TaskFailed)
	assert.Equal(t, "operator request", task.Error)
}

func TestRuntimeReconnectsAfterSessionLoss(t *testing.T) {
	b := newBroker(t, "")

	rt := worker.New(worker.Options{
		BrokerURL:    "ws://broker.test",
		Capabilities: []string{"observation"},
		Dial:         pipeDialer(b),
	})
	rt.Register(domain.KindObservation, func(context.Context, hub.TaskAssignment, func(float64, string)) (json.RawMessage, error) {
		return []byte(`{}`), nil
	})
	startRuntime(t, b, rt)
	require.Eventually(t, func() bool { return b.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)

	firstID := rt.WorkerID()
	s, ok := b.hub.Get(firstID)
	require.True(t, ok)
	s.Close("test-induced disconnect")

	// The runtime dials again with backoff and re-registers.
	require.Eventually(t, func() bool {
		return b.hub.Len() == 1 && rt.WorkerID() != firstID
	}, 10*time.Second, 20*time.Millisecond)
}

func TestHandlersEmbeddingWithStubClient(t *testing.T) {
	h := &worker.Handlers{AI: stub.New()}

	payload, _ := json.Marshal(map[string]any{"texts": []string{"alpha", "beta"}})
	res, err := h.Embedding(context.Background(), hub.TaskAssignment{
		ID: "t1", Kind: domain.KindEmbedding, Payload: payload,
	}, func(float64, string) {})
	require.NoError(t, err)

	var out struct {
		Embedded  int  `json:"embedded"`
		Dimension int  `json:"dimension"`
		Stored    bool `json:"stored"`
	}
	require.NoError(t, json.Unmarshal(res, &out))
	assert.Equal(t, 2, out.Embedded)
	assert.Equal(t, 3, out.Dimension)
	assert.False(t, out.Stored)
}

func TestHandlersRejectMalformedPayload(t *testing.T) {
	h := &worker.Handlers{AI: stub.New()}

	for _, kind := range []domain.TaskKind{domain.KindObservation, domain.KindSummarize, domain.KindCompression} {
		t.Run(string(kind), func(t *testing.T) {
			rt := worker.New(worker.Options{})
			h.RegisterAll(rt)
			var fn worker.HandlerFunc
			switch kind {
			case domain.KindObservation:
				fn = h.Observation
			case domain.KindSummarize:
				fn = h.Summarize
			case domain.KindCompression:
				fn = h.Compression
			}
			_, err := fn(context.Background(), hub.TaskAssignment{
				ID: "t1", Kind: kind, Payload: []byte(`{not json`),
			}, func(float64, string) {})
			require.Error(t, err)
			assert.True(t, worker.IsFatal(err), fmt.Sprintf("%s payload error should be fatal", kind))
		})
	}
}

func TestHandlersSemanticSearchWithoutVectorStore(t *testing.T) {
	h := &worker.Handlers{AI: stub.New()}
	payload, _ := json.Marshal(map[string]any{"query": "what changed"})
	_, err := h.SemanticSearch(context.Background(), hub.TaskAssignment{
		ID: "t1", Kind: domain.KindSemanticSearch, Payload: payload,
	}, func(float64, string) {})
	require.Error(t, err)
	assert.True(t, worker.IsFatal(err))
}
