package federation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/adapter/repo/memstore"
	"github.com/fairyhunter13/memory-broker/internal/dispatch"
	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
	"github.com/fairyhunter13/memory-broker/internal/federation"
	"github.com/fairyhunter13/memory-broker/internal/hub"
)

// broker bundles one in-process broker instance.
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

// echoWorker serves one capability on a broker's hub and completes every
// assignment with a fixed result.
func echoWorker(t *testing.T, b *broker, result string, caps ...string) {
	t.Helper()
	server, client := hub.NewPipe()
	go func() { _, _ = b.hub.Accept(server) }()

	f, err := client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, hub.MsgConnectionPending, f.Type)
	require.NoError(t, client.WriteFrame(hub.Frame{Type: hub.MsgRegister, Capabilities: caps}))
	f, err = client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, hub.MsgRegistered, f.Type)

	go func() {
		for {
			f, err := client.ReadFrame()
			if err != nil {
				return
			}
			if f.Type == hub.MsgTaskAssign && f.Task != nil {
				_ = client.WriteFrame(hub.Frame{
					Type: hub.MsgTaskComplete, TaskID: f.Task.ID, Result: []byte(result),
				})
			}
		}
	}()
}

func startFederation(t *testing.T, upstream, downstream *broker, token string) *federation.Client {
	t.Helper()
	client := federation.New(federation.Options{
		URL:               "ws://upstream.test/v1/workers/connect",
		AuthToken:         token,
		HeartbeatInterval: 50 * time.Millisecond,
		Dial: func(string, time.Duration) (hub.Transport, error) {
			server, c := hub.NewPipe()
			go func() { _, _ = upstream.hub.Accept(server) }()
			return c, nil
		},
	}, downstream.hub, downstream.dispatcher, downstream.store, downstream.bus)

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	t.Cleanup(cancel)
	return client
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

func TestFederatedTaskFlowsDownAndResultFlowsUp(t *testing.T) {
	upstream := newBroker(t, "fed-token")
	downstream := newBroker(t, "")

	// The downstream broker has the only summarize worker.
	echoWorker(t, downstream, `{"summary":"done"}`, "summarize")
	startFederation(t, upstream, downstream, "fed-token")

	// The upstream hub eventually sees the federated session advertising
	// the downstream capability union.
	require.Eventually(t, func() bool {
		for _, c := range upstream.hub.AllCapabilities() {
			if c == "summarize" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	id, err := upstream.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindSummarize,
		RequiredCapability: "summarize",
		Payload:            []byte(`{"text":"long"}`),
		MaxRetries:         2,
	})
	require.NoError(t, err)

	task := awaitStatus(t, upstream.store, id, domain.TaskCompleted)
	assert.Equal(t, []byte(`{"summary":"done"}`), task.Result)
}

func TestFederationPreservesFallbackCapabilities(t *testing.T) {
	upstream := newBroker(t, "")
	downstream := newBroker(t, "")

	// The downstream worker only serves the fallback capability, so the task
	// can only settle if the fallback list survives the federation hop.
	echoWorker(t, downstream, `{"summary":"fallback"}`, "summarize")
	startFederation(t, upstream, downstream, "")

	require.Eventually(t, func() bool {
		return len(upstream.hub.AllCapabilities()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	id, err := upstream.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:                 domain.KindSummarize,
		RequiredCapability:   "summarize:large",
		FallbackCapabilities: []string{"summarize"},
		MaxRetries:           2,
	})
	require.NoError(t, err)

	task := awaitStatus(t, upstream.store, id, domain.TaskCompleted)
	assert.Equal(t, []byte(`{"summary":"fallback"}`), task.Result)
}

func TestFederationWaitsForLocalWorkers(t *testing.T) {
	upstream := newBroker(t, "")
	downstream := newBroker(t, "")

	startFederation(t, upstream, downstream, "")

	// No local workers: the client must not register upstream.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, upstream.hub.Len())

	// Once a worker joins, the client advertises.
	echoWorker(t, downstream, `{}`, "embedding")
	require.Eventually(t, func() bool { return upstream.hub.Len() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestFederationRelaysTerminalFailure(t *testing.T) {
	upstream := newBroker(t, "")
	downstream := newBroker(t, "")

	// Worker that always fails non-retryably.
	server, client := hub.NewPipe()
	go func() { _, _ = downstream.hub.Accept(server) }()
	f, err := client.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, hub.MsgConnectionPending, f.Type)
	require.NoError(t, client.WriteFrame(hub.Frame{Type: hub.MsgRegister, Capabilities: []string{"doc-gen"}}))
	_, err = client.ReadFrame()
	require.NoError(t, err)
	go func() {
		for {
			f, err := client.ReadFrame()
			if err != nil {
				return
			}
			if f.Type == hub.MsgTaskAssign && f.Task != nil {
				_ = client.WriteFrame(hub.Frame{
					Type: hub.MsgTaskError, TaskID: f.Task.ID,
					Error: "corrupt input", Retryable: false,
				})
			}
		}
	}()

	fc := startFederation(t, upstream, downstream, "")

	id, err := upstream.dispatcher.Enqueue(context.Background(), domain.EnqueueRequest{
		Kind:               domain.KindDocGen,
		RequiredCapability: "doc-gen",
		MaxRetries:         0,
	})
	require.NoError(t, err)

	task := awaitStatus(t, upstream.store, id, domain.TaskFailed)
	assert.Contains(t, task.Error, "corrupt input")
	require.Eventually(t, func() bool { return fc.Bridged() == 0 }, 2*time.Second, 10*time.Millisecond)
}
