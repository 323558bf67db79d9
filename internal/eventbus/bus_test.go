package eventbus_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/memory-broker/internal/domain"
	"github.com/fairyhunter13/memory-broker/internal/eventbus"
)

func recvOne(t *testing.T, sub *eventbus.Subscription) domain.Event {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestPatternFanOut(t *testing.T) {
	bus := eventbus.New(16)
	a := bus.Subscribe("task:*")
	b := bus.Subscribe("worker:*")
	defer bus.Unsubscribe(a)
	defer bus.Unsubscribe(b)

	bus.Publish(domain.ChTaskCompleted, map[string]any{"task_id": "t1"})

	ev := recvOne(t, a)
	assert.Equal(t, domain.ChTaskCompleted, ev.Channel)
	assert.Equal(t, "t1", ev.Payload["task_id"])
	select {
	case got := <-b.C():
		t.Fatalf("worker subscriber received %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	bus.Publish(domain.ChWorkerConnected, map[string]any{"worker_id": "w1"})
	ev = recvOne(t, b)
	assert.Equal(t, domain.ChWorkerConnected, ev.Channel)
	select {
	case got := <-a.C():
		t.Fatalf("task subscriber received %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestExactlyOncePerSubscriber(t *testing.T) {
	bus := eventbus.New(16)
	// Overlapping patterns still deliver once.
	sub := bus.Subscribe("*", "task:*", domain.ChTaskQueued)
	defer bus.Unsubscribe(sub)

	bus.Publish(domain.ChTaskQueued, nil)
	recvOne(t, sub)
	select {
	case ev := <-sub.C():
		t.Fatalf("duplicate delivery: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	bus := eventbus.New(2)
	sub := bus.Subscribe("*")
	defer bus.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		bus.Publish(domain.ChTaskProgress, map[string]any{"i": i})
	}
	require.EqualValues(t, 3, sub.Dropped())

	first := recvOne(t, sub)
	second := recvOne(t, sub)
	assert.Equal(t, 3, first.Payload["i"])
	assert.Equal(t, 4, second.Payload["i"])
}

func TestSequenceMonotonic(t *testing.T) {
	bus := eventbus.New(8)
	sub := bus.Subscribe("*")
	defer bus.Unsubscribe(sub)

	bus.Publish(domain.ChTaskQueued, nil)
	bus.Publish(domain.ChTaskAssigned, nil)
	a := recvOne(t, sub)
	b := recvOne(t, sub)
	assert.Less(t, a.Seq, b.Seq)
}

func TestUnsubscribeClosesInbox(t *testing.T) {
	bus := eventbus.New(8)
	sub := bus.Subscribe("*")
	bus.Unsubscribe(sub)
	_, ok := <-sub.C()
	assert.False(t, ok)
	assert.Equal(t, 0, bus.Subscribers())
	// Idempotent.
	bus.Unsubscribe(sub)
}

func TestLateSubscriberSeesNothingPast(t *testing.T) {
	bus := eventbus.New(8)
	bus.Publish(domain.ChDocReady, nil)
	sub := bus.Subscribe("*")
	defer bus.Unsubscribe(sub)
	select {
	case ev := <-sub.C():
		t.Fatalf("late subscriber received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
