// Package eventbus implements in-process publish/subscribe over the closed
// event channel set. Delivery is at-most-once per subscriber; a saturated
// subscriber drops its oldest buffered events and counts the drops. Events
// are ephemeral: late subscribers only see what is published after they
// subscribe.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/memory-broker/internal/domain"
)

// DefaultInboxSize bounds a subscriber's buffered events unless overridden.
const DefaultInboxSize = 1024

// Subscription is one subscriber's handle. Receive events from C; call
// (*Bus).Unsubscribe when done.
type Subscription struct {
	id       uint64
	patterns []string
	ch       chan domain.Event
	dropped  atomic.Uint64
}

// C returns the subscriber's inbox.
func (s *Subscription) C() <-chan domain.Event { return s.ch }

// Dropped returns how many events were discarded because the inbox was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Matches reports whether any subscribed pattern matches channel.
func (s *Subscription) Matches(channel string) bool {
	for _, p := range s.patterns {
		if domain.MatchChannel(p, channel) {
			return true
		}
	}
	return false
}

// Bus fans published events out to matching subscriptions.
type Bus struct {
	inboxSize int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	seq atomic.Uint64
}

// New constructs a Bus. inboxSize <= 0 selects DefaultInboxSize.
func New(inboxSize int) *Bus {
	if inboxSize <= 0 {
		inboxSize = DefaultInboxSize
	}
	return &Bus{inboxSize: inboxSize, subs: make(map[uint64]*Subscription)}
}

// Publish delivers the event to every matching subscription without blocking
// the caller. A full inbox sheds its oldest event to make room.
func (b *Bus) Publish(channel string, payload map[string]any) {
	ev := domain.Event{
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Seq:       b.seq.Add(1),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.Matches(channel) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Drop oldest, then retry once. If a concurrent reader raced us
			// the send still lands; a second full means another publisher
			// won the slot and this event is shed instead.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- ev:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// Subscribe registers a subscriber for the given patterns. An empty pattern
// list subscribes to everything.
func (b *Bus) Subscribe(patterns ...string) *Subscription {
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		patterns: patterns,
		ch:       make(chan domain.Event, b.inboxSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its inbox.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; !ok {
		return
	}
	delete(b.subs, sub.id)
	close(sub.ch)
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
