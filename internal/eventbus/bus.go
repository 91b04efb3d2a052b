// Package eventbus implements the Event Bus (§4.6): a topic-scoped
// in-process pub/sub that fans job, model, and download events out to
// any number of subscribers without ever blocking the publisher.
//
// Grounded on the subscriber-slice-plus-buffered-channel shape of
// xfeldman-aegisvm's InstanceLog.Subscribe/Append (copy the slice under
// lock, notify outside the lock, drop on a full buffer instead of
// blocking), generalized from one log stream to many named topics.
package eventbus

import (
	"sync"
	"time"

	"github.com/fairyhunter13/dmctl/internal/adapter/observability"
	"github.com/fairyhunter13/dmctl/internal/domain"
)

const subscriberBuffer = 64

type subscriber struct {
	ch     chan domain.Event
	topics map[string]bool
}

// Bus is the Event Bus. The zero value is not usable; use New.
type Bus struct {
	mu   sync.Mutex
	subs []*subscriber
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{}
}

// Publish sends an event to every subscriber of topic. A subscriber
// whose buffer is full has the event dropped for it, not delayed for
// everyone else, and the drop is counted per topic (§4.6).
//
// The send happens under the same lock that unsubscribe uses to close
// a subscriber's channel, so a subscriber can never be closed out from
// under an in-flight send (the send itself never blocks: it is a
// buffered-channel select with a default case).
func (b *Bus) Publish(ctx domain.Context, topic, eventType string, payload any) {
	evt := domain.Event{Topic: topic, Type: eventType, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if !s.topics[topic] && !s.topics["*"] {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			observability.RecordEventDropped(topic)
		}
	}
}

// Subscribe returns a channel carrying every future event on the given
// topics, and an unsubscribe function to stop and release it. Passing
// no topics subscribes to every topic.
func (b *Bus) Subscribe(topics ...string) (ch <-chan domain.Event, unsubscribe func()) {
	want := make(map[string]bool, len(topics))
	if len(topics) == 0 {
		want["*"] = true
	}
	for _, t := range topics {
		want[t] = true
	}

	s := &subscriber{ch: make(chan domain.Event, subscriberBuffer), topics: want}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	unsubscribe = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.subs {
			if existing == s {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
		close(s.ch)
	}
	return s.ch, unsubscribe
}

// SubscriberCount reports how many subscriptions are currently active.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
