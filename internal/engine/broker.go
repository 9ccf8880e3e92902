package engine

import (
	"sync"

	"github.com/seantiz/batchbridge/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker fans out job events to subscribers. It is safe for concurrent
// use.
//
// Finished jobs keep a closed marker so a subscriber arriving after the end
// gets a closed channel instead of blocking forever.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan model.JobEvent
	nextID int
	closed bool
}

// NewEventBroker creates an empty broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*topic),
	}
}

func (b *EventBroker) topicLocked(jobID string) *topic {
	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan model.JobEvent)}
		b.topics[jobID] = t
	}
	return t
}

// Subscribe returns a channel of events for jobID and a function that ends
// the subscription. The channel is closed when the job finishes.
func (b *EventBroker) Subscribe(jobID string) (<-chan model.JobEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(jobID)
	ch := make(chan model.JobEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish delivers ev to the current subscribers of its job. Slow
// subscribers miss the event.
func (b *EventBroker) Publish(ev model.JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[ev.JobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends the stream for jobID.
func (b *EventBroker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topicLocked(jobID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
