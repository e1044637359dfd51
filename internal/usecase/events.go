package usecase

import (
	"sync"
	"time"

	"github.com/fairyhunter13/relay/internal/domain"
)

// Emitter fans change events out to in-process subscribers. Delivery is
// best-effort: per-subscriber order is FIFO, and events are dropped for a
// subscriber whose buffer is full rather than blocking the publisher.
type Emitter struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	buffer int
}

// NewEmitter constructs an Emitter with the given per-subscriber buffer.
func NewEmitter(buffer int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	return &Emitter{subs: make(map[int]chan domain.Event), buffer: buffer}
}

// Subscribe registers a subscriber and returns its event channel plus an
// unsubscribe function. The channel is closed on unsubscribe.
func (e *Emitter) Subscribe() (<-chan domain.Event, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	ch := make(chan domain.Event, e.buffer)
	e.subs[id] = ch
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
	return ch, unsubscribe
}

// Publish delivers ev to every subscriber without blocking.
func (e *Emitter) Publish(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up; drop for it.
		}
	}
}

// SubscriberCount reports the current number of subscribers.
func (e *Emitter) SubscriberCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}
