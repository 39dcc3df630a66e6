// Package bus implements the in-process pub/sub fan-out between the poller
// and the SSE streaming layer.
package bus

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/volteec/volteec-server/internal/model"
)

// EventType discriminates published events.
type EventType string

const (
	EventStatusChange  EventType = "status_change"
	EventMetricsUpdate EventType = "metrics_update"
)

// MaxSubscribers bounds the subscriber map; SSE connections beyond the cap
// are rejected at subscribe time.
const MaxSubscribers = 100

// ErrSubscriberLimit is returned by Subscribe once the cap is reached.
var ErrSubscriberLimit = errors.New("bus: subscriber limit exceeded")

// Event is the payload delivered to every subscriber.
type Event struct {
	Type          EventType
	UPS           *model.UPS
	HasLowBattery bool
}

// Handler receives published events. Handlers run concurrently across
// subscribers but Publish does not return until all of them have.
type Handler func(Event)

// Bus is a bounded, synchronous fan-out. The mutex is held for the whole
// publish, so Unsubscribe returning guarantees no further deliveries.
type Bus struct {
	mu   sync.Mutex
	subs map[string]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]Handler)}
}

// Subscribe registers a handler and returns its subscription id, or
// ErrSubscriberLimit when the active count is already at the cap.
func (b *Bus) Subscribe(h Handler) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= MaxSubscribers {
		return "", ErrSubscriberLimit
	}
	id := uuid.NewString()
	b.subs[id] = h
	return id, nil
}

// Unsubscribe removes a subscription. Idempotent. Because publishing holds
// the bus lock, once Unsubscribe returns the handler will not be invoked
// again.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish delivers ev to every subscriber concurrently and waits for all
// handlers to return.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range b.subs {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			h(ev)
		}(h)
	}
	wg.Wait()
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
