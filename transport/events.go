package transport

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/baechuer/amqp-transport/amqpfacade"
)

// EventKind enumerates the observer channels spec §6 names, in place
// of the original's free-form string-keyed emitter (spec §9).
type EventKind string

const (
	EventReady                  EventKind = "ready"
	EventClose                  EventKind = "close"
	EventPublish                EventKind = "publish"
	EventPre                    EventKind = "pre"
	EventAfter                  EventKind = "after"
	EventPrivateQueueReady      EventKind = "private-queue-ready"
	EventConsumedQueueReconnected EventKind = "consumed-queue-reconnected"
	EventConsumerClose          EventKind = "consumer-close"
	EventError                  EventKind = "error"
)

// Event is the payload delivered to observers. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	RoutingKey string
	Message    interface{}
	Raw        *amqp.Delivery
	Err        error
	Consumer   *amqpfacade.ConsumerHandle
	Queue      string
}

// Observe registers fn to receive every emitted Event. fn must not
// block; the transport invokes observers synchronously but never
// while holding its internal mutex (spec §5: "user handlers are
// invoked without the lock held").
func (t *Transport) Observe(fn func(Event)) {
	t.mu.Lock()
	t.observers = append(t.observers, fn)
	t.mu.Unlock()
}

func (t *Transport) emit(ev Event) {
	t.mu.Lock()
	observers := make([]func(Event), len(t.observers))
	copy(observers, t.observers)
	t.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}
