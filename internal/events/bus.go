package events

import (
	"log"
	"sync"
	"time"
)

// Kind event kind emitted by the watcher
type Kind string

const (
	Connected             Kind = "connected"
	Disconnected          Kind = "disconnected"
	Reconnected           Kind = "reconnected"
	EndpointFailed        Kind = "endpointFailed"
	SubscriptionConfirmed Kind = "subscriptionConfirmed"
	SubscriptionTimeout   Kind = "subscriptionTimeout"
	SubscriptionError     Kind = "subscriptionError"
	RPCError              Kind = "rpcError"
	TransferDetected      Kind = "transferDetected"
	PaymentDetected       Kind = "paymentDetected"
)

// Event one emitted event with its payload
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   interface{}
}

// Listener receives events of the kind it registered for
type Listener func(Event)

// Bus in-process event dispatcher. Listeners are registered per kind and
// invoked synchronously in registration order. A panicking listener must not
// stop dispatch for the others.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{
		listeners: make(map[Kind][]Listener),
	}
}

// On registers a listener for one event kind.
func (b *Bus) On(kind Kind, l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[kind] = append(b.listeners[kind], l)
}

// Emit dispatches an event to every listener registered for its kind.
func (b *Bus) Emit(kind Kind, payload interface{}) {
	b.mu.RLock()
	registered := b.listeners[kind]
	listeners := make([]Listener, len(registered))
	copy(listeners, registered)
	b.mu.RUnlock()

	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
	for _, l := range listeners {
		b.dispatch(kind, l, evt)
	}
}

func (b *Bus) dispatch(kind Kind, l Listener, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️ Event listener for %s panicked: %v", kind, r)
		}
	}()
	l(evt)
}
