// Package events carries daemon, worker and pool lifecycle notifications
// between components over a kelindar/event dispatcher.
package events

import (
	"time"

	"github.com/kelindar/event"
)

// Bus delivers typed events to subscribers. A nil *Bus drops everything
// published to it, so components may publish without checking.
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// routes maps an event type id to a publisher that restores the concrete
// type kelindar/event dispatches on.
var routes = map[uint32]func(*event.Dispatcher, Event){}

func route[T Event]() {
	var zero T
	routes[zero.Type()] = func(d *event.Dispatcher, ev Event) {
		event.Publish(d, ev.(T))
	}
}

func init() {
	route[DaemonStartedEvent]()
	route[DaemonStoppedEvent]()
	route[WorkerStateChangedEvent]()
	route[WorkerFailedEvent]()
	route[PoolCreatedEvent]()
	route[PoolRetryEvent]()
	route[WorkersExitFlagEvent]()
}

// Publish delivers ev to the subscribers of its concrete type. Event types
// without a route are dropped.
func (b *Bus) Publish(ev Event) {
	if b == nil || ev == nil {
		return
	}
	if publish, ok := routes[ev.Type()]; ok {
		publish(b.dispatcher, ev)
	}
}

// On calls fn for every T published on b until the returned function is
// called.
func On[T Event](b *Bus, fn func(T)) (unsubscribe func()) {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, fn)
}

// Timestamp formats t the way every event carries it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
