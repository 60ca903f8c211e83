// Package events routes mailbox events to listeners.
//
// Listeners register either under a Group, receiving every event they
// handle exactly once, or under a RegistrationKey, receiving only events
// dispatched with that key. Group deliveries are retried and end up in
// DeadLetters after the last failure, from where they can be redelivered.
package events

import (
	"context"

	"github.com/google/uuid"
)

// EventID uniquely identifies a dispatched event.
type EventID string

// NewEventID returns a random EventID.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

func (id EventID) String() string { return string(id) }

// Event is anything dispatched on the bus.
type Event interface {
	EventID() EventID
	Username() string
	// IsNoop reports an event carrying no change. No-op events are never
	// delivered.
	IsNoop() bool
}

// Group names a listener registered for every event. By convention it is
// the listener's type name.
type Group string

// GenericGroup returns a group for ad-hoc listeners.
func GenericGroup(name string) Group {
	return Group("generic:" + name)
}

func (g Group) String() string { return string(g) }

// RegistrationKey routes an event to a subset of listeners, e.g. the ones
// watching a given mailbox.
type RegistrationKey interface {
	AsString() string
}

// Key is a RegistrationKey backed by a plain string.
type Key string

func (k Key) AsString() string { return string(k) }

// ExecutionMode tells the bus whether Dispatch waits for a listener.
type ExecutionMode int

const (
	// Synchronous listeners run before Dispatch returns.
	Synchronous ExecutionMode = iota
	// Asynchronous listeners run on the bus workers.
	Asynchronous
)

func (m ExecutionMode) String() string {
	if m == Asynchronous {
		return "async"
	}
	return "sync"
}

// Listener consumes events.
type Listener interface {
	Event(ctx context.Context, ev Event) error
	IsHandling(ev Event) bool
	ExecutionMode() ExecutionMode
}

// ListenerFunc is a synchronous listener handling every event.
type ListenerFunc func(ctx context.Context, ev Event) error

func (f ListenerFunc) Event(ctx context.Context, ev Event) error { return f(ctx, ev) }

func (ListenerFunc) IsHandling(Event) bool { return true }

func (ListenerFunc) ExecutionMode() ExecutionMode { return Synchronous }

// Async runs l on the bus workers instead of the dispatching goroutine.
func Async(l Listener) Listener {
	return asyncListener{l}
}

type asyncListener struct {
	Listener
}

func (asyncListener) ExecutionMode() ExecutionMode { return Asynchronous }

// Registration is returned by Register and RegisterKey.
type Registration interface {
	// Unregister stops deliveries. Calling it again is a no-op.
	Unregister()
}

// EventBus is implemented by the local Bus and the DistributedBus.
type EventBus interface {
	Register(l Listener, g Group) (Registration, error)
	RegisterKey(ctx context.Context, l Listener, key RegistrationKey) (Registration, error)
	Dispatch(ctx context.Context, ev Event, keys ...RegistrationKey) error
	ReDeliver(ctx context.Context, g Group, ev Event) error
}
