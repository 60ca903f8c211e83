// Package eventsourcing persists aggregates as ordered event histories and
// turns commands into new events.
package eventsourcing

import (
	"errors"
	"fmt"
)

var (
	// ErrEventIDAlreadyExists is returned by Append when another writer
	// stored an event with the same id first.
	ErrEventIDAlreadyExists = errors.New("eventsourcing: event id already exists")

	// ErrMixedAggregates is returned when an Append spans several aggregates.
	ErrMixedAggregates = errors.New("eventsourcing: events belong to different aggregates")

	// ErrNonContiguous is returned when event ids leave a gap.
	ErrNonContiguous = errors.New("eventsourcing: event ids are not contiguous")

	// ErrUnknownCommand is returned for commands without a handler.
	ErrUnknownCommand = errors.New("eventsourcing: unknown command")

	// ErrUnknownEventType is returned when decoding an unregistered event.
	ErrUnknownEventType = errors.New("eventsourcing: unknown event type")
)

// AggregateID identifies an aggregate.
type AggregateID interface {
	AsAggregateKey() string
}

// EventID is the position of an event in its aggregate, starting at 0.
type EventID int64

// First is the id of an aggregate's first event.
const First EventID = 0

func (id EventID) Next() EventID { return id + 1 }

// Event is a fact about an aggregate.
type Event interface {
	AggregateID() AggregateID
	EventID() EventID
	Type() string
}

// History is the ordered list of events of one aggregate.
type History struct {
	events []Event
}

// NewHistory checks that events are ordered and contiguous from First.
func NewHistory(events ...Event) (History, error) {
	for i, ev := range events {
		if ev.EventID() != EventID(i) {
			return History{}, fmt.Errorf("%w: event %d at position %d", ErrNonContiguous, ev.EventID(), i)
		}
	}
	return History{events: events}, nil
}

func (h History) Events() []Event {
	return h.events
}

func (h History) LastEventID() (EventID, bool) {
	if len(h.events) == 0 {
		return 0, false
	}
	return h.events[len(h.events)-1].EventID(), true
}

// NextEventID is the id the next appended event must carry.
func (h History) NextEventID() EventID {
	last, ok := h.LastEventID()
	if !ok {
		return First
	}
	return last.Next()
}

// CheckAppend validates a batch against the next expected id. Stores use it
// under their write lock.
func CheckAppend(next EventID, events []Event) (string, error) {
	if len(events) == 0 {
		return "", nil
	}
	key := events[0].AggregateID().AsAggregateKey()
	for i, ev := range events {
		if ev.AggregateID().AsAggregateKey() != key {
			return "", ErrMixedAggregates
		}
		want := events[0].EventID() + EventID(i)
		if ev.EventID() != want {
			return "", fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, ev.EventID(), want)
		}
	}
	switch first := events[0].EventID(); {
	case first < next:
		return "", fmt.Errorf("%w: %s/%d", ErrEventIDAlreadyExists, key, first)
	case first > next:
		return "", fmt.Errorf("%w: got %d, want %d", ErrNonContiguous, first, next)
	}
	return key, nil
}
