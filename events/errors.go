package events

import (
	"errors"
	"fmt"
)

var (
	// ErrGroupAlreadyRegistered is returned when a group has a listener.
	ErrGroupAlreadyRegistered = errors.New("events: group already registered")

	// ErrGroupRegistrationNotFound is returned by ReDeliver for unknown groups.
	ErrGroupRegistrationNotFound = errors.New("events: group not registered")

	// ErrDeadLetterNotFound is returned when no dead letter has the id.
	ErrDeadLetterNotFound = errors.New("events: dead letter not found")

	// ErrInvalidArgument is returned for an empty group or a nil event.
	ErrInvalidArgument = errors.New("events: invalid argument")

	// ErrBusClosed is returned once the bus is closed.
	ErrBusClosed = errors.New("events: bus closed")

	// ErrUnknownEventType is returned by the serializer for unregistered types.
	ErrUnknownEventType = errors.New("events: unknown event type")
)

// DispatchError reports a delivery that could not be completed nor parked
// in the dead letters.
type DispatchError struct {
	Group   Group
	EventID EventID
	Err     error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("events: dispatch %s to %s: %v", e.EventID, e.Group, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
