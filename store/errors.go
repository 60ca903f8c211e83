package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrMailboxNotFound is returned when a mailbox cannot be found.
	ErrMailboxNotFound = errors.New("store: mailbox not found")

	// ErrMailboxExists is returned when creating or renaming onto a taken path.
	ErrMailboxExists = errors.New("store: mailbox already exists")

	// ErrMessageNotFound is returned when a message cannot be found.
	ErrMessageNotFound = errors.New("store: message not found")

	// ErrInvalidPath is returned for malformed mailbox paths.
	ErrInvalidPath = errors.New("store: invalid mailbox path")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")
)

// Error checking helpers.

func IsMailboxNotFound(err error) bool {
	return errors.Is(err, ErrMailboxNotFound)
}

func IsMessageNotFound(err error) bool {
	return errors.Is(err, ErrMessageNotFound)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
