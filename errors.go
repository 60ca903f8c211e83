package mailcore

import (
	"errors"
	"fmt"

	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
)

// Sentinel errors for the mailcore package.
// Use errors.Is() to check for these errors.
//
// Errors mirroring a store error wrap it, so errors.Is matches both.
var (
	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailcore: store is required")

	// ErrBlobStoreRequired is returned when no blob store is configured.
	ErrBlobStoreRequired = errors.New("mailcore: blob store is required")

	// ErrEventBusRequired is returned when no event bus is configured.
	ErrEventBusRequired = errors.New("mailcore: event bus is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("mailcore: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("mailcore: %w", store.ErrAlreadyConnected)

	// ErrMailboxNotFound is returned for unknown mailboxes.
	ErrMailboxNotFound = fmt.Errorf("mailcore: %w", store.ErrMailboxNotFound)

	// ErrMailboxExists is returned when creating or renaming onto a taken path.
	ErrMailboxExists = fmt.Errorf("mailcore: %w", store.ErrMailboxExists)

	// ErrMessageNotFound is returned for unknown UIDs.
	ErrMessageNotFound = fmt.Errorf("mailcore: %w", store.ErrMessageNotFound)

	// ErrInvalidPath is returned for malformed mailbox names and for
	// operations INBOX does not support.
	ErrInvalidPath = fmt.Errorf("mailcore: %w", store.ErrInvalidPath)

	// ErrMailboxHasChildren is returned when deleting a mailbox with children.
	ErrMailboxHasChildren = errors.New("mailcore: mailbox has children")

	// ErrInvalidUser is returned by sessions opened for a malformed user.
	ErrInvalidUser = errors.New("mailcore: invalid user")

	// ErrMessageTooLarge is returned when appended content exceeds the
	// configured maximum.
	ErrMessageTooLarge = errors.New("mailcore: message too large")

	// ErrEmptyContent is returned by Append without content.
	ErrEmptyContent = errors.New("mailcore: append content is required")

	// ErrOverQuota is matched by the *quota.OverQuotaError Append returns.
	ErrOverQuota = quota.ErrOverQuota
)

// storeErrors maps store sentinels to their mailcore counterpart.
var storeErrors = []struct {
	store, mailcore error
}{
	{store.ErrMailboxNotFound, ErrMailboxNotFound},
	{store.ErrMailboxExists, ErrMailboxExists},
	{store.ErrMessageNotFound, ErrMessageNotFound},
	{store.ErrInvalidPath, ErrInvalidPath},
	{store.ErrNotConnected, ErrNotConnected},
}

// translate rewraps err so that it matches the mailcore sentinel of the
// store error it carries, keeping the store message.
func translate(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range storeErrors {
		if errors.Is(err, m.store) && !errors.Is(err, m.mailcore) {
			return fmt.Errorf("%w (%v)", m.mailcore, err)
		}
	}
	return err
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

// EventDispatchError is returned when dispatching an event fails and event
// errors are configured as fatal.
type EventDispatchError struct {
	Event string
	Err   error
}

func (e *EventDispatchError) Error() string {
	return "dispatch " + e.Event + ": " + e.Err.Error()
}

func (e *EventDispatchError) Unwrap() error {
	return e.Err
}

// IsEventDispatchError checks if err is an EventDispatchError.
func IsEventDispatchError(err error) (*EventDispatchError, bool) {
	var e *EventDispatchError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
