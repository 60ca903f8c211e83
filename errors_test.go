package mailcore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
)

func TestSentinelsWrapStoreErrors(t *testing.T) {
	tests := []struct {
		mailcore, store error
	}{
		{ErrNotConnected, store.ErrNotConnected},
		{ErrAlreadyConnected, store.ErrAlreadyConnected},
		{ErrMailboxNotFound, store.ErrMailboxNotFound},
		{ErrMailboxExists, store.ErrMailboxExists},
		{ErrMessageNotFound, store.ErrMessageNotFound},
		{ErrInvalidPath, store.ErrInvalidPath},
	}
	for _, tt := range tests {
		if !errors.Is(tt.mailcore, tt.store) {
			t.Errorf("%v should match %v", tt.mailcore, tt.store)
		}
	}
}

func TestTranslate(t *testing.T) {
	if translate(nil) != nil {
		t.Error("nil should stay nil")
	}

	err := translate(fmt.Errorf("%w: mbox-1", store.ErrMailboxNotFound))
	if !errors.Is(err, ErrMailboxNotFound) || !errors.Is(err, store.ErrMailboxNotFound) {
		t.Errorf("expected both sentinels to match, got %v", err)
	}

	// Already translated errors are kept as is.
	wrapped := fmt.Errorf("%w: Trash", ErrMailboxExists)
	if translate(wrapped) != wrapped {
		t.Error("translated errors should not be wrapped again")
	}

	other := errors.New("disk full")
	if translate(other) != other {
		t.Error("unrelated errors should pass through")
	}
}

func TestErrOverQuota(t *testing.T) {
	err := error(&quota.OverQuotaError{Root: quota.ForUser("alice"), Kind: quota.KindCount, Used: 3, Limit: 3})
	if !errors.Is(err, ErrOverQuota) {
		t.Errorf("OverQuotaError should match ErrOverQuota")
	}
}

func TestPluginError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&PluginError{Plugin: "spam", Op: "init", Err: cause})
	if err.Error() != "plugin spam init: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, cause) {
		t.Error("PluginError should unwrap to its cause")
	}
}

func TestIsEventDispatchError(t *testing.T) {
	cause := errors.New("bus down")
	err := fmt.Errorf("append: %w", &EventDispatchError{Event: "mailcore.Added", Err: cause})
	de, ok := IsEventDispatchError(err)
	if !ok || de.Event != "mailcore.Added" || !errors.Is(err, cause) {
		t.Errorf("unexpected result %v %v", de, ok)
	}
	if _, ok := IsEventDispatchError(cause); ok {
		t.Error("plain errors are not dispatch errors")
	}
}
