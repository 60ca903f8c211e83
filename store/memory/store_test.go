package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailcore/store"
	"github.com/rbaliyan/mailcore/store/storetest"
)

func TestContract(t *testing.T) {
	storetest.TestStore(t, func(t *testing.T) store.Store {
		s := New()
		if err := s.Connect(context.Background()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
		return s
	})
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Mailboxes().Create(ctx, store.InboxPath("bob")); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	_ = s.Close(ctx)
	if err := s.Connect(ctx); err != nil {
		t.Errorf("reconnect after close: %v", err)
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Connect(ctx)
	mb, _ := s.Mailboxes().Create(ctx, store.InboxPath("bob"))
	m, _ := s.Messages().Append(ctx, mb.ID, store.MessageMetaData{BlobID: "b", Flags: store.NewFlags(store.FlagSeen)})

	m.Flags[0] = store.FlagDeleted
	got, _ := s.Messages().Get(ctx, mb.ID, m.UID)
	if !got.Flags.Contains(store.FlagSeen) || got.Flags.Contains(store.FlagDeleted) {
		t.Errorf("stored flags were modified through a returned value: %v", got.Flags)
	}
}
