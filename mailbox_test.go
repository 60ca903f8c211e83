package mailcore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailcore/blob"
	blobmemory "github.com/rbaliyan/mailcore/blob/memory"
	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/store"
	"github.com/rbaliyan/mailcore/store/memory"
)

// recorder collects every event of the bus.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) IsHandling(events.Event) bool        { return true }
func (r *recorder) ExecutionMode() events.ExecutionMode { return events.Synchronous }

func (r *recorder) Event(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

// of returns the recorded events of type T.
func of[T events.Event](r *recorder) []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []T
	for _, ev := range r.events {
		if e, ok := ev.(T); ok {
			out = append(out, e)
		}
	}
	return out
}

func newBlobStore(t *testing.T) blob.Store {
	t.Helper()
	bs, err := blob.NewDeduplicating(blobmemory.New())
	if err != nil {
		t.Fatalf("NewDeduplicating: %v", err)
	}
	return bs
}

func newBus(t *testing.T) *events.Bus {
	t.Helper()
	bus, err := events.NewBus()
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	t.Cleanup(func() { bus.Close(context.Background()) })
	return bus
}

// setupTestService returns a connected service and the recorder of its
// bus.
func setupTestService(t *testing.T, opts ...Option) (*Service, *recorder) {
	t.Helper()
	bus := newBus(t)
	rec := &recorder{}
	if _, err := bus.Register(rec, "test.recorder"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	opts = append([]Option{
		WithStore(memory.New()),
		WithBlobStore(newBlobStore(t)),
		WithEventBus(bus),
	}, opts...)
	svc, err := NewService(opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	return svc, rec
}

func TestNewService(t *testing.T) {
	bus := newBus(t)
	tests := []struct {
		name string
		opts []Option
		want error
	}{
		{"requires store", []Option{WithBlobStore(newBlobStore(t)), WithEventBus(bus)}, ErrStoreRequired},
		{"requires blob store", []Option{WithStore(memory.New()), WithEventBus(bus)}, ErrBlobStoreRequired},
		{"requires event bus", []Option{WithStore(memory.New()), WithBlobStore(newBlobStore(t))}, ErrEventBusRequired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewService(tt.opts...); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	t.Run("creates service", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()), WithBlobStore(newBlobStore(t)), WithEventBus(bus))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc.IsConnected() {
			t.Error("new service should not be connected")
		}
		if svc.Quota() == nil {
			t.Error("expected a default quota manager")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	svc, err := NewService(WithStore(memory.New()), WithBlobStore(newBlobStore(t)), WithEventBus(bus))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.Session("alice").CreateMailbox(ctx, "INBOX"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("before connect: expected ErrNotConnected, got %v", err)
	}

	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("expected ErrAlreadyConnected, got %v", err)
	}
	if !svc.IsConnected() {
		t.Error("expected connected")
	}

	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Errorf("second close should not error, got %v", err)
	}

	// The quota updater group is released on close.
	if err := svc.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	svc.Close(ctx)
}

func TestConnectRollsBackOnPluginFailure(t *testing.T) {
	ctx := context.Background()
	bus := newBus(t)
	closed := false
	svc, err := NewService(
		WithStore(memory.New()), WithBlobStore(newBlobStore(t)), WithEventBus(bus),
		WithPlugin(&testPlugin{name: "ok", onClose: func() { closed = true }}),
		WithPlugin(&testPlugin{name: "broken", initErr: errors.New("boom")}),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	err = svc.Connect(ctx)
	var pe *PluginError
	if !errors.As(err, &pe) || pe.Plugin != "broken" {
		t.Fatalf("expected PluginError from broken, got %v", err)
	}
	if !closed {
		t.Error("initialized plugins should be closed on rollback")
	}
	if svc.IsConnected() {
		t.Error("service should stay disconnected")
	}
	if _, err := bus.Register(&recorder{}, QuotaUpdaterGroup); err != nil {
		t.Errorf("quota updater group should be released: %v", err)
	}
}

func TestSessionUser(t *testing.T) {
	svc, _ := setupTestService(t)
	ctx := context.Background()

	s := svc.Session("alice@example.com")
	if s.User() != "alice@example.com" || s.ID() == "" {
		t.Errorf("unexpected session %q %q", s.User(), s.ID())
	}
	if svc.Session("bob").ID() == s.ID() {
		t.Error("sessions should have distinct ids")
	}

	for _, user := range []string{"", "a b", "al*ce", "al%ce", "a/b", strings.Repeat("u", store.MaxNameLength+1)} {
		if _, err := svc.Session(user).ListMailboxes(ctx); !errors.Is(err, ErrInvalidUser) {
			t.Errorf("user %q: expected ErrInvalidUser, got %v", user, err)
		}
	}
}

func TestCreateMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("creates parents", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		id, err := s.CreateMailbox(ctx, "Work.Projects.2024")
		if err != nil {
			t.Fatalf("CreateMailbox: %v", err)
		}
		if id == "" {
			t.Error("expected a mailbox id")
		}
		mbs, err := s.ListMailboxes(ctx)
		if err != nil {
			t.Fatalf("ListMailboxes: %v", err)
		}
		var names []string
		for _, mb := range mbs {
			names = append(names, mb.Path.Name)
		}
		if strings.Join(names, ",") != "Work,Work.Projects,Work.Projects.2024" {
			t.Errorf("unexpected mailboxes %v", names)
		}
		if added := of[MailboxAdded](rec); len(added) != 3 {
			t.Errorf("expected 3 MailboxAdded, got %d", len(added))
		}
	})

	t.Run("existing parent is kept", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		if _, err := s.CreateMailbox(ctx, "Work"); err != nil {
			t.Fatalf("CreateMailbox: %v", err)
		}
		if _, err := s.CreateMailbox(ctx, "Work.Done"); err != nil {
			t.Fatalf("CreateMailbox child: %v", err)
		}
		if added := of[MailboxAdded](rec); len(added) != 2 {
			t.Errorf("expected 2 MailboxAdded, got %d", len(added))
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		if _, err := s.CreateMailbox(ctx, "INBOX"); err != nil {
			t.Fatalf("CreateMailbox: %v", err)
		}
		_, err := s.CreateMailbox(ctx, "inbox")
		if !errors.Is(err, ErrMailboxExists) || !errors.Is(err, store.ErrMailboxExists) {
			t.Errorf("expected ErrMailboxExists, got %v", err)
		}
	})

	t.Run("invalid name", func(t *testing.T) {
		svc, _ := setupTestService(t)
		for _, name := range []string{"", "a..b", ".a", "a."} {
			if _, err := svc.Session("alice").CreateMailbox(ctx, name); !errors.Is(err, ErrInvalidPath) {
				t.Errorf("%q: expected ErrInvalidPath, got %v", name, err)
			}
		}
	})

	t.Run("users are isolated", func(t *testing.T) {
		svc, _ := setupTestService(t)
		if _, err := svc.Session("alice").CreateMailbox(ctx, "INBOX"); err != nil {
			t.Fatalf("CreateMailbox: %v", err)
		}
		if _, err := svc.Session("bob").CreateMailbox(ctx, "INBOX"); err != nil {
			t.Fatalf("CreateMailbox for bob: %v", err)
		}
		mbs, _ := svc.Session("bob").ListMailboxes(ctx)
		if len(mbs) != 1 || mbs[0].Path.User != "bob" {
			t.Errorf("unexpected mailboxes for bob: %+v", mbs)
		}
	})
}

func TestDeleteMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("with messages", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "Trash")
		mustAppend(t, s, "Trash", "hello")
		mustAppend(t, s, "Trash", "world!")

		if err := s.DeleteMailbox(ctx, "Trash"); err != nil {
			t.Fatalf("DeleteMailbox: %v", err)
		}
		if _, err := s.Status(ctx, "Trash"); !errors.Is(err, ErrMailboxNotFound) {
			t.Errorf("expected ErrMailboxNotFound, got %v", err)
		}
		deletions := of[MailboxDeletion](rec)
		if len(deletions) != 1 {
			t.Fatalf("expected one MailboxDeletion, got %d", len(deletions))
		}
		d := deletions[0]
		if d.DeletedMessageCount != 2 || d.TotalDeletedSize != 11 || d.QuotaRoot.Value != "#private&alice" {
			t.Errorf("unexpected deletion %+v", d)
		}
		info, err := s.Quota(ctx)
		if err != nil {
			t.Fatalf("Quota: %v", err)
		}
		if info.Count.Used != 0 || info.Size.Used != 0 {
			t.Errorf("usage should be back to zero, got %+v", info)
		}
	})

	t.Run("has children", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "Work.Done")
		if err := s.DeleteMailbox(ctx, "Work"); !errors.Is(err, ErrMailboxHasChildren) {
			t.Errorf("expected ErrMailboxHasChildren, got %v", err)
		}
		if err := s.DeleteMailbox(ctx, "Work.Done"); err != nil {
			t.Fatalf("delete child: %v", err)
		}
		if err := s.DeleteMailbox(ctx, "Work"); err != nil {
			t.Fatalf("delete parent: %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		svc, _ := setupTestService(t)
		if err := svc.Session("alice").DeleteMailbox(ctx, "Nope"); !errors.Is(err, ErrMailboxNotFound) {
			t.Errorf("expected ErrMailboxNotFound, got %v", err)
		}
	})
}

func TestRenameMailbox(t *testing.T) {
	ctx := context.Background()

	t.Run("renames children", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "Work.Projects")
		uid := mustAppend(t, s, "Work.Projects", "body")

		if err := s.RenameMailbox(ctx, "Work", "Archive.2024"); err != nil {
			t.Fatalf("RenameMailbox: %v", err)
		}
		mbs, _ := s.ListMailboxes(ctx)
		var names []string
		for _, mb := range mbs {
			names = append(names, mb.Path.Name)
		}
		if strings.Join(names, ",") != "Archive,Archive.2024,Archive.2024.Projects" {
			t.Errorf("unexpected mailboxes %v", names)
		}
		if _, err := s.Get(ctx, "Archive.2024.Projects", uid); err != nil {
			t.Errorf("message should follow its mailbox: %v", err)
		}
		if renamed := of[MailboxRenamed](rec); len(renamed) != 2 {
			t.Errorf("expected 2 MailboxRenamed, got %d", len(renamed))
		}
	})

	t.Run("inbox", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if err := s.RenameMailbox(ctx, "inbox", "Old"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("below itself", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "Work")
		if err := s.RenameMailbox(ctx, "Work", "Work.Sub"); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("target exists", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "A")
		mustCreate(t, s, "B")
		if err := s.RenameMailbox(ctx, "A", "B"); !errors.Is(err, ErrMailboxExists) {
			t.Errorf("expected ErrMailboxExists, got %v", err)
		}
	})
}

func mustCreate(t *testing.T, s *Session, name string) store.MailboxID {
	t.Helper()
	id, err := s.CreateMailbox(context.Background(), name)
	if err != nil {
		t.Fatalf("CreateMailbox(%s): %v", name, err)
	}
	return id
}

func mustAppend(t *testing.T, s *Session, mailbox, content string, flags ...store.Flag) store.UID {
	t.Helper()
	id, err := s.Append(context.Background(), mailbox, AppendCommand{
		Content: strings.NewReader(content),
		Flags:   store.NewFlags(flags...),
	})
	if err != nil {
		t.Fatalf("Append to %s: %v", mailbox, err)
	}
	return id.UID
}
