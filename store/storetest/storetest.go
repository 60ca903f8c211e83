// Package storetest holds the contract every store.Store implementation
// must satisfy.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/store"
)

// Factory returns a connected, empty store.
type Factory func(t *testing.T) store.Store

// TestStore runs the whole contract.
func TestStore(t *testing.T, factory Factory) {
	t.Run("Mailboxes", func(t *testing.T) { TestMailboxes(t, factory) })
	t.Run("Messages", func(t *testing.T) { TestMessages(t, factory) })
}

func mustCreate(t *testing.T, s store.Store, path store.MailboxPath) store.Mailbox {
	t.Helper()
	mb, err := s.Mailboxes().Create(context.Background(), path)
	if err != nil {
		t.Fatalf("Create(%s): %v", path, err)
	}
	return mb
}

func mustAppend(t *testing.T, s store.Store, id store.MailboxID, blobID blob.ID, flags ...store.Flag) store.MessageMetaData {
	t.Helper()
	m, err := s.Messages().Append(context.Background(), id, store.MessageMetaData{
		BlobID: blobID,
		Size:   int64(len(blobID)),
		Flags:  store.NewFlags(flags...),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	return m
}

// TestMailboxes checks the MailboxMapper contract.
func TestMailboxes(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("create and find", func(t *testing.T) {
		s := factory(t)
		path := store.PrivatePath("bob@example.com", "Work")
		mb := mustCreate(t, s, path)
		if mb.ID == "" || mb.Path != path || mb.UIDValidity == 0 {
			t.Fatalf("unexpected mailbox %+v", mb)
		}

		byPath, err := s.Mailboxes().FindByPath(ctx, path)
		if err != nil || byPath.ID != mb.ID || byPath.UIDValidity != mb.UIDValidity {
			t.Errorf("FindByPath: %+v, %v", byPath, err)
		}
		byID, err := s.Mailboxes().FindByID(ctx, mb.ID)
		if err != nil || byID.Path != path {
			t.Errorf("FindByID: %+v, %v", byID, err)
		}
	})

	t.Run("duplicate", func(t *testing.T) {
		s := factory(t)
		path := store.PrivatePath("bob@example.com", "Work")
		mustCreate(t, s, path)
		if _, err := s.Mailboxes().Create(ctx, path); !errors.Is(err, store.ErrMailboxExists) {
			t.Errorf("expected ErrMailboxExists, got %v", err)
		}
	})

	t.Run("invalid path", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Mailboxes().Create(ctx, store.PrivatePath("bob@example.com", "a*")); !errors.Is(err, store.ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("not found", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Mailboxes().FindByPath(ctx, store.InboxPath("nobody")); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("FindByPath: expected ErrMailboxNotFound, got %v", err)
		}
		if _, err := s.Mailboxes().FindByID(ctx, store.NewMailboxID()); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("FindByID: expected ErrMailboxNotFound, got %v", err)
		}
	})

	t.Run("rename", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.PrivatePath("bob@example.com", "Work"))
		taken := mustCreate(t, s, store.PrivatePath("bob@example.com", "Taken"))

		to := store.PrivatePath("bob@example.com", "Job")
		renamed, err := s.Mailboxes().Rename(ctx, mb.ID, to)
		if err != nil || renamed.Path != to || renamed.ID != mb.ID {
			t.Fatalf("Rename: %+v, %v", renamed, err)
		}
		if _, err := s.Mailboxes().FindByPath(ctx, store.PrivatePath("bob@example.com", "Work")); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("old path still resolves: %v", err)
		}
		if _, err := s.Mailboxes().Rename(ctx, mb.ID, taken.Path); !errors.Is(err, store.ErrMailboxExists) {
			t.Errorf("expected ErrMailboxExists, got %v", err)
		}
		if _, err := s.Mailboxes().Rename(ctx, store.NewMailboxID(), store.PrivatePath("bob@example.com", "X")); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("expected ErrMailboxNotFound, got %v", err)
		}
	})

	t.Run("delete removes messages", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.PrivatePath("bob@example.com", "Work"))
		mustAppend(t, s, mb.ID, "blob-1")
		if err := s.Mailboxes().Delete(ctx, mb.ID); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Mailboxes().FindByID(ctx, mb.ID); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("mailbox still found: %v", err)
		}
		var refs []blob.ID
		_ = s.Messages().ForEachBlobReference(ctx, func(id blob.ID) error {
			refs = append(refs, id)
			return nil
		})
		if len(refs) != 0 {
			t.Errorf("messages survived their mailbox: %v", refs)
		}
	})

	t.Run("list and children", func(t *testing.T) {
		s := factory(t)
		user := "bob@example.com"
		mustCreate(t, s, store.InboxPath(user))
		mustCreate(t, s, store.PrivatePath(user, "Work"))
		mustCreate(t, s, store.PrivatePath(user, "Work.Reports"))
		mustCreate(t, s, store.PrivatePath("alice@example.com", "Work"))

		list, err := s.Mailboxes().List(ctx, user)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 3 || list[0].Path.Name != "INBOX" || list[1].Path.Name != "Work" || list[2].Path.Name != "Work.Reports" {
			t.Errorf("unexpected list %+v", list)
		}

		if ok, err := s.Mailboxes().HasChildren(ctx, store.PrivatePath(user, "Work")); err != nil || !ok {
			t.Errorf("Work: HasChildren = %v, %v", ok, err)
		}
		if ok, _ := s.Mailboxes().HasChildren(ctx, store.PrivatePath(user, "Work.Reports")); ok {
			t.Error("Work.Reports has no children")
		}
		if ok, _ := s.Mailboxes().HasChildren(ctx, store.PrivatePath(user, "Wor")); ok {
			t.Error("a name prefix is not a parent")
		}
	})
}

// TestMessages checks the MessageMapper contract.
func TestMessages(t *testing.T, factory Factory) {
	ctx := context.Background()
	user := "bob@example.com"

	t.Run("append allocates increasing uids and modseqs", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		first := mustAppend(t, s, mb.ID, "blob-1")
		second := mustAppend(t, s, mb.ID, "blob-2")
		if first.UID != 1 || second.UID != 2 {
			t.Errorf("uids %d, %d", first.UID, second.UID)
		}
		if second.ModSeq <= first.ModSeq {
			t.Errorf("modseq did not grow: %d then %d", first.ModSeq, second.ModSeq)
		}
		if first.MessageID == "" || first.InternalDate.IsZero() || first.MailboxID != mb.ID {
			t.Errorf("defaults not filled in: %+v", first)
		}

		got, err := s.Messages().Get(ctx, mb.ID, 2)
		if err != nil || got.BlobID != "blob-2" || got.ModSeq != second.ModSeq {
			t.Errorf("Get: %+v, %v", got, err)
		}
		if last, _ := s.Messages().LastUID(ctx, mb.ID); last != 2 {
			t.Errorf("LastUID = %d", last)
		}
		if hm, _ := s.Messages().HighestModSeq(ctx, mb.ID); hm != second.ModSeq {
			t.Errorf("HighestModSeq = %d, want %d", hm, second.ModSeq)
		}
	})

	t.Run("append keeps internal date", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		date := time.Date(2020, 5, 1, 10, 0, 0, 0, time.UTC)
		m, err := s.Messages().Append(ctx, mb.ID, store.MessageMetaData{BlobID: "b", InternalDate: date})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		got, _ := s.Messages().Get(ctx, mb.ID, m.UID)
		if !got.InternalDate.Equal(date) {
			t.Errorf("internal date %v, want %v", got.InternalDate, date)
		}
	})

	t.Run("append to unknown mailbox", func(t *testing.T) {
		s := factory(t)
		if _, err := s.Messages().Append(ctx, store.NewMailboxID(), store.MessageMetaData{BlobID: "b"}); !errors.Is(err, store.ErrMailboxNotFound) {
			t.Errorf("expected ErrMailboxNotFound, got %v", err)
		}
	})

	t.Run("uids are not reused after expunge", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		mustAppend(t, s, mb.ID, "blob-1")
		mustAppend(t, s, mb.ID, "blob-2", store.FlagDeleted)
		if _, err := s.Messages().Expunge(ctx, mb.ID, store.All()); err != nil {
			t.Fatalf("Expunge: %v", err)
		}
		if m := mustAppend(t, s, mb.ID, "blob-3"); m.UID != 3 {
			t.Errorf("expected uid 3, got %d", m.UID)
		}
	})

	t.Run("mailboxes allocate independently", func(t *testing.T) {
		s := factory(t)
		a := mustCreate(t, s, store.InboxPath(user))
		b := mustCreate(t, s, store.PrivatePath(user, "Other"))
		mustAppend(t, s, a.ID, "blob-1")
		mustAppend(t, s, a.ID, "blob-2")
		if m := mustAppend(t, s, b.ID, "blob-3"); m.UID != 1 {
			t.Errorf("expected uid 1 in a fresh mailbox, got %d", m.UID)
		}
	})

	t.Run("concurrent appends are gap free", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		const n = 20
		var wg sync.WaitGroup
		uids := make(chan store.UID, n)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m, err := s.Messages().Append(ctx, mb.ID, store.MessageMetaData{BlobID: "b"})
				if err != nil {
					t.Errorf("Append: %v", err)
					return
				}
				uids <- m.UID
			}()
		}
		wg.Wait()
		close(uids)
		seen := make(map[store.UID]bool)
		for uid := range uids {
			if seen[uid] {
				t.Errorf("uid %d allocated twice", uid)
			}
			seen[uid] = true
		}
		for uid := store.UID(1); uid <= n; uid++ {
			if !seen[uid] {
				t.Errorf("uid %d missing", uid)
			}
		}
	})

	t.Run("list ranges", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		for _, id := range []blob.ID{"b1", "b2", "b3", "b4"} {
			mustAppend(t, s, mb.ID, id)
		}
		tests := []struct {
			name  string
			r     store.MessageRange
			limit int
			want  []store.UID
		}{
			{"all", store.All(), 0, []store.UID{1, 2, 3, 4}},
			{"one", store.One(3), 0, []store.UID{3}},
			{"from", store.From(2), 0, []store.UID{2, 3, 4}},
			{"range", store.Range(2, 3), 0, []store.UID{2, 3}},
			{"limit", store.All(), 2, []store.UID{1, 2}},
			{"missing", store.One(9), 0, nil},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := s.Messages().List(ctx, mb.ID, tt.r, tt.limit)
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				if len(got) != len(tt.want) {
					t.Fatalf("got %d messages, want %d", len(got), len(tt.want))
				}
				for i, m := range got {
					if m.UID != tt.want[i] {
						t.Errorf("position %d: uid %d, want %d", i, m.UID, tt.want[i])
					}
				}
			})
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		if _, err := s.Messages().Get(ctx, mb.ID, 1); !errors.Is(err, store.ErrMessageNotFound) {
			t.Errorf("expected ErrMessageNotFound, got %v", err)
		}
	})

	t.Run("update flags", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		m1 := mustAppend(t, s, mb.ID, "b1", store.FlagSeen)
		m2 := mustAppend(t, s, mb.ID, "b2")

		updated, err := s.Messages().UpdateFlags(ctx, mb.ID, store.All(), store.NewFlags(store.FlagSeen), store.FlagsAdd)
		if err != nil {
			t.Fatalf("UpdateFlags: %v", err)
		}
		if len(updated) != 1 || updated[0].UID != m2.UID {
			t.Fatalf("only the unseen message changes, got %+v", updated)
		}
		u := updated[0]
		if u.ModSeq <= m2.ModSeq || len(u.OldFlags) != 0 || !u.NewFlags.Contains(store.FlagSeen) || u.MessageID != m2.MessageID {
			t.Errorf("unexpected update %+v", u)
		}
		if got, _ := s.Messages().Get(ctx, mb.ID, m1.UID); got.ModSeq != m1.ModSeq {
			t.Error("unchanged message must keep its modseq")
		}
		if got, _ := s.Messages().Get(ctx, mb.ID, m2.UID); got.ModSeq != u.ModSeq || !got.Flags.Contains(store.FlagSeen) {
			t.Errorf("update not persisted: %+v", got)
		}

		replaced, err := s.Messages().UpdateFlags(ctx, mb.ID, store.All(), store.NewFlags(store.FlagFlagged, "$Label"), store.FlagsReplace)
		if err != nil || len(replaced) != 2 {
			t.Fatalf("Replace: %+v, %v", replaced, err)
		}
		if replaced[0].ModSeq == replaced[1].ModSeq {
			t.Error("each modified message gets its own modseq")
		}
		if hm, _ := s.Messages().HighestModSeq(ctx, mb.ID); hm != replaced[1].ModSeq {
			t.Errorf("HighestModSeq = %d, want %d", hm, replaced[1].ModSeq)
		}

		removed, _ := s.Messages().UpdateFlags(ctx, mb.ID, store.One(m1.UID), store.NewFlags("$Label"), store.FlagsRemove)
		if len(removed) != 1 || !removed[0].NewFlags.Equal(store.NewFlags(store.FlagFlagged)) {
			t.Errorf("Remove: %+v", removed)
		}
	})

	t.Run("expunge only deleted", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		mustAppend(t, s, mb.ID, "b1", store.FlagDeleted)
		mustAppend(t, s, mb.ID, "b2")
		last := mustAppend(t, s, mb.ID, "b3", store.FlagDeleted, store.FlagSeen)

		expunged, err := s.Messages().Expunge(ctx, mb.ID, store.From(2))
		if err != nil {
			t.Fatalf("Expunge: %v", err)
		}
		if len(expunged) != 1 || expunged[0].UID != 3 || expunged[0].BlobID != "b3" {
			t.Fatalf("unexpected expunge %+v", expunged)
		}
		if hm, _ := s.Messages().HighestModSeq(ctx, mb.ID); hm <= last.ModSeq {
			t.Error("expunge must bump the modseq")
		}
		if n, _ := s.Messages().Count(ctx, mb.ID); n != 2 {
			t.Errorf("Count = %d", n)
		}

		none, err := s.Messages().Expunge(ctx, mb.ID, store.One(2))
		if err != nil || len(none) != 0 {
			t.Errorf("expected nothing expunged, got %+v, %v", none, err)
		}
	})

	t.Run("delete and counts", func(t *testing.T) {
		s := factory(t)
		mb := mustCreate(t, s, store.InboxPath(user))
		mustAppend(t, s, mb.ID, "b1", store.FlagSeen)
		mustAppend(t, s, mb.ID, "b2")
		mustAppend(t, s, mb.ID, "b3")

		if n, _ := s.Messages().Unseen(ctx, mb.ID); n != 2 {
			t.Errorf("Unseen = %d", n)
		}
		if err := s.Messages().Delete(ctx, mb.ID, 2, 42); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if n, _ := s.Messages().Count(ctx, mb.ID); n != 2 {
			t.Errorf("Count = %d", n)
		}
		if n, _ := s.Messages().Unseen(ctx, mb.ID); n != 1 {
			t.Errorf("Unseen = %d", n)
		}
	})

	t.Run("blob references", func(t *testing.T) {
		s := factory(t)
		a := mustCreate(t, s, store.InboxPath(user))
		b := mustCreate(t, s, store.InboxPath("alice@example.com"))
		mustAppend(t, s, a.ID, "b1")
		mustAppend(t, s, b.ID, "b2")
		mustAppend(t, s, b.ID, "b1")

		seen := make(map[blob.ID]bool)
		err := s.Messages().ForEachBlobReference(ctx, func(id blob.ID) error {
			seen[id] = true
			return nil
		})
		if err != nil {
			t.Fatalf("ForEachBlobReference: %v", err)
		}
		if len(seen) != 2 || !seen["b1"] || !seen["b2"] {
			t.Errorf("unexpected references %v", seen)
		}

		stop := errors.New("stop")
		if err := s.Messages().ForEachBlobReference(ctx, func(blob.ID) error { return stop }); !errors.Is(err, stop) {
			t.Errorf("callback error must be returned, got %v", err)
		}
	})
}
