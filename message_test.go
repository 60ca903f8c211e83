package mailcore

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailcore/blob"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
)

type testPlugin struct {
	name    string
	initErr error
	onClose func()

	mu       sync.Mutex
	rejectIn string
	appended []ComposedMessageID
}

func (p *testPlugin) Name() string { return p.name }

func (p *testPlugin) Init(context.Context) error { return p.initErr }

func (p *testPlugin) Close(context.Context) error {
	if p.onClose != nil {
		p.onClose()
	}
	return nil
}

func (p *testPlugin) BeforeAppend(_ context.Context, _ string, path store.MailboxPath, cmd *AppendCommand) error {
	if path.Name == p.rejectIn {
		return errors.New("rejected")
	}
	cmd.Flags = cmd.Flags.Union(store.NewFlags("$Checked"))
	return nil
}

func (p *testPlugin) AfterAppend(_ context.Context, _ string, _ store.MailboxPath, id ComposedMessageID) error {
	p.mu.Lock()
	p.appended = append(p.appended, id)
	p.mu.Unlock()
	return nil
}

func TestAppend(t *testing.T) {
	ctx := context.Background()

	t.Run("allocates uids and stores content", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		mbID := mustCreate(t, s, "INBOX")

		date := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		id, err := s.Append(ctx, "INBOX", AppendCommand{
			Content:      strings.NewReader("Subject: hi\r\n\r\nhello"),
			Flags:        store.NewFlags(store.FlagSeen),
			InternalDate: date,
		})
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id.UID != 1 || id.MailboxID != mbID || id.MessageID == "" || id.ModSeq == 0 {
			t.Errorf("unexpected id %+v", id)
		}
		second := mustAppend(t, s, "INBOX", "second")
		if second != 2 {
			t.Errorf("expected uid 2, got %d", second)
		}

		msg, err := s.Get(ctx, "INBOX", 1)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(msg.Content) != "Subject: hi\r\n\r\nhello" {
			t.Errorf("unexpected content %q", msg.Content)
		}
		if !msg.InternalDate.Equal(date) || !msg.Flags.Contains(store.FlagSeen) || msg.Size != int64(len(msg.Content)) {
			t.Errorf("unexpected metadata %+v", msg.MessageMetaData)
		}

		added := of[Added](rec)
		if len(added) != 2 || !added[0].IsAppended || added[0].MailboxID != mbID {
			t.Fatalf("unexpected Added events %+v", added)
		}
	})

	t.Run("mailbox not found", func(t *testing.T) {
		svc, _ := setupTestService(t)
		_, err := svc.Session("alice").Append(ctx, "Nope", AppendCommand{Content: strings.NewReader("x")})
		if !errors.Is(err, ErrMailboxNotFound) {
			t.Errorf("expected ErrMailboxNotFound, got %v", err)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if _, err := s.Append(ctx, "INBOX", AppendCommand{}); !errors.Is(err, ErrEmptyContent) {
			t.Errorf("nil content: expected ErrEmptyContent, got %v", err)
		}
		if _, err := s.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("")}); !errors.Is(err, ErrEmptyContent) {
			t.Errorf("empty content: expected ErrEmptyContent, got %v", err)
		}
	})

	t.Run("too large", func(t *testing.T) {
		svc, _ := setupTestService(t, WithMaxMessageSize(8))
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if _, err := s.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("12345678")}); err != nil {
			t.Errorf("content at the limit should be accepted: %v", err)
		}
		_, err := s.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("123456789")})
		if !errors.Is(err, ErrMessageTooLarge) {
			t.Errorf("expected ErrMessageTooLarge, got %v", err)
		}
	})

	t.Run("over quota", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if err := svc.Quota().Max().SetMaxMessage(ctx, quota.ForUser("alice"), 1); err != nil {
			t.Fatalf("SetMaxMessage: %v", err)
		}
		mustAppend(t, s, "INBOX", "first")

		_, err := s.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("second")})
		if !errors.Is(err, ErrOverQuota) {
			t.Fatalf("expected ErrOverQuota, got %v", err)
		}
		var oq *quota.OverQuotaError
		if !errors.As(err, &oq) || oq.Kind != quota.KindCount {
			t.Errorf("expected count OverQuotaError, got %v", err)
		}
	})

	t.Run("storage quota", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if err := svc.Quota().Max().SetMaxStorage(ctx, quota.ForUser("alice"), 10); err != nil {
			t.Fatalf("SetMaxStorage: %v", err)
		}
		_, err := s.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("more than ten bytes")})
		var oq *quota.OverQuotaError
		if !errors.As(err, &oq) || oq.Kind != quota.KindSize {
			t.Errorf("expected size OverQuotaError, got %v", err)
		}
	})

	t.Run("plugins", func(t *testing.T) {
		p := &testPlugin{name: "checker", rejectIn: "Blocked"}
		svc, _ := setupTestService(t, WithPlugin(p))
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		mustCreate(t, s, "Blocked")

		uid := mustAppend(t, s, "INBOX", "hello")
		msg, err := s.Get(ctx, "INBOX", uid)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !msg.Flags.Contains("$Checked") {
			t.Errorf("BeforeAppend changes should be kept, got %v", msg.Flags)
		}
		if len(p.appended) != 1 || p.appended[0].UID != uid {
			t.Errorf("AfterAppend not called: %+v", p.appended)
		}

		_, err = s.Append(ctx, "Blocked", AppendCommand{Content: strings.NewReader("x")})
		var pe *PluginError
		if !errors.As(err, &pe) || pe.Op != "BeforeAppend" {
			t.Errorf("expected PluginError, got %v", err)
		}
	})
}

func TestGet(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")

	if _, err := s.Get(ctx, "INBOX", 42); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t, WithListLimit(3))
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")
	for i := 0; i < 5; i++ {
		mustAppend(t, s, "INBOX", "message")
	}

	tests := []struct {
		name string
		r    store.MessageRange
		want []store.UID
	}{
		{"capped by limit", store.All(), []store.UID{1, 2, 3}},
		{"one", store.One(4), []store.UID{4}},
		{"from", store.From(4), []store.UID{4, 5}},
		{"range", store.Range(2, 3), []store.UID{2, 3}},
		{"empty", store.Range(9, 10), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := s.List(ctx, "INBOX", tt.r)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			got := uids(msgs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestSetFlags(t *testing.T) {
	ctx := context.Background()
	svc, rec := setupTestService(t)
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")
	mustAppend(t, s, "INBOX", "one", store.FlagSeen)
	mustAppend(t, s, "INBOX", "two")

	updated, err := s.SetFlags(ctx, "INBOX", store.All(), store.NewFlags(store.FlagSeen), store.FlagsAdd)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if len(updated) != 1 || updated[0].UID != 2 || !updated[0].NewFlags.Contains(store.FlagSeen) {
		t.Errorf("only uid 2 should change, got %+v", updated)
	}

	again, err := s.SetFlags(ctx, "INBOX", store.All(), store.NewFlags(store.FlagSeen), store.FlagsAdd)
	if err != nil {
		t.Fatalf("SetFlags: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("nothing should change, got %+v", again)
	}
	// The second update is a no-op event and never reaches listeners.
	if got := of[FlagsUpdated](rec); len(got) != 1 {
		t.Errorf("expected one FlagsUpdated, got %d", len(got))
	}

	status, err := s.Status(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Unseen != 0 {
		t.Errorf("expected no unseen message, got %d", status.Unseen)
	}
}

func TestExpunge(t *testing.T) {
	ctx := context.Background()
	svc, rec := setupTestService(t)
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")
	mustAppend(t, s, "INBOX", "keep")
	mustAppend(t, s, "INBOX", "drop", store.FlagDeleted)
	mustAppend(t, s, "INBOX", "drop too", store.FlagDeleted)

	expunged, err := s.Expunge(ctx, "INBOX", store.All())
	if err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if len(expunged) != 2 || expunged[0] != 2 || expunged[1] != 3 {
		t.Errorf("unexpected expunged uids %v", expunged)
	}

	ev := of[Expunged](rec)
	if len(ev) != 1 || ev[0].IsMoved || ev[0].Size() != int64(len("drop")+len("drop too")) {
		t.Errorf("unexpected Expunged events %+v", ev)
	}

	status, _ := s.Status(ctx, "INBOX")
	if status.Messages != 1 || status.UIDNext != 4 {
		t.Errorf("unexpected status %+v", status)
	}
	info, _ := s.Quota(ctx)
	if info.Count.Used != 1 || info.Size.Used != quota.SizeUsage(len("keep")) {
		t.Errorf("unexpected quota %+v", info)
	}

	// Content is left to the garbage collector.
	refs := 0
	err = svc.BlobReferenceSource().ForEachReference(ctx, func(blob.ID) error {
		refs++
		return nil
	})
	if err != nil || refs != 1 {
		t.Errorf("expected one referenced blob, got %d (%v)", refs, err)
	}
}

func TestCopyAndMove(t *testing.T) {
	ctx := context.Background()

	t.Run("copy", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		mustCreate(t, s, "Archive")
		mustAppend(t, s, "INBOX", "one", store.FlagSeen)
		mustAppend(t, s, "INBOX", "two")

		copied, err := s.Copy(ctx, "INBOX", "Archive", store.All())
		if err != nil {
			t.Fatalf("Copy: %v", err)
		}
		if len(copied) != 2 || copied[0] != 1 || copied[1] != 2 {
			t.Errorf("unexpected uids %v", copied)
		}
		src, _ := s.Get(ctx, "INBOX", 1)
		dst, err := s.Get(ctx, "Archive", 1)
		if err != nil {
			t.Fatalf("Get copy: %v", err)
		}
		if dst.BlobID != src.BlobID || !bytes.Equal(dst.Content, src.Content) || !dst.Flags.Contains(store.FlagSeen) {
			t.Errorf("copy should share blob and flags: %+v", dst)
		}

		added := of[Added](rec)
		last := added[len(added)-1]
		if last.IsAppended || last.IsMoved || len(last.Messages) != 2 {
			t.Errorf("unexpected Added for copy %+v", last)
		}
		info, _ := s.Quota(ctx)
		if info.Count.Used != 4 {
			t.Errorf("copy should count against quota, got %d", info.Count.Used)
		}
	})

	t.Run("copy over quota", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		mustCreate(t, s, "Archive")
		mustAppend(t, s, "INBOX", "one")
		mustAppend(t, s, "INBOX", "two")
		svc.Quota().Max().SetMaxMessage(ctx, quota.ForUser("alice"), 3)

		if _, err := s.Copy(ctx, "INBOX", "Archive", store.All()); !errors.Is(err, ErrOverQuota) {
			t.Errorf("expected ErrOverQuota, got %v", err)
		}
		// Moving does not change usage.
		if _, err := s.Move(ctx, "INBOX", "Archive", store.All()); err != nil {
			t.Errorf("Move: %v", err)
		}
	})

	t.Run("move", func(t *testing.T) {
		svc, rec := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		mustCreate(t, s, "Archive")
		mustAppend(t, s, "Archive", "already there")
		mustAppend(t, s, "INBOX", "one")
		mustAppend(t, s, "INBOX", "two")

		moved, err := s.Move(ctx, "INBOX", "Archive", store.One(2))
		if err != nil {
			t.Fatalf("Move: %v", err)
		}
		if len(moved) != 1 || moved[0] != 2 {
			t.Errorf("unexpected uids %v", moved)
		}
		inbox, _ := s.Status(ctx, "INBOX")
		archive, _ := s.Status(ctx, "Archive")
		if inbox.Messages != 1 || archive.Messages != 2 {
			t.Errorf("unexpected counts inbox=%d archive=%d", inbox.Messages, archive.Messages)
		}

		expunged := of[Expunged](rec)
		if len(expunged) != 1 || !expunged[0].IsMoved || expunged[0].UIDs()[0] != 2 {
			t.Errorf("unexpected Expunged %+v", expunged)
		}
		info, _ := s.Quota(ctx)
		if info.Count.Used != 3 {
			t.Errorf("move should leave usage unchanged, got %d", info.Count.Used)
		}
	})

	t.Run("same mailbox", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		if _, err := s.Move(ctx, "INBOX", "inbox", store.All()); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("expected ErrInvalidPath, got %v", err)
		}
	})

	t.Run("nothing selected", func(t *testing.T) {
		svc, _ := setupTestService(t)
		s := svc.Session("alice")
		mustCreate(t, s, "INBOX")
		mustCreate(t, s, "Archive")
		moved, err := s.Move(ctx, "INBOX", "Archive", store.All())
		if err != nil || len(moved) != 0 {
			t.Errorf("expected nothing moved, got %v, %v", moved, err)
		}
	})
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")

	empty, err := s.Status(ctx, "INBOX")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if empty.Messages != 0 || empty.UIDNext != 1 || empty.UIDValidity == 0 {
		t.Errorf("unexpected empty status %+v", empty)
	}

	mustAppend(t, s, "INBOX", "one", store.FlagSeen)
	mustAppend(t, s, "INBOX", "two")
	status, _ := s.Status(ctx, "INBOX")
	if status.Messages != 2 || status.Unseen != 1 || status.UIDNext != 3 || status.UIDValidity != empty.UIDValidity {
		t.Errorf("unexpected status %+v", status)
	}
	if status.HighestModSeq <= empty.HighestModSeq {
		t.Errorf("modseq should grow: %d -> %d", empty.HighestModSeq, status.HighestModSeq)
	}
}

func TestReadContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		limit   int64
		wantErr error
	}{
		{"within limit", "hello", 8, nil},
		{"exactly the limit", "12345678", 8, nil},
		{"over the limit", "123456789", 8, ErrMessageTooLarge},
		{"empty", "", 8, ErrEmptyContent},
		{"largest limit", "hello", math.MaxInt64, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readContent(strings.NewReader(tt.content), tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if err == nil && string(got) != tt.content {
				t.Errorf("got %q, want %q", got, tt.content)
			}
		})
	}
}

func TestAppendWithLargestMessageSize(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t, WithMaxMessageSize(math.MaxInt64))
	sess := svc.Session("alice")
	mustCreate(t, sess, "INBOX")
	if _, err := sess.Append(ctx, "INBOX", AppendCommand{Content: strings.NewReader("Subject: hi\r\n\r\nbody")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}
