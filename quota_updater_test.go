package mailcore

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
)

type failingCurrent struct {
	quota.CurrentQuotaManager
}

func (failingCurrent) Increase(context.Context, quota.Root, quota.CountUsage, quota.SizeUsage) error {
	return errors.New("usage store down")
}

func TestQuotaUpdater(t *testing.T) {
	ctx := context.Background()
	base := MailboxEvent{ID: events.NewEventID(), User: "alice@example.com", Path: store.InboxPath("alice@example.com")}
	root := quota.ForUser("alice@example.com")
	msgs := []store.MessageMetaData{{UID: 1, Size: 100}, {UID: 2, Size: 50}}

	newUpdater := func(t *testing.T) (*QuotaUpdater, *quota.Manager, *recorder) {
		bus := newBus(t)
		rec := &recorder{}
		bus.Register(rec, "test.recorder")
		m := quota.NewManager(nil, nil)
		return NewQuotaUpdater(m, bus, nil, nil), m, rec
	}
	usage := func(t *testing.T, m *quota.Manager) quota.CurrentQuotas {
		t.Helper()
		cq, err := m.Current().Get(ctx, root)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		return cq
	}

	t.Run("handles mailbox events only", func(t *testing.T) {
		u, _, _ := newUpdater(t)
		if !u.IsHandling(Added{}) || !u.IsHandling(Expunged{}) || !u.IsHandling(MailboxDeletion{}) {
			t.Error("should handle Added, Expunged and MailboxDeletion")
		}
		if u.IsHandling(FlagsUpdated{}) || u.IsHandling(QuotaUsageUpdated{}) {
			t.Error("should ignore other events")
		}
		if u.ExecutionMode() != events.Synchronous {
			t.Error("updater must run synchronously")
		}
	})

	t.Run("added then expunged", func(t *testing.T) {
		u, m, rec := newUpdater(t)
		if err := u.Event(ctx, Added{MailboxEvent: base, Messages: msgs}); err != nil {
			t.Fatalf("Event(Added): %v", err)
		}
		if cq := usage(t, m); cq.Count != 2 || cq.Size != 150 {
			t.Errorf("unexpected usage after add %+v", cq)
		}
		if err := u.Event(ctx, Expunged{MailboxEvent: base, Messages: msgs[:1]}); err != nil {
			t.Fatalf("Event(Expunged): %v", err)
		}
		if cq := usage(t, m); cq.Count != 1 || cq.Size != 50 {
			t.Errorf("unexpected usage after expunge %+v", cq)
		}

		updates := of[QuotaUsageUpdated](rec)
		if len(updates) != 2 {
			t.Fatalf("expected 2 QuotaUsageUpdated, got %d", len(updates))
		}
		last := updates[1]
		if last.QuotaRoot != root || last.Count.Used != 1 || last.Size.Used != 50 || !last.Count.IsUnlimited() {
			t.Errorf("unexpected update %+v", last)
		}
	})

	t.Run("mailbox deletion", func(t *testing.T) {
		u, m, _ := newUpdater(t)
		u.Event(ctx, Added{MailboxEvent: base, Messages: msgs})
		err := u.Event(ctx, MailboxDeletion{MailboxEvent: base, DeletedMessageCount: 2, TotalDeletedSize: 150})
		if err != nil {
			t.Fatalf("Event(MailboxDeletion): %v", err)
		}
		if cq := usage(t, m); cq.Count != 0 || cq.Size != 0 {
			t.Errorf("usage should fall back to the user root, got %+v", cq)
		}
	})

	t.Run("empty deletion publishes nothing", func(t *testing.T) {
		u, _, rec := newUpdater(t)
		if err := u.Event(ctx, MailboxDeletion{MailboxEvent: base, QuotaRoot: root}); err != nil {
			t.Fatalf("Event: %v", err)
		}
		if got := of[QuotaUsageUpdated](rec); len(got) != 0 {
			t.Errorf("expected no update, got %d", len(got))
		}
	})

	t.Run("update failure", func(t *testing.T) {
		bus := newBus(t)
		m := quota.NewManager(nil, failingCurrent{quota.NewMemoryCurrentQuotaManager()})
		u := NewQuotaUpdater(m, bus, nil, nil)
		if err := u.Event(ctx, Added{MailboxEvent: base, Messages: msgs}); err == nil {
			t.Error("expected the quota failure to be returned")
		}
	})
}

func TestQuotaThresholds(t *testing.T) {
	ctx := context.Background()
	svc, rec := setupTestService(t, WithQuotaThresholds(quota.Thresholds{0.5, 0.9}))
	s := svc.Session("alice")
	mustCreate(t, s, "INBOX")
	if err := svc.Quota().Max().SetMaxMessage(ctx, quota.ForUser("alice"), 4); err != nil {
		t.Fatalf("SetMaxMessage: %v", err)
	}

	// 1/4 and 2/4 stay at or below 0.5.
	mustAppend(t, s, "INBOX", "1")
	mustAppend(t, s, "INBOX", "2")
	if got := of[QuotaThresholdChanged](rec); len(got) != 0 {
		t.Fatalf("no threshold should be crossed yet, got %+v", got)
	}

	mustAppend(t, s, "INBOX", "3", store.FlagDeleted)
	changes := of[QuotaThresholdChanged](rec)
	if len(changes) != 1 {
		t.Fatalf("expected one change, got %+v", changes)
	}
	if c := changes[0]; c.Kind != quota.KindCount || c.Previous != 0 || c.Current != 0.5 || c.Evolution != "higher" {
		t.Errorf("unexpected change %+v", c)
	}

	if _, err := s.Expunge(ctx, "INBOX", store.All()); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	changes = of[QuotaThresholdChanged](rec)
	if len(changes) != 2 || changes[1].Evolution != "lower" || changes[1].Current != 0 {
		t.Errorf("expected a lower crossing, got %+v", changes)
	}
}
