package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rbaliyan/mailcore/eventsourcing"
	"github.com/rbaliyan/mailcore/eventsourcing/eventsourcingtest"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	r := NewRegistry()
	Register[eventsourcingtest.TestEvent](r, eventsourcingtest.TestEventType)
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	eventsourcingtest.TestEventStore(t, func(t *testing.T) eventsourcing.EventStore {
		return newStore(t)
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")
	r := NewRegistry()
	Register[eventsourcingtest.TestEvent](r, eventsourcingtest.TestEventType)

	s, err := Open(path, r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Append(ctx, eventsourcingtest.TestEvent{Aggregate: "a", ID: 0, Data: "kept"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = Open(path, r)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	h, err := s.History(ctx, eventsourcingtest.TestAggregateID("a"))
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(h.Events()) != 1 || h.Events()[0].(eventsourcingtest.TestEvent).Data != "kept" {
		t.Errorf("unexpected history %v", h.Events())
	}
}

func TestUnregisteredType(t *testing.T) {
	ctx := context.Background()
	s, err := Open(filepath.Join(t.TempDir(), "events.db"), NewRegistry())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	_ = s.Append(ctx, eventsourcingtest.TestEvent{Aggregate: "a", ID: 0})
	if _, err := s.History(ctx, eventsourcingtest.TestAggregateID("a")); !errors.Is(err, eventsourcing.ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
}
