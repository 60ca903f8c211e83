// Package eventstest holds shared fixtures for events implementations.
package eventstest

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/rbaliyan/mailcore/events"
)

// TestEvent is a serializable event for tests.
type TestEvent struct {
	ID   events.EventID `json:"id"`
	User string         `json:"user"`
	Noop bool           `json:"noop,omitempty"`
}

func (e TestEvent) EventID() events.EventID { return e.ID }
func (e TestEvent) Username() string        { return e.User }
func (e TestEvent) IsNoop() bool            { return e.Noop }

// NewTestEvent returns a non-noop event for user.
func NewTestEvent(user string) TestEvent {
	return TestEvent{ID: events.NewEventID(), User: user}
}

// Serializer returns a serializer knowing TestEvent.
func Serializer(t *testing.T) *events.Serializer {
	t.Helper()
	s := events.NewSerializer()
	if err := events.RegisterType[TestEvent](s, "test"); err != nil {
		t.Fatalf("RegisterType: %v", err)
	}
	return s
}

// TestDeadLetters runs the behaviour every DeadLetters must have.
func TestDeadLetters(t *testing.T, newDeadLetters func(t *testing.T) events.DeadLetters) {
	ctx := context.Background()
	groupA := events.Group("GroupA")
	groupB := events.Group("GroupB")

	t.Run("store and fetch", func(t *testing.T) {
		dl := newDeadLetters(t)
		ev := NewTestEvent("bob")
		id, err := dl.Store(ctx, groupA, ev)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		got, err := dl.FailedEvent(ctx, groupA, id)
		if err != nil {
			t.Fatalf("FailedEvent: %v", err)
		}
		if got != events.Event(ev) {
			t.Errorf("got %+v, want %+v", got, ev)
		}
		if _, err := dl.FailedEvent(ctx, groupB, id); !errors.Is(err, events.ErrDeadLetterNotFound) {
			t.Errorf("other group: expected ErrDeadLetterNotFound, got %v", err)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		dl := newDeadLetters(t)
		if _, err := dl.Store(ctx, "", NewTestEvent("bob")); !errors.Is(err, events.ErrInvalidArgument) {
			t.Errorf("empty group: expected ErrInvalidArgument, got %v", err)
		}
		if _, err := dl.Store(ctx, groupA, nil); !errors.Is(err, events.ErrInvalidArgument) {
			t.Errorf("nil event: expected ErrInvalidArgument, got %v", err)
		}
		if _, err := dl.FailedIDs(ctx, ""); !errors.Is(err, events.ErrInvalidArgument) {
			t.Errorf("FailedIDs: expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("failed ids", func(t *testing.T) {
		dl := newDeadLetters(t)
		id1, _ := dl.Store(ctx, groupA, NewTestEvent("bob"))
		id2, _ := dl.Store(ctx, groupA, NewTestEvent("alice"))
		_, _ = dl.Store(ctx, groupB, NewTestEvent("carol"))

		ids, err := dl.FailedIDs(ctx, groupA)
		if err != nil {
			t.Fatalf("FailedIDs: %v", err)
		}
		if len(ids) != 2 || !slices.Contains(ids, id1) || !slices.Contains(ids, id2) {
			t.Errorf("unexpected ids %v", ids)
		}
		if ids, _ := dl.FailedIDs(ctx, "Unknown"); len(ids) != 0 {
			t.Errorf("unknown group should have no ids, got %v", ids)
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		dl := newDeadLetters(t)
		id, _ := dl.Store(ctx, groupA, NewTestEvent("bob"))
		for i := 0; i < 2; i++ {
			if err := dl.Remove(ctx, groupA, id); err != nil {
				t.Fatalf("Remove #%d: %v", i, err)
			}
		}
		if _, err := dl.FailedEvent(ctx, groupA, id); !errors.Is(err, events.ErrDeadLetterNotFound) {
			t.Errorf("expected ErrDeadLetterNotFound, got %v", err)
		}
		if has, _ := dl.ContainEvents(ctx); has {
			t.Error("store should be empty")
		}
	})

	t.Run("remove events of a group", func(t *testing.T) {
		dl := newDeadLetters(t)
		_, _ = dl.Store(ctx, groupA, NewTestEvent("bob"))
		_, _ = dl.Store(ctx, groupA, NewTestEvent("bob"))
		keep, _ := dl.Store(ctx, groupB, NewTestEvent("bob"))

		if err := dl.RemoveEvents(ctx, groupA); err != nil {
			t.Fatalf("RemoveEvents: %v", err)
		}
		if ids, _ := dl.FailedIDs(ctx, groupA); len(ids) != 0 {
			t.Errorf("expected no ids left, got %v", ids)
		}
		if _, err := dl.FailedEvent(ctx, groupB, keep); err != nil {
			t.Errorf("other group must be kept: %v", err)
		}
	})

	t.Run("groups with failed events", func(t *testing.T) {
		dl := newDeadLetters(t)
		if has, err := dl.ContainEvents(ctx); err != nil || has {
			t.Fatalf("empty store: has=%v err=%v", has, err)
		}
		_, _ = dl.Store(ctx, groupB, NewTestEvent("bob"))
		_, _ = dl.Store(ctx, groupA, NewTestEvent("bob"))

		groups, err := dl.GroupsWithFailedEvents(ctx)
		if err != nil {
			t.Fatalf("GroupsWithFailedEvents: %v", err)
		}
		if !slices.Equal(groups, []events.Group{groupA, groupB}) {
			t.Errorf("got %v", groups)
		}
		if has, _ := dl.ContainEvents(ctx); !has {
			t.Error("expected events")
		}
	})
}
