// Package eventsourcingtest holds shared fixtures for event stores.
package eventsourcingtest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rbaliyan/mailcore/eventsourcing"
)

// TestAggregateID is an aggregate id for tests.
type TestAggregateID string

func (id TestAggregateID) AsAggregateKey() string { return "Test/" + string(id) }

// TestEvent carries a string payload.
type TestEvent struct {
	Aggregate string                `msgpack:"aggregate"`
	ID        eventsourcing.EventID `msgpack:"id"`
	Data      string                `msgpack:"data"`
}

// TestEventType is TestEvent's type name.
const TestEventType = "test-event"

func (e TestEvent) AggregateID() eventsourcing.AggregateID {
	return TestAggregateID(e.Aggregate)
}
func (e TestEvent) EventID() eventsourcing.EventID { return e.ID }
func (TestEvent) Type() string                      { return TestEventType }

// TestEventStore runs the behaviour every EventStore must have.
func TestEventStore(t *testing.T, newStore func(t *testing.T) eventsourcing.EventStore) {
	ctx := context.Background()

	t.Run("empty history", func(t *testing.T) {
		s := newStore(t)
		h, err := s.History(ctx, TestAggregateID("a"))
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		if len(h.Events()) != 0 || h.NextEventID() != eventsourcing.First {
			t.Errorf("expected empty history, got %v", h.Events())
		}
		if _, ok := h.LastEventID(); ok {
			t.Error("empty history has no last id")
		}
	})

	t.Run("append and read back in order", func(t *testing.T) {
		s := newStore(t)
		if err := s.Append(ctx, TestEvent{"a", 0, "first"}, TestEvent{"a", 1, "second"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := s.Append(ctx, TestEvent{"a", 2, "third"}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		h, err := s.History(ctx, TestAggregateID("a"))
		if err != nil {
			t.Fatalf("History: %v", err)
		}
		want := []eventsourcing.Event{TestEvent{"a", 0, "first"}, TestEvent{"a", 1, "second"}, TestEvent{"a", 2, "third"}}
		got := h.Events()
		if len(got) != len(want) {
			t.Fatalf("got %d events, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("event %d: got %+v, want %+v", i, got[i], want[i])
			}
		}
		if h.NextEventID() != 3 {
			t.Errorf("next id = %d, want 3", h.NextEventID())
		}
	})

	t.Run("aggregates are isolated", func(t *testing.T) {
		s := newStore(t)
		_ = s.Append(ctx, TestEvent{"a", 0, "x"})
		_ = s.Append(ctx, TestEvent{"b", 0, "y"})
		h, _ := s.History(ctx, TestAggregateID("b"))
		if len(h.Events()) != 1 || h.Events()[0] != (TestEvent{"b", 0, "y"}) {
			t.Errorf("unexpected history %v", h.Events())
		}
	})

	t.Run("duplicate id is rejected atomically", func(t *testing.T) {
		s := newStore(t)
		_ = s.Append(ctx, TestEvent{"a", 0, "x"})
		err := s.Append(ctx, TestEvent{"a", 0, "again"}, TestEvent{"a", 1, "y"})
		if !errors.Is(err, eventsourcing.ErrEventIDAlreadyExists) {
			t.Fatalf("expected ErrEventIDAlreadyExists, got %v", err)
		}
		h, _ := s.History(ctx, TestAggregateID("a"))
		if len(h.Events()) != 1 {
			t.Errorf("failed append must not be partially applied, got %v", h.Events())
		}
	})

	t.Run("mixed aggregates are rejected", func(t *testing.T) {
		s := newStore(t)
		err := s.Append(ctx, TestEvent{"a", 0, "x"}, TestEvent{"b", 1, "y"})
		if !errors.Is(err, eventsourcing.ErrMixedAggregates) {
			t.Errorf("expected ErrMixedAggregates, got %v", err)
		}
	})

	t.Run("gaps are rejected", func(t *testing.T) {
		s := newStore(t)
		if err := s.Append(ctx, TestEvent{"a", 1, "x"}); !errors.Is(err, eventsourcing.ErrNonContiguous) {
			t.Errorf("expected ErrNonContiguous, got %v", err)
		}
	})

	t.Run("concurrent appends have one winner", func(t *testing.T) {
		s := newStore(t)
		var wg sync.WaitGroup
		errs := make([]error, 8)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs[i] = s.Append(ctx, TestEvent{"a", 0, "racer"})
			}()
		}
		wg.Wait()
		wins := 0
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case !errors.Is(err, eventsourcing.ErrEventIDAlreadyExists):
				t.Errorf("unexpected error %v", err)
			}
		}
		if wins != 1 {
			t.Errorf("expected exactly one winner, got %d", wins)
		}
	})
}
