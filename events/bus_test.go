package events_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/events/eventstest"
	"github.com/rbaliyan/mailcore/retry"
	"github.com/rbaliyan/mailcore/task"
)

type recorder struct {
	mu       sync.Mutex
	received []events.Event
	failures int
	attempts int
	mode     events.ExecutionMode
	handles  func(events.Event) bool
}

func (r *recorder) Event(_ context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts++
	if r.failures != 0 {
		if r.failures > 0 {
			r.failures--
		}
		return errors.New("listener failure")
	}
	r.received = append(r.received, ev)
	return nil
}

func (r *recorder) IsHandling(ev events.Event) bool {
	return r.handles == nil || r.handles(ev)
}

func (r *recorder) ExecutionMode() events.ExecutionMode { return r.mode }

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) setFailures(n int) {
	r.mu.Lock()
	r.failures = n
	r.mu.Unlock()
}

func fastRetry() retry.Config {
	return retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func newBus(t *testing.T, opts ...events.Option) *events.Bus {
	t.Helper()
	b, err := events.NewBus(append([]events.Option{events.WithRetry(fastRetry())}, opts...)...)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func TestMemoryDeadLetters(t *testing.T) {
	eventstest.TestDeadLetters(t, func(*testing.T) events.DeadLetters {
		return events.NewMemoryDeadLetters()
	})
}

func TestGroups(t *testing.T) {
	ctx := context.Background()

	t.Run("delivered once per group", func(t *testing.T) {
		b := newBus(t)
		a, c := &recorder{}, &recorder{}
		_, _ = b.Register(a, "A")
		_, _ = b.Register(c, "C")
		if err := b.Dispatch(ctx, eventstest.NewTestEvent("bob")); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if a.count() != 1 || c.count() != 1 {
			t.Errorf("expected one delivery each, got %d and %d", a.count(), c.count())
		}
	})

	t.Run("group registered twice", func(t *testing.T) {
		b := newBus(t)
		reg, err := b.Register(&recorder{}, "A")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if _, err := b.Register(&recorder{}, "A"); !errors.Is(err, events.ErrGroupAlreadyRegistered) {
			t.Fatalf("expected ErrGroupAlreadyRegistered, got %v", err)
		}
		reg.Unregister()
		reg.Unregister()
		second := &recorder{}
		if _, err := b.Register(second, "A"); err != nil {
			t.Fatalf("re-register after unregister: %v", err)
		}
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"))
		if second.count() != 1 {
			t.Errorf("new registration should receive the event")
		}
	})

	t.Run("unregistered group receives nothing", func(t *testing.T) {
		b := newBus(t)
		r := &recorder{}
		reg, _ := b.Register(r, "A")
		reg.Unregister()
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"))
		if r.count() != 0 {
			t.Errorf("expected no delivery, got %d", r.count())
		}
	})

	t.Run("noop and unhandled events are dropped", func(t *testing.T) {
		b := newBus(t)
		r := &recorder{handles: func(ev events.Event) bool { return ev.Username() == "bob" }}
		_, _ = b.Register(r, "A")

		noop := eventstest.NewTestEvent("bob")
		noop.Noop = true
		_ = b.Dispatch(ctx, noop)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("alice"))
		if r.count() != 0 {
			t.Errorf("expected no delivery, got %d", r.count())
		}
	})

	t.Run("failing listener does not abort dispatch", func(t *testing.T) {
		b := newBus(t)
		bad := &recorder{failures: -1}
		good := &recorder{}
		_, _ = b.Register(bad, "Bad")
		_, _ = b.Register(good, "Good")

		ev := eventstest.NewTestEvent("bob")
		if err := b.Dispatch(ctx, ev); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if good.count() != 1 {
			t.Errorf("good listener should receive the event")
		}
		bad.mu.Lock()
		attempts := bad.attempts
		bad.mu.Unlock()
		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}

		ids, _ := b.DeadLetters().FailedIDs(ctx, "Bad")
		if len(ids) != 1 {
			t.Fatalf("expected one dead letter, got %v", ids)
		}
		got, _ := b.DeadLetters().FailedEvent(ctx, "Bad", ids[0])
		if got.EventID() != ev.EventID() {
			t.Errorf("dead letter holds %s, want %s", got.EventID(), ev.EventID())
		}
		if ids, _ := b.DeadLetters().FailedIDs(ctx, "Good"); len(ids) != 0 {
			t.Errorf("good group must have no dead letter")
		}
	})

	t.Run("transient failure is retried", func(t *testing.T) {
		b := newBus(t)
		r := &recorder{failures: 1}
		_, _ = b.Register(r, "A")
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"))
		if r.count() != 1 {
			t.Errorf("expected delivery after retry")
		}
		if has, _ := b.DeadLetters().ContainEvents(ctx); has {
			t.Error("no dead letter expected")
		}
	})
}

func TestKeys(t *testing.T) {
	ctx := context.Background()
	k1, k2 := events.Key("mailbox-1"), events.Key("mailbox-2")

	t.Run("delivered once across matching keys", func(t *testing.T) {
		b := newBus(t)
		r := &recorder{}
		_, _ = b.RegisterKey(ctx, r, k1)
		_, _ = b.RegisterKey(ctx, r, k2)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1, k2)
		if r.count() != 1 {
			t.Errorf("expected 1 delivery, got %d", r.count())
		}
	})

	t.Run("func listener delivered once across matching keys", func(t *testing.T) {
		b := newBus(t)
		deliveries := 0
		l := events.ListenerFunc(func(context.Context, events.Event) error {
			deliveries++
			return nil
		})
		_, _ = b.RegisterKey(ctx, l, k1)
		_, _ = b.RegisterKey(ctx, l, k2)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1, k2)
		if deliveries != 1 {
			t.Errorf("expected 1 delivery, got %d", deliveries)
		}
	})

	t.Run("closures of one literal stay distinct", func(t *testing.T) {
		b := newBus(t)
		counts := make([]int, 2)
		listener := func(i int) events.ListenerFunc {
			return func(context.Context, events.Event) error {
				counts[i]++
				return nil
			}
		}
		_, _ = b.RegisterKey(ctx, listener(0), k1)
		_, _ = b.RegisterKey(ctx, listener(1), k2)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1, k2)
		if counts[0] != 1 || counts[1] != 1 {
			t.Errorf("got %v deliveries", counts)
		}
	})

	t.Run("only matching keys", func(t *testing.T) {
		b := newBus(t)
		r1, r2 := &recorder{}, &recorder{}
		_, _ = b.RegisterKey(ctx, r1, k1)
		_, _ = b.RegisterKey(ctx, r2, k2)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1)
		if r1.count() != 1 || r2.count() != 0 {
			t.Errorf("got %d and %d deliveries", r1.count(), r2.count())
		}
	})

	t.Run("no keys notifies no key listener", func(t *testing.T) {
		b := newBus(t)
		r := &recorder{}
		_, _ = b.RegisterKey(ctx, r, k1)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"))
		if r.count() != 0 {
			t.Errorf("expected no delivery, got %d", r.count())
		}
	})

	t.Run("several listeners on one key", func(t *testing.T) {
		b := newBus(t)
		r1, r2 := &recorder{}, &recorder{}
		reg, _ := b.RegisterKey(ctx, r1, k1)
		_, _ = b.RegisterKey(ctx, r2, k1)
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1)
		reg.Unregister()
		_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1)
		if r1.count() != 1 || r2.count() != 2 {
			t.Errorf("got %d and %d deliveries", r1.count(), r2.count())
		}
	})

	t.Run("failures are not dead lettered", func(t *testing.T) {
		b := newBus(t)
		_, _ = b.RegisterKey(ctx, &recorder{failures: -1}, k1)
		if err := b.Dispatch(ctx, eventstest.NewTestEvent("bob"), k1); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if has, _ := b.DeadLetters().ContainEvents(ctx); has {
			t.Error("key failures must not be stored")
		}
	})
}

func TestAsynchronousDelivery(t *testing.T) {
	ctx := context.Background()
	b, err := events.NewBus(events.WithRetry(fastRetry()), events.WithWorkers(2))
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}
	r := &recorder{mode: events.Asynchronous}
	_, _ = b.Register(r, "Async")
	k := &recorder{}
	_, _ = b.RegisterKey(ctx, events.Async(k), events.Key("k"))

	for i := 0; i < 10; i++ {
		if err := b.Dispatch(ctx, eventstest.NewTestEvent("bob"), events.Key("k")); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	}
	if err := b.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.count() != 10 || k.count() != 10 {
		t.Errorf("expected 10 deliveries each, got %d and %d", r.count(), k.count())
	}
	if err := b.Dispatch(ctx, eventstest.NewTestEvent("bob")); !errors.Is(err, events.ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestReDeliver(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	r := &recorder{}
	_, _ = b.Register(r, "A")
	_, _ = b.Register(&recorder{}, "B")

	if err := b.ReDeliver(ctx, "Unknown", eventstest.NewTestEvent("bob")); !errors.Is(err, events.ErrGroupRegistrationNotFound) {
		t.Errorf("expected ErrGroupRegistrationNotFound, got %v", err)
	}
	if err := b.ReDeliver(ctx, "A", eventstest.NewTestEvent("bob")); err != nil {
		t.Fatalf("ReDeliver: %v", err)
	}
	if r.count() != 1 {
		t.Errorf("expected one delivery, got %d", r.count())
	}
}

func TestRedeliverTask(t *testing.T) {
	ctx := context.Background()
	b := newBus(t)
	flaky := &recorder{failures: -1}
	_, _ = b.Register(flaky, "Flaky")
	_ = b.Dispatch(ctx, eventstest.NewTestEvent("bob"))
	_ = b.Dispatch(ctx, eventstest.NewTestEvent("alice"))

	stillFailing := events.NewEventDeadLettersRedeliverTask(b, b.DeadLetters(), "")
	if result, _ := stillFailing.Run(ctx); result != task.Partial {
		t.Errorf("expected partial while failing, got %v", result)
	}
	if d := stillFailing.Details().(events.RedeliverDetails); d.FailedRedeliveriesCount != 2 {
		t.Errorf("expected 2 failures, got %+v", d)
	}

	flaky.setFailures(0)
	redeliver := events.NewEventDeadLettersRedeliverTask(b, b.DeadLetters(), "Flaky")
	result, err := redeliver.Run(ctx)
	if err != nil || result != task.Completed {
		t.Fatalf("Run: %v, %v", result, err)
	}
	d := redeliver.Details().(events.RedeliverDetails)
	if d.SuccessfulRedeliveriesCount != 2 || d.FailedRedeliveriesCount != 0 || d.Group != "Flaky" {
		t.Errorf("unexpected details %+v", d)
	}
	if has, _ := b.DeadLetters().ContainEvents(ctx); has {
		t.Error("redelivered dead letters must be removed")
	}
	if flaky.count() != 2 {
		t.Errorf("expected 2 deliveries, got %d", flaky.count())
	}
}

func TestSerializer(t *testing.T) {
	s := eventstest.Serializer(t)
	ev := eventstest.NewTestEvent("bob")

	data, err := s.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := s.Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != events.Event(ev) {
		t.Errorf("got %+v, want %+v", got, ev)
	}

	if _, err := events.NewSerializer().Marshal(ev); !errors.Is(err, events.ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
	if _, err := s.Unmarshal([]byte(`{"type":"other","payload":{}}`)); !errors.Is(err, events.ErrUnknownEventType) {
		t.Errorf("expected ErrUnknownEventType, got %v", err)
	}
	if err := events.RegisterType[*eventstest.TestEvent](s, "test"); err == nil {
		t.Error("binding a name to a second type must fail")
	}
}
