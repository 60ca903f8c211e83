package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"unsafe"

	"github.com/rbaliyan/mailcore/retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"
)

const instrumentationName = "github.com/rbaliyan/mailcore/events"

type groupRegistration struct {
	bus      *Bus
	group    Group
	listener Listener
	once     sync.Once
}

func (r *groupRegistration) Unregister() {
	r.once.Do(func() {
		r.bus.mu.Lock()
		defer r.bus.mu.Unlock()
		if r.bus.groups[r.group] == r {
			delete(r.bus.groups, r.group)
		}
	})
}

type keyRegistration struct {
	bus      *Bus
	id       uint64
	key      string
	listener Listener
	identity any // nil when l cannot be told apart from other listeners
	once     sync.Once
}

func (r *keyRegistration) Unregister() {
	r.once.Do(func() {
		r.bus.mu.Lock()
		defer r.bus.mu.Unlock()
		regs := r.bus.keys[r.key]
		delete(regs, r.id)
		if len(regs) == 0 {
			delete(r.bus.keys, r.key)
		}
	})
}

// Bus delivers events to listeners of this process.
type Bus struct {
	opts   *options
	logger *slog.Logger

	mu     sync.RWMutex
	groups map[Group]*groupRegistration
	keys   map[string]map[uint64]*keyRegistration
	nextID uint64
	closed bool

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	deliveries   metric.Int64Counter
	failures     metric.Int64Counter
	deadLettered metric.Int64Counter
}

var _ EventBus = (*Bus)(nil)

// NewBus creates a local bus.
func NewBus(opts ...Option) (*Bus, error) {
	o := newOptions(opts...)
	b := &Bus{
		opts:   o,
		logger: o.logger,
		groups: make(map[Group]*groupRegistration),
		keys:   make(map[string]map[uint64]*keyRegistration),
		sem:    semaphore.NewWeighted(int64(o.workers)),
	}
	if err := b.initMetrics(o.meterProvider); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return b, nil
}

func (b *Bus) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	b.deliveries, err = meter.Int64Counter(
		"events.deliveries",
		metric.WithDescription("Number of events delivered to listeners"),
	)
	if err != nil {
		return err
	}
	b.failures, err = meter.Int64Counter(
		"events.delivery.failures",
		metric.WithDescription("Number of listener failures after retries"),
	)
	if err != nil {
		return err
	}
	b.deadLettered, err = meter.Int64Counter(
		"events.dead_letters",
		metric.WithDescription("Number of events stored as dead letters"),
	)
	return err
}

// DeadLetters returns the store failed group deliveries go to.
func (b *Bus) DeadLetters() DeadLetters {
	return b.opts.deadLetters
}

// Register adds l under g. A group holds a single listener.
func (b *Bus) Register(l Listener, g Group) (Registration, error) {
	if l == nil || g == "" {
		return nil, ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.groups[g]; ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupAlreadyRegistered, g)
	}
	reg := &groupRegistration{bus: b, group: g, listener: l}
	b.groups[g] = reg
	b.logger.Info("event group registered", "group", g, "mode", l.ExecutionMode())
	return reg, nil
}

// RegisterKey adds l for events dispatched with key.
func (b *Bus) RegisterKey(_ context.Context, l Listener, key RegistrationKey) (Registration, error) {
	if l == nil || key == nil {
		return nil, ErrInvalidArgument
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	reg := &keyRegistration{bus: b, id: b.nextID, key: key.AsString(), listener: l, identity: listenerIdentity(l)}
	regs, ok := b.keys[reg.key]
	if !ok {
		regs = make(map[uint64]*keyRegistration)
		b.keys[reg.key] = regs
	}
	regs[reg.id] = reg
	return reg, nil
}

// Dispatch delivers ev to every group handling it and to the key listeners
// of keys. Listener failures never abort the dispatch. The returned error
// reports deliveries that neither succeeded nor reached the dead letters.
func (b *Bus) Dispatch(ctx context.Context, ev Event, keys ...RegistrationKey) error {
	if ev == nil {
		return ErrInvalidArgument
	}
	if ev.IsNoop() {
		return nil
	}

	groups, keyed, err := b.targets(ev, keys, true)
	if err != nil {
		return err
	}
	defer b.wg.Done()

	var errs []error
	var mu sync.Mutex
	for _, reg := range groups {
		b.run(ctx, reg.listener.ExecutionMode(), func(ctx context.Context) {
			if err := b.deliverGroup(ctx, reg.group, reg.listener, ev); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	for _, reg := range keyed {
		b.run(ctx, reg.listener.ExecutionMode(), func(ctx context.Context) {
			b.deliverKey(ctx, reg, ev)
		})
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// targets snapshots the listeners for ev and registers the dispatch as in
// flight. Callers must call wg.Done when err is nil.
func (b *Bus) targets(ev Event, keys []RegistrationKey, withGroups bool) ([]*groupRegistration, []*keyRegistration, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, nil, ErrBusClosed
	}
	var groups []*groupRegistration
	if withGroups {
		for _, reg := range b.groups {
			if reg.listener.IsHandling(ev) {
				groups = append(groups, reg)
			}
		}
	}
	keyed := b.keyListeners(ev, keys)
	b.wg.Add(1)
	return groups, keyed, nil
}

// dispatchKeys delivers ev to key listeners only. Used for events received
// from other nodes.
func (b *Bus) dispatchKeys(ctx context.Context, ev Event, keys []RegistrationKey) error {
	if ev.IsNoop() || len(keys) == 0 {
		return nil
	}
	_, keyed, err := b.targets(ev, keys, false)
	if err != nil {
		return err
	}
	defer b.wg.Done()
	for _, reg := range keyed {
		b.run(ctx, reg.listener.ExecutionMode(), func(ctx context.Context) {
			b.deliverKey(ctx, reg, ev)
		})
	}
	return nil
}

// keyListeners must be called with mu held. A listener registered on
// several of keys is returned once.
func (b *Bus) keyListeners(ev Event, keys []RegistrationKey) []*keyRegistration {
	seenReg := make(map[uint64]bool)
	seenListener := make(map[any]bool)
	var out []*keyRegistration
	for _, key := range keys {
		if key == nil {
			continue
		}
		for id, reg := range b.keys[key.AsString()] {
			if seenReg[id] || !reg.listener.IsHandling(ev) {
				continue
			}
			seenReg[id] = true
			if reg.identity != nil {
				if seenListener[reg.identity] {
					continue
				}
				seenListener[reg.identity] = true
			}
			out = append(out, reg)
		}
	}
	return out
}

type funcIdentity struct {
	typ     reflect.Type
	closure unsafe.Pointer
}

type asyncIdentity struct {
	inner any
}

// listenerIdentity returns a comparable identity for l. A func listener is
// identified by its closure, not its code, so two closures of one literal
// stay distinct while one func registered on several keys is one listener.
func listenerIdentity(l Listener) any {
	if a, ok := l.(asyncListener); ok {
		inner := listenerIdentity(a.Listener)
		if inner == nil {
			return nil
		}
		return asyncIdentity{inner}
	}
	v := reflect.ValueOf(l)
	switch {
	case v.Kind() == reflect.Func:
		// A func value is pointer shaped: the interface data word is its
		// closure.
		return funcIdentity{typ: v.Type(), closure: (*[2]unsafe.Pointer)(unsafe.Pointer(&l))[1]}
	case v.Comparable():
		return l
	}
	return nil
}

// ReDeliver delivers ev to group g only, synchronously. A failure is
// returned, not stored.
func (b *Bus) ReDeliver(ctx context.Context, g Group, ev Event) error {
	if ev == nil || g == "" {
		return ErrInvalidArgument
	}
	b.mu.RLock()
	reg, ok := b.groups[g]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrGroupRegistrationNotFound, g)
	}
	if err := b.attempt(ctx, reg.listener, ev); err != nil {
		return &DispatchError{Group: g, EventID: ev.EventID(), Err: err}
	}
	b.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("events.group", string(g))))
	return nil
}

// run must be called while the dispatch is counted in wg, so Close cannot
// start waiting before an asynchronous delivery is added.
func (b *Bus) run(ctx context.Context, mode ExecutionMode, fn func(ctx context.Context)) {
	if mode == Synchronous {
		fn(ctx)
		return
	}
	ctx = context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer b.sem.Release(1)
		fn(ctx)
	}()
}

func (b *Bus) deliverGroup(ctx context.Context, g Group, l Listener, ev Event) error {
	attrs := metric.WithAttributes(attribute.String("events.group", string(g)))
	err := b.attempt(ctx, l, ev)
	if err == nil {
		b.deliveries.Add(ctx, 1, attrs)
		return nil
	}

	b.failures.Add(ctx, 1, attrs)
	b.logger.Error("event listener failed, storing dead letter",
		"group", g, "event_id", ev.EventID(), "user", ev.Username(), "error", err)

	id, storeErr := b.opts.deadLetters.Store(ctx, g, ev)
	if storeErr != nil {
		b.logger.Error("failed to store dead letter", "group", g, "event_id", ev.EventID(), "error", storeErr)
		return &DispatchError{Group: g, EventID: ev.EventID(), Err: errors.Join(err, storeErr)}
	}
	b.deadLettered.Add(ctx, 1, attrs)
	b.logger.Debug("dead letter stored", "group", g, "event_id", ev.EventID(), "insertion_id", id)
	return nil
}

func (b *Bus) deliverKey(ctx context.Context, reg *keyRegistration, ev Event) {
	if err := safeEvent(ctx, reg.listener, ev); err != nil {
		b.logger.Error("event key listener failed", "key", reg.key, "event_id", ev.EventID(), "error", err)
		return
	}
	b.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("events.key", "registered")))
}

func (b *Bus) attempt(ctx context.Context, l Listener, ev Event) error {
	return retry.Do(ctx, b.opts.retry, func(ctx context.Context) error {
		return safeEvent(ctx, l, ev)
	})
}

func safeEvent(ctx context.Context, l Listener, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("events: listener panicked: %v", r)
		}
	}()
	return l.Event(ctx, ev)
}

// Close stops accepting events and waits for in-flight asynchronous
// deliveries or ctx to end.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
