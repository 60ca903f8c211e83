package eventsourcing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/rbaliyan/mailcore/retry"
)

// Command asks an aggregate to change.
type Command interface {
	AggregateID() AggregateID
}

// CommandHandler decides which events cmd produces given the current
// history. It must not have side effects: it may run again on conflicts.
type CommandHandler func(ctx context.Context, cmd Command, history History) ([]Event, error)

// Subscriber is notified of every appended event, in order.
type Subscriber func(ctx context.Context, ev Event)

// DefaultRetry bounds attempts on concurrent appends.
func DefaultRetry() retry.Config {
	return retry.Config{
		MaxRetries:     10,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		Multiplier:     2,
		Jitter:         0.5,
	}
}

// CommandDispatcher runs commands against an EventStore.
type CommandDispatcher struct {
	store  EventStore
	retry  retry.Config
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    map[reflect.Type]CommandHandler
	subscribers []Subscriber
}

// DispatcherOption configures a CommandDispatcher.
type DispatcherOption func(*CommandDispatcher)

// WithRetry sets the policy applied on ErrEventIDAlreadyExists.
func WithRetry(cfg retry.Config) DispatcherOption {
	return func(d *CommandDispatcher) {
		d.retry = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) DispatcherOption {
	return func(d *CommandDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithSubscriber adds a subscriber.
func WithSubscriber(s Subscriber) DispatcherOption {
	return func(d *CommandDispatcher) {
		if s != nil {
			d.subscribers = append(d.subscribers, s)
		}
	}
}

// NewCommandDispatcher creates a dispatcher over store.
func NewCommandDispatcher(store EventStore, opts ...DispatcherOption) *CommandDispatcher {
	d := &CommandDispatcher{
		store:    store,
		retry:    DefaultRetry(),
		logger:   slog.Default(),
		handlers: make(map[reflect.Type]CommandHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retry.IsRetryable = func(err error) bool {
		return errors.Is(err, ErrEventIDAlreadyExists)
	}
	return d
}

// Handle registers fn for commands of type C.
func Handle[C Command](d *CommandDispatcher, fn func(ctx context.Context, cmd C, history History) ([]Event, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[reflect.TypeFor[C]()] = func(ctx context.Context, cmd Command, history History) ([]Event, error) {
		return fn(ctx, cmd.(C), history)
	}
}

// Subscribe adds s after construction.
func (d *CommandDispatcher) Subscribe(s Subscriber) {
	d.mu.Lock()
	d.subscribers = append(d.subscribers, s)
	d.mu.Unlock()
}

// Dispatch loads the aggregate, runs the handler and appends its events,
// retrying when another writer got there first. Subscribers see the
// appended events before Dispatch returns.
func (d *CommandDispatcher) Dispatch(ctx context.Context, cmd Command) ([]Event, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnknownCommand)
	}
	d.mu.RLock()
	handler, ok := d.handlers[reflect.TypeOf(cmd)]
	subscribers := d.subscribers
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}

	events, err := retry.DoWithResult(ctx, d.retry, func(ctx context.Context) ([]Event, error) {
		history, err := d.store.History(ctx, cmd.AggregateID())
		if err != nil {
			return nil, err
		}
		events, err := handler(ctx, cmd, history)
		if err != nil {
			return nil, err
		}
		if err := d.store.Append(ctx, events...); err != nil {
			if errors.Is(err, ErrEventIDAlreadyExists) {
				d.logger.Debug("concurrent append, retrying command",
					"aggregate", cmd.AggregateID().AsAggregateKey(), "command", fmt.Sprintf("%T", cmd))
			}
			return nil, err
		}
		return events, nil
	})
	if err != nil {
		var re *retry.RetryError
		if errors.As(err, &re) {
			return nil, re.Cause
		}
		return nil, err
	}

	for _, ev := range events {
		for _, s := range subscribers {
			s(ctx, ev)
		}
	}
	return events, nil
}
