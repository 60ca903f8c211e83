package eventsourcing

import (
	"context"
	"sync"
)

// EventStore appends to and reads aggregate histories.
type EventStore interface {
	// Append stores events atomically. All events must belong to the same
	// aggregate and continue its history.
	Append(ctx context.Context, events ...Event) error
	History(ctx context.Context, id AggregateID) (History, error)
}

// MemoryEventStore keeps histories in process memory.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]Event
}

var _ EventStore = (*MemoryEventStore)(nil)

// NewMemoryEventStore returns an empty store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]Event)}
}

func (s *MemoryEventStore) Append(ctx context.Context, events ...Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := events[0].AggregateID().AsAggregateKey()
	if _, err := CheckAppend(EventID(len(s.events[key])), events); err != nil {
		return err
	}
	s.events[key] = append(s.events[key], events...)
	return nil
}

func (s *MemoryEventStore) History(ctx context.Context, id AggregateID) (History, error) {
	if err := ctx.Err(); err != nil {
		return History{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.events[id.AsAggregateKey()]
	out := make([]Event, len(stored))
	copy(out, stored)
	return History{events: out}, nil
}
