package events

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// InsertionID identifies a stored dead letter.
type InsertionID string

// NewInsertionID returns a random InsertionID.
func NewInsertionID() InsertionID {
	return InsertionID(uuid.NewString())
}

// DeadLetters keeps group deliveries that failed every retry.
type DeadLetters interface {
	Store(ctx context.Context, g Group, ev Event) (InsertionID, error)
	// Remove deletes a dead letter. Unknown ids are ignored.
	Remove(ctx context.Context, g Group, id InsertionID) error
	RemoveEvents(ctx context.Context, g Group) error
	FailedEvent(ctx context.Context, g Group, id InsertionID) (Event, error)
	FailedIDs(ctx context.Context, g Group) ([]InsertionID, error)
	GroupsWithFailedEvents(ctx context.Context) ([]Group, error)
	ContainEvents(ctx context.Context) (bool, error)
}

type deadLetter struct {
	id    InsertionID
	event Event
}

// MemoryDeadLetters is a process local DeadLetters.
type MemoryDeadLetters struct {
	mu     sync.RWMutex
	groups map[Group][]deadLetter
}

var _ DeadLetters = (*MemoryDeadLetters)(nil)

// NewMemoryDeadLetters returns an empty store.
func NewMemoryDeadLetters() *MemoryDeadLetters {
	return &MemoryDeadLetters{groups: make(map[Group][]deadLetter)}
}

func (m *MemoryDeadLetters) Store(ctx context.Context, g Group, ev Event) (InsertionID, error) {
	if g == "" || ev == nil {
		return "", ErrInvalidArgument
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := NewInsertionID()
	m.mu.Lock()
	m.groups[g] = append(m.groups[g], deadLetter{id: id, event: ev})
	m.mu.Unlock()
	return id, nil
}

func (m *MemoryDeadLetters) Remove(_ context.Context, g Group, id InsertionID) error {
	if g == "" || id == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	letters := slices.DeleteFunc(m.groups[g], func(l deadLetter) bool { return l.id == id })
	if len(letters) == 0 {
		delete(m.groups, g)
	} else {
		m.groups[g] = letters
	}
	return nil
}

func (m *MemoryDeadLetters) RemoveEvents(_ context.Context, g Group) error {
	if g == "" {
		return ErrInvalidArgument
	}
	m.mu.Lock()
	delete(m.groups, g)
	m.mu.Unlock()
	return nil
}

func (m *MemoryDeadLetters) FailedEvent(_ context.Context, g Group, id InsertionID) (Event, error) {
	if g == "" || id == "" {
		return nil, ErrInvalidArgument
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, l := range m.groups[g] {
		if l.id == id {
			return l.event, nil
		}
	}
	return nil, ErrDeadLetterNotFound
}

func (m *MemoryDeadLetters) FailedIDs(_ context.Context, g Group) ([]InsertionID, error) {
	if g == "" {
		return nil, ErrInvalidArgument
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]InsertionID, 0, len(m.groups[g]))
	for _, l := range m.groups[g] {
		ids = append(ids, l.id)
	}
	return ids, nil
}

func (m *MemoryDeadLetters) GroupsWithFailedEvents(context.Context) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	groups := make([]Group, 0, len(m.groups))
	for g := range m.groups {
		groups = append(groups, g)
	}
	slices.Sort(groups)
	return groups, nil
}

func (m *MemoryDeadLetters) ContainEvents(context.Context) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups) > 0, nil
}
