// Package bolt stores event histories in a bbolt file.
//
// Every aggregate gets its own bucket named after its key. Events are keyed
// by their big-endian id so cursor order is history order, and stored as a
// msgpack envelope naming the registered event type.
package bolt

import (
	"context"
	"encoding/binary"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/rbaliyan/mailcore/eventsourcing"
	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"
)

// DefaultOpenTimeout bounds waiting for the file lock.
const DefaultOpenTimeout = time.Second

type envelope struct {
	Type    string `msgpack:"type"`
	Payload []byte `msgpack:"payload"`
}

// Registry maps event type names to Go types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{types: make(map[string]reflect.Type)}
}

// Register makes T decodable. name must be what T.Type() returns.
func Register[T eventsourcing.Event](r *Registry, name string) {
	r.mu.Lock()
	r.types[name] = reflect.TypeFor[T]()
	r.mu.Unlock()
}

func (r *Registry) decode(env envelope) (eventsourcing.Event, error) {
	r.mu.RLock()
	t, ok := r.types[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", eventsourcing.ErrUnknownEventType, env.Type)
	}
	ptr := t.Kind() == reflect.Pointer
	var target reflect.Value
	if ptr {
		target = reflect.New(t.Elem())
	} else {
		target = reflect.New(t)
	}
	if err := msgpack.Unmarshal(env.Payload, target.Interface()); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if !ptr {
		target = target.Elem()
	}
	ev, ok := target.Interface().(eventsourcing.Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not implement Event", eventsourcing.ErrUnknownEventType, t)
	}
	return ev, nil
}

// Store implements eventsourcing.EventStore over bbolt.
type Store struct {
	db       *bbolt.DB
	registry *Registry
	owned    bool
}

var _ eventsourcing.EventStore = (*Store)(nil)

// Open opens or creates the database at path.
func Open(path string, registry *Registry) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	return &Store{db: db, registry: registry, owned: true}, nil
}

// New uses an already open database. Close leaves it open.
func New(db *bbolt.DB, registry *Registry) *Store {
	return &Store{db: db, registry: registry}
}

func eventKey(id eventsourcing.EventID) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(id))
	return k
}

func (s *Store) Append(ctx context.Context, events ...eventsourcing.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	values := make([][]byte, len(events))
	for i, ev := range events {
		payload, err := msgpack.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode %s: %w", ev.Type(), err)
		}
		values[i], err = msgpack.Marshal(envelope{Type: ev.Type(), Payload: payload})
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(events[0].AggregateID().AsAggregateKey()))
		if err != nil {
			return err
		}
		next := eventsourcing.First
		if k, _ := bucket.Cursor().Last(); k != nil {
			next = eventsourcing.EventID(binary.BigEndian.Uint64(k)).Next()
		}
		if _, err := eventsourcing.CheckAppend(next, events); err != nil {
			return err
		}
		for i, ev := range events {
			if err := bucket.Put(eventKey(ev.EventID()), values[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) History(ctx context.Context, id eventsourcing.AggregateID) (eventsourcing.History, error) {
	if err := ctx.Err(); err != nil {
		return eventsourcing.History{}, err
	}
	var events []eventsourcing.Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(id.AsAggregateKey()))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			var env envelope
			if err := msgpack.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("decode envelope: %w", err)
			}
			ev, err := s.registry.decode(env)
			if err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	if err != nil {
		return eventsourcing.History{}, fmt.Errorf("load %s: %w", id.AsAggregateKey(), err)
	}
	return eventsourcing.NewHistory(events...)
}

// Close closes the database when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
