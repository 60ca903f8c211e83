package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer turns registered event types into a JSON envelope and back.
type Serializer struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewSerializer returns a serializer with no registered type.
func NewSerializer() *Serializer {
	return &Serializer{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
}

// RegisterType makes T known to s under name. T may be a struct or a
// pointer to one. Registering the same pair again is a no-op.
func RegisterType[T Event](s *Serializer, name string) error {
	t := reflect.TypeFor[T]()
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byName[name]; ok && existing != t {
		return fmt.Errorf("events: type name %q already bound to %s", name, existing)
	}
	if existing, ok := s.byType[t]; ok && existing != name {
		return fmt.Errorf("events: type %s already registered as %q", t, existing)
	}
	s.byName[name] = t
	s.byType[t] = name
	return nil
}

// Marshal encodes ev as {"type": ..., "payload": ...}.
func (s *Serializer) Marshal(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, ErrInvalidArgument
	}
	s.mu.RLock()
	name, ok := s.byType[reflect.TypeOf(ev)]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnknownEventType, ev)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("events: marshal %s: %w", name, err)
	}
	return json.Marshal(envelope{Type: name, Payload: payload})
}

// Unmarshal decodes an envelope produced by Marshal.
func (s *Serializer) Unmarshal(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("events: decode envelope: %w", err)
	}
	s.mu.RLock()
	t, ok := s.byName[env.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
	}

	var target reflect.Value
	if t.Kind() == reflect.Pointer {
		target = reflect.New(t.Elem())
	} else {
		target = reflect.New(t)
	}
	if err := json.Unmarshal(env.Payload, target.Interface()); err != nil {
		return nil, fmt.Errorf("events: decode %s: %w", env.Type, err)
	}
	if t.Kind() != reflect.Pointer {
		target = target.Elem()
	}
	ev, ok := target.Interface().(Event)
	if !ok {
		return nil, fmt.Errorf("%w: %s does not implement Event", ErrUnknownEventType, t)
	}
	return ev, nil
}
