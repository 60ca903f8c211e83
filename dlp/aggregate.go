package dlp

import (
	"context"

	"github.com/rbaliyan/mailcore/eventsourcing"
	"github.com/rbaliyan/mailcore/eventsourcing/bolt"
)

// Event type names.
const (
	EventTypeItemsAdded   = "dlp-configuration-items-added"
	EventTypeItemsRemoved = "dlp-configuration-items-removed"
)

// AggregateID identifies the rule set of a domain.
type AggregateID struct {
	Domain string
}

func (id AggregateID) AsAggregateKey() string { return "DLPRule/" + id.Domain }

// ConfigurationItemsAdded records rules that appeared or changed.
type ConfigurationItemsAdded struct {
	Domain string                `msgpack:"domain"`
	ID     eventsourcing.EventID `msgpack:"id"`
	Rules  Rules                 `msgpack:"rules"`
}

func (e ConfigurationItemsAdded) AggregateID() eventsourcing.AggregateID {
	return AggregateID{Domain: e.Domain}
}
func (e ConfigurationItemsAdded) EventID() eventsourcing.EventID { return e.ID }
func (ConfigurationItemsAdded) Type() string                      { return EventTypeItemsAdded }

// ConfigurationItemsRemoved records rules that disappeared or changed.
type ConfigurationItemsRemoved struct {
	Domain string                `msgpack:"domain"`
	ID     eventsourcing.EventID `msgpack:"id"`
	Rules  Rules                 `msgpack:"rules"`
}

func (e ConfigurationItemsRemoved) AggregateID() eventsourcing.AggregateID {
	return AggregateID{Domain: e.Domain}
}
func (e ConfigurationItemsRemoved) EventID() eventsourcing.EventID { return e.ID }
func (ConfigurationItemsRemoved) Type() string                      { return EventTypeItemsRemoved }

// RegisterBoltTypes makes the DLP events decodable by a bolt event store.
func RegisterBoltTypes(r *bolt.Registry) {
	bolt.Register[ConfigurationItemsAdded](r, EventTypeItemsAdded)
	bolt.Register[ConfigurationItemsRemoved](r, EventTypeItemsRemoved)
}

// StoreCommand replaces the rules of a domain.
type StoreCommand struct {
	Domain string
	Rules  Rules
}

func (c StoreCommand) AggregateID() eventsourcing.AggregateID { return AggregateID{Domain: c.Domain} }

// ClearCommand removes every rule of a domain.
type ClearCommand struct {
	Domain string
}

func (c ClearCommand) AggregateID() eventsourcing.AggregateID { return AggregateID{Domain: c.Domain} }

// project replays history into the current rule set.
func project(history eventsourcing.History) Rules {
	var rules Rules
	for _, ev := range history.Events() {
		switch e := ev.(type) {
		case ConfigurationItemsAdded:
			rules = append(rules, e.Rules...)
		case ConfigurationItemsRemoved:
			removed := make(map[string]bool, len(e.Rules))
			for _, r := range e.Rules {
				removed[r.ID] = true
			}
			kept := rules[:0]
			for _, r := range rules {
				if !removed[r.ID] {
					kept = append(kept, r)
				}
			}
			rules = kept
		}
	}
	return rules
}

func handleStore(_ context.Context, cmd StoreCommand, history eventsourcing.History) ([]eventsourcing.Event, error) {
	if err := cmd.Rules.Validate(); err != nil {
		return nil, err
	}
	current := project(history)

	var removed, added Rules
	for _, r := range current {
		if next, ok := cmd.Rules.Find(r.ID); !ok || next != r {
			removed = append(removed, r)
		}
	}
	for _, r := range cmd.Rules {
		if prev, ok := current.Find(r.ID); !ok || prev != r {
			added = append(added, r)
		}
	}

	var events []eventsourcing.Event
	next := history.NextEventID()
	if len(removed) > 0 {
		events = append(events, ConfigurationItemsRemoved{Domain: cmd.Domain, ID: next, Rules: removed})
		next = next.Next()
	}
	if len(added) > 0 {
		events = append(events, ConfigurationItemsAdded{Domain: cmd.Domain, ID: next, Rules: added})
	}
	return events, nil
}

func handleClear(_ context.Context, cmd ClearCommand, history eventsourcing.History) ([]eventsourcing.Event, error) {
	current := project(history)
	if len(current) == 0 {
		return nil, nil
	}
	return []eventsourcing.Event{
		ConfigurationItemsRemoved{Domain: cmd.Domain, ID: history.NextEventID(), Rules: current},
	}, nil
}
