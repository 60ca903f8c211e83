package dlp

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rbaliyan/mailcore/eventsourcing"
	"github.com/rbaliyan/mailcore/eventsourcing/bolt"
)

var (
	ruleSender  = Rule{ID: "1", Expression: "bad@example\\.com", Explanation: "blocked sender", Targets: Targets{Sender: true}}
	ruleContent = Rule{ID: "2", Expression: "pony", Targets: Targets{Content: true}}
	ruleRcpt    = Rule{ID: "3", Expression: "leak@", Targets: Targets{Recipients: true}}
)

func newStore(t *testing.T, opts ...StoreOption) (*ConfigurationStore, *eventsourcing.MemoryEventStore) {
	t.Helper()
	es := eventsourcing.NewMemoryEventStore()
	return NewConfigurationStore(es, opts...), es
}

func historyLen(t *testing.T, es eventsourcing.EventStore, domain string) int {
	t.Helper()
	h, err := es.History(context.Background(), AggregateID{Domain: domain})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return len(h.Events())
}

func TestConfigurationStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty domain has no rules", func(t *testing.T) {
		s, _ := newStore(t)
		rules, err := s.List(ctx, "example.com")
		if err != nil || len(rules) != 0 {
			t.Fatalf("List: %v, %v", rules, err)
		}
	})

	t.Run("store then list", func(t *testing.T) {
		s, _ := newStore(t)
		if err := s.Store(ctx, "Example.COM", Rules{ruleSender, ruleContent}); err != nil {
			t.Fatalf("Store: %v", err)
		}
		rules, _ := s.List(ctx, "example.com")
		if len(rules) != 2 || rules[0] != ruleSender || rules[1] != ruleContent {
			t.Errorf("unexpected rules %+v", rules)
		}
	})

	t.Run("store replaces", func(t *testing.T) {
		s, es := newStore(t)
		_ = s.Store(ctx, "example.com", Rules{ruleSender, ruleContent})
		if err := s.Store(ctx, "example.com", Rules{ruleContent, ruleRcpt}); err != nil {
			t.Fatalf("Store: %v", err)
		}
		rules, _ := s.List(ctx, "example.com")
		if len(rules) != 2 || rules[0] != ruleContent || rules[1] != ruleRcpt {
			t.Errorf("unexpected rules %+v", rules)
		}
		if n := historyLen(t, es, "example.com"); n != 3 {
			t.Errorf("expected added, removed, added events, got %d", n)
		}
	})

	t.Run("unchanged store emits nothing", func(t *testing.T) {
		s, es := newStore(t)
		_ = s.Store(ctx, "example.com", Rules{ruleSender})
		_ = s.Store(ctx, "example.com", Rules{ruleSender})
		if n := historyLen(t, es, "example.com"); n != 1 {
			t.Errorf("expected a single event, got %d", n)
		}
	})

	t.Run("changed rule is removed then added", func(t *testing.T) {
		s, es := newStore(t)
		_ = s.Store(ctx, "example.com", Rules{ruleSender})
		changed := ruleSender
		changed.Expression = "other@example\\.com"
		_ = s.Store(ctx, "example.com", Rules{changed})

		h, _ := es.History(ctx, AggregateID{Domain: "example.com"})
		events := h.Events()
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		if _, ok := events[1].(ConfigurationItemsRemoved); !ok {
			t.Errorf("event 1: expected removal, got %T", events[1])
		}
		if added, ok := events[2].(ConfigurationItemsAdded); !ok || added.Rules[0] != changed {
			t.Errorf("event 2: expected addition of the changed rule, got %+v", events[2])
		}
	})

	t.Run("clear", func(t *testing.T) {
		s, es := newStore(t)
		if err := s.Clear(ctx, "example.com"); err != nil {
			t.Fatalf("Clear empty: %v", err)
		}
		if n := historyLen(t, es, "example.com"); n != 0 {
			t.Errorf("clearing nothing must not emit, got %d events", n)
		}
		_ = s.Store(ctx, "example.com", Rules{ruleSender, ruleContent})
		_ = s.Clear(ctx, "example.com")
		if rules, _ := s.List(ctx, "example.com"); len(rules) != 0 {
			t.Errorf("expected no rules, got %+v", rules)
		}
	})

	t.Run("fetch", func(t *testing.T) {
		s, _ := newStore(t)
		_ = s.Store(ctx, "example.com", Rules{ruleSender})
		r, err := s.Fetch(ctx, "example.com", "1")
		if err != nil || r != ruleSender {
			t.Errorf("Fetch: %+v, %v", r, err)
		}
		if _, err := s.Fetch(ctx, "example.com", "42"); !errors.Is(err, ErrRuleNotFound) {
			t.Errorf("expected ErrRuleNotFound, got %v", err)
		}
	})

	t.Run("duplicate ids", func(t *testing.T) {
		s, _ := newStore(t)
		dup := ruleContent
		dup.ID = ruleSender.ID
		if err := s.Store(ctx, "example.com", Rules{ruleSender, dup}); !errors.Is(err, ErrDuplicateRuleID) {
			t.Errorf("expected ErrDuplicateRuleID, got %v", err)
		}
	})

	t.Run("invalid rules", func(t *testing.T) {
		s, _ := newStore(t)
		for _, r := range []Rule{
			{Expression: "x"},
			{ID: "1"},
			{ID: "1", Expression: "(unclosed"},
		} {
			if err := s.Store(ctx, "example.com", Rules{r}); !errors.Is(err, ErrInvalidRule) {
				t.Errorf("rule %+v: expected ErrInvalidRule, got %v", r, err)
			}
		}
	})

	t.Run("domains", func(t *testing.T) {
		s, _ := newStore(t, WithDomainList(StaticDomainList{"example.com"}))
		if _, err := s.List(ctx, "other.org"); !errors.Is(err, ErrDomainNotManaged) {
			t.Errorf("expected ErrDomainNotManaged, got %v", err)
		}
		if _, err := s.List(ctx, "bob@example.com"); !errors.Is(err, ErrInvalidDomain) {
			t.Errorf("expected ErrInvalidDomain, got %v", err)
		}
		if rules, err := s.RulesFor(ctx, "other.org"); err != nil || rules != nil {
			t.Errorf("RulesFor unmanaged domain: %v, %v", rules, err)
		}
	})

	t.Run("every valid domain without a domain list", func(t *testing.T) {
		s, _ := newStore(t)
		if _, err := s.List(ctx, "other.org"); err != nil {
			t.Errorf("expected any domain to be managed, got %v", err)
		}
		if _, err := s.List(ctx, "bob@example.com"); !errors.Is(err, ErrInvalidDomain) {
			t.Errorf("expected ErrInvalidDomain, got %v", err)
		}
	})
}

func TestStoreJSON(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	doc := `{"rules":[{"id":"1","expression":"pony","explanation":"no ponies","targetsSender":false,"targetsRecipients":true,"targetsContent":true}]}`
	if err := s.StoreJSON(ctx, "example.com", []byte(doc)); err != nil {
		t.Fatalf("StoreJSON: %v", err)
	}
	r, _ := s.Fetch(ctx, "example.com", "1")
	want := Rule{ID: "1", Expression: "pony", Explanation: "no ponies", Targets: Targets{Recipients: true, Content: true}}
	if r != want {
		t.Errorf("got %+v, want %+v", r, want)
	}

	rules, _ := s.List(ctx, "example.com")
	out, err := MarshalRulesJSON(rules)
	if err != nil {
		t.Fatalf("MarshalRulesJSON: %v", err)
	}
	if back, err := ParseRulesJSON(out); err != nil || len(back) != 1 || back[0] != want {
		t.Errorf("document does not read back: %+v, %v", back, err)
	}

	for field, doc := range map[string]string{
		"id":         `{"rules":[{"expression":"x"}]}`,
		"expression": `{"rules":[{"id":"1"}]}`,
	} {
		var verr *ValidationError
		err := s.StoreJSON(ctx, "example.com", []byte(doc))
		if !errors.As(err, &verr) || verr.Field != field {
			t.Errorf("missing %s: got %v", field, err)
		}
	}
}

func TestBoltBackedStore(t *testing.T) {
	ctx := context.Background()
	r := bolt.NewRegistry()
	RegisterBoltTypes(r)
	es, err := bolt.Open(filepath.Join(t.TempDir(), "dlp.db"), r)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer es.Close()

	s := NewConfigurationStore(es)
	if err := s.Store(ctx, "example.com", Rules{ruleSender, ruleContent}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := s.Store(ctx, "example.com", Rules{ruleContent}); err != nil {
		t.Fatalf("Store: %v", err)
	}
	rules, err := s.List(ctx, "example.com")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rules) != 1 || rules[0] != ruleContent {
		t.Errorf("unexpected rules %+v", rules)
	}
}
