package dlp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/rbaliyan/mailcore/eventsourcing"
)

// DomainList tells which domains are managed.
type DomainList interface {
	Contains(ctx context.Context, domain string) (bool, error)
}

// StaticDomainList is a fixed DomainList.
type StaticDomainList []string

func (l StaticDomainList) Contains(_ context.Context, domain string) (bool, error) {
	return slices.ContainsFunc(l, func(d string) bool { return strings.EqualFold(d, domain) }), nil
}

// RulesLoader returns the rules applying to mail sent from domain.
type RulesLoader interface {
	RulesFor(ctx context.Context, domain string) (Rules, error)
}

// ConfigurationStore manages DLP rules per domain.
type ConfigurationStore struct {
	events     eventsourcing.EventStore
	dispatcher *eventsourcing.CommandDispatcher
	domains    DomainList
	logger     *slog.Logger
}

var _ RulesLoader = (*ConfigurationStore)(nil)

// StoreOption configures a ConfigurationStore.
type StoreOption func(*ConfigurationStore)

// WithDomainList restricts the store to managed domains. By default every
// valid domain is accepted.
func WithDomainList(l DomainList) StoreOption {
	return func(s *ConfigurationStore) {
		if l != nil {
			s.domains = l
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *ConfigurationStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewConfigurationStore stores rules as events in es.
func NewConfigurationStore(es eventsourcing.EventStore, opts ...StoreOption) *ConfigurationStore {
	s := &ConfigurationStore{
		events: es,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.dispatcher = eventsourcing.NewCommandDispatcher(es,
		eventsourcing.WithLogger(s.logger),
		eventsourcing.WithSubscriber(s.logEvent),
	)
	eventsourcing.Handle(s.dispatcher, handleStore)
	eventsourcing.Handle(s.dispatcher, handleClear)
	return s
}

func (s *ConfigurationStore) logEvent(_ context.Context, ev eventsourcing.Event) {
	switch e := ev.(type) {
	case ConfigurationItemsAdded:
		s.logger.Info("dlp rules added", "domain", e.Domain, "count", len(e.Rules))
	case ConfigurationItemsRemoved:
		s.logger.Info("dlp rules removed", "domain", e.Domain, "count", len(e.Rules))
	}
}

func (s *ConfigurationStore) checkDomain(ctx context.Context, domain string) (string, error) {
	d, err := NormalizeDomain(domain)
	if err != nil {
		return "", err
	}
	if s.domains == nil {
		return d, nil
	}
	ok, err := s.domains.Contains(ctx, d)
	if err != nil {
		return "", fmt.Errorf("dlp: check domain: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrDomainNotManaged, d)
	}
	return d, nil
}

// List returns the rules of domain in order.
func (s *ConfigurationStore) List(ctx context.Context, domain string) (Rules, error) {
	d, err := s.checkDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	history, err := s.events.History(ctx, AggregateID{Domain: d})
	if err != nil {
		return nil, fmt.Errorf("dlp: load %s: %w", d, err)
	}
	return project(history), nil
}

// Store replaces the rules of domain.
func (s *ConfigurationStore) Store(ctx context.Context, domain string, rules Rules) error {
	d, err := s.checkDomain(ctx, domain)
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Dispatch(ctx, StoreCommand{Domain: d, Rules: rules})
	return err
}

// Clear removes every rule of domain.
func (s *ConfigurationStore) Clear(ctx context.Context, domain string) error {
	d, err := s.checkDomain(ctx, domain)
	if err != nil {
		return err
	}
	_, err = s.dispatcher.Dispatch(ctx, ClearCommand{Domain: d})
	return err
}

// Fetch returns a single rule.
func (s *ConfigurationStore) Fetch(ctx context.Context, domain, ruleID string) (Rule, error) {
	rules, err := s.List(ctx, domain)
	if err != nil {
		return Rule{}, err
	}
	r, ok := rules.Find(ruleID)
	if !ok {
		return Rule{}, fmt.Errorf("%w: %s", ErrRuleNotFound, ruleID)
	}
	return r, nil
}

// RulesFor implements RulesLoader. Unmanaged domains have no rules.
func (s *ConfigurationStore) RulesFor(ctx context.Context, domain string) (Rules, error) {
	rules, err := s.List(ctx, domain)
	if errors.Is(err, ErrDomainNotManaged) || errors.Is(err, ErrInvalidDomain) {
		return nil, nil
	}
	return rules, err
}

type ruleDocument struct {
	ID                string `json:"id"`
	Expression        string `json:"expression"`
	Explanation       string `json:"explanation,omitempty"`
	TargetsSender     bool   `json:"targetsSender"`
	TargetsRecipients bool   `json:"targetsRecipients"`
	TargetsContent    bool   `json:"targetsContent"`
}

type rulesDocument struct {
	Rules []ruleDocument `json:"rules"`
}

// ParseRulesJSON decodes {"rules": [...]} into Rules and validates them.
func ParseRulesJSON(data []byte) (Rules, error) {
	var doc rulesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	rules := make(Rules, 0, len(doc.Rules))
	for _, d := range doc.Rules {
		rules = append(rules, Rule{
			ID:          d.ID,
			Expression:  d.Expression,
			Explanation: d.Explanation,
			Targets: Targets{
				Sender:     d.TargetsSender,
				Recipients: d.TargetsRecipients,
				Content:    d.TargetsContent,
			},
		})
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// MarshalRulesJSON encodes rules in the document format ParseRulesJSON reads.
func MarshalRulesJSON(rules Rules) ([]byte, error) {
	doc := rulesDocument{Rules: make([]ruleDocument, 0, len(rules))}
	for _, r := range rules {
		doc.Rules = append(doc.Rules, ruleDocument{
			ID:                r.ID,
			Expression:        r.Expression,
			Explanation:       r.Explanation,
			TargetsSender:     r.Targets.Sender,
			TargetsRecipients: r.Targets.Recipients,
			TargetsContent:    r.Targets.Content,
		})
	}
	return json.Marshal(doc)
}

// StoreJSON replaces the rules of domain with a JSON document.
func (s *ConfigurationStore) StoreJSON(ctx context.Context, domain string, data []byte) error {
	rules, err := ParseRulesJSON(data)
	if err != nil {
		return err
	}
	return s.Store(ctx, domain, rules)
}
