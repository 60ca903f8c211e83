// Package dlp holds per-domain data loss prevention rules and matches
// outgoing mail against them.
//
// Rules are stored as an event-sourced aggregate per domain. A rule is a
// regular expression checked against the sender, the recipients or the
// content of a mail, depending on its targets.
package dlp

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	// ErrDuplicateRuleID is returned when a rule set reuses an id.
	ErrDuplicateRuleID = errors.New("dlp: duplicate rule id")

	// ErrRuleNotFound is returned by Fetch.
	ErrRuleNotFound = errors.New("dlp: rule not found")

	// ErrDomainNotManaged is returned for domains outside the domain list.
	ErrDomainNotManaged = errors.New("dlp: domain not managed")

	// ErrInvalidDomain is returned for empty domains or domains with an @.
	ErrInvalidDomain = errors.New("dlp: invalid domain")

	// ErrInvalidRule is returned for rules missing mandatory fields or with
	// an expression that does not compile.
	ErrInvalidRule = errors.New("dlp: invalid rule")

	// ErrNilMail is returned by Match for a nil mail.
	ErrNilMail = errors.New("dlp: nil mail")
)

// ValidationError names the offending field of a rule.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dlp: '%s' is invalid: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("dlp: '%s' is mandatory", e.Field)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidRule
}

// Targets selects what a rule is matched against.
type Targets struct {
	Sender     bool `json:"sender" msgpack:"sender"`
	Recipients bool `json:"recipients" msgpack:"recipients"`
	Content    bool `json:"content" msgpack:"content"`
}

// Rule is a single DLP rule.
type Rule struct {
	ID          string  `json:"id" msgpack:"id"`
	Expression  string  `json:"expression" msgpack:"expression"`
	Explanation string  `json:"explanation,omitempty" msgpack:"explanation"`
	Targets     Targets `json:"targets" msgpack:"targets"`
}

// Validate checks mandatory fields and compiles the expression.
func (r Rule) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id"}
	}
	if r.Expression == "" {
		return &ValidationError{Field: "expression"}
	}
	if _, err := regexp.Compile(r.Expression); err != nil {
		return &ValidationError{Field: "expression", Err: err}
	}
	return nil
}

// Rules is an ordered rule set.
type Rules []Rule

// Validate validates every rule and checks ids are unique.
func (rs Rules) Validate() error {
	seen := make(map[string]bool, len(rs))
	for _, r := range rs {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateRuleID, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// Find returns the rule with id.
func (rs Rules) Find(id string) (Rule, bool) {
	for _, r := range rs {
		if r.ID == id {
			return r, true
		}
	}
	return Rule{}, false
}

// NormalizeDomain lowercases domain and rejects invalid ones.
func NormalizeDomain(domain string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(domain))
	if d == "" || strings.Contains(d, "@") {
		return "", fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}
	return d, nil
}
