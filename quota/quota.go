// Package quota accounts message count and storage usage per quota root
// and resolves the limits that apply to it.
//
// Limits are set globally, per domain or per root. The most specific one
// wins.
package quota

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOverQuota is returned when an operation would exceed a limit.
	ErrOverQuota = errors.New("quota: over quota")

	// ErrInvalidLimit is returned for limits below Unlimited.
	ErrInvalidLimit = errors.New("quota: invalid limit")

	// ErrInvalidRoot is returned for empty quota roots.
	ErrInvalidRoot = errors.New("quota: invalid root")
)

// Namespace prefixes every user quota root.
const Namespace = "#private"

// Root is the unit usage is accounted against.
type Root struct {
	Value  string
	Domain string
}

// ForUser returns the quota root of user.
func ForUser(user string) Root {
	r := Root{Value: Namespace + "&" + user}
	if at := strings.LastIndex(user, "@"); at >= 0 && at < len(user)-1 {
		r.Domain = strings.ToLower(user[at+1:])
	}
	return r
}

func (r Root) String() string { return r.Value }

// Kind names the quantity a limit applies to.
type Kind string

const (
	KindCount Kind = "count"
	KindSize  Kind = "size"
)

// Unlimited is the limit value meaning no limit.
const Unlimited = -1

// CountLimit is a maximum number of messages.
type CountLimit int64

// SizeLimit is a maximum number of bytes.
type SizeLimit int64

// CountUsage is a number of messages.
type CountUsage int64

// SizeUsage is a number of bytes.
type SizeUsage int64

// ParseLimit checks v is a valid limit. 0 is valid and permits nothing.
func ParseLimit(v int64) (int64, error) {
	if v < Unlimited {
		return 0, fmt.Errorf("%w: %d", ErrInvalidLimit, v)
	}
	return v, nil
}

// Scope is where a limit was defined.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeDomain Scope = "domain"
	ScopeUser   Scope = "user"
)

// Quota is a usage and its effective limit.
type Quota[L ~int64, U ~int64] struct {
	Used  U
	Limit L
	// LimitByScope holds every limit defined for the root, effective or not.
	LimitByScope map[Scope]L
}

// IsUnlimited reports whether no limit applies.
func (q Quota[L, U]) IsUnlimited() bool {
	return q.Limit < 0
}

// IsOverQuota reports whether usage already exceeds the limit.
func (q Quota[L, U]) IsOverQuota() bool {
	return q.IsOverQuotaWithAdditionalValue(0)
}

// IsOverQuotaWithAdditionalValue reports whether adding n would exceed the
// limit.
func (q Quota[L, U]) IsOverQuotaWithAdditionalValue(n int64) bool {
	if q.IsUnlimited() {
		return false
	}
	return int64(q.Used)+n > int64(q.Limit)
}

// Ratio is the used share of the limit. It is 0 when unlimited and may
// exceed 1.
func (q Quota[L, U]) Ratio() float64 {
	switch {
	case q.IsUnlimited():
		return 0
	case q.Limit == 0:
		if q.Used > 0 {
			return 1
		}
		return 0
	}
	return float64(q.Used) / float64(q.Limit)
}

// CurrentQuotas is the usage of a root.
type CurrentQuotas struct {
	Count CountUsage `json:"count"`
	Size  SizeUsage  `json:"size"`
}

// OverQuotaError reports which limit an operation would exceed.
type OverQuotaError struct {
	Root  Root
	Kind  Kind
	Used  int64
	Limit int64
}

func (e *OverQuotaError) Error() string {
	return fmt.Sprintf("quota: %s over %s quota: %d used of %d", e.Root, e.Kind, e.Used, e.Limit)
}

func (e *OverQuotaError) Unwrap() error {
	return ErrOverQuota
}
