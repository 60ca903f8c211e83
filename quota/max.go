package quota

import (
	"context"
	"fmt"
	"sync"
)

// LimitKey addresses a limit. Key is empty for the global scope, the domain
// for the domain scope and the root value for the user scope.
type LimitKey struct {
	Scope Scope
	Key   string
	Kind  Kind
}

// LimitStore persists limits.
type LimitStore interface {
	SetLimit(ctx context.Context, k LimitKey, value int64) error
	// Limit returns false when no limit is defined for k.
	Limit(ctx context.Context, k LimitKey) (int64, bool, error)
	RemoveLimit(ctx context.Context, k LimitKey) error
}

// MemoryLimitStore keeps limits in memory.
type MemoryLimitStore struct {
	mu     sync.RWMutex
	limits map[LimitKey]int64
}

var _ LimitStore = (*MemoryLimitStore)(nil)

func NewMemoryLimitStore() *MemoryLimitStore {
	return &MemoryLimitStore{limits: make(map[LimitKey]int64)}
}

func (s *MemoryLimitStore) SetLimit(_ context.Context, k LimitKey, value int64) error {
	s.mu.Lock()
	s.limits[k] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryLimitStore) Limit(_ context.Context, k LimitKey) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.limits[k]
	return v, ok, nil
}

func (s *MemoryLimitStore) RemoveLimit(_ context.Context, k LimitKey) error {
	s.mu.Lock()
	delete(s.limits, k)
	s.mu.Unlock()
	return nil
}

// MaxQuotaManager sets limits and resolves the effective one for a root.
type MaxQuotaManager struct {
	store LimitStore
}

// NewMaxQuotaManager manages the limits held by store.
func NewMaxQuotaManager(store LimitStore) *MaxQuotaManager {
	return &MaxQuotaManager{store: store}
}

func (m *MaxQuotaManager) set(ctx context.Context, k LimitKey, v int64) error {
	if _, err := ParseLimit(v); err != nil {
		return err
	}
	if k.Scope != ScopeGlobal && k.Key == "" {
		return fmt.Errorf("%w: empty %s key", ErrInvalidRoot, k.Scope)
	}
	return m.store.SetLimit(ctx, k, v)
}

func (m *MaxQuotaManager) SetGlobalMaxMessage(ctx context.Context, v CountLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeGlobal, Kind: KindCount}, int64(v))
}

func (m *MaxQuotaManager) SetGlobalMaxStorage(ctx context.Context, v SizeLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeGlobal, Kind: KindSize}, int64(v))
}

func (m *MaxQuotaManager) SetDomainMaxMessage(ctx context.Context, domain string, v CountLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeDomain, Key: domain, Kind: KindCount}, int64(v))
}

func (m *MaxQuotaManager) SetDomainMaxStorage(ctx context.Context, domain string, v SizeLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeDomain, Key: domain, Kind: KindSize}, int64(v))
}

func (m *MaxQuotaManager) SetMaxMessage(ctx context.Context, root Root, v CountLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeUser, Key: root.Value, Kind: KindCount}, int64(v))
}

func (m *MaxQuotaManager) SetMaxStorage(ctx context.Context, root Root, v SizeLimit) error {
	return m.set(ctx, LimitKey{Scope: ScopeUser, Key: root.Value, Kind: KindSize}, int64(v))
}

// RemoveLimit removes a limit of any scope. Removing a missing limit is
// not an error.
func (m *MaxQuotaManager) RemoveLimit(ctx context.Context, k LimitKey) error {
	return m.store.RemoveLimit(ctx, k)
}

// GetLimit returns the limit defined at k.
func (m *MaxQuotaManager) GetLimit(ctx context.Context, k LimitKey) (int64, bool, error) {
	return m.store.Limit(ctx, k)
}

func keysFor(root Root, kind Kind) []LimitKey {
	keys := []LimitKey{{Scope: ScopeUser, Key: root.Value, Kind: kind}}
	if root.Domain != "" {
		keys = append(keys, LimitKey{Scope: ScopeDomain, Key: root.Domain, Kind: kind})
	}
	return append(keys, LimitKey{Scope: ScopeGlobal, Kind: kind})
}

// details returns the limits defined for root and the effective one.
func (m *MaxQuotaManager) details(ctx context.Context, root Root, kind Kind) (map[Scope]int64, int64, error) {
	byScope := make(map[Scope]int64)
	effective := int64(Unlimited)
	found := false
	for _, k := range keysFor(root, kind) {
		v, ok, err := m.store.Limit(ctx, k)
		if err != nil {
			return nil, 0, fmt.Errorf("quota: read %s %s limit: %w", k.Scope, kind, err)
		}
		if !ok {
			continue
		}
		byScope[k.Scope] = v
		if !found {
			effective, found = v, true
		}
	}
	return byScope, effective, nil
}

// MaxMessage returns the effective message count limit of root.
func (m *MaxQuotaManager) MaxMessage(ctx context.Context, root Root) (CountLimit, error) {
	_, v, err := m.details(ctx, root, KindCount)
	return CountLimit(v), err
}

// MaxStorage returns the effective storage limit of root.
func (m *MaxQuotaManager) MaxStorage(ctx context.Context, root Root) (SizeLimit, error) {
	_, v, err := m.details(ctx, root, KindSize)
	return SizeLimit(v), err
}

// ListMaxMessageDetails returns every message count limit defined for root.
func (m *MaxQuotaManager) ListMaxMessageDetails(ctx context.Context, root Root) (map[Scope]CountLimit, error) {
	byScope, _, err := m.details(ctx, root, KindCount)
	if err != nil {
		return nil, err
	}
	out := make(map[Scope]CountLimit, len(byScope))
	for s, v := range byScope {
		out[s] = CountLimit(v)
	}
	return out, nil
}

// ListMaxStorageDetails returns every storage limit defined for root.
func (m *MaxQuotaManager) ListMaxStorageDetails(ctx context.Context, root Root) (map[Scope]SizeLimit, error) {
	byScope, _, err := m.details(ctx, root, KindSize)
	if err != nil {
		return nil, err
	}
	out := make(map[Scope]SizeLimit, len(byScope))
	for s, v := range byScope {
		out[s] = SizeLimit(v)
	}
	return out, nil
}
