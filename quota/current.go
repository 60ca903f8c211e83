package quota

import (
	"context"
	"sync"
)

// CurrentQuotaManager tracks usage per root. Decrease never takes usage
// below zero.
type CurrentQuotaManager interface {
	Increase(ctx context.Context, root Root, count CountUsage, size SizeUsage) error
	Decrease(ctx context.Context, root Root, count CountUsage, size SizeUsage) error
	Get(ctx context.Context, root Root) (CurrentQuotas, error)
	Set(ctx context.Context, root Root, q CurrentQuotas) error
}

// MemoryCurrentQuotaManager keeps usage in memory.
type MemoryCurrentQuotaManager struct {
	mu    sync.Mutex
	usage map[string]CurrentQuotas
}

var _ CurrentQuotaManager = (*MemoryCurrentQuotaManager)(nil)

func NewMemoryCurrentQuotaManager() *MemoryCurrentQuotaManager {
	return &MemoryCurrentQuotaManager{usage: make(map[string]CurrentQuotas)}
}

func (m *MemoryCurrentQuotaManager) Increase(_ context.Context, root Root, count CountUsage, size SizeUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.usage[root.Value]
	q.Count += count
	q.Size += size
	m.usage[root.Value] = q
	return nil
}

func (m *MemoryCurrentQuotaManager) Decrease(_ context.Context, root Root, count CountUsage, size SizeUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.usage[root.Value]
	q.Count = max(q.Count-count, 0)
	q.Size = max(q.Size-size, 0)
	m.usage[root.Value] = q
	return nil
}

func (m *MemoryCurrentQuotaManager) Get(_ context.Context, root Root) (CurrentQuotas, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage[root.Value], nil
}

func (m *MemoryCurrentQuotaManager) Set(_ context.Context, root Root, q CurrentQuotas) error {
	m.mu.Lock()
	m.usage[root.Value] = q
	m.mu.Unlock()
	return nil
}
