package quota

import (
	"context"
	"fmt"
)

// Manager combines usage and limits.
type Manager struct {
	max     *MaxQuotaManager
	current CurrentQuotaManager
}

// NewManager returns a Manager. Nil arguments fall back to memory
// implementations.
func NewManager(limits *MaxQuotaManager, current CurrentQuotaManager) *Manager {
	if limits == nil {
		limits = NewMaxQuotaManager(NewMemoryLimitStore())
	}
	if current == nil {
		current = NewMemoryCurrentQuotaManager()
	}
	return &Manager{max: limits, current: current}
}

// Max returns the limit manager.
func (m *Manager) Max() *MaxQuotaManager { return m.max }

// Current returns the usage manager.
func (m *Manager) Current() CurrentQuotaManager { return m.current }

// MessageQuota returns the message count quota of root.
func (m *Manager) MessageQuota(ctx context.Context, root Root) (Quota[CountLimit, CountUsage], error) {
	usage, err := m.current.Get(ctx, root)
	if err != nil {
		return Quota[CountLimit, CountUsage]{}, fmt.Errorf("quota: usage of %s: %w", root, err)
	}
	byScope, err := m.max.ListMaxMessageDetails(ctx, root)
	if err != nil {
		return Quota[CountLimit, CountUsage]{}, err
	}
	limit, err := m.max.MaxMessage(ctx, root)
	if err != nil {
		return Quota[CountLimit, CountUsage]{}, err
	}
	return Quota[CountLimit, CountUsage]{Used: usage.Count, Limit: limit, LimitByScope: byScope}, nil
}

// StorageQuota returns the storage quota of root.
func (m *Manager) StorageQuota(ctx context.Context, root Root) (Quota[SizeLimit, SizeUsage], error) {
	usage, err := m.current.Get(ctx, root)
	if err != nil {
		return Quota[SizeLimit, SizeUsage]{}, fmt.Errorf("quota: usage of %s: %w", root, err)
	}
	byScope, err := m.max.ListMaxStorageDetails(ctx, root)
	if err != nil {
		return Quota[SizeLimit, SizeUsage]{}, err
	}
	limit, err := m.max.MaxStorage(ctx, root)
	if err != nil {
		return Quota[SizeLimit, SizeUsage]{}, err
	}
	return Quota[SizeLimit, SizeUsage]{Used: usage.Size, Limit: limit, LimitByScope: byScope}, nil
}

// CheckAddition returns an *OverQuotaError when adding count messages of
// size bytes to root would exceed a limit.
func (m *Manager) CheckAddition(ctx context.Context, root Root, count CountUsage, size SizeUsage) error {
	mq, err := m.MessageQuota(ctx, root)
	if err != nil {
		return err
	}
	if mq.IsOverQuotaWithAdditionalValue(int64(count)) {
		return &OverQuotaError{Root: root, Kind: KindCount, Used: int64(mq.Used), Limit: int64(mq.Limit)}
	}
	sq, err := m.StorageQuota(ctx, root)
	if err != nil {
		return err
	}
	if sq.IsOverQuotaWithAdditionalValue(int64(size)) {
		return &OverQuotaError{Root: root, Kind: KindSize, Used: int64(sq.Used), Limit: int64(sq.Limit)}
	}
	return nil
}
