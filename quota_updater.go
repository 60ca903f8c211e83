package mailcore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/quota"
)

// QuotaUpdaterGroup is the group the quota updater registers under.
const QuotaUpdaterGroup events.Group = "mailcore.QuotaUpdater"

// QuotaUpdater keeps current quotas in line with mailbox events and
// announces the new usage with QuotaUsageUpdated.
type QuotaUpdater struct {
	quota   *quota.Manager
	bus     events.EventBus
	tracker *quota.ThresholdTracker
	logger  *slog.Logger
}

var _ events.Listener = (*QuotaUpdater)(nil)

// NewQuotaUpdater creates an updater. tracker may be nil.
func NewQuotaUpdater(m *quota.Manager, bus events.EventBus, tracker *quota.ThresholdTracker, logger *slog.Logger) *QuotaUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaUpdater{quota: m, bus: bus, tracker: tracker, logger: logger}
}

func (u *QuotaUpdater) IsHandling(ev events.Event) bool {
	switch ev.(type) {
	case Added, Expunged, MailboxDeletion:
		return true
	}
	return false
}

func (u *QuotaUpdater) ExecutionMode() events.ExecutionMode { return events.Synchronous }

// Event applies ev to the current quotas. Only the update itself can fail:
// a retried delivery must not count the same messages twice.
func (u *QuotaUpdater) Event(ctx context.Context, ev events.Event) error {
	var (
		root quota.Root
		err  error
	)
	current := u.quota.Current()
	switch e := ev.(type) {
	case Added:
		root = quota.ForUser(e.User)
		err = current.Increase(ctx, root, quota.CountUsage(len(e.Messages)), quota.SizeUsage(e.Size()))
	case Expunged:
		root = quota.ForUser(e.User)
		err = current.Decrease(ctx, root, quota.CountUsage(len(e.Messages)), quota.SizeUsage(e.Size()))
	case MailboxDeletion:
		root = e.QuotaRoot
		if root.Value == "" {
			root = quota.ForUser(e.User)
		}
		if e.DeletedMessageCount == 0 && e.TotalDeletedSize == 0 {
			return nil
		}
		err = current.Decrease(ctx, root, quota.CountUsage(e.DeletedMessageCount), quota.SizeUsage(e.TotalDeletedSize))
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("update quota of %s: %w", root, err)
	}
	u.publish(ctx, ev.Username(), root)
	return nil
}

func (u *QuotaUpdater) publish(ctx context.Context, user string, root quota.Root) {
	count, err := u.quota.MessageQuota(ctx, root)
	if err != nil {
		u.logger.Warn("failed to read message quota", "root", root.String(), "error", err)
		return
	}
	size, err := u.quota.StorageQuota(ctx, root)
	if err != nil {
		u.logger.Warn("failed to read storage quota", "root", root.String(), "error", err)
		return
	}
	now := time.Now().UTC()
	u.dispatch(ctx, QuotaUsageUpdated{
		ID:        events.NewEventID(),
		User:      user,
		QuotaRoot: root,
		Count:     count,
		Size:      size,
		Instant:   now,
	})

	if u.tracker == nil {
		return
	}
	observed := []struct {
		kind quota.Kind
		q    quota.Ratioed
	}{
		{quota.KindCount, count},
		{quota.KindSize, size},
	}
	for _, o := range observed {
		change, ok := u.tracker.Observe(root, o.kind, o.q)
		if !ok {
			continue
		}
		u.logger.Info("quota threshold changed",
			"root", root.String(), "kind", o.kind, "previous", change.Previous, "current", change.Current,
			"evolution", change.Evolution.String())
		u.dispatch(ctx, QuotaThresholdChanged{
			ID:        events.NewEventID(),
			User:      user,
			QuotaRoot: root,
			Kind:      o.kind,
			Previous:  change.Previous,
			Current:   change.Current,
			Evolution: change.Evolution.String(),
			Instant:   now,
		})
	}
}

func (u *QuotaUpdater) dispatch(ctx context.Context, ev events.Event) {
	if err := u.bus.Dispatch(ctx, ev); err != nil {
		u.logger.Warn("failed to dispatch quota event", "event_id", ev.EventID(), "user", ev.Username(), "error", err)
	}
}
