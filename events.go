package mailcore

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbaliyan/mailcore/events"
	"github.com/rbaliyan/mailcore/quota"
	"github.com/rbaliyan/mailcore/store"
	"github.com/rbaliyan/mailcore/task"
)

// Event type names registered with the serializer.
const (
	EventNameMailboxAdded          = "mailcore.MailboxAdded"
	EventNameMailboxDeletion       = "mailcore.MailboxDeletion"
	EventNameMailboxRenamed        = "mailcore.MailboxRenamed"
	EventNameAdded                 = "mailcore.Added"
	EventNameExpunged              = "mailcore.Expunged"
	EventNameFlagsUpdated          = "mailcore.FlagsUpdated"
	EventNameQuotaUsageUpdated     = "mailcore.QuotaUsageUpdated"
	EventNameQuotaThresholdChanged = "mailcore.QuotaThresholdChanged"
	EventNameTaskStarted           = "mailcore.TaskStarted"
	EventNameTaskCompleted         = "mailcore.TaskCompleted"
	EventNameTaskFailed            = "mailcore.TaskFailed"
	EventNameTaskCancelled         = "mailcore.TaskCancelled"
)

// SessionID identifies the session an event originates from.
type SessionID string

// MailboxEvent holds what every mailbox event carries.
type MailboxEvent struct {
	ID        events.EventID    `json:"event_id"`
	SessionID SessionID         `json:"session_id"`
	User      string            `json:"user"`
	Path      store.MailboxPath `json:"path"`
	MailboxID store.MailboxID   `json:"mailbox_id"`
}

func (e MailboxEvent) EventID() events.EventID { return e.ID }
func (e MailboxEvent) Username() string        { return e.User }

// MailboxAdded is dispatched when a mailbox is created.
type MailboxAdded struct {
	MailboxEvent
}

func (MailboxAdded) IsNoop() bool { return false }

// MailboxDeletion is dispatched when a mailbox and its messages are
// deleted.
type MailboxDeletion struct {
	MailboxEvent
	QuotaRoot           quota.Root `json:"quota_root"`
	DeletedMessageCount int64      `json:"deleted_message_count"`
	TotalDeletedSize    int64      `json:"total_deleted_size"`
}

func (MailboxDeletion) IsNoop() bool { return false }

// MailboxRenamed is dispatched for a renamed mailbox. Path is the old one.
type MailboxRenamed struct {
	MailboxEvent
	NewPath store.MailboxPath `json:"new_path"`
}

func (e MailboxRenamed) IsNoop() bool { return e.NewPath == e.Path }

// Added is dispatched when messages land in a mailbox.
type Added struct {
	MailboxEvent
	Messages []store.MessageMetaData `json:"messages"`
	// IsAppended is set for appends, unset for copies and moves.
	IsAppended bool `json:"is_appended"`
	IsMoved    bool `json:"is_moved"`
}

func (e Added) IsNoop() bool { return len(e.Messages) == 0 }

// UIDs returns the UIDs of the added messages.
func (e Added) UIDs() []store.UID { return uids(e.Messages) }

// Size returns the total size of the added messages.
func (e Added) Size() int64 { return totalSize(e.Messages) }

// Expunged is dispatched when messages leave a mailbox.
type Expunged struct {
	MailboxEvent
	Messages []store.MessageMetaData `json:"messages"`
	IsMoved  bool                    `json:"is_moved"`
}

func (e Expunged) IsNoop() bool { return len(e.Messages) == 0 }

// UIDs returns the UIDs of the expunged messages.
func (e Expunged) UIDs() []store.UID { return uids(e.Messages) }

// Size returns the total size of the expunged messages.
func (e Expunged) Size() int64 { return totalSize(e.Messages) }

// FlagsUpdated is dispatched after flag changes.
type FlagsUpdated struct {
	MailboxEvent
	Updated []store.UpdatedFlags `json:"updated"`
}

func (e FlagsUpdated) IsNoop() bool { return len(e.Updated) == 0 }

// QuotaUsageUpdated is dispatched by the quota updater after usage
// changed.
type QuotaUsageUpdated struct {
	ID        events.EventID                                  `json:"event_id"`
	User      string                                          `json:"user"`
	QuotaRoot quota.Root                                      `json:"quota_root"`
	Count     quota.Quota[quota.CountLimit, quota.CountUsage] `json:"count"`
	Size      quota.Quota[quota.SizeLimit, quota.SizeUsage]   `json:"size"`
	Instant   time.Time                                       `json:"instant"`
}

func (e QuotaUsageUpdated) EventID() events.EventID { return e.ID }
func (e QuotaUsageUpdated) Username() string        { return e.User }
func (QuotaUsageUpdated) IsNoop() bool              { return false }

// QuotaThresholdChanged is dispatched when a user's usage crosses a
// configured threshold, upward or downward.
type QuotaThresholdChanged struct {
	ID        events.EventID  `json:"event_id"`
	User      string          `json:"user"`
	QuotaRoot quota.Root      `json:"quota_root"`
	Kind      quota.Kind      `json:"kind"`
	Previous  quota.Threshold `json:"previous"`
	Current   quota.Threshold `json:"current"`
	Evolution string          `json:"evolution"`
	Instant   time.Time       `json:"instant"`
}

func (e QuotaThresholdChanged) EventID() events.EventID { return e.ID }
func (e QuotaThresholdChanged) Username() string        { return e.User }
func (QuotaThresholdChanged) IsNoop() bool              { return false }

// TaskEvent carries a task lifecycle transition. Task events have no user.
type TaskEvent struct {
	ID      events.EventID `json:"event_id"`
	TaskID  task.ID        `json:"task_id"`
	Type    string         `json:"type"`
	Status  task.Status    `json:"status"`
	Error   string         `json:"error,omitempty"`
	Instant time.Time      `json:"instant"`
}

func (e TaskEvent) EventID() events.EventID { return e.ID }
func (TaskEvent) Username() string          { return "" }
func (TaskEvent) IsNoop() bool              { return false }

// TaskStarted is dispatched when a task starts running.
type TaskStarted struct{ TaskEvent }

// TaskCompleted is dispatched when a task completes.
type TaskCompleted struct{ TaskEvent }

// TaskFailed is dispatched when a task fails or returns a partial result.
type TaskFailed struct{ TaskEvent }

// TaskCancelled is dispatched when a task is cancelled.
type TaskCancelled struct{ TaskEvent }

// RegisterEvents registers every mailcore event type with s.
func RegisterEvents(s *events.Serializer) error {
	regs := []func() error{
		func() error { return events.RegisterType[MailboxAdded](s, EventNameMailboxAdded) },
		func() error { return events.RegisterType[MailboxDeletion](s, EventNameMailboxDeletion) },
		func() error { return events.RegisterType[MailboxRenamed](s, EventNameMailboxRenamed) },
		func() error { return events.RegisterType[Added](s, EventNameAdded) },
		func() error { return events.RegisterType[Expunged](s, EventNameExpunged) },
		func() error { return events.RegisterType[FlagsUpdated](s, EventNameFlagsUpdated) },
		func() error { return events.RegisterType[QuotaUsageUpdated](s, EventNameQuotaUsageUpdated) },
		func() error { return events.RegisterType[QuotaThresholdChanged](s, EventNameQuotaThresholdChanged) },
		func() error { return events.RegisterType[TaskStarted](s, EventNameTaskStarted) },
		func() error { return events.RegisterType[TaskCompleted](s, EventNameTaskCompleted) },
		func() error { return events.RegisterType[TaskFailed](s, EventNameTaskFailed) },
		func() error { return events.RegisterType[TaskCancelled](s, EventNameTaskCancelled) },
	}
	for _, reg := range regs {
		if err := reg(); err != nil {
			return err
		}
	}
	return nil
}

// TaskEvents returns a task.Listener dispatching lifecycle transitions on
// bus. Waiting and cancel requested transitions are not dispatched.
func TaskEvents(bus events.EventBus, logger *slog.Logger) task.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, d task.ExecutionDetails) {
		base := TaskEvent{
			ID:      events.NewEventID(),
			TaskID:  d.ID,
			Type:    d.Type,
			Status:  d.Status,
			Error:   d.Error,
			Instant: time.Now().UTC(),
		}
		var ev events.Event
		switch d.Status {
		case task.StatusInProgress:
			ev = TaskStarted{base}
		case task.StatusCompleted:
			ev = TaskCompleted{base}
		case task.StatusFailed:
			ev = TaskFailed{base}
		case task.StatusCancelled:
			ev = TaskCancelled{base}
		default:
			return
		}
		if err := bus.Dispatch(ctx, ev); err != nil {
			logger.Warn("failed to dispatch task event", "task", d.ID, "status", d.Status, "error", err)
		}
	}
}

func uids(ms []store.MessageMetaData) []store.UID {
	out := make([]store.UID, len(ms))
	for i, m := range ms {
		out[i] = m.UID
	}
	return out
}

func totalSize(ms []store.MessageMetaData) int64 {
	var n int64
	for _, m := range ms {
		n += m.Size
	}
	return n
}
