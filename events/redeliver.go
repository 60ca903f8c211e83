package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailcore/task"
)

// RedeliverTaskType identifies dead letter redeliveries in the task manager.
const RedeliverTaskType = "event-dead-letters-redeliver"

// RedeliverDetails reports a redelivery run.
type RedeliverDetails struct {
	At                          time.Time
	Group                       Group
	SuccessfulRedeliveriesCount int64
	FailedRedeliveriesCount     int64
}

func (d RedeliverDetails) Timestamp() time.Time { return d.At }

// RedeliverTask replays dead letters through ReDeliver and removes the ones
// that now succeed.
type RedeliverTask struct {
	bus         EventBus
	deadLetters DeadLetters
	group       Group
	logger      *slog.Logger

	successful atomic.Int64
	failed     atomic.Int64
}

var _ task.Task = (*RedeliverTask)(nil)

// NewEventDeadLettersRedeliverTask redelivers every dead letter, or only
// those of group when it is not empty.
func NewEventDeadLettersRedeliverTask(bus EventBus, deadLetters DeadLetters, group Group) *RedeliverTask {
	return &RedeliverTask{
		bus:         bus,
		deadLetters: deadLetters,
		group:       group,
		logger:      slog.Default(),
	}
}

func (t *RedeliverTask) Run(ctx context.Context) (task.Result, error) {
	groups := []Group{t.group}
	if t.group == "" {
		var err error
		groups, err = t.deadLetters.GroupsWithFailedEvents(ctx)
		if err != nil {
			return task.Partial, fmt.Errorf("list dead letter groups: %w", err)
		}
	}

	result := task.Completed
	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return task.Partial, err
		}
		if t.redeliverGroup(ctx, g) != task.Completed {
			result = task.Partial
		}
	}
	return result, nil
}

func (t *RedeliverTask) redeliverGroup(ctx context.Context, g Group) task.Result {
	ids, err := t.deadLetters.FailedIDs(ctx, g)
	if err != nil {
		t.logger.Error("failed to list dead letters", "group", g, "error", err)
		return task.Partial
	}
	result := task.Completed
	for _, id := range ids {
		ev, err := t.deadLetters.FailedEvent(ctx, g, id)
		if err != nil {
			t.logger.Error("failed to load dead letter", "group", g, "insertion_id", id, "error", err)
			t.failed.Add(1)
			result = task.Partial
			continue
		}
		if err := t.bus.ReDeliver(ctx, g, ev); err != nil {
			t.logger.Warn("dead letter redelivery failed", "group", g, "insertion_id", id, "event_id", ev.EventID(), "error", err)
			t.failed.Add(1)
			result = task.Partial
			continue
		}
		if err := t.deadLetters.Remove(ctx, g, id); err != nil {
			t.logger.Error("failed to remove redelivered dead letter", "group", g, "insertion_id", id, "error", err)
		}
		t.successful.Add(1)
	}
	return result
}

func (t *RedeliverTask) Type() string { return RedeliverTaskType }

func (t *RedeliverTask) Details() task.AdditionalInformation {
	return RedeliverDetails{
		At:                          time.Now().UTC(),
		Group:                       t.group,
		SuccessfulRedeliveriesCount: t.successful.Load(),
		FailedRedeliveriesCount:     t.failed.Load(),
	}
}
