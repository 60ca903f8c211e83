package gc

import (
	"context"
	"sync/atomic"

	"github.com/rbaliyan/mailcore/task"
)

// Task runs a collection under the task manager.
type Task struct {
	collector *Collector
	params    Parameters
	progress  atomic.Pointer[progress]
}

// NewTask wraps a collection with params as a task.
func NewTask(c *Collector, params Parameters) *Task {
	t := &Task{collector: c, params: params}
	t.progress.Store(newProgress(params))
	return t
}

func (t *Task) Run(ctx context.Context) (task.Result, error) {
	return t.collector.run(ctx, t.params, t.progress.Load())
}

func (t *Task) Type() string { return TaskType }

func (t *Task) Details() task.AdditionalInformation {
	return t.progress.Load().snapshot()
}
