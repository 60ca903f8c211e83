// Package task runs long administrative jobs, such as blob garbage collection
// or dead letter redelivery, one at a time and keeps their execution details
// for inspection.
package task

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTaskNotFound is returned for unknown task IDs.
	ErrTaskNotFound = errors.New("task: not found")

	// ErrReachedTimeout is returned by Await when the task is still running.
	ErrReachedTimeout = errors.New("task: timeout reached while awaiting")

	// ErrManagerClosed is returned when submitting to a closed manager.
	ErrManagerClosed = errors.New("task: manager closed")
)

// Result is the outcome a task reports.
type Result int

const (
	// Completed means the task did everything it set out to do.
	Completed Result = iota
	// Partial means some work failed. The task is marked failed.
	Partial
)

func (r Result) String() string {
	if r == Partial {
		return "partial"
	}
	return "completed"
}

// ID identifies a submitted task.
type ID string

// NewID returns a random task ID.
func NewID() ID {
	return ID(uuid.NewString())
}

// Status is a task's position in its lifecycle.
type Status string

const (
	StatusWaiting         Status = "waiting"
	StatusInProgress      Status = "inProgress"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelRequested Status = "cancelRequested"
	StatusCancelled       Status = "cancelled"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AdditionalInformation is a task specific progress report.
type AdditionalInformation interface {
	// Timestamp is when the report was produced.
	Timestamp() time.Time
}

// Task is a unit of work run by the Manager.
type Task interface {
	// Run does the work. ctx is cancelled when the task is cancelled or the
	// manager closes.
	Run(ctx context.Context) (Result, error)

	// Type names the kind of task, e.g. "blob-gc".
	Type() string

	// Details returns the current progress. It may be called concurrently
	// with Run and may return nil.
	Details() AdditionalInformation
}

// ExecutionDetails is a snapshot of a task's state.
type ExecutionDetails struct {
	ID                    ID
	Type                  string
	Status                Status
	AdditionalInformation AdditionalInformation
	SubmittedAt           time.Time
	StartedAt             *time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
	CancelRequestedAt     *time.Time
	CancelledAt           *time.Time
	Error                 string
}

// Func adapts a function into a Task without additional information.
type Func struct {
	Name string
	Fn   func(ctx context.Context) (Result, error)
}

// NewFunc wraps fn as a task of the given type.
func NewFunc(name string, fn func(ctx context.Context) (Result, error)) *Func {
	return &Func{Name: name, Fn: fn}
}

func (f *Func) Run(ctx context.Context) (Result, error) { return f.Fn(ctx) }

func (f *Func) Type() string { return f.Name }

func (f *Func) Details() AdditionalInformation { return nil }
