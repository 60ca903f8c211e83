package task

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/rbaliyan/mailcore/task"

type entry struct {
	task     Task
	details  ExecutionDetails
	cancel   context.CancelFunc
	finished chan struct{}
}

// Manager runs submitted tasks sequentially, in submission order, on a
// single worker goroutine.
type Manager struct {
	opts   *options
	logger *slog.Logger

	mu      sync.Mutex
	entries map[ID]*entry
	queue   []*entry
	closed  bool

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	duration metric.Float64Histogram
	outcomes metric.Int64Counter
}

// NewManager creates a manager and starts its worker.
func NewManager(opts ...Option) (*Manager, error) {
	o := newOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		opts:    o,
		logger:  o.logger,
		entries: make(map[ID]*entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if err := m.initMetrics(o.meterProvider); err != nil {
		cancel()
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	m.wg.Add(1)
	go m.work()
	return m, nil
}

func (m *Manager) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)

	var err error
	m.duration, err = meter.Float64Histogram(
		"task.duration",
		metric.WithDescription("Duration of task executions"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	m.outcomes, err = meter.Int64Counter(
		"task.outcomes",
		metric.WithDescription("Number of finished tasks by status"),
	)
	return err
}

// Submit queues t and returns its ID.
func (m *Manager) Submit(t Task) (ID, error) {
	if t == nil {
		return "", fmt.Errorf("task: nil task")
	}
	e := &entry{
		task: t,
		details: ExecutionDetails{
			ID:          NewID(),
			Type:        t.Type(),
			Status:      StatusWaiting,
			SubmittedAt: time.Now().UTC(),
		},
		finished: make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrManagerClosed
	}
	m.entries[e.details.ID] = e
	m.queue = append(m.queue, e)
	snapshot := e.details
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	m.logger.Debug("task submitted", "id", snapshot.ID, "type", snapshot.Type)
	m.notify(snapshot)
	return snapshot.ID, nil
}

// Details returns a snapshot of the task.
func (m *Manager) Details(id ID) (ExecutionDetails, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ExecutionDetails{}, ErrTaskNotFound
	}
	d := e.details
	m.mu.Unlock()

	d.AdditionalInformation = e.task.Details()
	return d, nil
}

// List returns every known task, oldest first.
func (m *Manager) List() []ExecutionDetails {
	return m.list(func(Status) bool { return true })
}

// ListByStatus returns the tasks currently in status.
func (m *Manager) ListByStatus(status Status) []ExecutionDetails {
	return m.list(func(s Status) bool { return s == status })
}

func (m *Manager) list(keep func(Status) bool) []ExecutionDetails {
	m.mu.Lock()
	type pair struct {
		d ExecutionDetails
		t Task
	}
	var items []pair
	for _, e := range m.entries {
		if keep(e.details.Status) {
			items = append(items, pair{e.details, e.task})
		}
	}
	m.mu.Unlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].d.SubmittedAt.Before(items[j].d.SubmittedAt)
	})
	out := make([]ExecutionDetails, len(items))
	for i, it := range items {
		out[i] = it.d
		out[i].AdditionalInformation = it.t.Details()
	}
	return out
}

// Cancel asks the task to stop. Waiting tasks are cancelled when dequeued,
// running ones through their context. Finished tasks are left untouched.
func (m *Manager) Cancel(id ID) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return ErrTaskNotFound
	}
	var cancel context.CancelFunc
	switch e.details.Status {
	case StatusWaiting, StatusInProgress:
		now := time.Now().UTC()
		e.details.Status = StatusCancelRequested
		e.details.CancelRequestedAt = &now
		cancel = e.cancel
	default:
		m.mu.Unlock()
		return nil
	}
	snapshot := e.details
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.logger.Info("task cancellation requested", "id", id, "type", snapshot.Type)
	m.notify(snapshot)
	return nil
}

// Await blocks until the task reaches a terminal status, timeout elapses or
// ctx is done.
func (m *Manager) Await(ctx context.Context, id ID, timeout time.Duration) (ExecutionDetails, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return ExecutionDetails{}, ErrTaskNotFound
	}
	select {
	case <-e.finished:
		return m.Details(id)
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.finished:
		return m.Details(id)
	case <-timer.C:
		return ExecutionDetails{}, ErrReachedTimeout
	case <-ctx.Done():
		return ExecutionDetails{}, ctx.Err()
	}
}

// Close cancels the running task, marks queued tasks cancelled and waits
// for the worker to exit or ctx to end.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.done)
	m.mu.Unlock()

	m.cancel()

	stopped := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, e := range pending {
		m.finish(e, func(d *ExecutionDetails, now time.Time) {
			d.Status = StatusCancelled
			d.CancelledAt = &now
		})
	}
	return nil
}

func (m *Manager) work() {
	defer m.wg.Done()
	for {
		e := m.next()
		if e == nil {
			return
		}
		m.run(e)
	}
}

func (m *Manager) next() *entry {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil
		}
		if len(m.queue) > 0 {
			e := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return e
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.done:
			return nil
		}
	}
}

func (m *Manager) run(e *entry) {
	m.mu.Lock()
	if e.details.Status == StatusCancelRequested {
		m.mu.Unlock()
		m.finish(e, func(d *ExecutionDetails, now time.Time) {
			d.Status = StatusCancelled
			d.CancelledAt = &now
		})
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	now := time.Now().UTC()
	e.cancel = cancel
	e.details.Status = StatusInProgress
	e.details.StartedAt = &now
	snapshot := e.details
	m.mu.Unlock()

	m.logger.Info("task started", "id", snapshot.ID, "type", snapshot.Type)
	m.notify(snapshot)

	result, err := safeRun(ctx, e.task)

	m.finish(e, func(d *ExecutionDetails, now time.Time) {
		switch {
		case d.Status == StatusCancelRequested, m.ctx.Err() != nil:
			d.Status = StatusCancelled
			d.CancelledAt = &now
		case err == nil && result == Completed:
			d.Status = StatusCompleted
			d.CompletedAt = &now
		default:
			d.Status = StatusFailed
			d.FailedAt = &now
			if err != nil {
				d.Error = err.Error()
			} else {
				d.Error = "task completed partially"
			}
		}
	})
}

// finish applies the terminal transition, releases waiters and records
// the outcome.
func (m *Manager) finish(e *entry, apply func(d *ExecutionDetails, now time.Time)) {
	now := time.Now().UTC()
	m.mu.Lock()
	if e.details.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	apply(&e.details, now)
	e.cancel = nil
	snapshot := e.details
	m.mu.Unlock()
	defer close(e.finished)

	attrs := metric.WithAttributes(
		attribute.String("task.type", snapshot.Type),
		attribute.String("task.status", string(snapshot.Status)),
	)
	if snapshot.StartedAt != nil {
		m.duration.Record(context.Background(), now.Sub(*snapshot.StartedAt).Seconds(), attrs)
	}
	m.outcomes.Add(context.Background(), 1, attrs)

	switch snapshot.Status {
	case StatusFailed:
		m.logger.Warn("task failed", "id", snapshot.ID, "type", snapshot.Type, "error", snapshot.Error)
	default:
		m.logger.Info("task finished", "id", snapshot.ID, "type", snapshot.Type, "status", snapshot.Status)
	}
	m.notify(snapshot)
}

func safeRun(ctx context.Context, t Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = Partial
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx)
}

func (m *Manager) notify(d ExecutionDetails) {
	for _, l := range m.opts.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("panic in task listener", "id", d.ID, "panic", r)
				}
			}()
			l(context.Background(), d)
		}()
	}
}
