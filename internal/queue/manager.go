// Package queue bounds concurrent tool and pipeline work with FIFO start
// order.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/contextkit-core/internal/shared"
	"github.com/google/uuid"
)

// Kind tags a unit of work.
type Kind string

// Task kinds.
const (
	KindTool     Kind = "tool"
	KindPipeline Kind = "pipeline"
)

// Status is a task lifecycle state.
type Status string

// Task statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// DefaultConcurrency is the default number of tasks running at once.
const DefaultConcurrency = 3

// Errors returned by Cancel and Enqueue.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskRunning  = errors.New("task is already running")
	ErrShutdown     = errors.New("queue is shut down")
)

// Action is the unit of work. ctx is cancelled only on Manager shutdown;
// long actions may also poll Task.Cancelled.
type Action func(ctx context.Context) (any, error)

// Event describes one task transition.
type Event struct {
	TaskID   string
	Kind     Kind
	Status   Status
	Metadata map[string]string
	Duration time.Duration
	Err      error
	Running  int
	Waiting  int
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Running int `json:"running"`
	Waiting int `json:"waiting"`
	Limit   int `json:"limit"`
}

// Task is a queued unit of work.
type Task struct {
	ID       string
	Kind     Kind
	Metadata map[string]string

	action    Action
	status    atomic.Value // Status
	cancelled atomic.Bool
	enqueued  time.Time
	started   time.Time
	elem      *list.Element
	done      chan struct{}
	result    any
	err       error
}

// Status returns the current status.
func (t *Task) Status() Status {
	return t.status.Load().(Status)
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	return t.cancelled.Load()
}

// Done is closed once the task reaches a terminal status.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// Manager runs at most limit tasks at once, starting them in enqueue order.
type Manager struct {
	mu        sync.Mutex
	limit     int
	running   int
	pending   *list.List
	tasks     map[string]*Task
	listeners map[int]func(Event)
	nextID    int
	closed    bool

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// NewManager creates a Manager. A non-positive limit uses DefaultConcurrency.
func NewManager(limit int, opts ...Option) *Manager {
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		limit:     limit,
		pending:   list.New(),
		tasks:     make(map[string]*Task),
		listeners: make(map[int]func(Event)),
		baseCtx:   ctx,
		stop:      cancel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe registers fn for every transition and returns an unsubscribe
// func. Listeners run under the manager lock: they must not block or call
// back into the Manager.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Enqueue adds a task and starts it when a slot is free.
func (m *Manager) Enqueue(kind Kind, action Action, metadata map[string]string) (*Task, error) {
	if action == nil {
		return nil, fmt.Errorf("enqueue %s: nil action", kind)
	}
	t := &Task{
		ID:       uuid.NewString(),
		Kind:     kind,
		Metadata: metadata,
		action:   action,
		enqueued: time.Now(),
		done:     make(chan struct{}),
	}
	t.status.Store(StatusQueued)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrShutdown
	}
	t.elem = m.pending.PushBack(t)
	m.tasks[t.ID] = t
	m.emitLocked(t, StatusQueued, 0, nil)
	m.dispatchLocked()
	return t, nil
}

// Cancel removes a queued task. Running tasks cannot be cancelled; their
// flag is still set so cooperative actions can stop early.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	t.cancelled.Store(true)

	if t.Status() != StatusQueued {
		return ErrTaskRunning
	}

	m.pending.Remove(t.elem)
	t.elem = nil
	delete(m.tasks, t.ID)
	t.err = shared.NewError(shared.CodeStreamCancelled, "task cancelled before start")
	t.status.Store(StatusCancelled)
	m.emitLocked(t, StatusCancelled, time.Since(t.enqueued), nil)
	close(t.done)
	return nil
}

// Get returns a tracked task.
func (m *Manager) Get(taskID string) (*Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// Stats returns the running and waiting counts.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Running: m.running, Waiting: m.pending.Len(), Limit: m.limit}
}

func (m *Manager) dispatchLocked() {
	for m.running < m.limit && m.pending.Len() > 0 {
		front := m.pending.Front()
		t := m.pending.Remove(front).(*Task)
		t.elem = nil
		m.running++
		t.started = time.Now()
		t.status.Store(StatusRunning)
		m.emitLocked(t, StatusRunning, 0, nil)

		m.wg.Add(1)
		go m.run(t)
	}
}

func (m *Manager) run(t *Task) {
	defer m.wg.Done()

	result, err := m.invoke(t)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.running--
	delete(m.tasks, t.ID)
	t.result, t.err = result, err
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	t.status.Store(status)
	m.emitLocked(t, status, time.Since(t.started), err)
	close(t.done)

	m.dispatchLocked()
}

func (m *Manager) invoke(t *Task) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Queue task panicked", "task_id", t.ID, "kind", t.Kind, "panic", r)
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.action(m.baseCtx)
}

func (m *Manager) emitLocked(t *Task, status Status, d time.Duration, err error) {
	ev := Event{
		TaskID:   t.ID,
		Kind:     t.Kind,
		Status:   status,
		Metadata: t.Metadata,
		Duration: d,
		Err:      err,
		Running:  m.running,
		Waiting:  m.pending.Len(),
	}
	for _, fn := range m.listeners {
		fn(ev)
	}
}

// Shutdown rejects new work, drops queued tasks and waits for running tasks
// until ctx ends, after which running actions see their context cancelled.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	for e := m.pending.Front(); e != nil; e = m.pending.Front() {
		t := m.pending.Remove(e).(*Task)
		t.elem = nil
		t.cancelled.Store(true)
		delete(m.tasks, t.ID)
		t.err = ErrShutdown
		t.status.Store(StatusCancelled)
		m.emitLocked(t, StatusCancelled, time.Since(t.enqueued), ErrShutdown)
		close(t.done)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.stop()
		return nil
	case <-ctx.Done():
		m.stop()
		return ctx.Err()
	}
}
