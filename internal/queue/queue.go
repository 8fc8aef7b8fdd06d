// Package queue serializes asynchronous commands: tasks run one at a time in
// submission order, and each task's result is delivered independently of the
// others.
package queue

import (
	"context"
	"fmt"
	"sync"

	"peerlink/native/internal/domain"
)

// HandlerFunc executes one command. ctx is the context the task was pushed with.
type HandlerFunc func(ctx context.Context, payload any) (any, error)

// Queue runs pushed tasks strictly one after another. A drain goroutine is
// started when the first task arrives and exits once the queue is empty.
type Queue struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  []*Task
	running  bool
	closed   bool
}

// New returns an empty queue. Register command handlers with Handle before
// pushing tasks for them.
func New() *Queue {
	return &Queue{handlers: make(map[string]HandlerFunc)}
}

// Handle registers fn as the executor for method, replacing any previous one.
func (q *Queue) Handle(method string, fn HandlerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[method] = fn
}

// Push appends a task. The returned Task resolves once the task has run, or
// with domain.ErrQueueStopped if the queue is closed before it starts.
func (q *Queue) Push(ctx context.Context, method string, payload any) *Task {
	task := newTask(ctx, method, payload)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		task.resolve(nil, stoppedError(method))
		return task
	}
	q.pending = append(q.pending, task)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()

	return task
}

// Close rejects every queued task with domain.ErrQueueStopped and makes
// future pushes fail the same way. A task already running completes normally.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	pending := q.pending
	q.pending = nil
	q.mu.Unlock()

	for _, task := range pending {
		task.resolve(nil, stoppedError(task.method))
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of tasks waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		fn := q.handlers[task.method]
		q.mu.Unlock()

		task.resolve(q.run(task, fn))
	}
}

func (q *Queue) run(task *Task, fn HandlerFunc) (result any, err error) {
	if fn == nil {
		return nil, fmt.Errorf("queue: no handler for method %q", task.method)
	}
	if err := task.ctx.Err(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("queue: %s panicked: %v", task.method, r)
		}
	}()

	return fn(task.ctx, task.payload)
}

func stoppedError(method string) error {
	return fmt.Errorf("%s: %w", method, domain.ErrQueueStopped)
}
