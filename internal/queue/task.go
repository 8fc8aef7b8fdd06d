package queue

import (
	"context"
	"sync"
)

// Task is the deferred result of a pushed command. It is resolved exactly once.
type Task struct {
	ctx     context.Context
	method  string
	payload any

	once   sync.Once
	done   chan struct{}
	result any
	err    error
}

func newTask(ctx context.Context, method string, payload any) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Task{
		ctx:     ctx,
		method:  method,
		payload: payload,
		done:    make(chan struct{}),
	}
}

// Method returns the command name the task was pushed with.
func (t *Task) Method() string {
	return t.method
}

// Done is closed when the task has been resolved.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is resolved or ctx is done. Giving up on ctx
// does not cancel the task itself.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) resolve(result any, err error) {
	t.once.Do(func() {
		t.result = result
		t.err = err
		close(t.done)
	})
}
