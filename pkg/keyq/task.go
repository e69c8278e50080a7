package keyq

import (
	"context"
	"time"
)

// Future is the deferred result of a submitted task. It resolves exactly once.
type Future struct {
	id   string
	key  string
	done chan struct{}

	// Written once before done is closed.
	val any
	err error
}

func newFuture(id, key string) *Future {
	return &Future{id: id, key: key, done: make(chan struct{})}
}

func (f *Future) ID() string  { return f.id }
func (f *Future) Key() string { return f.key }

// Done is closed when the task has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the task resolves or ctx ends. Abandoning the wait does
// not cancel the task.
func (f *Future) Wait(ctx context.Context) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking; ErrPending until resolved.
func (f *Future) Result() (any, error) {
	select {
	case <-f.done:
		return f.val, f.err
	default:
		return nil, ErrPending
	}
}

// task is guarded by Scheduler.mu except for the immutable fields.
type task struct {
	id       string
	key      string
	fn       Func
	priority int
	timeout  time.Duration
	q        *keyQueue
	fut      *Future

	ctx    context.Context
	cancel context.CancelFunc

	submitted time.Time
	started   time.Time
	timer     *time.Timer
	resolved  bool
}

func (t *task) event() TaskEvent {
	ev := TaskEvent{
		ID:        t.id,
		Key:       t.key,
		Priority:  t.priority,
		Submitted: t.submitted,
		Started:   t.started,
	}
	if !t.started.IsZero() {
		ev.QueueDelay = t.started.Sub(t.submitted)
	}
	return ev
}
