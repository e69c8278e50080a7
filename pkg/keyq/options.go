package keyq

import (
	"context"
	"time"

	"keyq/internal/eventbus"
	logx "keyq/pkg/logx"
)

const (
	// DefaultPriority is used when a task does not set one.
	DefaultPriority = 1000

	// DefaultLockWait bounds cross-process lock acquisition when Config.LockWait is 0.
	DefaultLockWait = 60 * time.Second
)

// Config controls a Scheduler.
//
// Limits resolve task option first, then the per-key override, then these
// scheduler-wide values. Zero means "no limit" for MaxPending and
// DefaultTimeout.
type Config struct {
	// MaxPending caps tasks waiting behind the active one, per key.
	MaxPending int

	// DefaultTimeout is measured from submission.
	DefaultTimeout time.Duration

	// LockWait bounds cross-process lock acquisition.
	// 0 selects DefaultLockWait; a negative value waits forever.
	LockWait time.Duration

	// CrossProcessLock enables the directory mutex under <LockDir>/lock.
	CrossProcessLock bool
	LockDir          string

	Logger logx.Logger
	Bus    eventbus.Bus
}

// Func is the work executed for a task. ctx is canceled when the task times
// out or the scheduler closes.
type Func func(ctx context.Context) (any, error)

// SubmitOption tunes a single submission.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	priority   int
	timeout    time.Duration
	maxPending int
}

// WithPriority sets the task priority. Smaller values run sooner; any int,
// including 0 and negatives, is accepted.
func WithPriority(p int) SubmitOption { return func(o *submitOptions) { o.priority = p } }

// WithTimeout overrides the per-key and scheduler timeouts for this task.
// Non-positive values fall through to them.
func WithTimeout(d time.Duration) SubmitOption { return func(o *submitOptions) { o.timeout = d } }

// WithMaxPending overrides the capacity check for this submission.
// Non-positive values fall through to the per-key and scheduler limits.
func WithMaxPending(n int) SubmitOption { return func(o *submitOptions) { o.maxPending = n } }

func buildOptions(opts []SubmitOption) submitOptions {
	o := submitOptions{priority: DefaultPriority}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}

func firstPositive[T ~int | ~int64](vals ...T) T {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
