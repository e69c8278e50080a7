package keyq

import (
	"context"
	"errors"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"keyq/internal/eventbus"
	"keyq/pkg/dirmutex"
	logx "keyq/pkg/logx"
)

// lockSubdir is where directory mutexes live below the configured lock path.
const lockSubdir = "lock"

// LockDir returns the directory holding the mutexes for lock path dir.
// Other processes locking the same keys must use it too.
func LockDir(dir string) string { return filepath.Join(dir, lockSubdir) }

// Scheduler serializes tasks per key. All methods are safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	queues queueTable

	maxPending     int
	defaultTimeout time.Duration
	lockWait       time.Duration

	lockEnabled bool
	lockDir     string
	locker      *dirmutex.Locker

	log logx.Logger
	bus eventbus.Bus

	ctx     context.Context
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool
}

// New builds a scheduler. The only error comes from preparing the
// cross-process lock directory.
func New(cfg Config) (*Scheduler, error) {
	log := cfg.Logger
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		queues:         newQueueTable(),
		maxPending:     max(cfg.MaxPending, 0),
		defaultTimeout: max(cfg.DefaultTimeout, 0),
		lockWait:       cfg.LockWait,
		log:            log.With(logx.String("comp", "keyq")),
		bus:            cfg.Bus,
		ctx:            ctx,
		cancel:         cancel,
	}
	if cfg.CrossProcessLock {
		if err := s.EnableCrossProcessLock(true, cfg.LockDir); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// Submit queues fn under key and returns its Future.
//
// It fails synchronously with ErrInvalidTask for a nil fn, ErrCapacityExceeded
// when the key's backlog is full, and ErrClosed after Close. Every other
// outcome, including timeouts and lock failures, is delivered via the Future.
func (s *Scheduler) Submit(key string, fn Func, opts ...SubmitOption) (*Future, error) {
	if fn == nil {
		return nil, ErrInvalidTask
	}
	o := buildOptions(opts)
	now := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	q := s.queues.get(key)

	limit := firstPositive(o.maxPending, q.maxPending, s.maxPending)
	if limit > 0 && len(q.pending) >= limit {
		pending := len(q.pending)
		s.mu.Unlock()
		s.log.Debug("task.rejected", logx.String("key", key), logx.Int("pending", pending), logx.Int("max_pending", limit))
		s.publish(EventRejected, now, TaskEvent{Key: key, Priority: o.priority, Submitted: now, Error: ErrCapacityExceeded.Error()})
		return nil, ErrCapacityExceeded
	}

	id := uuid.NewString()
	tctx, tcancel := context.WithCancel(s.ctx)
	t := &task{
		id:        id,
		key:       key,
		fn:        fn,
		priority:  o.priority,
		timeout:   firstPositive(o.timeout, q.timeout, s.defaultTimeout),
		q:         q,
		fut:       newFuture(id, key),
		ctx:       tctx,
		cancel:    tcancel,
		submitted: now,
	}
	q.push(t)
	if t.timeout > 0 {
		// The timer covers waiting time too; it fires whether or not t ever ran.
		t.timer = time.AfterFunc(t.timeout, func() { s.expire(t) })
	}
	// Published under the lock so "submitted" always precedes "started".
	s.publish(EventSubmitted, now, t.event())
	if q.idle() {
		s.dispatchLocked(q)
	}
	s.mu.Unlock()
	return t.fut, nil
}

// Do submits fn and waits for its typed result. Canceling ctx stops the wait,
// not the task.
func Do[T any](ctx context.Context, s *Scheduler, key string, fn func(ctx context.Context) (T, error), opts ...SubmitOption) (T, error) {
	var zero T
	if fn == nil {
		return zero, ErrInvalidTask
	}
	f, err := s.Submit(key, func(c context.Context) (any, error) { return fn(c) }, opts...)
	if err != nil {
		return zero, err
	}
	v, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// dispatchLocked promotes the head of q's backlog to active and starts it.
// The caller holds s.mu.
func (s *Scheduler) dispatchLocked(q *keyQueue) {
	t := q.popHead()
	q.active = t
	if t == nil {
		return
	}
	var locker *dirmutex.Locker
	if s.lockEnabled {
		locker = s.locker
	}
	wait := s.effectiveLockWaitLocked()

	s.running.Add(1)
	go s.run(t, locker, wait)
}

func (s *Scheduler) run(t *task, locker *dirmutex.Locker, wait time.Duration) {
	defer s.running.Done()

	if locker != nil {
		ok, err := locker.Acquire(t.ctx, t.key, wait)
		if err != nil {
			// Only cancellation gets here: the task already timed out, or we are closing.
			s.finish(t, nil, ErrClosed)
			return
		}
		if !ok {
			s.finish(t, nil, lockFailed(t.key))
			return
		}
	}

	s.mu.Lock()
	if t.resolved {
		s.mu.Unlock()
		if locker != nil {
			locker.Release(t.key)
		}
		return
	}
	t.started = time.Now()
	ev := t.event()
	s.mu.Unlock()

	s.log.Debug("task.started", logx.String("key", t.key), logx.String("id", t.id), logx.Duration("queue_delay", ev.QueueDelay))
	s.publish(EventStarted, ev.Started, ev)

	v, err := s.call(t)
	if locker != nil {
		locker.Release(t.key)
	}
	s.finish(t, v, err)
}

func (s *Scheduler) call(t *task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			err = &PanicError{Value: r, Stack: stack}
			s.log.Error("task.panic", logx.String("key", t.key), logx.String("id", t.id), logx.Any("panic", r), logx.Stack(string(stack)))
		}
	}()
	return t.fn(t.ctx)
}

func (s *Scheduler) expire(t *task) { s.finish(t, nil, ErrTimeout) }

// finish resolves t and advances its queue. Only the first call for a task
// has any effect; later ones (a completion after a timeout) are dropped.
func (s *Scheduler) finish(t *task, v any, err error) {
	now := time.Now()

	s.mu.Lock()
	if !s.resolveLocked(t, v, err) {
		s.mu.Unlock()
		return
	}
	s.advanceLocked(t)
	ev := t.event()
	s.mu.Unlock()

	if !ev.Started.IsZero() {
		ev.Duration = now.Sub(ev.Started)
	}
	s.report(ev, now, err)
}

// resolveLocked settles t's Future. It reports false if t was already settled.
func (s *Scheduler) resolveLocked(t *task, v any, err error) bool {
	if t.resolved {
		return false
	}
	t.resolved = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.fut.val, t.fut.err = v, err
	close(t.fut.done)
	t.cancel()
	return true
}

// advanceLocked moves q past a resolved task. A backlog task that expired is
// just dropped; the active one hands the slot to the next head.
func (s *Scheduler) advanceLocked(t *task) {
	q := t.q
	q.remove(t)
	if q.active == nil || q.active != t {
		return
	}
	q.active = nil
	if s.closed {
		return
	}
	s.dispatchLocked(q)
}

func (s *Scheduler) report(ev TaskEvent, now time.Time, err error) {
	switch {
	case err == nil:
		if ev.Duration >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("key", ev.Key), logx.String("id", ev.ID), logx.Duration("queue_delay", ev.QueueDelay), logx.Duration("dur", ev.Duration))
		} else {
			s.log.Debug("task.completed", logx.String("key", ev.Key), logx.String("id", ev.ID), logx.Duration("queue_delay", ev.QueueDelay), logx.Duration("dur", ev.Duration))
		}
		s.publish(EventFinished, now, ev)
	case errors.Is(err, ErrTimeout):
		ev.Error = err.Error()
		s.log.Warn("task.timeout", logx.String("key", ev.Key), logx.String("id", ev.ID), logx.Bool("started", !ev.Started.IsZero()), logx.Duration("dur", ev.Duration))
		s.publish(EventTimeout, now, ev)
	default:
		ev.Error = err.Error()
		s.log.Warn("task.failed", logx.String("key", ev.Key), logx.String("id", ev.ID), logx.Duration("dur", ev.Duration), logx.Err(err))
		s.publish(EventFailed, now, ev)
	}
}

func (s *Scheduler) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
}

// SetMaxPending sets the scheduler-wide backlog limit and returns the previous one.
func (s *Scheduler) SetMaxPending(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.maxPending
	s.maxPending = max(n, 0)
	return prev
}

// SetQueueMaxPending sets key's backlog limit (0 clears it) and returns the previous one.
func (s *Scheduler) SetQueueMaxPending(key string, n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues.get(key)
	prev := q.maxPending
	q.maxPending = max(n, 0)
	return prev
}

// SetDefaultTimeout sets the scheduler-wide task timeout and returns the previous one.
// Already submitted tasks keep their timer.
func (s *Scheduler) SetDefaultTimeout(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.defaultTimeout
	s.defaultTimeout = max(d, 0)
	return prev
}

// SetQueueTimeout sets key's task timeout (0 clears it) and returns the previous one.
func (s *Scheduler) SetQueueTimeout(key string, d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.queues.get(key)
	prev := q.timeout
	q.timeout = max(d, 0)
	return prev
}

// SetLockWait sets the lock acquisition bound and returns the previous raw value.
// 0 selects DefaultLockWait; a negative value waits forever.
func (s *Scheduler) SetLockWait(d time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.lockWait
	s.lockWait = d
	return prev
}

// effectiveLockWaitLocked converts the configured bound to dirmutex terms,
// where 0 means forever.
func (s *Scheduler) effectiveLockWaitLocked() time.Duration {
	switch {
	case s.lockWait < 0:
		return 0
	case s.lockWait == 0:
		return DefaultLockWait
	default:
		return s.lockWait
	}
}

// Size returns the number of distinct keys ever used, idle ones included.
func (s *Scheduler) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues.size()
}

// Len returns key's backlog plus its active task; 0 for unknown keys.
func (s *Scheduler) Len(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues.lookup(key)
	if !ok {
		return 0
	}
	return q.size()
}

// EnableCrossProcessLock turns the directory mutex on or off. Locks live in
// <dir>/lock. Enabling clears that directory first: leftovers can only be
// stale locks from a process that died holding them.
//
// Tasks already past dispatch keep the mode they started with.
func (s *Scheduler) EnableCrossProcessLock(enable bool, dir string) error {
	lockDir := LockDir(dir)

	s.mu.Lock()
	prev := s.locker
	if !enable {
		s.lockEnabled = false
		s.lockDir = lockDir
		s.locker = nil
		s.mu.Unlock()
		// Running tasks hold their own reference; Release needs no watcher.
		if prev != nil {
			_ = prev.Close()
		}
		return nil
	}
	s.mu.Unlock()

	l := dirmutex.New(lockDir, dirmutex.WithLogger(s.log))
	if err := l.Reset(); err != nil {
		_ = l.Close()
		return err
	}

	s.mu.Lock()
	s.locker = l
	s.lockDir = lockDir
	s.lockEnabled = true
	s.mu.Unlock()

	if prev != nil && prev != l {
		_ = prev.Close()
	}
	s.log.Info("cross-process lock enabled", logx.String("dir", lockDir))
	return nil
}

func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Keys:           s.queues.size(),
		MaxPending:     s.maxPending,
		DefaultTimeout: s.defaultTimeout,
		LockWait:       s.effectiveLockWaitLocked(),
		LockEnabled:    s.lockEnabled,
		LockDir:        s.lockDir,
		Closed:         s.closed,
	}
	for _, k := range s.queues.keys() {
		q := s.queues.m[k]
		qs := QueueSnapshot{Key: k, Pending: len(q.pending), Active: q.active != nil, MaxPending: q.maxPending, Timeout: q.timeout}
		if q.active != nil {
			qs.ActiveID = q.active.id
		}
		snap.Queues = append(snap.Queues, qs)
	}
	return snap
}

// Close fails every waiting task with ErrClosed and cancels the context of
// running ones. Running work is not waited for; see Drain.
// Further submissions return ErrClosed.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var dropped []TaskEvent
	for _, q := range s.queues.m {
		for _, t := range q.pending {
			if s.resolveLocked(t, nil, ErrClosed) {
				dropped = append(dropped, t.event())
			}
		}
		q.pending = nil
	}
	locker := s.locker
	s.mu.Unlock()

	s.cancel()

	now := time.Now()
	for _, ev := range dropped {
		ev.Error = ErrClosed.Error()
		s.publish(EventFailed, now, ev)
	}
	if locker != nil {
		_ = locker.Close()
	}
	s.log.Info("scheduler closed", logx.Int("dropped", len(dropped)))
	return nil
}

// Drain waits until no task function is executing or ctx ends. It must
// follow Close; on an open scheduler it returns ErrNotClosed at once.
func (s *Scheduler) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if !closed {
		return ErrNotClosed
	}
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
