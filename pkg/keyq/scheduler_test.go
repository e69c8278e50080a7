package keyq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"keyq/internal/eventbus"
	"keyq/pkg/dirmutex"
)

func newTestScheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustSubmit(t *testing.T, s *Scheduler, key string, fn Func, opts ...SubmitOption) *Future {
	t.Helper()
	f, err := s.Submit(key, fn, opts...)
	if err != nil {
		t.Fatalf("Submit(%q): %v", key, err)
	}
	return f
}

func wait(t *testing.T, f *Future) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		t.Fatalf("future %s did not resolve", f.ID())
	}
	return v, err
}

// blocker returns a task that runs until release is closed, ignoring ctx.
func blocker(started chan<- struct{}, release <-chan struct{}, val any) Func {
	return func(context.Context) (any, error) {
		if started != nil {
			close(started)
		}
		<-release
		return val, nil
	}
}

func trackPeak(peak *atomic.Int32, n int32) {
	for {
		p := peak.Load()
		if n <= p || peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func TestSubmitRejectsNilFunc(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	f, err := s.Submit("k", nil)
	if !errors.Is(err, ErrInvalidTask) || f != nil {
		t.Fatalf("got f=%v err=%v", f, err)
	}
	if s.Size() != 0 || s.Len("k") != 0 {
		t.Fatalf("a rejected task must not create state: size=%d len=%d", s.Size(), s.Len("k"))
	}
}

func TestSubmitReturnsValue(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	f := mustSubmit(t, s, "k", func(context.Context) (any, error) { return 42, nil })
	v, err := wait(t, f)
	if err != nil || v != 42 {
		t.Fatalf("got %v, %v", v, err)
	}
	if f.Key() != "k" || f.ID() == "" {
		t.Fatalf("future identity: key=%q id=%q", f.Key(), f.ID())
	}
	if v, err := f.Result(); err != nil || v != 42 {
		t.Fatalf("Result after resolve: %v, %v", v, err)
	}
}

func TestSingleActiveTaskPerKey(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	var inside, peak atomic.Int32
	futs := make([]*Future, 0, 20)
	for i := 0; i < 20; i++ {
		futs = append(futs, mustSubmit(t, s, "same", func(context.Context) (any, error) {
			trackPeak(&peak, inside.Add(1))
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
			return nil, nil
		}))
	}
	for _, f := range futs {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("peak concurrency on one key = %d", p)
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	release := make(chan struct{})
	aStarted := make(chan struct{})
	bStarted := make(chan struct{})
	fa := mustSubmit(t, s, "a", blocker(aStarted, release, "a"))
	fb := mustSubmit(t, s, "b", blocker(bStarted, release, "b"))

	for _, ch := range []chan struct{}{aStarted, bStarted} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatal("keys did not run concurrently")
		}
	}
	close(release)
	if _, err := wait(t, fa); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, fb); err != nil {
		t.Fatal(err)
	}
}

func TestPriorityOrderWithFIFOTies(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	head := mustSubmit(t, s, "k", blocker(started, release, nil))
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Func {
		return func(context.Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}
	}
	var futs []*Future
	for _, x := range []struct {
		name string
		pri  int
	}{
		{"p5a", 5}, {"p3a", 3}, {"p3b", 3}, {"p1", 1}, {"p5b", 5}, {"default", DefaultPriority}, {"p0", 0},
	} {
		futs = append(futs, mustSubmit(t, s, "k", record(x.name), WithPriority(x.pri)))
	}
	close(release)
	if _, err := wait(t, head); err != nil {
		t.Fatal(err)
	}
	for _, f := range futs {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}

	want := []string{"p0", "p1", "p3a", "p3b", "p5a", "p5b", "default"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Fatalf("order = %v, want %v", order, want)
	}
}

func TestIdleKeyRunsFirstSubmissionImmediately(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []int
	mk := func(p int) Func {
		return func(context.Context) (any, error) {
			if p == 10 {
				<-gate
			}
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			return nil, nil
		}
	}
	var futs []*Future
	for _, p := range []int{10, 12, 11, 9} {
		futs = append(futs, mustSubmit(t, s, "k", mk(p), WithPriority(p)))
	}
	close(gate)
	for _, f := range futs {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
	want := []int{10, 9, 11, 12}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTimeoutResolvesAndAdvances(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	release := make(chan struct{})
	defer close(release)
	start := time.Now()
	slow := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		return "late", nil
	}, WithTimeout(50*time.Millisecond))

	nextStarted := make(chan time.Time, 1)
	next := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		nextStarted <- time.Now()
		return "next", nil
	})

	if _, err := wait(t, slow); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow task err = %v, want ErrTimeout", err)
	}
	if el := time.Since(start); el > time.Second {
		t.Fatalf("timeout resolved after %v", el)
	}
	if v, err := wait(t, next); err != nil || v != "next" {
		t.Fatalf("next = %v, %v", v, err)
	}
	if el := (<-nextStarted).Sub(start); el > time.Second {
		t.Fatalf("next task waited %v for the timed-out one", el)
	}
}

func TestTimeoutCancelsTaskContext(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	canceled := make(chan struct{})
	f := mustSubmit(t, s, "k", func(ctx context.Context) (any, error) {
		<-ctx.Done()
		close(canceled)
		return nil, ctx.Err()
	}, WithTimeout(20*time.Millisecond))

	if _, err := wait(t, f); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("task context was not canceled on timeout")
	}
}

func TestLateCompletionIsDiscarded(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	returned := make(chan struct{})
	f := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		defer close(returned)
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}, WithTimeout(20*time.Millisecond))

	if _, err := wait(t, f); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	<-returned
	time.Sleep(10 * time.Millisecond)
	if v, err := f.Result(); !errors.Is(err, ErrTimeout) || v != nil {
		t.Fatalf("late completion changed the result: %v, %v", v, err)
	}
	if n := s.Len("k"); n != 0 {
		t.Fatalf("Len = %d after everything resolved", n)
	}
}

func TestPendingTimeoutLeavesActiveAlone(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	release := make(chan struct{})
	started := make(chan struct{})
	active := mustSubmit(t, s, "k", blocker(started, release, "active"))
	<-started

	ran := atomic.Bool{}
	pending := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	}, WithTimeout(30*time.Millisecond))

	if _, err := wait(t, pending); !errors.Is(err, ErrTimeout) {
		t.Fatalf("pending err = %v", err)
	}
	if n := s.Len("k"); n != 1 {
		t.Fatalf("Len = %d, want only the active task", n)
	}
	select {
	case <-active.Done():
		t.Fatal("active task resolved by a pending timeout")
	default:
	}

	close(release)
	if v, err := wait(t, active); err != nil || v != "active" {
		t.Fatalf("active = %v, %v", v, err)
	}
	if ran.Load() {
		t.Fatal("expired pending task was executed")
	}
}

func TestTimeoutPrecedence(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{DefaultTimeout: time.Hour})
	s.SetQueueTimeout("short", 20*time.Millisecond)

	sleepy := func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
		case <-time.After(300 * time.Millisecond):
		}
		return "done", nil
	}

	if _, err := wait(t, mustSubmit(t, s, "short", sleepy)); !errors.Is(err, ErrTimeout) {
		t.Fatalf("queue timeout not applied: %v", err)
	}
	if v, err := wait(t, mustSubmit(t, s, "short", sleepy, WithTimeout(time.Hour))); err != nil || v != "done" {
		t.Fatalf("task timeout should override queue timeout: %v, %v", v, err)
	}
	if _, err := wait(t, mustSubmit(t, s, "other", sleepy, WithTimeout(20*time.Millisecond))); !errors.Is(err, ErrTimeout) {
		t.Fatalf("task timeout not applied: %v", err)
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{MaxPending: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	mustSubmit(t, s, "k", blocker(started, release, nil))
	<-started

	noop := func(context.Context) (any, error) { return nil, nil }
	mustSubmit(t, s, "k", noop)
	mustSubmit(t, s, "k", noop)
	if _, err := s.Submit("k", noop); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("third pending: err = %v", err)
	}
	if n := s.Len("k"); n != 3 {
		t.Fatalf("rejected task changed Len: %d", n)
	}

	// Task option beats the scheduler limit.
	mustSubmit(t, s, "k", noop, WithMaxPending(10))
	if n := s.Len("k"); n != 4 {
		t.Fatalf("Len = %d", n)
	}
	close(release)
}

func TestCapacityQueueOverride(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{MaxPending: 1})

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	mustSubmit(t, s, "k", blocker(started, release, nil))
	<-started

	noop := func(context.Context) (any, error) { return nil, nil }
	mustSubmit(t, s, "k", noop)
	if _, err := s.Submit("k", noop); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("scheduler limit: err = %v", err)
	}
	if prev := s.SetQueueMaxPending("k", 3); prev != 0 {
		t.Fatalf("prev = %d", prev)
	}
	mustSubmit(t, s, "k", noop)
	mustSubmit(t, s, "k", noop)
	if _, err := s.Submit("k", noop); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("queue limit: err = %v", err)
	}
	if _, err := s.Submit("k", noop, WithMaxPending(1)); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("task limit: err = %v", err)
	}
	mustSubmit(t, s, "k", noop, WithMaxPending(4))
}

func TestTaskErrorKeepsIdentity(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	sentinel := errors.New("boom")
	f := mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, sentinel })
	if _, err := wait(t, f); err != sentinel {
		t.Fatalf("err = %v, want the exact sentinel", err)
	}
	after := mustSubmit(t, s, "k", func(context.Context) (any, error) { return "ok", nil })
	if v, err := wait(t, after); err != nil || v != "ok" {
		t.Fatalf("failure leaked into next task: %v, %v", v, err)
	}
}

func TestPanicIsCaptured(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	f := mustSubmit(t, s, "k", func(context.Context) (any, error) { panic("kaboom") })
	_, err := wait(t, f)
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PanicError", err)
	}
	if pe.Value != "kaboom" || len(pe.Stack) == 0 {
		t.Fatalf("panic error = %+v", pe)
	}

	wrapped := errors.New("inner")
	f = mustSubmit(t, s, "k", func(context.Context) (any, error) { panic(wrapped) })
	if _, err := wait(t, f); !errors.Is(err, wrapped) {
		t.Fatalf("panic(error) should unwrap: %v", err)
	}

	if v, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return 1, nil })); err != nil || v != 1 {
		t.Fatalf("queue stalled after panic: %v, %v", v, err)
	}
}

func TestSettersReturnPreviousValue(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{MaxPending: 3, DefaultTimeout: time.Second})

	if prev := s.SetMaxPending(7); prev != 3 {
		t.Fatalf("SetMaxPending prev = %d", prev)
	}
	if prev := s.SetMaxPending(0); prev != 7 {
		t.Fatalf("SetMaxPending prev = %d", prev)
	}
	if prev := s.SetDefaultTimeout(2 * time.Second); prev != time.Second {
		t.Fatalf("SetDefaultTimeout prev = %v", prev)
	}
	if prev := s.SetQueueTimeout("k", time.Minute); prev != 0 {
		t.Fatalf("SetQueueTimeout prev = %v", prev)
	}
	if prev := s.SetQueueTimeout("k", 0); prev != time.Minute {
		t.Fatalf("SetQueueTimeout prev = %v", prev)
	}
	if prev := s.SetQueueMaxPending("k", 5); prev != 0 {
		t.Fatalf("SetQueueMaxPending prev = %d", prev)
	}
	if prev := s.SetLockWait(time.Second); prev != 0 {
		t.Fatalf("SetLockWait prev = %v", prev)
	}
	if prev := s.SetLockWait(-1); prev != time.Second {
		t.Fatalf("SetLockWait prev = %v", prev)
	}

	snap := s.Snapshot()
	if snap.MaxPending != 0 || snap.DefaultTimeout != 2*time.Second || snap.LockWait != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if len(snap.Queues) != 1 || snap.Queues[0].MaxPending != 5 {
		t.Fatalf("queues = %+v", snap.Queues)
	}
}

func TestSizeAndLen(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	if s.Size() != 0 || s.Len("nope") != 0 {
		t.Fatal("fresh scheduler should be empty")
	}
	if _, err := wait(t, mustSubmit(t, s, "done", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatal(err)
	}

	release := make(chan struct{})
	started := make(chan struct{})
	mustSubmit(t, s, "busy", blocker(started, release, nil))
	<-started
	noop := func(context.Context) (any, error) { return nil, nil }
	last := mustSubmit(t, s, "busy", noop)
	mustSubmit(t, s, "busy", noop)

	if s.Size() != 2 {
		t.Fatalf("Size = %d, want 2 (idle keys count)", s.Size())
	}
	if n := s.Len("busy"); n != 3 {
		t.Fatalf("Len(busy) = %d, want 3", n)
	}
	if n := s.Len("done"); n != 0 {
		t.Fatalf("Len(done) = %d", n)
	}
	if n := s.Len("nope"); n != 0 || s.Size() != 2 {
		t.Fatal("Len must not create queues")
	}
	close(release)
	if _, err := wait(t, last); err != nil {
		t.Fatal(err)
	}
}

func TestDoTyped(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})

	n, err := Do(context.Background(), s, "k", func(context.Context) (int, error) { return 7, nil })
	if err != nil || n != 7 {
		t.Fatalf("Do = %d, %v", n, err)
	}
	_, err = Do(context.Background(), s, "k", func(context.Context) (string, error) { return "", os.ErrPermission })
	if !errors.Is(err, os.ErrPermission) {
		t.Fatalf("Do err = %v", err)
	}
	var nilFn func(context.Context) (int, error)
	if _, err := Do(context.Background(), s, "k", nilFn); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("Do(nil) err = %v", err)
	}
}

func TestCloseFailsPendingAndCancelsActive(t *testing.T) {
	t.Parallel()
	s, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}

	started := make(chan struct{})
	active := mustSubmit(t, s, "k", func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	<-started
	pending := mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, pending); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending err = %v", err)
	}
	if _, err := wait(t, active); !errors.Is(err, context.Canceled) {
		t.Fatalf("active err = %v", err)
	}
	if _, err := s.Submit("k", func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if !s.Snapshot().Closed {
		t.Fatal("snapshot should report closed")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(32)
	defer unsub()
	s := newTestScheduler(t, Config{Bus: bus, MaxPending: 1})

	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, errors.New("nope") })); err == nil {
		t.Fatal("expected failure")
	}

	counts := map[string]int{}
	for i := 0; i < 6; i++ {
		select {
		case ev := <-ch:
			counts[ev.Type]++
			te, ok := ev.Data.(TaskEvent)
			if !ok || te.Key != "k" || te.ID == "" {
				t.Fatalf("event %s data = %#v", ev.Type, ev.Data)
			}
			if ev.Type == EventFailed && te.Error != "nope" {
				t.Fatalf("failed event error = %q", te.Error)
			}
			if ev.Type == EventStarted && te.Started.IsZero() {
				t.Fatal("started event without start time")
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d events received: %v", i, counts)
		}
	}
	want := map[string]int{EventSubmitted: 2, EventStarted: 2, EventFinished: 1, EventFailed: 1}
	for typ, n := range want {
		if counts[typ] != n {
			t.Fatalf("counts = %v, want %v", counts, want)
		}
	}

	if _, err := s.Submit("k", nil); !errors.Is(err, ErrInvalidTask) {
		t.Fatal(err)
	}
	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	mustSubmit(t, s, "k", blocker(started, release, nil))
	<-started
	mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })
	if _, err := s.Submit("k", func(context.Context) (any, error) { return nil, nil }); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("err = %v", err)
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == EventRejected {
				return
			}
		case <-deadline:
			t.Fatal("no rejected event")
		}
	}
}

func TestCrossProcessLockSerializesSchedulers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 5 * time.Second})
	b := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 5 * time.Second})

	var inside, peak atomic.Int32
	work := func(context.Context) (any, error) {
		trackPeak(&peak, inside.Add(1))
		time.Sleep(15 * time.Millisecond)
		inside.Add(-1)
		return nil, nil
	}
	var futs []*Future
	for i := 0; i < 5; i++ {
		futs = append(futs, mustSubmit(t, a, "shared", work), mustSubmit(t, b, "shared", work))
	}
	for _, f := range futs {
		if _, err := wait(t, f); err != nil {
			t.Fatal(err)
		}
	}
	if p := peak.Load(); p != 1 {
		t.Fatalf("schedulers overlapped on one key: peak %d", p)
	}
	if _, err := os.Stat(filepath.Join(dir, "lock", dirmutex.EncodeKey("shared"))); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock left behind: %v", err)
	}
}

func TestEnableClearsStaleLocks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	stale := filepath.Join(dir, "lock", dirmutex.EncodeKey("k"))
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatal(err)
	}

	s := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 200 * time.Millisecond})
	start := time.Now()
	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatalf("stale lock blocked the first task: %v", err)
	}
	if el := time.Since(start); el > 150*time.Millisecond {
		t.Fatalf("first acquisition waited %v", el)
	}
}

func TestLockFailure(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 150 * time.Millisecond})

	other := dirmutex.New(filepath.Join(dir, "lock"))
	defer other.Close()
	if !other.TryAcquire("k") {
		t.Fatal("could not take the lock from outside")
	}

	ran := atomic.Bool{}
	f := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		ran.Store(true)
		return nil, nil
	})
	_, err := wait(t, f)
	if !errors.Is(err, ErrLockFailed) || !strings.HasPrefix(err.Error(), "k:") {
		t.Fatalf("err = %v, want key-prefixed ErrLockFailed", err)
	}
	if ran.Load() {
		t.Fatal("work ran without the lock")
	}

	other.Release("k")
	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatalf("queue did not advance after lock failure: %v", err)
	}
}

func TestTimedOutTaskKeepsLockUntilItReturns(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 5 * time.Second})

	var returned atomic.Int64
	slow := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		time.Sleep(150 * time.Millisecond)
		returned.Store(time.Now().UnixNano())
		return nil, nil
	}, WithTimeout(20*time.Millisecond))

	var nextStart int64
	next := mustSubmit(t, s, "k", func(context.Context) (any, error) {
		nextStart = time.Now().UnixNano()
		return nil, nil
	})

	if _, err := wait(t, slow); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow err = %v", err)
	}
	if _, err := wait(t, next); err != nil {
		t.Fatalf("next err = %v", err)
	}
	if r := returned.Load(); r == 0 || nextStart < r {
		t.Fatalf("next task started before the timed-out holder returned (start=%d returned=%d)", nextStart, r)
	}
}

func TestDisableCrossProcessLock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	s := newTestScheduler(t, Config{CrossProcessLock: true, LockDir: dir, LockWait: 100 * time.Millisecond})

	other := dirmutex.New(filepath.Join(dir, "lock"))
	defer other.Close()
	if !other.TryAcquire("k") {
		t.Fatal("TryAcquire failed")
	}
	defer other.Release("k")

	if err := s.EnableCrossProcessLock(false, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatalf("disabled lock still consulted: %v", err)
	}
	if s.Snapshot().LockEnabled {
		t.Fatal("snapshot reports lock enabled")
	}
	s.mu.Lock()
	locker := s.locker
	s.mu.Unlock()
	if locker != nil {
		t.Fatal("disabled locker was kept open")
	}

	// Re-enabling builds a fresh locker.
	other.Release("k")
	if err := s.EnableCrossProcessLock(true, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := wait(t, mustSubmit(t, s, "k", func(context.Context) (any, error) { return nil, nil })); err != nil {
		t.Fatalf("re-enabled lock: %v", err)
	}
}

func TestDrainRequiresClose(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(t, Config{})
	if err := s.Drain(context.Background()); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("Drain on open scheduler = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Drain(context.Background()); err != nil {
		t.Fatalf("Drain after Close = %v", err)
	}
}
