// Package dirmutex implements a cross-process mutex on top of atomic directory
// creation.
//
// A lock for key K is the directory <dir>/<EncodeKey(K)>. Creating it (mkdir,
// which fails if the entry already exists) acquires the lock; removing it
// releases the lock. There is no ownership token and no reentrancy: whoever
// created the directory holds it, and only that holder may call Release.
//
// Waiters retry on a fixed poll interval. When the lock directory can be
// watched (fsnotify), waiters are also woken as soon as any entry is removed,
// so a released lock is usually picked up well before the next poll tick.
package dirmutex

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/time/rate"

	"keyq/internal/fsutil"
	logx "keyq/pkg/logx"
)

// DefaultPollInterval is the retry cadence while a lock is contended.
const DefaultPollInterval = 100 * time.Millisecond

const (
	lockSuffix    = ".lock"
	plainPrefix   = "k-"
	hashedPrefix  = "h-"
	maxEncodedLen = 200 // keeps the entry name well under NAME_MAX (255)

	warnThrottleEvery = 5 * time.Second
)

// Lowercase base32 alphabet: safe on case-insensitive filesystems.
var keyEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ErrNoDir is returned by Reset when the backing directory cannot be created.
var ErrNoDir = errors.New("dirmutex: lock directory unavailable")

// EncodeKey maps an arbitrary key to a filename-safe lock entry name.
//
// Distinct keys never share a name: short keys are base32-encoded (injective),
// long keys are hashed under a different prefix so the two forms cannot meet.
func EncodeKey(key string) string {
	enc := keyEncoding.EncodeToString([]byte(key))
	if len(enc) <= maxEncodedLen {
		return plainPrefix + enc + lockSuffix
	}
	sum := sha256.Sum256([]byte(key))
	return hashedPrefix + hex.EncodeToString(sum[:]) + lockSuffix
}

// DecodeKey reverses EncodeKey for plain entries.
// Hashed entries (very long keys) cannot be reversed; ok is false for them.
func DecodeKey(name string) (key string, ok bool) {
	if !strings.HasPrefix(name, plainPrefix) || !strings.HasSuffix(name, lockSuffix) {
		return "", false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, plainPrefix), lockSuffix)
	b, err := keyEncoding.DecodeString(raw)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Locker hands out directory mutexes under one backing directory.
// A Locker is safe for concurrent use.
type Locker struct {
	dir     string
	poll    time.Duration
	log     logx.Logger
	watch   bool
	warnLim *rate.Limiter

	wmu         sync.Mutex
	watcher     *fsnotify.Watcher
	watchFailed bool
	changed     chan struct{}
	watchDone   chan struct{}
	closed      bool
}

type Option func(*Locker)

// WithPollInterval overrides the retry cadence (default 100ms).
func WithPollInterval(d time.Duration) Option {
	return func(l *Locker) {
		if d > 0 {
			l.poll = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(l *Locker) { l.log = log } }

// WithWatcher toggles fsnotify wakeups. Polling alone keeps the same timing
// bounds, only with up to one poll interval of extra latency.
func WithWatcher(enabled bool) Option { return func(l *Locker) { l.watch = enabled } }

func New(dir string, opts ...Option) *Locker {
	l := &Locker{
		dir:     filepath.Clean(dir),
		poll:    DefaultPollInterval,
		watch:   true,
		warnLim: rate.NewLimiter(rate.Every(warnThrottleEvery), 1),
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l
}

func (l *Locker) Dir() string { return l.dir }

// Path returns the lock directory for key.
func (l *Locker) Path(key string) string { return filepath.Join(l.dir, EncodeKey(key)) }

// TryAcquire makes a single acquisition attempt.
func (l *Locker) TryAcquire(key string) bool {
	return os.Mkdir(l.Path(key), 0o755) == nil
}

// Acquire blocks until the lock for key is held, wait elapses, or ctx ends.
//
// wait == 0 means retry forever (use only when the holder is certain to let go).
// Running out of wait returns (false, nil): "not acquired" is an outcome, not an
// error. The only error is ctx's.
func (l *Locker) Acquire(ctx context.Context, key string, wait time.Duration) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	path := l.Path(key)
	if os.Mkdir(path, 0o755) == nil {
		return true, nil
	}

	start := time.Now()
	l.noteContended(key, path, wait)

	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(l.poll)
	defer tick.Stop()

	for {
		// Subscribe before retrying so a release between the attempt and the
		// select still wakes us.
		changed := l.changes()
		if os.Mkdir(path, 0o755) == nil {
			l.log.Debug("lock.acquired", logx.String("key", key), logx.Duration("waited", time.Since(start)))
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			if os.Mkdir(path, 0o755) == nil {
				return true, nil
			}
			l.log.Debug("lock.wait_exceeded", logx.String("key", key), logx.Duration("wait", wait))
			return false, nil
		case <-tick.C:
		case <-changed:
		}
	}
}

// Release removes the lock directory for key. Missing or unremovable entries
// are ignored.
func (l *Locker) Release(key string) {
	_ = os.RemoveAll(l.Path(key))
}

// Reset clears every lock entry (stale locks from a crashed process) and makes
// sure the backing directory exists afterwards.
func (l *Locker) Reset() error {
	// The old directory inode is about to disappear; a live watch would go deaf.
	l.stopWatcher()

	fsutil.RemoveTree(l.dir)
	if !fsutil.EnsureDir(l.dir) {
		return ErrNoDir
	}
	return nil
}

// Held lists the keys whose locks currently exist. Hashed (very long) keys are
// reported by their entry name.
func (l *Locker) Held() ([]string, error) {
	ents, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		if !e.IsDir() || !strings.HasSuffix(e.Name(), lockSuffix) {
			continue
		}
		if k, ok := DecodeKey(e.Name()); ok {
			out = append(out, k)
			continue
		}
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

// Close stops the release watcher. Held locks are left untouched.
func (l *Locker) Close() error {
	l.wmu.Lock()
	l.closed = true
	l.wmu.Unlock()
	l.stopWatcher()
	return nil
}

func (l *Locker) noteContended(key, path string, wait time.Duration) {
	if l.warnLim.Allow() {
		l.log.Warn("lock.contended", logx.String("key", key), logx.String("path", path), logx.Duration("wait", wait))
		return
	}
	l.log.Debug("lock.contended", logx.String("key", key), logx.String("path", path))
}

// changes returns a channel that is closed on the next entry removal in the
// lock directory, or nil when no watcher is available.
func (l *Locker) changes() <-chan struct{} {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if !l.watch || l.closed || l.watchFailed {
		return nil
	}
	if l.watcher == nil && !l.startWatcherLocked() {
		return nil
	}
	return l.changed
}

func (l *Locker) startWatcherLocked() bool {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		l.watchFailed = true
		l.log.Debug("lock watcher unavailable; polling only", logx.Err(err))
		return false
	}
	if err := w.Add(l.dir); err != nil {
		_ = w.Close()
		// The directory may simply not exist yet; try again on a later wait.
		l.log.Debug("lock watcher add failed", logx.String("dir", l.dir), logx.Err(err))
		return false
	}
	l.watcher = w
	l.changed = make(chan struct{})
	l.watchDone = make(chan struct{})
	go l.watchLoop(w, l.watchDone)
	return true
}

func (l *Locker) watchLoop(w *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				l.broadcast(w, true)
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				l.broadcast(w, false)
			}
		case err, ok := <-w.Errors:
			if !ok {
				l.broadcast(w, true)
				return
			}
			if err != nil {
				l.log.Debug("lock watcher error", logx.Err(err))
				// Overflow means a removal may have been missed.
				l.broadcast(w, false)
			}
		}
	}
}

// broadcast wakes every current waiter. When final is set the watcher w is
// retired, provided it is still the active one.
func (l *Locker) broadcast(w *fsnotify.Watcher, final bool) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.watcher != w {
		return
	}
	if l.changed != nil {
		close(l.changed)
	}
	if final {
		l.watcher = nil
		l.changed = nil
		return
	}
	l.changed = make(chan struct{})
}

func (l *Locker) stopWatcher() {
	l.wmu.Lock()
	w := l.watcher
	done := l.watchDone
	ch := l.changed
	l.watcher = nil
	l.changed = nil
	l.watchDone = nil
	if ch != nil {
		close(ch)
	}
	l.wmu.Unlock()

	if w != nil {
		_ = w.Close()
		if done != nil {
			<-done
		}
	}
}
