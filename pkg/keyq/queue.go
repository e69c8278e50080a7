package keyq

import (
	"cmp"
	"slices"
	"sort"
	"time"
)

// keyQueue holds the active task and the ordered backlog of one key.
type keyQueue struct {
	key     string
	active  *task
	pending []*task

	// Per-key overrides; 0 defers to the scheduler.
	maxPending int
	timeout    time.Duration
}

func byPriority(a, b *task) int { return cmp.Compare(a.priority, b.priority) }

// push appends t and restores priority order. The sort is stable, so equal
// priorities keep arrival order.
func (q *keyQueue) push(t *task) {
	q.pending = append(q.pending, t)
	slices.SortStableFunc(q.pending, byPriority)
}

func (q *keyQueue) popHead() *task {
	if len(q.pending) == 0 {
		return nil
	}
	t := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return t
}

// remove drops t from the backlog if it is still there.
func (q *keyQueue) remove(t *task) bool {
	i := slices.Index(q.pending, t)
	if i < 0 {
		return false
	}
	q.pending = slices.Delete(q.pending, i, i+1)
	return true
}

func (q *keyQueue) idle() bool { return q.active == nil }

// size counts the backlog plus the active task.
func (q *keyQueue) size() int {
	n := len(q.pending)
	if q.active != nil {
		n++
	}
	return n
}

// queueTable maps keys to queues. Queues are created on first use and kept.
type queueTable struct {
	m map[string]*keyQueue
}

func newQueueTable() queueTable { return queueTable{m: make(map[string]*keyQueue)} }

func (qt *queueTable) get(key string) *keyQueue {
	q := qt.m[key]
	if q == nil {
		q = &keyQueue{key: key}
		qt.m[key] = q
	}
	return q
}

func (qt *queueTable) lookup(key string) (*keyQueue, bool) {
	q, ok := qt.m[key]
	return q, ok
}

func (qt *queueTable) size() int { return len(qt.m) }

func (qt *queueTable) keys() []string {
	out := make([]string, 0, len(qt.m))
	for k := range qt.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
