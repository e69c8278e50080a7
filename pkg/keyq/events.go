package keyq

import "time"

// Event types published on the configured bus.
const (
	EventSubmitted = "task.submitted"
	EventRejected  = "task.rejected"
	EventStarted   = "task.started"
	EventFinished  = "task.finished"
	EventFailed    = "task.failed"
	EventTimeout   = "task.timeout"
)

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id,omitempty"`
	Key        string        `json:"key"`
	Priority   int           `json:"priority"`
	Submitted  time.Time     `json:"submitted"`
	Started    time.Time     `json:"started,omitzero"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// QueueSnapshot describes one key.
type QueueSnapshot struct {
	Key        string        `json:"key"`
	Pending    int           `json:"pending"`
	Active     bool          `json:"active"`
	ActiveID   string        `json:"active_id,omitempty"`
	MaxPending int           `json:"max_pending,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Keys           int           `json:"keys"`
	MaxPending     int           `json:"max_pending"`
	DefaultTimeout time.Duration `json:"default_timeout"`
	LockWait       time.Duration `json:"lock_wait"`
	LockEnabled    bool          `json:"lock_enabled"`
	LockDir        string        `json:"lock_dir,omitempty"`
	Closed         bool          `json:"closed"`

	Queues []QueueSnapshot `json:"queues"`
}
