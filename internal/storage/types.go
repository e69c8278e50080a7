package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultRetain is the number of runs kept when Config.Retain is 0.
const DefaultRetain = 10000

// Config configures storage.
//
// If Driver is empty, "none" or "disabled", storage is off.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
	Retain      int           // rows kept; 0 means DefaultRetain
}

// Run outcomes.
const (
	StatusOK         = "ok"
	StatusFailed     = "failed"
	StatusTimeout    = "timeout"
	StatusLockFailed = "lock_failed"
	StatusRejected   = "rejected"
	StatusCanceled   = "canceled"
)

// RunRecord is the outcome of one job execution. Keep it schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	Job      string        `json:"job"`
	Key      string        `json:"key"`
	Queued   time.Time     `json:"queued"`
	Started  time.Time     `json:"started,omitzero"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
	Status   string        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
}
