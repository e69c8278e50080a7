package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "keyq/pkg/logx"
	"keyq/pkg/unitctl"
)

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Queue   QueueConfig   `json:"queue"`
	Storage StorageConfig `json:"storage"`
	Runner  RunnerConfig  `json:"runner"`
	Debug   DebugConfig   `json:"debug"`
	Jobs    []JobConfig   `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// QueueConfig maps onto the scheduler's global limits and per-key overrides.
//
// Example:
//
//	"queue": {
//	  "max_pending": 100,
//	  "default_timeout": "10m",
//	  "lock_wait": "60s",
//	  "lock": { "enabled": true, "dir": "/run/keyq" },
//	  "keys": { "backup": { "max_pending": 1, "timeout": "2h" } }
//	}
type QueueConfig struct {
	MaxPending     int    `json:"max_pending"`
	DefaultTimeout string `json:"default_timeout"`

	// LockWait bounds cross-process lock acquisition.
	// Empty uses the scheduler default (60s); "forever" never gives up.
	LockWait string `json:"lock_wait"`

	Lock LockConfig           `json:"lock"`
	Keys map[string]KeyConfig `json:"keys,omitempty"`
}

type LockConfig struct {
	Enabled bool   `json:"enabled"`
	Dir     string `json:"dir"`
}

type KeyConfig struct {
	MaxPending int    `json:"max_pending,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// StorageConfig controls the optional run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./keyq.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	Retain      int    `json:"retain,omitempty"`       // runs kept; 0 means the store default
}

type RunnerConfig struct {
	// Timezone for cron schedules (IANA name). Empty means local time.
	Timezone string `json:"timezone,omitempty"`

	// OutputLimit caps captured command output per run, in bytes.
	OutputLimit int `json:"output_limit,omitempty"`
}

// DebugConfig controls the diagnostics HTTP server (/healthz, /status and
// optionally pprof). A non-loopback addr needs a token or allow_insecure.
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060", "pprof": true }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// JobConfig is one scheduled command.
//
// Jobs sharing a key never run at the same time. Priority is a pointer so an
// explicit 0 can be told apart from "unset".
type JobConfig struct {
	Name     string            `json:"name"`
	Key      string            `json:"key,omitempty"` // defaults to name
	Schedule string            `json:"schedule"`
	Priority *int              `json:"priority,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Command  []string          `json:"command,omitempty"`
	Unit     *UnitJob          `json:"unit,omitempty"` // instead of command
	Dir      string            `json:"dir,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// UnitJob acts on a systemd unit instead of running a command.
//
// Example:
//
//	"unit": { "name": "nginx", "action": "reload" }
type UnitJob struct {
	Name   string `json:"name"`
	Action string `json:"action,omitempty"` // start, stop, restart (default), reload, try-restart
}

// QueueKey returns the resource key the job serializes on.
func (j JobConfig) QueueKey() string {
	if k := strings.TrimSpace(j.Key); k != "" {
		return k
	}
	return strings.TrimSpace(j.Name)
}

// LockWaitForever is the lock_wait value for an unbounded wait.
const LockWaitForever = "forever"

// QueueSettings is QueueConfig with durations parsed.
type QueueSettings struct {
	MaxPending     int
	DefaultTimeout time.Duration
	// LockWait follows the scheduler convention: 0 default, negative forever.
	LockWait    time.Duration
	LockEnabled bool
	LockDir     string
	Keys        map[string]KeySettings
}

type KeySettings struct {
	MaxPending int
	Timeout    time.Duration
}

func (q QueueConfig) Settings() (QueueSettings, error) {
	var errs []error
	out := QueueSettings{
		MaxPending:  q.MaxPending,
		LockEnabled: q.Lock.Enabled,
		LockDir:     strings.TrimSpace(q.Lock.Dir),
		Keys:        make(map[string]KeySettings, len(q.Keys)),
	}
	if q.MaxPending < 0 {
		errs = append(errs, errors.New("queue.max_pending: must be >= 0"))
	}
	var err error
	if out.DefaultTimeout, err = ParseDurationField("queue.default_timeout", q.DefaultTimeout); err != nil {
		errs = append(errs, err)
	}
	if strings.EqualFold(strings.TrimSpace(q.LockWait), LockWaitForever) {
		out.LockWait = -1
	} else if out.LockWait, err = ParseDurationField("queue.lock_wait", q.LockWait); err != nil {
		errs = append(errs, err)
	}
	for k, kc := range q.Keys {
		path := fmt.Sprintf("queue.keys[%q]", k)
		if strings.TrimSpace(k) == "" {
			errs = append(errs, fmt.Errorf("%s: empty key", path))
			continue
		}
		if kc.MaxPending < 0 {
			errs = append(errs, fmt.Errorf("%s.max_pending: must be >= 0", path))
		}
		d, err := ParseDurationField(path+".timeout", kc.Timeout)
		if err != nil {
			errs = append(errs, err)
		}
		out.Keys[k] = KeySettings{MaxPending: max(kc.MaxPending, 0), Timeout: d}
	}
	return out, errors.Join(errs...)
}

// Logx converts the logging section for logx.Service.
func (l LoggingConfig) Logx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}

// Validate checks everything that can be checked without the runtime
// (schedule expressions are checked by the runner).
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := c.Queue.Settings(); err != nil {
		errs = append(errs, err)
	}
	if c.Queue.Lock.Enabled && strings.TrimSpace(c.Queue.Lock.Dir) == "" {
		errs = append(errs, errors.New("queue.lock.dir: required when lock is enabled"))
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "none", "disabled", "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Retain < 0 {
		errs = append(errs, errors.New("storage.retain: must be >= 0"))
	}
	if c.Runner.OutputLimit < 0 {
		errs = append(errs, errors.New("runner.output_limit: must be >= 0"))
	}
	if tz := strings.TrimSpace(c.Runner.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("runner.timezone: %w", err))
		}
	}

	if _, err := ParseDurationField("debug.read_timeout", c.Debug.ReadTimeout); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseDurationField("debug.idle_timeout", c.Debug.IdleTimeout); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		name := strings.TrimSpace(j.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("%s.name: required", path))
		} else if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("%s.name: duplicate job %q", path, name))
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(j.Schedule) == "" {
			errs = append(errs, fmt.Errorf("%s.schedule: required", path))
		}
		hasCmd := len(j.Command) > 0 && strings.TrimSpace(j.Command[0]) != ""
		switch {
		case j.Unit != nil && len(j.Command) > 0:
			errs = append(errs, fmt.Errorf("%s: command and unit are mutually exclusive", path))
		case j.Unit != nil:
			if _, err := unitctl.UnitName(j.Unit.Name); err != nil {
				errs = append(errs, fmt.Errorf("%s.unit.name: %w", path, err))
			}
			if _, err := unitctl.ParseAction(j.Unit.Action); err != nil {
				errs = append(errs, fmt.Errorf("%s.unit.action: %w", path, err))
			}
		case !hasCmd:
			errs = append(errs, fmt.Errorf("%s.command: required (or unit)", path))
		}
		if _, err := ParseDurationField(path+".timeout", j.Timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
