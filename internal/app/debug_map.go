package app

import (
	"strings"
	"time"

	"keyq/internal/config"
	"keyq/internal/observability/debug"
)

func mapDebugConfig(in config.DebugConfig) debug.Config {
	addr := strings.TrimSpace(in.Addr)
	if addr == "" {
		addr = debug.DefaultAddr
	}
	// Validate already rejected malformed durations.
	rt, _ := config.ParseDurationOrDefault("debug.read_timeout", in.ReadTimeout, 5*time.Second)
	it, _ := config.ParseDurationOrDefault("debug.idle_timeout", in.IdleTimeout, 120*time.Second)
	return debug.Config{
		Enabled:       in.Enabled,
		Addr:          addr,
		Token:         strings.TrimSpace(in.Token),
		AllowInsecure: in.AllowInsecure,
		Pprof:         in.Pprof,
		ReadTimeout:   rt,
		IdleTimeout:   it,
	}
}

// Status is the document served at /status.
type Status struct {
	Time       time.Time     `json:"time"`
	Scheduler  any           `json:"scheduler"`
	Runner     any           `json:"runner"`
	Supervisor any           `json:"supervisor,omitempty"`
	Uptime     time.Duration `json:"uptime_ns"`
}

func (a *App) status() any {
	st := Status{
		Time:      time.Now(),
		Scheduler: a.sched.Snapshot(),
		Runner:    a.runner.Snapshot(),
		Uptime:    time.Since(a.started),
	}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	return st
}
