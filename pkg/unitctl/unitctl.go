// Package unitctl drives systemd units over D-Bus: start, stop, restart,
// reload and try-restart, waiting for the queued systemd job to finish.
package unitctl

import (
	"errors"
	"fmt"
	"strings"
)

// Action is a unit operation.
type Action string

const (
	Start      Action = "start"
	Stop       Action = "stop"
	Restart    Action = "restart"
	Reload     Action = "reload"
	TryRestart Action = "try-restart"
)

var (
	ErrUnsupported = errors.New("unitctl: systemd is not available on this platform")
	ErrClosed      = errors.New("unitctl: manager closed")
)

// ParseAction accepts the action names above, case-insensitively.
// Empty means Restart.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return Restart, nil
	case Start, Stop, Restart, Reload, TryRestart:
		return a, nil
	default:
		return "", fmt.Errorf("unknown unit action %q", s)
	}
}

// UnitName appends ".service" to a bare name. Names that already carry a
// unit suffix (".timer", ".socket", ...) are kept as is.
func UnitName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("empty unit name")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return "", fmt.Errorf("invalid unit name %q", name)
	}
	switch {
	case strings.HasSuffix(name, ".service"),
		strings.HasSuffix(name, ".timer"),
		strings.HasSuffix(name, ".socket"),
		strings.HasSuffix(name, ".target"),
		strings.HasSuffix(name, ".mount"),
		strings.HasSuffix(name, ".path"):
		return name, nil
	}
	return name + ".service", nil
}

// Status is a unit's state after an operation.
type Status struct {
	Unit        string
	Active      string // active, inactive, failed, ...
	Sub         string // running, dead, exited, ...
	Description string
}

func (s Status) String() string {
	if s.Active == "" {
		return s.Unit
	}
	return s.Unit + ": " + s.Active + "/" + s.Sub
}

// jobError reports a systemd job that did not finish with "done".
type jobError struct {
	action Action
	unit   string
	result string
}

func (e *jobError) Error() string {
	return fmt.Sprintf("%s %s: job %s", e.action, e.unit, e.result)
}
