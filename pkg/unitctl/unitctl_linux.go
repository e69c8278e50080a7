//go:build linux

package unitctl

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreos/go-systemd/v22/dbus"
)

// Manager holds one system-bus connection, dialed on first use and
// redialed if the bus drops.
type Manager struct {
	mu     sync.Mutex
	conn   *dbus.Conn
	closed bool
}

func New() *Manager { return &Manager{} }

func (m *Manager) connLocked(ctx context.Context) (*dbus.Conn, error) {
	if m.closed {
		return nil, ErrClosed
	}
	if m.conn != nil && m.conn.Connected() {
		return m.conn, nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	m.conn = conn
	return conn, nil
}

func (m *Manager) dial(ctx context.Context) (*dbus.Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connLocked(ctx)
}

// Do runs action on unit and waits for systemd to report the job result.
// The returned Status is read after the job finished.
func (m *Manager) Do(ctx context.Context, action Action, unit string) (Status, error) {
	name, err := UnitName(unit)
	if err != nil {
		return Status{}, err
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return Status{}, err
	}

	ch := make(chan string, 1)
	switch action {
	case Start:
		_, err = conn.StartUnitContext(ctx, name, "replace", ch)
	case Stop:
		_, err = conn.StopUnitContext(ctx, name, "replace", ch)
	case Restart:
		_, err = conn.RestartUnitContext(ctx, name, "replace", ch)
	case Reload:
		_, err = conn.ReloadUnitContext(ctx, name, "replace", ch)
	case TryRestart:
		_, err = conn.TryRestartUnitContext(ctx, name, "replace", ch)
	default:
		return Status{}, fmt.Errorf("unknown unit action %q", action)
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to %s %s: %w", action, name, err)
	}

	select {
	case <-ctx.Done():
		return Status{Unit: name}, ctx.Err()
	case result := <-ch:
		st, _ := m.Status(ctx, name)
		if result != "done" {
			return st, &jobError{action: action, unit: name, result: result}
		}
		return st, nil
	}
}

// Status reads a unit's current state.
func (m *Manager) Status(ctx context.Context, unit string) (Status, error) {
	name, err := UnitName(unit)
	if err != nil {
		return Status{}, err
	}
	conn, err := m.dial(ctx)
	if err != nil {
		return Status{Unit: name}, err
	}
	props, err := conn.GetUnitPropertiesContext(ctx, name)
	if err != nil {
		return Status{Unit: name}, err
	}
	return Status{
		Unit:        name,
		Active:      stringProp(props, "ActiveState"),
		Sub:         stringProp(props, "SubState"),
		Description: stringProp(props, "Description"),
	}, nil
}

// Close drops the bus connection. Later calls fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	return nil
}

func stringProp(props map[string]interface{}, key string) string {
	v, _ := props[key].(string)
	return v
}
