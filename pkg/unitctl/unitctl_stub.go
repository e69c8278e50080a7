//go:build !linux

package unitctl

import "context"

// Manager is a stub on platforms without systemd.
type Manager struct{}

func New() *Manager { return &Manager{} }

func (m *Manager) Do(context.Context, Action, string) (Status, error) {
	return Status{}, ErrUnsupported
}

func (m *Manager) Status(context.Context, string) (Status, error) {
	return Status{}, ErrUnsupported
}

func (m *Manager) Close() error { return nil }
