package keyq

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTask      = errors.New("keyq: task function is nil")
	ErrCapacityExceeded = errors.New("keyq: task exceeds maximum limit")
	ErrLockFailed       = errors.New("lock failed")
	ErrTimeout          = errors.New("keyq: task timeout")
	ErrClosed           = errors.New("keyq: scheduler closed")
	ErrPending          = errors.New("keyq: task not resolved yet")
	ErrNotClosed        = errors.New("keyq: drain before close")
)

// PanicError is the failure recorded for a task whose function panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string { return fmt.Sprintf("keyq: task panic: %v", e.Value) }

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func lockFailed(key string) error { return fmt.Errorf("%s: %w", key, ErrLockFailed) }
