// Package keyq runs asynchronous work serialized per resource key.
//
// Every task is submitted under a key. At most one task per key executes at a
// time, while different keys run concurrently without bound. Tasks waiting on
// the same key are ordered by ascending priority (default 1000; smaller runs
// sooner) and by arrival among equal priorities.
//
// Optionally the one-at-a-time guarantee extends across processes: with a
// cross-process lock enabled, each task also holds a directory mutex (see
// package dirmutex) for its key while it runs.
//
// Basic usage:
//
//	s, _ := keyq.New(keyq.Config{})
//	f, err := s.Submit("user:42", func(ctx context.Context) (any, error) {
//		return save(ctx)
//	}, keyq.WithPriority(10), keyq.WithTimeout(5*time.Second))
//	if err != nil {
//		return err // ErrInvalidTask, ErrCapacityExceeded or ErrClosed
//	}
//	v, err := f.Wait(ctx)
package keyq
