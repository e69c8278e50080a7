// Package runner fires configured jobs on their schedules and executes them
// through the shared keyq scheduler, so jobs that share a key never overlap.
// Every outcome is logged, published on the event bus and written to the
// run-history store.
package runner
