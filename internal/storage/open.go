package storage

import (
	"context"
	"errors"
	"strings"

	logx "keyq/pkg/logx"
)

// Store is the persistence API used by the runner.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error

	// RecentRuns returns up to limit runs, newest first. An empty job matches all.
	RecentRuns(ctx context.Context, job string, limit int) ([]RunRecord, error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "disabled":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
