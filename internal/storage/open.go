package storage

import (
	"context"
	"fmt"
	"strings"

	logx "taskpilot/pkg/logx"
)

// Store is the persistence surface the daemon programs against. The
// JSON file store and the SQLite store both implement it.
type Store interface {
	SaveTask(ctx context.Context, t TaskRecord) error
	UpdateStatus(ctx context.Context, id, status string) error
	GetTask(ctx context.Context, id string) (TaskRecord, error)
	// ListTasks filters by status; empty status means all tasks.
	ListTasks(ctx context.Context, status string) ([]TaskRecord, error)
	AppendRun(ctx context.Context, r RunRecord) error
	RecentRuns(ctx context.Context, limit int) ([]RunRecord, error)
	// ResetActive moves queued/running tasks back to backlog. Runs at
	// startup so work stranded by a crash becomes admittable again.
	ResetActive(ctx context.Context) (int, error)
	Close() error
}

// Open builds the store named by cfg.Driver, or (nil, nil) when
// storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "none":
		return nil, nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
