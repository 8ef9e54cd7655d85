package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "taskpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) SaveTask(ctx context.Context, t TaskRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	t.ID = strings.TrimSpace(t.ID)
	if t.ID == "" {
		return errors.New("task id is required")
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = StatusBacklog
	}
	files, err := json.Marshal(t.Files)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, title, description, priority, status, files, subtasks, profile, project, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title=excluded.title, description=excluded.description, priority=excluded.priority,
		   status=excluded.status, files=excluded.files, subtasks=excluded.subtasks,
		   profile=excluded.profile, project=excluded.project, updated_at=excluded.updated_at`,
		t.ID, t.Title, nullStr(t.Description), t.Priority, t.Status, string(files),
		t.Subtasks, nullStr(t.Profile), nullStr(t.Project),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateStatus(ctx context.Context, id, status string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("task id is required")
	}
	now := time.Now().Format(time.RFC3339Nano)
	// Upsert so a status arriving before the task row still lands.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, title, priority, status, files, subtasks, created_at, updated_at)
		 VALUES(?,'','normal',?,'[]',0,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at`,
		id, status, now, now,
	)
	return err
}

func (s *sqliteStore) GetTask(ctx context.Context, id string) (TaskRecord, error) {
	if s == nil || s.db == nil {
		return TaskRecord{}, ErrDisabled
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, priority, status, files, subtasks, profile, project, created_at, updated_at
		 FROM tasks WHERE id = ?`, strings.TrimSpace(id))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return TaskRecord{}, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, status string) ([]TaskRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	q := `SELECT id, title, description, priority, status, files, subtasks, profile, project, created_at, updated_at FROM tasks`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY created_at, id`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TaskRecord
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendRun(ctx context.Context, r RunRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs(task_id, started_at, duration_ms, subtasks, attempts, ok, err)
		 VALUES(?,?,?,?,?,?,?)`,
		r.TaskID, r.StartedAt.Format(time.RFC3339Nano), r.Duration.Milliseconds(),
		r.Subtasks, r.Attempts, r.OK, nullStr(r.Error),
	)
	return err
}

func (s *sqliteStore) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, started_at, duration_ms, subtasks, attempts, ok, err
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started string
		var durMS int64
		var errStr sql.NullString
		if err := rows.Scan(&r.TaskID, &started, &durMS, &r.Subtasks, &r.Attempts, &r.OK, &errStr); err != nil {
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.Duration = time.Duration(durMS) * time.Millisecond
		r.Error = errStr.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ResetActive(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE status IN (?, ?)`,
		StatusBacklog, time.Now().Format(time.RFC3339Nano), StatusQueued, StatusRunning,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (TaskRecord, error) {
	var t TaskRecord
	var desc, profile, project sql.NullString
	var files, created, updated string
	if err := row.Scan(&t.ID, &t.Title, &desc, &t.Priority, &t.Status, &files,
		&t.Subtasks, &profile, &project, &created, &updated); err != nil {
		return TaskRecord{}, err
	}
	t.Description = desc.String
	t.Profile = profile.String
	t.Project = project.String
	if files != "" {
		_ = json.Unmarshal([]byte(files), &t.Files)
	}
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return t, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
