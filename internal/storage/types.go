package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("task not found")
)

// Task statuses as persisted. The queue owns the lifecycle; storage just
// records it.
const (
	StatusBacklog = "backlog"
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string        `yaml:"driver" json:"driver"`
	Path        string        `yaml:"path" json:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout" json:"busy_timeout"` // sqlite only; 0 means default
}

// TaskRecord is the durable view of a task.
// Keep it compact and schema-stable.
type TaskRecord struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Priority    string    `json:"priority"`
	Status      string    `json:"status"`
	Files       []string  `json:"files,omitempty"`
	Subtasks    int       `json:"subtasks,omitempty"`
	Profile     string    `json:"profile,omitempty"`
	Project     string    `json:"project,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RunRecord is one finished execution of a task.
type RunRecord struct {
	TaskID    string        `json:"task_id"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Subtasks  int           `json:"subtasks,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	OK        bool          `json:"ok"`
	Error     string        `json:"error,omitempty"`
}
