package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxConcurrencyCap bounds UpdateMaxConcurrency and sizes the permit
// bucket so the limit can be raised at runtime without reallocating it.
const maxConcurrencyCap = 10

// Config controls the queue service. Zero values take defaults.
type Config struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// MaxConcurrent is the number of dispatch slots (1..10).
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`

	// MaxQueued caps the backlog; Enqueue fails once it is reached.
	MaxQueued int `yaml:"max_queued" json:"max_queued"`

	// IdleWait is how long the dispatch loop sleeps when the queue is
	// empty or paused before re-checking.
	IdleWait time.Duration `yaml:"idle_wait" json:"idle_wait"`

	// BasePerSubtask and MinEstimate shape duration estimation when no
	// comparable history exists.
	BasePerSubtask time.Duration `yaml:"base_per_subtask" json:"base_per_subtask"`
	MinEstimate    time.Duration `yaml:"min_estimate" json:"min_estimate"`

	// DefaultProfile is assumed for tasks that do not set one
	// (quick, balanced, thorough). Empty means balanced.
	DefaultProfile string `yaml:"default_profile" json:"default_profile"`

	// HistoryLimit is how many completed runs feed estimation.
	HistoryLimit int `yaml:"history_limit" json:"history_limit"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.MaxConcurrent > maxConcurrencyCap {
		c.MaxConcurrent = maxConcurrencyCap
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = 100
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.BasePerSubtask <= 0 {
		c.BasePerSubtask = 5 * time.Minute
	}
	if c.MinEstimate <= 0 {
		c.MinEstimate = time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 100
	}
	return c
}

// Priority orders dispatch: lower values go first.
type Priority int

const (
	High   Priority = 0
	Normal Priority = 1
	Low    Priority = 2
)

func (p Priority) String() string {
	switch p {
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority reads the config/API spelling of a priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return High, nil
	case "", "normal", "medium":
		return Normal, nil
	case "low":
		return Low, nil
	default:
		return Normal, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON emits the string form so event payloads stay readable.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// TaskStatus is the lifecycle state persisted per task:
// Backlog -> Queued -> Running -> {Done | Failed | Backlog on stop-all}.
type TaskStatus string

const (
	StatusBacklog TaskStatus = "backlog"
	StatusQueued  TaskStatus = "queued"
	StatusRunning TaskStatus = "running"
	StatusDone    TaskStatus = "done"
	StatusFailed  TaskStatus = "failed"
)

// Task is one unit of externally-executed work.
type Task struct {
	ID          string
	Title       string
	Description string
	Priority    Priority

	// Files are explicit repo-relative references used for conflict
	// analysis. Optional.
	Files []string

	// Subtasks sizes the work for duration estimation.
	Subtasks int

	// Profile selects the estimation multiplier ("quick", "balanced",
	// "thorough"). Empty means balanced.
	Profile string

	// Project is an opaque handle passed through to the executor
	// (typically a working directory or worktree name).
	Project string

	// Estimate, when set by the caller, overrides computed estimation.
	Estimate time.Duration

	// Payload travels opaquely to the executor.
	Payload any
}

// Outcome is what an executor reports back for one dispatched task.
type Outcome struct {
	Err    error
	Detail string
}

// Executor runs one dispatched task. Implementations must honor ctx:
// StopAll and shutdown abandon work by canceling it.
type Executor interface {
	Execute(ctx context.Context, t Task) Outcome
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, t Task) Outcome

func (f ExecutorFunc) Execute(ctx context.Context, t Task) Outcome { return f(ctx, t) }

// StatusStore persists task status transitions. Implementations must be
// safe for concurrent use; errors are logged, never fatal to dispatch.
type StatusStore interface {
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error
}

// QueuedInfo is the externally visible view of a waiting task.
type QueuedInfo struct {
	ID       string    `json:"id"`
	Title    string    `json:"title,omitempty"`
	Priority Priority  `json:"priority"`
	Position int       `json:"position"`
	QueuedAt time.Time `json:"queued_at"`
}

// RunningInfo is the externally visible view of an in-flight task.
type RunningInfo struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title,omitempty"`
	Priority            Priority      `json:"priority"`
	StartedAt           time.Time     `json:"started_at"`
	Elapsed             time.Duration `json:"elapsed"`
	EstimatedCompletion time.Time     `json:"estimated_completion"`
}

// Snapshot is the aggregate queue view.
type Snapshot struct {
	Enabled       bool           `json:"enabled"`
	Paused        bool           `json:"paused"`
	Running       int            `json:"running"`
	Queued        int            `json:"queued"`
	ByPriority    map[string]int `json:"by_priority"`
	MaxConcurrent int            `json:"max_concurrent"`
}

// DetailedSnapshot adds per-item detail; it is also the payload published
// on every queue-state change.
type DetailedSnapshot struct {
	Snapshot
	RunningTasks []RunningInfo `json:"running_tasks"`
	QueuedTasks  []QueuedInfo  `json:"queued_tasks"`
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Title      string        `json:"title,omitempty"`
	Priority   Priority      `json:"priority"`
	Status     TaskStatus    `json:"status"`
	QueueDelay time.Duration `json:"queue_delay,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// EnqueueReport tells the caller where their task landed and which
// already-admitted tasks it may collide with. Conflicts are advisory.
type EnqueueReport struct {
	ID        string
	Position  int
	Conflicts []ConflictWarning
}

// ConflictWarning is a thinned view of a detector conflict.
type ConflictWarning struct {
	OtherID     string `json:"other_id"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// completedRun feeds duration estimation.
type completedRun struct {
	subtasks int
	duration time.Duration
	at       time.Time
}
