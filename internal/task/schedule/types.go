package schedule

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/task/queue"
	logx "taskpilot/pkg/logx"
)

// Entry defines one recurring enqueue.
//
// The queue task carries a stable id derived from Name, so a trigger that
// fires while the previous instance is still admitted or running is
// skipped instead of piling up duplicates.
type Entry struct {
	Name        string
	Spec        string // cron spec, @every, interval duration, or HH:MM
	Priority    queue.Priority
	Title       string
	Description string
	Files       []string
	Subtasks    int
	Profile     string
	Project     string
}

// Config controls the schedule service.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Amsterdam"
	Entries  []Entry
}

// Enqueuer is the queue surface the service needs.
type Enqueuer interface {
	Enqueue(t queue.Task) (queue.EnqueueReport, error)
}

type scheduleDef struct {
	name          string
	spec          string
	entry         Entry
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for interval schedules
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	queue Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Enqueue error throttling: key is schedule name.
	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name string
	Spec string
	Next time.Time
	Prev time.Time
}

type Snapshot struct {
	Timezone  string
	Schedules []ScheduleInfo
}
