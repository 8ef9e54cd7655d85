package supervisor

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"
)

// SupervisorCounters are best-effort gauges over the whole group.
type SupervisorCounters struct {
	Active  int64  `json:"active"`
	Started uint64 `json:"started"`
}

// GoroutineStats aggregates every run that shared a goroutine name, so a
// restart loop shows up as one row with a growing restart count.
type GoroutineStats struct {
	Name         string        `json:"name"`
	Active       int64         `json:"active"`
	Started      uint64        `json:"started"`
	Panics       uint64        `json:"panics"`
	Restarts     uint64        `json:"restarts"`
	LastStartAt  time.Time     `json:"last_start_at"`
	LastStopAt   time.Time     `json:"last_stop_at"`
	LastErrAt    time.Time     `json:"last_err_at"`
	LastErr      string        `json:"last_err,omitempty"`
	LastPanicAt  time.Time     `json:"last_panic_at"`
	LastPanic    string        `json:"last_panic,omitempty"`
	LastRuntime  time.Duration `json:"last_runtime"`
	TotalRuntime time.Duration `json:"total_runtime"`
}

// SupervisorSnapshot is a point-in-time view for status output, not a
// synchronization primitive.
type SupervisorSnapshot struct {
	Counters   SupervisorCounters `json:"counters"`
	FirstError string             `json:"first_error,omitempty"`
	Goroutines []GoroutineStats   `json:"goroutines"`
}

// Counters reports how many goroutines the supervisor ever started and how
// many are running right now.
func (s *Supervisor) Counters() SupervisorCounters {
	if s == nil {
		return SupervisorCounters{}
	}
	return SupervisorCounters{
		Active:  atomic.LoadInt64(&s.active),
		Started: atomic.LoadUint64(&s.started),
	}
}

// Snapshot collects per-name stats, active goroutines first, then most
// recently started.
func (s *Supervisor) Snapshot() SupervisorSnapshot {
	if s == nil {
		return SupervisorSnapshot{}
	}
	snap := SupervisorSnapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}

	s.mu.Lock()
	rows := make([]GoroutineStats, 0, len(s.byName))
	for _, rec := range s.byName {
		rows = append(rows, GoroutineStats{
			Name:         rec.name,
			Active:       rec.active,
			Started:      rec.started,
			Panics:       rec.panics,
			Restarts:     rec.restarts,
			LastStartAt:  rec.lastStartAt,
			LastStopAt:   rec.lastStopAt,
			LastErrAt:    rec.lastErrAt,
			LastErr:      rec.lastErr,
			LastPanicAt:  rec.lastPanicAt,
			LastPanic:    rec.lastPanic,
			LastRuntime:  rec.lastRuntime,
			TotalRuntime: rec.totalRuntime,
		})
	}
	s.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Active != rows[j].Active {
			return rows[i].Active > rows[j].Active
		}
		if !rows[i].LastStartAt.Equal(rows[j].LastStartAt) {
			return rows[i].LastStartAt.After(rows[j].LastStartAt)
		}
		return rows[i].Name < rows[j].Name
	})
	snap.Goroutines = rows
	return snap
}

type nameStats struct {
	name         string
	active       int64
	started      uint64
	panics       uint64
	restarts     uint64
	lastStartAt  time.Time
	lastStopAt   time.Time
	lastErrAt    time.Time
	lastErr      string
	lastPanicAt  time.Time
	lastPanic    string
	lastRuntime  time.Duration
	totalRuntime time.Duration
}

// statsFor returns the record for name, creating it on first use. Callers
// hold s.mu.
func (s *Supervisor) statsFor(name string) *nameStats {
	if s.byName == nil {
		s.byName = map[string]*nameStats{}
	}
	rec := s.byName[name]
	if rec == nil {
		rec = &nameStats{name: name}
		s.byName[name] = rec
	}
	return rec
}

func (s *Supervisor) markStart(name string, isRestart bool) time.Time {
	now := time.Now()
	if s == nil {
		return now
	}
	s.mu.Lock()
	rec := s.statsFor(name)
	rec.started++
	if isRestart {
		rec.restarts++
	}
	rec.active++
	rec.lastStartAt = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) markExit(name string, startedAt time.Time, err error) {
	now := time.Now()
	if s == nil {
		return
	}
	s.mu.Lock()
	rec := s.statsFor(name)
	if rec.active > 0 {
		rec.active--
	}
	rec.lastStopAt = now
	rec.lastRuntime = now.Sub(startedAt)
	rec.totalRuntime += rec.lastRuntime
	if err != nil {
		rec.lastErr = err.Error()
		rec.lastErrAt = now
	}
	s.mu.Unlock()
}

func (s *Supervisor) markPanic(name string, p any) {
	if s == nil {
		return
	}
	s.mu.Lock()
	rec := s.statsFor(name)
	rec.panics++
	rec.lastPanicAt = time.Now()
	rec.lastPanic = fmt.Sprint(p)
	s.mu.Unlock()
}
