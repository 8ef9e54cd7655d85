package queue

import (
	"fmt"
	"sort"
	"time"
)

const (
	profileQuick    = "quick"
	profileThorough = "thorough"
)

// profileMultiplier scales estimates by how carefully the executor is
// asked to work. Unknown profiles fall back to balanced.
func profileMultiplier(profile string) float64 {
	switch profile {
	case profileQuick:
		return 0.6
	case profileThorough:
		return 1.5
	default:
		return 1.0
	}
}

// subtaskSimilarity is how far apart two tasks' subtask counts may be
// for their durations to count as comparable history.
const subtaskSimilarity = 2

// EstimateDuration predicts how long a queued or running task will take.
// A caller-supplied estimate wins; otherwise the average of completed
// runs of similar size scaled by the profile multiplier; otherwise
// subtasks times the per-subtask base. Never below the configured floor.
func (s *Service) EstimateDuration(id string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.queued[id]; ok {
		return s.estimateLocked(e.task), nil
	}
	if rt, ok := s.running[id]; ok {
		// Pinned at dispatch so progress reporting stays stable.
		return rt.estimate, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownTask, id)
}

func (s *Service) estimateLocked(t Task) time.Duration {
	if t.Estimate > 0 {
		return t.Estimate
	}
	profile := t.Profile
	if profile == "" {
		profile = s.cfg.DefaultProfile
	}
	mult := profileMultiplier(profile)

	var sum time.Duration
	n := 0
	for _, r := range s.history {
		d := r.subtasks - t.Subtasks
		if d < 0 {
			d = -d
		}
		if d <= subtaskSimilarity {
			sum += r.duration
			n++
		}
	}

	var est time.Duration
	if n > 0 {
		est = time.Duration(float64(sum) / float64(n) * mult)
	} else {
		subs := t.Subtasks
		if subs <= 0 {
			subs = 1
		}
		est = time.Duration(float64(subs) * float64(s.cfg.BasePerSubtask) * mult)
	}
	if est < s.cfg.MinEstimate {
		est = s.cfg.MinEstimate
	}
	return est
}

// recordRunLocked feeds one completed run into the estimation history.
func (s *Service) recordRunLocked(subtasks int, d time.Duration) {
	if d <= 0 {
		return
	}
	s.history = append(s.history, completedRun{subtasks: subtasks, duration: d, at: s.now()})
	if n := len(s.history); n > s.cfg.HistoryLimit {
		s.history = s.history[n-s.cfg.HistoryLimit:]
	}
}

// OptimizeOrder suggests a dispatch order: within each priority band,
// shortest estimated duration first, discounted by time already waited
// so long-queued tasks cannot starve. The queue itself is untouched;
// pass the result to Reorder to apply it.
func (s *Service) OptimizeOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return nil
	}

	now := s.now()
	entries := s.heap.sorted()
	type scored struct {
		id    string
		prio  Priority
		score float64
	}
	items := make([]scored, 0, len(entries))
	for _, e := range entries {
		waited := now.Sub(e.queuedAt)
		items = append(items, scored{
			id:    e.task.ID,
			prio:  e.task.Priority,
			score: s.estimateLocked(e.task).Seconds() - 0.1*waited.Seconds(),
		})
	}
	// Stable keeps admission order on equal scores.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].prio != items[j].prio {
			return items[i].prio < items[j].prio
		}
		return items[i].score < items[j].score
	})

	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.id
	}
	return out
}
