package schedule

import (
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"
)

const maxStartupSpread = 30 * time.Second

// firstRunAt pins a schedule's first firing to a fixed instant and
// delegates to the wrapped schedule afterwards.
type firstRunAt struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstRunAt) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

// intervalWithSpread builds an every-interval schedule whose first run
// is pushed out by a random extra delay, capped at maxStartupSpread.
// Without the spread, a daemon restart fires every interval entry at
// the same moment.
func intervalWithSpread(every time.Duration, now time.Time) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := every
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 {
		return base, 0
	}
	jitter := time.Duration(rand.Int63n(int64(spread)))
	return &firstRunAt{base: base, first: now.Add(every + jitter)}, jitter
}
