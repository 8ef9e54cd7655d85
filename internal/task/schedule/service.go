package schedule

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"taskpilot/internal/task/queue"
	logx "taskpilot/pkg/logx"
)

func New(cfg Config, q Enqueuer, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		queue: q,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Enabled reports whether any schedule entries are configured.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cfg.Entries) > 0
}

// Apply swaps the schedule set. If the service is running and the
// timezone or entries changed, the cron runner restarts with the new set.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone) ||
		!reflect.DeepEqual(s.cfg.Entries, cfg.Entries)
	s.cfg = cfg
	if s.c == nil || !changed {
		return
	}
	s.restartLocked()
}

// Start begins cron triggering for the configured entries.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	s.rebuildDefsLocked()
	s.c.Start()
	s.log.Info("schedules started", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// Stop stops cron triggering. In-flight trigger callbacks are waited for.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.log.Info("stop requested")

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	if tz == "" {
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{Name: d.name, Spec: d.spec}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}
	return Snapshot{Timezone: tz, Schedules: items}
}

// rebuildDefsLocked replaces defs from cfg.Entries and registers each on
// the current cron instance. Entries with invalid specs are logged and
// dropped. Call with s.mu held and s.c non-nil.
func (s *Service) rebuildDefsLocked() {
	s.defs = s.defs[:0]
	for _, e := range s.cfg.Entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			s.log.Warn("schedule without a name skipped", logx.String("spec", e.Spec))
			continue
		}
		d := scheduleDef{name: name, spec: strings.TrimSpace(e.Spec), entry: e}
		if err := s.registerLocked(&d); err != nil {
			s.log.Error("schedule register failed",
				logx.String("name", name), logx.String("spec", d.spec), logx.Any("err", err))
			continue
		}
		s.defs = append(s.defs, d)
		next := s.previewNextRunsLocked(d.spec, 3)
		args := []logx.Field{logx.String("name", name), logx.String("spec", d.spec)}
		if next != "" {
			args = append(args, logx.String("next", next))
		}
		s.log.Debug("schedule registered", args...)
	}
}

func (s *Service) registerLocked(d *scheduleDef) error {
	ps, err := ParseSchedule(d.spec)
	if err != nil {
		return err
	}

	entry := d.entry
	job := cron.FuncJob(func() { s.trigger(entry) })

	// Interval schedules get a small random first-run delay so several
	// @every entries don't all fire together right after start.
	every := ps.Every
	if ps.Kind == SpecCron && strings.HasPrefix(ps.Cron, "@every") {
		raw := strings.TrimSpace(strings.TrimPrefix(ps.Cron, "@every"))
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			every = d
		}
	}
	if every > 0 {
		loc := s.loc
		if loc == nil {
			loc = time.Local
		}
		sched, jitter := intervalWithSpread(every, time.Now().In(loc))
		d.startupSpread = jitter
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(ps.Cron, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	s.rebuildDefsLocked()
	s.c.Start()
	s.log.Info("schedules restarted", logx.String("tz", loc.String()), logx.Int("schedules", len(s.defs)))
}

// trigger builds the queue task for one firing. The id is stable per
// schedule, so the queue's duplicate check turns into overlap skipping.
func (s *Service) trigger(e Entry) {
	if s.queue == nil {
		return
	}
	t := queue.Task{
		ID:          "sched:" + e.Name,
		Title:       e.Title,
		Description: e.Description,
		Priority:    e.Priority,
		Files:       e.Files,
		Subtasks:    e.Subtasks,
		Profile:     e.Profile,
		Project:     e.Project,
	}
	if strings.TrimSpace(t.Title) == "" {
		t.Title = e.Name
	}
	rep, err := s.queue.Enqueue(t)
	if err != nil {
		s.reportEnqueueError(e.Name, err)
		return
	}
	if len(rep.Conflicts) > 0 {
		s.log.Debug("scheduled task has conflict warnings",
			logx.String("schedule", e.Name), logx.String("task", rep.ID), logx.Int("conflicts", len(rep.Conflicts)))
	}
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// The previous instance still being queued or running is normal for
	// recurring work.
	if errors.Is(err, queue.ErrDuplicateID) {
		s.log.Debug("schedule trigger skipped, previous run still active", logx.String("schedule", name))
		return
	}

	now := time.Now()
	s.enqMu.Lock()
	if s.lastEnqWarn == nil {
		s.lastEnqWarn = make(map[string]time.Time)
	}
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("schedule failed to enqueue task", logx.String("schedule", name), logx.Any("err", err))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Any("err", err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked returns a short list of upcoming run times for the
// registration debug log. Call with s.mu held.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	ps, err := ParseSchedule(spec)
	if err != nil || ps.Kind != SpecCron {
		return ""
	}
	sched, err := s.parser.Parse(ps.Cron)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
