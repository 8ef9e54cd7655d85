// Package queue implements the priority task queue: admission, a single
// dispatch loop with bounded concurrency, duration estimation, and
// advisory conflict warnings on enqueue.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/task/conflict"
	"taskpilot/pkg/logx"
)

const warnThrottleEvery = 30 * time.Second

// runningTask tracks one in-flight dispatch. cancel aborts the executor;
// it is invoked by StopAll and by shutdown.
type runningTask struct {
	task     Task
	queuedAt time.Time

	startedAt time.Time
	estimate  time.Duration
	cancel    context.CancelFunc
}

// Service is the priority queue. All mutating operations are serialized
// on mu; the executor runs outside it.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus

	exec     Executor
	store    StatusStore
	detector *conflict.Detector

	heap    taskHeap
	queued  map[string]*heapEntry
	running map[string]*runningTask
	seq     uint64
	paused  bool

	// permits is the concurrency token bucket, sized to the cap so the
	// limit can move up and down without reallocation.
	permits     chan struct{}
	permitLimit int32
	inFlight    int32

	history []completedRun

	wg       sync.WaitGroup
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// wake nudges the dispatch loop out of its idle wait.
	wake chan struct{}

	lastFullWarnAt int64

	now func() time.Time
}

// New builds a queue service. store, detector, and bus may be nil;
// the corresponding behavior (persistence, conflict warnings, events)
// is then skipped.
func New(cfg Config, exec Executor, store StatusStore, det *conflict.Detector, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		exec:     exec,
		store:    store,
		detector: det,
		queued:   make(map[string]*heapEntry),
		running:  make(map[string]*runningTask),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Start launches the dispatch loop. It is idempotent; if a previous Stop
// is still draining it waits for that first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	if s.exec == nil {
		s.mu.Unlock()
		s.log.Error("queue: no executor configured")
		return
	}

	if s.stopCh != nil {
		// If stopping, wait for it to finish before restarting.
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		// Re-check after wait.
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	limit := int32(s.cfg.MaxConcurrent)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh

	atomic.StoreInt32(&s.inFlight, 0)
	atomic.StoreInt32(&s.permitLimit, limit)
	s.permits = make(chan struct{}, maxConcurrencyCap)
	for i := int32(0); i < limit; i++ {
		s.permits <- struct{}{}
	}

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "queue"))),
		// A dispatch failure should not hard-kill the app.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	// Auto-restart the dispatcher if it panics.
	sup.GoRestart("dispatch", func(c context.Context) error {
		s.dispatch(c, stopCh)
		// Clean exits happen only on shutdown.
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("dispatch exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("queue started", logx.Int("max_concurrent", int(limit)), logx.Int("max_queued", s.cfg.MaxQueued))
}

// Stop shuts the queue down: the dispatch loop exits, in-flight executors
// are canceled, and every queued or running task is reset to backlog so a
// later restart can re-admit it. Waits up to ctx for the drain.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	ids, cancels := s.resetAllLocked()
	sup := s.sup
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	if sup != nil {
		sup.Cancel()
	}
	for _, id := range ids {
		s.persistStatus(id, StatusBacklog)
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.permits = nil
		atomic.StoreInt32(&s.inFlight, 0)
		atomic.StoreInt32(&s.permitLimit, 0)
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("queue stopped", logx.Int("reset", len(ids)))
	case <-ctx.Done():
		s.log.Warn("queue stop timed out", logx.Any("err", ctx.Err()))
	}
}

// Enqueue admits a task. A missing ID is assigned; a duplicate of a
// queued or running ID is rejected. The report carries the task's
// position in dispatch order and advisory conflict warnings against the
// tasks already admitted.
func (s *Service) Enqueue(t Task) (EnqueueReport, error) {
	if t.ID = strings.TrimSpace(t.ID); t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return EnqueueReport{}, ErrDisabled
	}
	if s.stopCh == nil {
		s.mu.Unlock()
		return EnqueueReport{}, ErrStopped
	}
	if s.stopDone != nil {
		s.mu.Unlock()
		return EnqueueReport{}, ErrStopping
	}
	if len(s.heap) >= s.cfg.MaxQueued {
		qn, now := len(s.heap), s.now()
		s.mu.Unlock()
		if s.shouldWarn(&s.lastFullWarnAt, now) {
			s.log.Warn("queue full, rejecting task", logx.String("task", t.ID), logx.Int("queued", qn))
		}
		return EnqueueReport{}, ErrQueueFull
	}
	if _, ok := s.queued[t.ID]; ok {
		s.mu.Unlock()
		return EnqueueReport{}, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}
	if _, ok := s.running[t.ID]; ok {
		s.mu.Unlock()
		return EnqueueReport{}, fmt.Errorf("%w: %s", ErrDuplicateID, t.ID)
	}

	now := s.now()
	s.seq++
	e := &heapEntry{task: t, queuedAt: now, stamp: orderedStamp{at: now, seq: s.seq}}
	heap.Push(&s.heap, e)
	s.queued[t.ID] = e

	position := 0
	for i, se := range s.heap.sorted() {
		if se.task.ID == t.ID {
			position = i + 1
			break
		}
	}
	others := s.admittedExceptLocked(t.ID)
	s.mu.Unlock()

	s.kick()
	s.persistStatus(t.ID, StatusQueued)
	s.publishTask("task.queued", t, StatusQueued, 0, 0, "")
	s.publishQueueChanged()

	return EnqueueReport{ID: t.ID, Position: position, Conflicts: s.warningsFor(t, others)}, nil
}

// Remove takes a not-yet-dispatched task out of the queue and resets it
// to backlog. Returns false if the task is already running or unknown.
func (s *Service) Remove(id string) bool {
	s.mu.Lock()
	e, ok := s.queued[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.queued, id)
	if i := s.heap.find(id); i >= 0 {
		s.heap = append(s.heap[:i], s.heap[i+1:]...)
		heap.Init(&s.heap)
	}
	t := e.task
	s.mu.Unlock()

	s.persistStatus(id, StatusBacklog)
	s.publishTask("task.removed", t, StatusBacklog, 0, 0, "")
	s.publishQueueChanged()
	return true
}

// Reprioritize moves a queued task to a new priority. Its original
// admission order within the new priority is preserved. Returns false if
// the task is running or unknown.
func (s *Service) Reprioritize(id string, p Priority) bool {
	s.mu.Lock()
	e, ok := s.queued[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	if e.task.Priority == p {
		s.mu.Unlock()
		return true
	}
	e.task.Priority = p
	heap.Init(&s.heap)
	s.mu.Unlock()

	s.kick()
	s.publishQueueChanged()
	return true
}

// Reorder rebuilds dispatch order so the listed ids go first, in the
// given order; unlisted queued tasks follow in their prior order.
// Priorities are untouched, so ordering still applies within each
// priority band. Unknown ids are ignored.
func (s *Service) Reorder(ids []string) {
	s.mu.Lock()
	prior := s.heap.sorted()
	base := s.now()
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if e, ok := s.queued[id]; ok {
			s.seq++
			e.stamp = orderedStamp{at: base, seq: s.seq}
		}
	}
	for _, e := range prior {
		if seen[e.task.ID] {
			continue
		}
		s.seq++
		e.stamp = orderedStamp{at: base, seq: s.seq}
	}
	heap.Init(&s.heap)
	s.mu.Unlock()

	s.kick()
	s.publishQueueChanged()
}

// Pause gates the dispatch loop. Already-dispatched executors keep
// running. Idempotent.
func (s *Service) Pause() {
	s.mu.Lock()
	changed := !s.paused
	s.paused = true
	s.mu.Unlock()
	if changed {
		s.log.Info("queue paused")
		s.publishQueueChanged()
	}
}

// Resume lifts the pause gate. Idempotent.
func (s *Service) Resume() {
	s.mu.Lock()
	changed := s.paused
	s.paused = false
	s.mu.Unlock()
	if changed {
		s.kick()
		s.log.Info("queue resumed")
		s.publishQueueChanged()
	}
}

// UpdateMaxConcurrency changes the dispatch slot count. The new limit
// applies to future permit acquisitions only; running tasks are never
// pre-empted, so the live count may briefly exceed a lowered limit.
func (s *Service) UpdateMaxConcurrency(n int) error {
	if n < 1 || n > maxConcurrencyCap {
		return fmt.Errorf("max concurrency %d out of range [1, %d]", n, maxConcurrencyCap)
	}
	s.mu.Lock()
	s.cfg.MaxConcurrent = n
	started := s.stopCh != nil
	s.mu.Unlock()

	if started {
		s.setPermitLimit(int32(n))
		s.kick()
	}
	s.log.Info("queue concurrency updated", logx.Int("max_concurrent", n))
	s.publishQueueChanged()
	return nil
}

// StopAll cancels every running executor and clears the queue; all
// affected tasks are reset to backlog. The dispatch loop stays up.
// Returns the number of tasks reset.
func (s *Service) StopAll() int {
	s.mu.Lock()
	ids, cancels := s.resetAllLocked()
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, id := range ids {
		s.persistStatus(id, StatusBacklog)
	}
	if len(ids) > 0 {
		s.log.Info("queue stop-all", logx.Int("reset", len(ids)))
		s.publishQueueChanged()
	}
	return len(ids)
}

// resetAllLocked empties the running and queued sets and returns the
// affected ids plus the cancel funcs to invoke outside the lock.
func (s *Service) resetAllLocked() ([]string, []context.CancelFunc) {
	ids := make([]string, 0, len(s.running)+len(s.queued))
	cancels := make([]context.CancelFunc, 0, len(s.running))
	for id, rt := range s.running {
		ids = append(ids, id)
		cancels = append(cancels, rt.cancel)
		delete(s.running, id)
	}
	for id := range s.queued {
		ids = append(ids, id)
		delete(s.queued, id)
	}
	for i := range s.heap {
		s.heap[i] = nil
	}
	s.heap = s.heap[:0]
	return ids, cancels
}

// Enabled reports whether the queue is configured to run.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates configuration at runtime. Concurrency changes take
// effect on future acquisitions; enable/disable transitions are handled
// by the caller via Start/Stop.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	started := s.stopCh != nil
	s.mu.Unlock()

	if started && cfg.MaxConcurrent != prev.MaxConcurrent {
		s.setPermitLimit(int32(cfg.MaxConcurrent))
		s.kick()
	}
}

// Status returns the aggregate queue view.
func (s *Service) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Snapshot {
	by := map[string]int{High.String(): 0, Normal.String(): 0, Low.String(): 0}
	for _, e := range s.queued {
		by[e.task.Priority.String()]++
	}
	return Snapshot{
		Enabled:       s.cfg.Enabled,
		Paused:        s.paused,
		Running:       len(s.running),
		Queued:        len(s.queued),
		ByPriority:    by,
		MaxConcurrent: s.cfg.MaxConcurrent,
	}
}

// DetailedStatus returns the aggregate view plus per-item detail, in
// dispatch order for queued tasks.
func (s *Service) DetailedStatus() DetailedSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ds := DetailedSnapshot{Snapshot: s.statusLocked()}
	for _, rt := range s.running {
		ds.RunningTasks = append(ds.RunningTasks, RunningInfo{
			ID:                  rt.task.ID,
			Title:               rt.task.Title,
			Priority:            rt.task.Priority,
			StartedAt:           rt.startedAt,
			Elapsed:             now.Sub(rt.startedAt),
			EstimatedCompletion: rt.startedAt.Add(rt.estimate),
		})
	}
	sortRunning(ds.RunningTasks)
	for i, e := range s.heap.sorted() {
		ds.QueuedTasks = append(ds.QueuedTasks, QueuedInfo{
			ID:       e.task.ID,
			Title:    e.task.Title,
			Priority: e.task.Priority,
			Position: i + 1,
			QueuedAt: e.queuedAt,
		})
	}
	return ds
}

// admittedExceptLocked snapshots every queued and running task except id,
// for conflict scanning outside the lock.
func (s *Service) admittedExceptLocked(id string) []Task {
	out := make([]Task, 0, len(s.queued)+len(s.running))
	for _, e := range s.queued {
		if e.task.ID != id {
			out = append(out, e.task)
		}
	}
	for _, rt := range s.running {
		if rt.task.ID != id {
			out = append(out, rt.task)
		}
	}
	return out
}

func (s *Service) warningsFor(t Task, others []Task) []ConflictWarning {
	if s.detector == nil || len(others) == 0 {
		return nil
	}
	var warns []ConflictWarning
	ct := conflictTask(t)
	for _, o := range others {
		if c, ok := s.detector.CheckConflict(ct, conflictTask(o)); ok {
			warns = append(warns, ConflictWarning{
				OtherID:     o.ID,
				Severity:    c.Severity.String(),
				Description: c.Description,
			})
		}
	}
	return warns
}

func conflictTask(t Task) conflict.Task {
	return conflict.Task{ID: t.ID, Title: t.Title, Description: t.Description, Files: t.Files}
}

func sortRunning(rs []RunningInfo) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].StartedAt.Equal(rs[j].StartedAt) {
			return rs[i].StartedAt.Before(rs[j].StartedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// persistStatus is best-effort: storage errors are logged, never
// propagated into dispatch.
func (s *Service) persistStatus(id string, st TaskStatus) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.UpdateTaskStatus(ctx, id, st); err != nil {
		s.log.Warn("queue: persist status", logx.Err(err), logx.String("task", id), logx.String("status", string(st)))
	}
}

func (s *Service) publishTask(typ string, t Task, st TaskStatus, delay, dur time.Duration, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: TaskEvent{
		ID:         t.ID,
		Title:      t.Title,
		Priority:   t.Priority,
		Status:     st,
		QueueDelay: delay,
		Duration:   dur,
		Error:      errMsg,
	}})
}

func (s *Service) publishQueueChanged() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: "queue.changed", Time: s.now(), Data: s.DetailedStatus()})
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
