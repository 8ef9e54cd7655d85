package queue

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/task/conflict"
	logx "taskpilot/pkg/logx"
)

func newTestService(t *testing.T, cfg Config, exec Executor, store StatusStore, det *conflict.Detector) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.IdleWait == 0 {
		cfg.IdleWait = 20 * time.Millisecond
	}
	s := New(cfg, exec, store, det, nil, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out after %v waiting for %s", d, what)
}

// scriptedExec records dispatch order and can hold named tasks on a gate
// until the test releases them.
type scriptedExec struct {
	mu    sync.Mutex
	order []string
	gates map[string]chan struct{}
	seen  chan string
}

func newScriptedExec() *scriptedExec {
	return &scriptedExec{gates: make(map[string]chan struct{}), seen: make(chan string, 32)}
}

func (e *scriptedExec) gate(id string) chan struct{} {
	ch := make(chan struct{})
	e.mu.Lock()
	e.gates[id] = ch
	e.mu.Unlock()
	return ch
}

func (e *scriptedExec) Execute(ctx context.Context, t Task) Outcome {
	e.mu.Lock()
	e.order = append(e.order, t.ID)
	gate := e.gates[t.ID]
	e.mu.Unlock()
	e.seen <- t.ID
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Outcome{Err: ctx.Err()}
		}
	}
	return Outcome{}
}

func (e *scriptedExec) dispatched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.order...)
}

func (e *scriptedExec) waitStarted(t *testing.T, id string) {
	t.Helper()
	select {
	case got := <-e.seen:
		if got != id {
			t.Fatalf("started task = %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("task %q did not start", id)
	}
}

// memStore records the last persisted status per task.
type memStore struct {
	mu sync.Mutex
	st map[string]TaskStatus
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id string, st TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		m.st = make(map[string]TaskStatus)
	}
	m.st[id] = st
	return nil
}

func (m *memStore) status(id string) TaskStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st[id]
}

func drained(s *Service) func() bool {
	return func() bool {
		st := s.Status()
		return st.Running == 0 && st.Queued == 0
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	g1 := exec.gate("t1")
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)

	if _, err := s.Enqueue(Task{ID: "t1", Priority: High}); err != nil {
		t.Fatalf("enqueue t1: %v", err)
	}
	exec.waitStarted(t, "t1")

	// t1 holds the only slot, so both land in the heap before the next pop.
	if _, err := s.Enqueue(Task{ID: "t2", Priority: Normal}); err != nil {
		t.Fatalf("enqueue t2: %v", err)
	}
	if _, err := s.Enqueue(Task{ID: "t3", Priority: High}); err != nil {
		t.Fatalf("enqueue t3: %v", err)
	}
	close(g1)

	waitFor(t, 2*time.Second, "queue drain", drained(s))
	got := exec.dispatched()
	want := []string{"t1", "t3", "t2"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestDispatchFIFOWithinPriority(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	ga := exec.gate("a")
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)

	if _, err := s.Enqueue(Task{ID: "a", Priority: Normal}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	exec.waitStarted(t, "a")
	for _, id := range []string{"b", "c", "d"} {
		if _, err := s.Enqueue(Task{ID: id, Priority: Normal}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	close(ga)

	waitFor(t, 2*time.Second, "queue drain", drained(s))
	got := exec.dispatched()
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dispatch order = %v, want %v", got, want)
	}
}

func TestConcurrencyBound(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	var mu sync.Mutex
	cur, maxSeen := 0, 0
	exec := ExecutorFunc(func(ctx context.Context, _ Task) Outcome {
		mu.Lock()
		cur++
		if cur > maxSeen {
			maxSeen = cur
		}
		mu.Unlock()
		select {
		case <-release:
		case <-ctx.Done():
		}
		mu.Lock()
		cur--
		mu.Unlock()
		return Outcome{}
	})
	s := newTestService(t, Config{MaxConcurrent: 2}, exec, nil, nil)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		if _, err := s.Enqueue(Task{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	waitFor(t, 2*time.Second, "two running", func() bool {
		st := s.Status()
		return st.Running == 2 && st.Queued == 4
	})
	close(release)
	waitFor(t, 2*time.Second, "queue drain", drained(s))

	mu.Lock()
	defer mu.Unlock()
	if maxSeen != 2 {
		t.Fatalf("max concurrent executions = %d, want 2", maxSeen)
	}
}

func TestPauseResume(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	s := newTestService(t, Config{MaxConcurrent: 2, IdleWait: 10 * time.Millisecond}, exec, nil, nil)

	s.Pause()
	s.Pause() // idempotent
	if _, err := s.Enqueue(Task{ID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if got := exec.dispatched(); len(got) != 0 {
		t.Fatalf("dispatched while paused: %v", got)
	}
	if st := s.Status(); !st.Paused || st.Queued != 1 {
		t.Fatalf("paused status = %+v, want paused with 1 queued", st)
	}

	s.Resume()
	waitFor(t, 2*time.Second, "queue drain", drained(s))
	if got := exec.dispatched(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("dispatched after resume = %v, want [a]", got)
	}
	if st := s.Status(); st.Paused {
		t.Fatalf("still paused after resume")
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	ga := exec.gate("a")
	store := &memStore{}
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, store, nil)

	if _, err := s.Enqueue(Task{ID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	exec.waitStarted(t, "a")
	if _, err := s.Enqueue(Task{ID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	if !s.Remove("b") {
		t.Fatalf("Remove(queued) = false, want true")
	}
	if got := store.status("b"); got != StatusBacklog {
		t.Fatalf("removed task status = %q, want backlog", got)
	}
	if s.Remove("a") {
		t.Fatalf("Remove(running) = true, want false")
	}
	if s.Remove("nope") {
		t.Fatalf("Remove(unknown) = true, want false")
	}

	close(ga)
	waitFor(t, 2*time.Second, "queue drain", drained(s))
	if got := exec.dispatched(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("dispatched = %v, want only [a]", got)
	}
}

func queuedIDs(s *Service) []string {
	ds := s.DetailedStatus()
	out := make([]string, len(ds.QueuedTasks))
	for i, q := range ds.QueuedTasks {
		out[i] = q.ID
	}
	return out
}

func TestReprioritizeKeepsAdmissionOrder(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
	s.Pause()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(Task{ID: id, Priority: Normal}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if !s.Reprioritize("a", Low) {
		t.Fatalf("Reprioritize(a, low) = false")
	}
	if got, want := queuedIDs(s), []string{"b", "c", "a"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order after demote = %v, want %v", got, want)
	}

	// Moving back restores the original slot: the admission stamp survives.
	if !s.Reprioritize("a", Normal) {
		t.Fatalf("Reprioritize(a, normal) = false")
	}
	if got, want := queuedIDs(s), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order after restore = %v, want %v", got, want)
	}

	if s.Reprioritize("nope", High) {
		t.Fatalf("Reprioritize(unknown) = true, want false")
	}
}

func TestReorder(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
	s.Pause()

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Enqueue(Task{ID: id, Priority: Normal}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	if _, err := s.Enqueue(Task{ID: "h", Priority: High}); err != nil {
		t.Fatalf("enqueue h: %v", err)
	}

	s.Reorder([]string{"c", "a", "ghost"})

	// Priority still dominates; within normal the listed order leads and
	// unlisted tasks keep their old relative order.
	if got, want := queuedIDs(s), []string{"h", "c", "a", "b"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order after reorder = %v, want %v", got, want)
	}
}

func TestStopAllResetsEverything(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	_ = exec.gate("a")
	store := &memStore{}
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, store, nil)

	if _, err := s.Enqueue(Task{ID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	exec.waitStarted(t, "a")
	for _, id := range []string{"b", "c"} {
		if _, err := s.Enqueue(Task{ID: id}); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	if got := s.StopAll(); got != 3 {
		t.Fatalf("StopAll = %d, want 3", got)
	}
	st := s.Status()
	if st.Running != 0 || st.Queued != 0 {
		t.Fatalf("status after StopAll = %+v, want empty", st)
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := store.status(id); got != StatusBacklog {
			t.Fatalf("task %s status = %q, want backlog", id, got)
		}
	}

	// The dispatch loop survives and keeps serving new work.
	if _, err := s.Enqueue(Task{ID: "d"}); err != nil {
		t.Fatalf("enqueue after StopAll: %v", err)
	}
	waitFor(t, 2*time.Second, "task d done", func() bool { return store.status("d") == StatusDone })
}

func TestStopResetsToBacklog(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	_ = exec.gate("a")
	store := &memStore{}
	cfg := Config{Enabled: true, MaxConcurrent: 1, IdleWait: 20 * time.Millisecond}
	s := New(cfg, exec, store, nil, nil, logx.Nop())
	s.Start(context.Background())

	if _, err := s.Enqueue(Task{ID: "a"}); err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	exec.waitStarted(t, "a")
	if _, err := s.Enqueue(Task{ID: "b"}); err != nil {
		t.Fatalf("enqueue b: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	for _, id := range []string{"a", "b"} {
		if got := store.status(id); got != StatusBacklog {
			t.Fatalf("task %s status after Stop = %q, want backlog", id, got)
		}
	}
	if _, err := s.Enqueue(Task{ID: "c"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("enqueue after Stop error = %v, want ErrStopped", err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		noop := ExecutorFunc(func(context.Context, Task) Outcome { return Outcome{} })
		s := New(Config{Enabled: false}, noop, nil, nil, nil, logx.Nop())
		if _, err := s.Enqueue(Task{ID: "x"}); !errors.Is(err, ErrDisabled) {
			t.Fatalf("error = %v, want ErrDisabled", err)
		}
	})

	t.Run("not started", func(t *testing.T) {
		t.Parallel()
		noop := ExecutorFunc(func(context.Context, Task) Outcome { return Outcome{} })
		s := New(Config{Enabled: true}, noop, nil, nil, nil, logx.Nop())
		if _, err := s.Enqueue(Task{ID: "x"}); !errors.Is(err, ErrStopped) {
			t.Fatalf("error = %v, want ErrStopped", err)
		}
	})

	t.Run("duplicate queued id", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
		s.Pause()
		if _, err := s.Enqueue(Task{ID: "x"}); err != nil {
			t.Fatalf("first enqueue: %v", err)
		}
		if _, err := s.Enqueue(Task{ID: "x"}); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("error = %v, want ErrDuplicateID", err)
		}
	})

	t.Run("duplicate running id", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		gx := exec.gate("x")
		s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
		if _, err := s.Enqueue(Task{ID: "x"}); err != nil {
			t.Fatalf("first enqueue: %v", err)
		}
		exec.waitStarted(t, "x")
		if _, err := s.Enqueue(Task{ID: "x"}); !errors.Is(err, ErrDuplicateID) {
			t.Fatalf("error = %v, want ErrDuplicateID", err)
		}
		close(gx)
	})

	t.Run("queue full", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		s := newTestService(t, Config{MaxConcurrent: 1, MaxQueued: 2}, exec, nil, nil)
		s.Pause()
		for _, id := range []string{"a", "b"} {
			if _, err := s.Enqueue(Task{ID: id}); err != nil {
				t.Fatalf("enqueue %s: %v", id, err)
			}
		}
		if _, err := s.Enqueue(Task{ID: "c"}); !errors.Is(err, ErrQueueFull) {
			t.Fatalf("error = %v, want ErrQueueFull", err)
		}
	})

	t.Run("missing id is assigned", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
		s.Pause()
		rep, err := s.Enqueue(Task{Title: "untitled"})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		if rep.ID == "" {
			t.Fatalf("report ID empty, want generated id")
		}
	})
}

func TestEnqueuePositions(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
	s.Pause()

	rep, err := s.Enqueue(Task{ID: "n1", Priority: Normal})
	if err != nil || rep.Position != 1 {
		t.Fatalf("n1 position = %d (err %v), want 1", rep.Position, err)
	}
	rep, err = s.Enqueue(Task{ID: "h1", Priority: High})
	if err != nil || rep.Position != 1 {
		t.Fatalf("h1 position = %d (err %v), want 1", rep.Position, err)
	}
	rep, err = s.Enqueue(Task{ID: "n2", Priority: Normal})
	if err != nil || rep.Position != 3 {
		t.Fatalf("n2 position = %d (err %v), want 3", rep.Position, err)
	}
}

func TestEnqueueConflictWarnings(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	det := conflict.New(conflict.Config{}, logx.Nop())
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, det)
	s.Pause()

	rep, err := s.Enqueue(Task{ID: "api", Files: []string{"backend/routers/auth.py"}})
	if err != nil {
		t.Fatalf("enqueue api: %v", err)
	}
	if len(rep.Conflicts) != 0 {
		t.Fatalf("first task conflicts = %v, want none", rep.Conflicts)
	}

	rep, err = s.Enqueue(Task{ID: "copy", Description: "Polish the auth flow wording"})
	if err != nil {
		t.Fatalf("enqueue copy: %v", err)
	}
	if len(rep.Conflicts) == 0 {
		t.Fatalf("no conflict warning for overlapping auth work")
	}
	w := rep.Conflicts[0]
	if w.OtherID != "api" {
		t.Fatalf("conflict other = %q, want api", w.OtherID)
	}
	if w.Severity != "medium" && w.Severity != "high" {
		t.Fatalf("conflict severity = %q, want medium or high", w.Severity)
	}
}

func TestUpdateMaxConcurrency(t *testing.T) {
	t.Parallel()

	t.Run("validation", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)
		if err := s.UpdateMaxConcurrency(0); err == nil {
			t.Fatalf("UpdateMaxConcurrency(0) = nil, want error")
		}
		if err := s.UpdateMaxConcurrency(11); err == nil {
			t.Fatalf("UpdateMaxConcurrency(11) = nil, want error")
		}
		if err := s.UpdateMaxConcurrency(5); err != nil {
			t.Fatalf("UpdateMaxConcurrency(5) = %v", err)
		}
		if got := s.Status().MaxConcurrent; got != 5 {
			t.Fatalf("MaxConcurrent = %d, want 5", got)
		}
	})

	t.Run("raise unblocks waiting work", func(t *testing.T) {
		t.Parallel()
		exec := newScriptedExec()
		gx := exec.gate("x")
		gy := exec.gate("y")
		s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)

		if _, err := s.Enqueue(Task{ID: "x"}); err != nil {
			t.Fatalf("enqueue x: %v", err)
		}
		exec.waitStarted(t, "x")
		if _, err := s.Enqueue(Task{ID: "y"}); err != nil {
			t.Fatalf("enqueue y: %v", err)
		}

		if err := s.UpdateMaxConcurrency(2); err != nil {
			t.Fatalf("UpdateMaxConcurrency(2) = %v", err)
		}
		waitFor(t, 2*time.Second, "both running", func() bool { return s.Status().Running == 2 })

		close(gx)
		close(gy)
		waitFor(t, 2*time.Second, "queue drain", drained(s))
	})
}

func TestDetailedStatus(t *testing.T) {
	t.Parallel()
	exec := newScriptedExec()
	ga := exec.gate("run1")
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, nil, nil)

	if _, err := s.Enqueue(Task{ID: "run1", Priority: Normal, Estimate: 10 * time.Minute}); err != nil {
		t.Fatalf("enqueue run1: %v", err)
	}
	exec.waitStarted(t, "run1")
	if _, err := s.Enqueue(Task{ID: "q-normal", Priority: Normal}); err != nil {
		t.Fatalf("enqueue q-normal: %v", err)
	}
	if _, err := s.Enqueue(Task{ID: "q-high", Priority: High}); err != nil {
		t.Fatalf("enqueue q-high: %v", err)
	}

	ds := s.DetailedStatus()
	if ds.Running != 1 || ds.Queued != 2 {
		t.Fatalf("counts = %d running / %d queued, want 1/2", ds.Running, ds.Queued)
	}
	if got := ds.ByPriority["high"]; got != 1 {
		t.Fatalf("high count = %d, want 1", got)
	}
	if got := ds.ByPriority["normal"]; got != 1 {
		t.Fatalf("normal count = %d, want 1", got)
	}
	if len(ds.RunningTasks) != 1 || ds.RunningTasks[0].ID != "run1" {
		t.Fatalf("running tasks = %+v, want run1", ds.RunningTasks)
	}
	ri := ds.RunningTasks[0]
	if !ri.EstimatedCompletion.Equal(ri.StartedAt.Add(10 * time.Minute)) {
		t.Fatalf("estimated completion = %v, want started+10m", ri.EstimatedCompletion)
	}
	if len(ds.QueuedTasks) != 2 {
		t.Fatalf("queued tasks = %+v, want 2", ds.QueuedTasks)
	}
	if ds.QueuedTasks[0].ID != "q-high" || ds.QueuedTasks[0].Position != 1 {
		t.Fatalf("first queued = %+v, want q-high at position 1", ds.QueuedTasks[0])
	}
	if ds.QueuedTasks[1].ID != "q-normal" || ds.QueuedTasks[1].Position != 2 {
		t.Fatalf("second queued = %+v, want q-normal at position 2", ds.QueuedTasks[1])
	}

	close(ga)
	waitFor(t, 2*time.Second, "queue drain", drained(s))
}

func TestExecutorFailureDoesNotStopDispatch(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	exec := ExecutorFunc(func(_ context.Context, tk Task) Outcome {
		if tk.ID == "bad" {
			return Outcome{Err: errors.New("boom")}
		}
		return Outcome{}
	})
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, store, nil)

	if _, err := s.Enqueue(Task{ID: "bad"}); err != nil {
		t.Fatalf("enqueue bad: %v", err)
	}
	if _, err := s.Enqueue(Task{ID: "good"}); err != nil {
		t.Fatalf("enqueue good: %v", err)
	}

	waitFor(t, 2*time.Second, "both terminal", func() bool {
		return store.status("bad") == StatusFailed && store.status("good") == StatusDone
	})
}

func TestExecutorPanicIsContained(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	exec := ExecutorFunc(func(_ context.Context, tk Task) Outcome {
		if tk.ID == "explode" {
			panic("kaboom")
		}
		return Outcome{}
	})
	s := newTestService(t, Config{MaxConcurrent: 1}, exec, store, nil)

	if _, err := s.Enqueue(Task{ID: "explode"}); err != nil {
		t.Fatalf("enqueue explode: %v", err)
	}
	if _, err := s.Enqueue(Task{ID: "after"}); err != nil {
		t.Fatalf("enqueue after: %v", err)
	}

	waitFor(t, 2*time.Second, "both terminal", func() bool {
		return store.status("explode") == StatusFailed && store.status("after") == StatusDone
	})
}
