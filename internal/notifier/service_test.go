package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/eventbus"
	logx "taskpilot/pkg/logx"
)

type hookServer struct {
	*httptest.Server

	mu     sync.Mutex
	bodies []Payload
	events []string
	status []int // scripted per-request status codes; empty entry means 200
	next   int
}

func newHookServer(t *testing.T, status ...int) *hookServer {
	t.Helper()
	hs := &hookServer{status: status}
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		var p Payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("decode body: %v", err)
		}
		hs.mu.Lock()
		hs.bodies = append(hs.bodies, p)
		hs.events = append(hs.events, r.Header.Get("X-Taskpilot-Event"))
		code := http.StatusOK
		if hs.next < len(hs.status) {
			code = hs.status[hs.next]
		}
		hs.next++
		hs.mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(hs.Close)
	return hs
}

func (hs *hookServer) hits() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.bodies)
}

func (hs *hookServer) body(i int) Payload {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.bodies[i]
}

func startNotifier(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 1000
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	if cfg.RetryMaxDelay == 0 {
		cfg.RetryMaxDelay = 5 * time.Millisecond
	}
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
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

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: false, URLs: []string{"http://localhost:1"}}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), "task.finished", nil); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	if s.Enabled() {
		t.Fatalf("Enabled() should be false")
	}
}

func TestEnabledNeedsURLs(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, logx.Nop(), nil)
	if s.Enabled() {
		t.Fatalf("Enabled() without urls should be false")
	}
	s.Start(context.Background())
	// No queue means intake reports stopped, not a hang.
	if err := s.Notify(context.Background(), "task.finished", nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDeliverPostsJSON(t *testing.T) {
	t.Parallel()
	srv := newHookServer(t)
	s := startNotifier(t, Config{URLs: []string{srv.URL}}, nil)

	if err := s.Notify(context.Background(), "task.finished", map[string]string{"id": "t1"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, 2*time.Second, "delivery", func() bool { return srv.hits() == 1 })

	p := srv.body(0)
	if p.Event != "task.finished" {
		t.Fatalf("payload event = %q", p.Event)
	}
	if p.At.IsZero() {
		t.Fatalf("payload At should be set")
	}
	data, ok := p.Data.(map[string]any)
	if !ok || data["id"] != "t1" {
		t.Fatalf("payload data = %#v", p.Data)
	}
	srv.mu.Lock()
	hdr := srv.events[0]
	srv.mu.Unlock()
	if hdr != "task.finished" {
		t.Fatalf("event header = %q", hdr)
	}

	waitFor(t, 2*time.Second, "history entry", func() bool { return len(s.Snapshot()) == 1 })
	it := s.Snapshot()[0]
	if !it.OK || it.Attempts != 1 || it.URL != srv.URL || it.Event != "task.finished" {
		t.Fatalf("history item = %+v", it)
	}
}

func TestFanOutToAllURLs(t *testing.T) {
	t.Parallel()
	a := newHookServer(t)
	b := newHookServer(t)
	s := startNotifier(t, Config{URLs: []string{a.URL, b.URL}}, nil)

	if err := s.Notify(context.Background(), "queue.changed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, 2*time.Second, "both deliveries", func() bool { return a.hits() == 1 && b.hits() == 1 })
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()
	srv := newHookServer(t, http.StatusInternalServerError, http.StatusServiceUnavailable)
	s := startNotifier(t, Config{URLs: []string{srv.URL}, RetryMax: 3}, nil)

	if err := s.Notify(context.Background(), "task.failed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, 3*time.Second, "third attempt to land", func() bool { return srv.hits() == 3 })
	waitFor(t, 2*time.Second, "history entry", func() bool { return len(s.Snapshot()) == 1 })
	it := s.Snapshot()[0]
	if !it.OK || it.Attempts != 3 {
		t.Fatalf("history item = %+v", it)
	}
}

func TestPermanentStatusNotRetried(t *testing.T) {
	t.Parallel()
	srv := newHookServer(t, http.StatusNotFound, http.StatusNotFound, http.StatusNotFound)
	s := startNotifier(t, Config{URLs: []string{srv.URL}, RetryMax: 5}, nil)

	if err := s.Notify(context.Background(), "task.failed", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, 2*time.Second, "failed history entry", func() bool { return len(s.Snapshot()) == 1 })
	if n := srv.hits(); n != 1 {
		t.Fatalf("expected a single attempt for 404, got %d", n)
	}
	it := s.Snapshot()[0]
	if it.OK || it.Attempts != 1 || it.Error == "" {
		t.Fatalf("history item = %+v", it)
	}
}

func TestDedupWindowSuppressesRepeat(t *testing.T) {
	t.Parallel()
	srv := newHookServer(t)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	s := startNotifier(t, Config{URLs: []string{srv.URL}, DedupWindow: time.Minute}, bus)

	if err := s.Notify(context.Background(), "task.failed", map[string]string{"id": "t1"}); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	if err := s.Notify(context.Background(), "task.failed", map[string]string{"id": "t1"}); err != nil {
		t.Fatalf("second Notify: %v", err)
	}

	var deduped bool
	deadline := time.After(2 * time.Second)
	for !deduped {
		select {
		case e := <-ch:
			if e.Type == "notifier.deduped" {
				deduped = true
			}
		case <-deadline:
			t.Fatalf("no notifier.deduped event observed")
		}
	}
	waitFor(t, 2*time.Second, "single delivery", func() bool { return srv.hits() == 1 })

	// A different payload passes the window.
	if err := s.Notify(context.Background(), "task.failed", map[string]string{"id": "t2"}); err != nil {
		t.Fatalf("third Notify: %v", err)
	}
	waitFor(t, 2*time.Second, "second delivery", func() bool { return srv.hits() == 2 })
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	blocking := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
	}))
	t.Cleanup(blocking.Close)

	s := startNotifier(t, Config{URLs: []string{blocking.URL}, Workers: 1, QueueSize: 1}, nil)
	// Cleanups run LIFO: unblock the handler before the service stops.
	t.Cleanup(func() { close(release) })

	if err := s.Notify(context.Background(), "task.queued", map[string]string{"n": "1"}); err != nil {
		t.Fatalf("first Notify: %v", err)
	}
	// Wait until the worker holds the first job so queue occupancy is known.
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("worker never picked up the first job")
	}
	if err := s.Notify(context.Background(), "task.queued", map[string]string{"n": "2"}); err != nil {
		t.Fatalf("second Notify should fill the queue: %v", err)
	}
	if err := s.Notify(context.Background(), "task.queued", map[string]string{"n": "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
}

func TestPumpForwardsBusEvents(t *testing.T) {
	t.Parallel()
	srv := newHookServer(t)
	bus := eventbus.New()
	_ = startNotifier(t, Config{URLs: []string{srv.URL}}, bus)

	bus.Publish(eventbus.Event{Type: "task.started", Data: map[string]string{"id": "t1"}})
	waitFor(t, 2*time.Second, "forwarded delivery", func() bool { return srv.hits() == 1 })
	if p := srv.body(0); p.Event != "task.started" {
		t.Fatalf("forwarded event = %q", p.Event)
	}

	// Unrelated and self-produced events stay local.
	bus.Publish(eventbus.Event{Type: "config.reloaded"})
	bus.Publish(eventbus.Event{Type: "notifier.sent"})
	time.Sleep(50 * time.Millisecond)
	if n := srv.hits(); n != 1 {
		t.Fatalf("expected no extra deliveries, got %d", n)
	}
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		if d < 0 || d > cfg.RetryMaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds", attempt, d)
		}
	}
	// First retry stays near the base: jitter is 0.7..1.3.
	d := retryDelay(cfg, 1)
	if d < 70*time.Millisecond || d > 130*time.Millisecond {
		t.Fatalf("first delay %v outside jitter band", d)
	}
}

func TestDedupCapEvictsEarliest(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, URLs: []string{"http://localhost:1"}}, logx.Nop(), nil)

	if !s.dedupAllow("a", time.Minute, 2) {
		t.Fatalf("first key should pass")
	}
	time.Sleep(2 * time.Millisecond)
	if !s.dedupAllow("b", time.Minute, 2) {
		t.Fatalf("second key should pass")
	}
	time.Sleep(2 * time.Millisecond)
	if !s.dedupAllow("c", time.Minute, 2) {
		t.Fatalf("third key should pass")
	}

	s.dmu.Lock()
	defer s.dmu.Unlock()
	if len(s.dedup) != 2 {
		t.Fatalf("cache size = %d, want 2", len(s.dedup))
	}
	if _, ok := s.dedup["a"]; ok {
		t.Fatalf("earliest key should have been evicted")
	}
}
