// Package notifier delivers daemon events to configured webhook URLs.
// Deliveries flow through a bounded queue into a small worker pool,
// with rate limiting, retry, and a sliding dedup window in front of
// the wire.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/eventbus"
	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

// forwardTopics selects which bus events leave the process as
// webhooks. The notifier's own lifecycle events stay local, otherwise
// every send would feed another send.
var forwardTopics = []string{"queue.changed", "task.*", "retry.*", "breaker.*"}

// job is one URL's share of a delivery. The body and dedup key are
// computed once at enqueue time, not per worker.
type job struct {
	url      string
	body     []byte
	event    string
	dedupKey string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	bus    eventbus.Bus
	client *http.Client

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	unsub    func()
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// dedup maps key to the end of its suppression window.
	dmu   sync.Mutex
	dedup map[string]time.Time

	// history keeps recent outcomes for /statusz.
	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:    log,
		bus:    bus,
		client: &http.Client{Timeout: 10 * time.Second},
		dedup:  map[string]time.Time{},
	}
	s.Apply(cfg)
	return s
}

// Enabled reports whether the pipeline can deliver anything: it needs
// the flag and at least one URL.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && len(s.cfg.URLs) > 0
}

// Apply swaps the config in place. The queue and worker count of a
// running pipeline stay as they were; those take effect on restart.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so a short spike clears quickly
	// without blowing past the average.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// withDefaults fills unset tunables so the rest of the service never
// re-checks them.
func withDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	urls := make([]string, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	cfg.URLs = urls
	return cfg
}

// Start spins up the bus pump and the worker pool. It is idempotent,
// and a no-op while the notifier is disabled or has no URLs.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if done := s.stopDone; done != nil {
		// A Stop is draining; let it finish before restarting.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || len(s.cfg.URLs) == 0 {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Webhooks are best-effort; their failures never take the app down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue

	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(128, forwardTopics...)
		s.unsub = unsub
		s.runLoop(sup, "pump", func(c context.Context) { s.pump(c, ch) })
	}
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		s.runLoop(sup, fmt.Sprintf("worker.%d", i), func(c context.Context) { s.work(c, q) })
	}
}

// runLoop runs fn under the supervisor's restart loop and translates
// the shutdown path into a clean exit so fn is not restarted then.
func (s *Service) runLoop(sup *rtsup.Supervisor, name string, fn func(context.Context)) {
	sup.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		switch {
		case stopping:
			return context.Canceled
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			return fmt.Errorf("%s exited unexpectedly", name)
		}
	}, rtsup.WithPublishFirstError(true))
}

// Stop closes intake and drains the queue until ctx expires. The drain
// itself runs in the background, so a caller that times out leaves no
// half-stopped state behind.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q, unsub, sup := s.queue, s.unsub, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Detach from the bus first so the pump runs dry, then wait out
		// in-flight enqueues before closing the queue under the workers.
		if unsub != nil {
			unsub()
		}
		s.sendWG.Wait()
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue, s.unsub, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Caller timed out; force the loops down in the background.
		if sup != nil {
			sup.Cancel()
		}
	}
}

// Notify enqueues one event for delivery to every configured URL. It
// never blocks: a full queue drops the delivery and returns
// ErrQueueFull.
func (s *Service) Notify(ctx context.Context, event string, data any) error {
	return s.notifyEvent(ctx, eventbus.Event{Type: event, Time: time.Now(), Data: data})
}

func (s *Service) notifyEvent(ctx context.Context, e eventbus.Event) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	q, cfg, err := s.intake()
	if err != nil {
		return err
	}
	defer s.sendWG.Done()

	at := e.Time
	if at.IsZero() {
		at = time.Now()
	}
	body, err := json.Marshal(Payload{Event: e.Type, At: at, Data: e.Data})
	if err != nil {
		s.log.Warn("event not serializable, dropped", logx.String("event", e.Type), logx.Err(err))
		return err
	}

	key := dedupKey(e.Type, body)
	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.announce("notifier.deduped", DeliveryEvent{Event: e.Type, Key: key})
		return nil
	}

	var full bool
	for _, url := range cfg.URLs {
		select {
		case q <- job{url: url, body: body, event: e.Type, dedupKey: key}:
		default:
			full = true
			s.announce("notifier.dropped", DeliveryEvent{Event: e.Type, URL: url, Key: key, Error: ErrQueueFull.Error()})
		}
	}
	if full {
		return ErrQueueFull
	}
	return nil
}

// intake admits one enqueue. On success the caller owns a sendWG slot
// and must release it.
func (s *Service) intake() (chan job, Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled {
		return nil, Config{}, ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		return nil, Config{}, ErrStopped
	}
	s.sendWG.Add(1)
	return s.queue, s.cfg, nil
}

// announce publishes one of the notifier's own lifecycle events. These
// stay local; the pump's subscription does not cover them.
func (s *Service) announce(typ string, ev DeliveryEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// Snapshot returns recent delivery outcomes, newest last.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(it HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, it)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) pump(ctx context.Context, ch <-chan eventbus.Event) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := s.notifyEvent(ctx, e); err != nil {
				// Queue pressure and shutdown are normal here.
				s.log.Debug("event delivery skipped", logx.String("event", e.Type), logx.Err(err))
			}
		}
	}
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.deliver(ctx, j)
		}
	}
}
