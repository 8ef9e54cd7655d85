// Package supervisor runs named goroutines under one shared context with
// panic recovery, first-error capture, and per-name runtime stats.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"taskpilot/pkg/logx"
)

// Supervisor ties a group of goroutines to one cancelable context.
//
// It remembers the first error any member reported and can cancel the whole
// group when that happens. Waiting is deadline-aware so shutdown paths can
// give up on a stuck goroutine instead of hanging.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	// Group-wide gauges, updated with atomics. Operational signals only;
	// nothing synchronizes on them.
	started uint64
	active  int64

	errOnce  sync.Once
	firstErr atomic.Value

	wg       sync.WaitGroup
	doneOnce sync.Once
	allDone  chan struct{}

	mu     sync.Mutex
	byName map[string]*nameStats
}

type SupervisorOption func(*Supervisor)

func WithLogger(log logx.Logger) SupervisorOption {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context as soon as any goroutine
// returns a non-nil error or panics.
func WithCancelOnError(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func NewSupervisor(parent context.Context, opts ...SupervisorOption) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:     ctx,
		cancel:  cancel,
		allDone: make(chan struct{}),
		byName:  map[string]*nameStats{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel signals every goroutine to stop. It does not wait; pair with Wait.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine reported, or nil.
func (s *Supervisor) Err() error {
	if err, ok := s.firstErr.Load().(error); ok {
		return err
	}
	return nil
}

// Go starts fn under the supervisor context. Panics are recovered and logged
// with their stack; any error other than context.Canceled is wrapped with
// the goroutine name and becomes the group's first error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	atomic.AddUint64(&s.started, 1)
	atomic.AddInt64(&s.active, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer atomic.AddInt64(&s.active, -1)

		if !s.log.IsZero() {
			s.log.Debug("goroutine started", logx.String("name", name))
		}
		startedAt := s.markStart(name, false)
		err := s.runRecovered(s.ctx, name, fn)
		switch {
		case err == nil, errors.Is(err, context.Canceled):
			s.markExit(name, startedAt, nil)
		default:
			wrapped := fmt.Errorf("%s: %w", name, err)
			s.markExit(name, startedAt, wrapped)
			s.fail(wrapped)
		}
		if !s.log.IsZero() {
			s.log.Debug("goroutine stopped", logx.String("name", name))
		}
	}()
}

// Go0 adapts fn with no error return.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// Wait blocks until every goroutine has exited or ctx expires. Once the
// group is drained it returns the first recorded error, if any.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.doneOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.allDone)
		}()
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.allDone:
		return s.Err()
	}
}

// runRecovered invokes fn, converting a panic into an error after logging
// the stack.
func (s *Supervisor) runRecovered(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		s.markPanic(name, r)
		if !s.log.IsZero() {
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		err = fmt.Errorf("panic: %v", r)
	}()
	return fn(ctx)
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.errOnce.Do(func() { s.firstErr.Store(err) })
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}
