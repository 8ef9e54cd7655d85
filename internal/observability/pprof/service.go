// Package pprof hosts the daemon's debug HTTP listener. Besides the
// net/http/pprof handlers it serves a /healthz probe and a /statusz
// JSON snapshot wired in by the app.
package pprof

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	rtsup "taskpilot/internal/runtime/supervisor"
	logx "taskpilot/pkg/logx"
)

// Config describes the debug HTTP listener. The zero value keeps it off.
//
// A non-loopback bind is refused unless Token is set or AllowInsecure
// explicitly waives the check.
type Config struct {
	Enabled       bool
	Addr          string
	Prefix        string
	Token         string
	AllowInsecure bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MutexProfileFraction int
	BlockProfileRate     int
	MemProfileRate       int
}

// Service runs the listener with the usual lifecycle: Start is
// idempotent, Stop drains asynchronously behind a handshake channel,
// and Reconfigure bounces the server only when the bind itself changed.
type Service struct {
	mu  sync.Mutex
	log logx.Logger
	cfg Config

	// statusFn backs /statusz; nil leaves the route unregistered.
	statusFn func() any

	ln       net.Listener
	srv      *http.Server
	sup      *rtsup.Supervisor
	stopDone chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Addr reports the bound address, or "" while the listener is down.
// With a ":0" bind this is the only way to learn the port.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// SetStatusFunc installs the /statusz snapshot source. Install it
// before Start; the route is registered when the server comes up.
func (s *Service) SetStatusFunc(fn func() any) {
	s.mu.Lock()
	s.statusFn = fn
	s.mu.Unlock()
}

// Reconfigure adopts cfg mid-flight. Profiling rates always take
// effect; the server is started, stopped, or bounced only when cfg
// requires it.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	setProfileRates(cfg)

	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case !sameListener(prev, cfg):
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// sameListener reports whether two configs can share one running
// server. Anything shaping the bind or the handler chain forces a
// bounce; profile rates alone do not.
func sameListener(a, b Config) bool {
	return a.Addr == b.Addr &&
		normalizePrefix(a.Prefix) == normalizePrefix(b.Prefix) &&
		a.Token == b.Token &&
		a.AllowInsecure == b.AllowInsecure &&
		a.ReadTimeout == b.ReadTimeout &&
		a.WriteTimeout == b.WriteTimeout &&
		a.IdleTimeout == b.IdleTimeout
}

func setProfileRates(cfg Config) {
	// Zero keeps the runtime default.
	if cfg.MutexProfileFraction >= 0 {
		runtime.SetMutexProfileFraction(cfg.MutexProfileFraction)
	}
	if cfg.BlockProfileRate >= 0 {
		runtime.SetBlockProfileRate(cfg.BlockProfileRate)
	}
	if cfg.MemProfileRate > 0 {
		runtime.MemProfileRate = cfg.MemProfileRate
	}
}

// Start brings the listener up under its own supervisor. If a Stop is
// still draining it waits for that first, so the old listener has
// released the port before the new one binds.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.mu.Lock()
		if done := s.stopDone; done != nil {
			s.mu.Unlock()
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return
			}
		}
		if s.sup != nil || !s.cfg.Enabled {
			s.mu.Unlock()
			return
		}
		s.sup = rtsup.NewSupervisor(ctx,
			rtsup.WithLogger(s.log.With(logx.String("comp", "pprof"))),
			// Losing the debug listener is not a reason to take the daemon down.
			rtsup.WithCancelOnError(false),
		)
		sup := s.sup
		s.mu.Unlock()

		// The serve loop restarts itself, so a transient bind failure
		// (port still in TIME_WAIT, say) heals without operator help.
		sup.GoRestart("http.serve", s.serve,
			rtsup.WithPublishFirstError(true),
			rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		)
		return
	}
}

// Stop tears the server down. The drain runs in the background behind
// stopDone, so a caller with a short ctx gets control back while the
// shutdown completes on its own.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.sup == nil {
		s.mu.Unlock()
		return
	}
	if done := s.stopDone; done != nil {
		// Another Stop is already draining; just wait on it.
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	srv, ln, sup := s.srv, s.ln, s.sup
	s.mu.Unlock()

	go func() {
		defer close(done)
		if srv != nil {
			_ = srv.Shutdown(ctx)
			_ = srv.Close()
		}
		if ln != nil {
			_ = ln.Close()
		}
		sup.Cancel()
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.ln, s.srv, s.sup, s.stopDone = nil, nil, nil, nil
		s.mu.Unlock()
		s.log.Info("pprof stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Caller timed out; force the serve loop down anyway.
		sup.Cancel()
	}
}
