package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"taskpilot/pkg/logx"
)

// RestartOption tunes GoRestart.
type RestartOption func(*restartPolicy)

type restartPolicy struct {
	backoffMin time.Duration
	backoffMax time.Duration
	publishErr bool
}

// WithRestartBackoff sets the delay window between restarts. The delay
// doubles from min on consecutive failures and is capped at max.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.backoffMin = min
		}
		if max > 0 {
			p.backoffMax = max
		}
	}
}

// WithPublishFirstError records restart-loop failures as the supervisor's
// first error while the loop keeps recovering. The failure then shows up in
// status output without stopping the loop.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishErr = enabled }
}

// healthyRun is how long a run must last before the next failure starts the
// backoff ladder from the bottom again.
const healthyRun = 30 * time.Second

// GoRestart runs fn in a loop, restarting it after errors and panics with
// jittered exponential backoff. The loop ends when fn returns nil, returns
// context.Canceled, or the supervisor context is canceled. Meant for
// long-lived consumers and servers that should outlive transient failures.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	pol := restartPolicy{
		backoffMin: 250 * time.Millisecond,
		backoffMax: 30 * time.Second,
	}
	for _, o := range opts {
		o(&pol)
	}
	if pol.backoffMin <= 0 {
		pol.backoffMin = 250 * time.Millisecond
	}
	if pol.backoffMax < pol.backoffMin {
		pol.backoffMax = pol.backoffMin
	}

	// The wrapper runs under a distinct name so the logical task's stats
	// count runs of fn, not the lifetime of the loop.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := pol.backoffMin
		failures := 0
		for {
			if ctx.Err() != nil {
				return
			}

			startedAt := s.markStart(name, failures > 0)
			err := s.runRecovered(ctx, name, fn)

			// A cancel during the run means shutdown, not failure.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || err == nil {
				s.markExit(name, startedAt, nil)
				return
			}

			wrapped := fmt.Errorf("%s: %w", name, err)
			s.markExit(name, startedAt, wrapped)
			if pol.publishErr {
				s.setErr(wrapped)
			}

			failures++
			if time.Since(startedAt) >= healthyRun {
				backoff = pol.backoffMin
			}
			pause := backoff
			if jit := pause / 5; jit > 0 {
				pause += time.Duration(rand.Int63n(int64(jit) + 1))
			}
			if !s.log.IsZero() {
				s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", pause), logx.Any("err", err))
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
			backoff *= 2
			if backoff > pol.backoffMax {
				backoff = pol.backoffMax
			}
		}
	})
}
