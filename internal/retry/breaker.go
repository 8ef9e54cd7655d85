package retry

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	// StateClosed lets everything through; consecutive failures are counted.
	StateClosed BreakerState = iota
	// StateOpen rejects everything until the recovery timeout elapses.
	StateOpen
	// StateHalfOpen lets probes through; one failure reopens immediately.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// BreakerConfig controls the process-wide circuit breaker.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

// CircuitBreaker is a process-wide consecutive-failure gate.
//
// State moves lazily: Open->HalfOpen happens on the first state read after
// the recovery timeout, no background timer involved. One mutex guards all
// state; it is never held while caller code runs.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state               BreakerState
	consecutiveFailures int
	halfOpenSuccesses   int
	lastFailureAt       time.Time
	openedAt            time.Time

	// Cumulative diagnostics.
	timesOpened uint64

	// now is swappable so transitions are testable without sleeping.
	now func() time.Time

	// onChange, if set, is called outside the lock on every state change.
	onChange func(from, to BreakerState)
}

// BreakerSnapshot is a point-in-time diagnostic view.
type BreakerSnapshot struct {
	Enabled             bool
	State               BreakerState
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	LastFailureAt       time.Time
	OpenedAt            time.Time
	TimesOpened         uint64
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// OnStateChange installs a transition hook. The hook runs outside the
// breaker lock; keep it cheap (publish an event, log a line).
func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Apply hot-updates the configuration. The current state is kept; new
// thresholds take effect from the next recorded result.
func (b *CircuitBreaker) Apply(cfg BreakerConfig) {
	b.mu.Lock()
	b.cfg = cfg.withDefaults()
	b.mu.Unlock()
}

// refreshLocked performs the lazy Open -> HalfOpen transition.
// Returns the previous and current state (equal when nothing changed).
func (b *CircuitBreaker) refreshLocked(now time.Time) (from, to BreakerState) {
	from, to = b.state, b.state
	if b.state == StateOpen && !b.openedAt.IsZero() && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 0
		to = StateHalfOpen
	}
	return from, to
}

// CanExecute reports whether an operation may run now, with a
// human-readable reason. Reading the state performs the lazy transition.
func (b *CircuitBreaker) CanExecute() (bool, string) {
	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return true, "circuit breaker disabled"
	}
	now := b.now()
	from, to := b.refreshLocked(now)
	state := b.state
	var wait time.Duration
	if state == StateOpen {
		wait = b.cfg.RecoveryTimeout - now.Sub(b.openedAt)
		if wait < 0 {
			wait = 0
		}
	}
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}

	switch state {
	case StateOpen:
		return false, fmt.Sprintf("circuit open: retry in %s", wait.Round(time.Second))
	case StateHalfOpen:
		return true, "circuit half-open: probing"
	default:
		return true, "circuit closed"
	}
}

// RecordSuccess notes a successful operation.
//
// Closed: resets the consecutive-failure counter. HalfOpen: counts toward
// the close threshold and closes the circuit once reached.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return
	}
	from := b.state
	b.refreshLocked(b.now())

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.state = StateClosed
			b.consecutiveFailures = 0
			b.halfOpenSuccesses = 0
			b.openedAt = time.Time{}
		}
	case StateOpen:
		// A success while Open means the caller raced the lazy transition;
		// treat it as a half-open probe that succeeded.
		b.state = StateHalfOpen
		b.halfOpenSuccesses = 1
	}
	to := b.state
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}
}

// RecordFailure notes a failed operation.
//
/// Closed: increments the consecutive-failure counter and opens the circuit
// at the threshold. HalfOpen: reopens immediately with a fresh openedAt.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return
	}
	now := b.now()
	from := b.state
	b.refreshLocked(now)
	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			b.halfOpenSuccesses = 0
			b.timesOpened++
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.halfOpenSuccesses = 0
		b.timesOpened++
	case StateOpen:
		// Late failure from an operation admitted before opening; openedAt
		// stays so recovery is not pushed out indefinitely.
	}
	to := b.state
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil && from != to {
		hook(from, to)
	}
}

// State returns the current state, performing the lazy transition.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	if !b.cfg.Enabled {
		b.mu.Unlock()
		return StateClosed
	}
	from := b.state
	b.refreshLocked(b.now())
	st := b.state
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil && from != st {
		hook(from, st)
	}
	return st
}

// Reset forces the breaker to Closed from any state. Operator action.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.openedAt = time.Time{}
	b.lastFailureAt = time.Time{}
	hook := b.onChange
	b.mu.Unlock()

	if hook != nil && from != StateClosed {
		hook(from, StateClosed)
	}
}

// Snapshot returns a diagnostic view.
func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Enabled:             b.cfg.Enabled,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		LastFailureAt:       b.lastFailureAt,
		OpenedAt:            b.openedAt,
		TimesOpened:         b.timesOpened,
	}
}
