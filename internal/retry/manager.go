package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	logx "taskpilot/pkg/logx"
)

const minDelayFloor = 100 * time.Millisecond

// Config controls retry behavior. Duration-free fields of value 0 take the
// documented defaults. RecoverableErrorTypes/RecoverableHTTPCodes narrow
// what ShouldRetry accepts; classification itself is not affected.
type Config struct {
	MaxRetries      int
	BaseDelay       time.Duration
	Multiplier      float64
	JitterFactor    float64
	MaxTotalTimeout time.Duration

	RecoverableErrorTypes []string
	RecoverableHTTPCodes  []int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 2.0
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	} else if c.JitterFactor == 0 {
		c.JitterFactor = 0.2
	}
	if c.JitterFactor > 1 {
		c.JitterFactor = 1
	}
	if c.MaxTotalTimeout <= 0 {
		c.MaxTotalTimeout = 10 * time.Minute
	}
	if len(c.RecoverableErrorTypes) == 0 {
		c.RecoverableErrorTypes = []string{"timeout", "rate_limit", "connection", "dns", "ssl", "server"}
	}
	if len(c.RecoverableHTTPCodes) == 0 {
		c.RecoverableHTTPCodes = []int{408, 429, 500, 502, 503, 504}
	}
	return c
}

// Trace is the structured history of one ExecuteWithRetry call. Callers
// never see raw intermediate errors, only this plus the final outcome.
type Trace struct {
	OperationID string
	StartedAt   time.Time
	Attempts    int
	Errors      []Classified
	TotalDelay  time.Duration

	// Config is the immutable snapshot taken when the call began.
	// Hot updates apply to later calls, never to this one.
	Config Config
}

// retriesRemaining is maxRetries minus retries already used.
func (t *Trace) retriesRemaining() int {
	used := t.Attempts - 1
	if used < 0 {
		used = 0
	}
	rem := t.Config.MaxRetries - used
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Result is the terminal outcome of ExecuteWithRetry.
type Result struct {
	OK  bool
	Err error

	// BreakerOpen is set when the breaker rejected the operation before
	// any attempt; Err wraps ErrCircuitOpen in that case.
	BreakerOpen bool

	Trace Trace
}

// Operation is the caller-supplied unit of flaky work.
type Operation func(ctx context.Context) error

// Option configures one ExecuteWithRetry call.
type Option func(*callOpts)

type callOpts struct {
	onRetry func(nextAttempt int, delay time.Duration, cls Classified)
}

// WithOnRetry installs a hook invoked before each backoff sleep with the
// upcoming attempt number (1-based), the planned delay and the classified
// error that triggered the retry. No manager or breaker lock is held.
func WithOnRetry(fn func(nextAttempt int, delay time.Duration, cls Classified)) Option {
	return func(o *callOpts) { o.onRetry = fn }
}

// Manager runs operations with classified retries behind a shared breaker.
type Manager struct {
	mu    sync.Mutex
	cfg   Config
	rules []Rule

	breaker *CircuitBreaker
	metrics *Metrics
	log     logx.Logger

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(cfg Config, breaker *CircuitBreaker, metrics *Metrics, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		rules:   defaultRules(),
		breaker: breaker,
		metrics: metrics,
		log:     log,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply hot-updates the retry configuration. In-flight calls keep their
// snapshot; the next ExecuteWithRetry sees the new values.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

// SetRules replaces the classification table (ordered, first match wins).
// Mostly used by tests and by operators extending the defaults.
func (m *Manager) SetRules(rules []Rule) {
	m.mu.Lock()
	if len(rules) > 0 {
		m.rules = rules
	}
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Breaker exposes the shared circuit breaker (for diagnostics and the
// operator Reset action).
func (m *Manager) Breaker() *CircuitBreaker { return m.breaker }

// Metrics exposes the shared metrics collector.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// ClassifyError runs err through the ordered rule table. httpCode 0 means
// no status is known; a code attached via WithHTTPCode is picked up
// automatically.
func (m *Manager) ClassifyError(err error, httpCode int) Classified {
	m.mu.Lock()
	rules := m.rules
	m.mu.Unlock()
	return classify(rules, err, httpCode)
}

// CalculateDelay returns the backoff delay for a 0-based attempt index:
// base * multiplier^attempt, jittered by +-JitterFactor, floored at 100ms.
func (m *Manager) CalculateDelay(attempt int) time.Duration {
	return m.delayFor(m.config(), attempt)
}

func (m *Manager) delayFor(cfg Config, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	f := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if cfg.JitterFactor > 0 {
		m.rngMu.Lock()
		r := (m.rng.Float64()*2 - 1) * cfg.JitterFactor
		m.rngMu.Unlock()
		f *= 1 + r
	}
	if f > float64(math.MaxInt64) {
		f = float64(math.MaxInt64)
	}
	d := time.Duration(f)
	if d < minDelayFloor {
		d = minDelayFloor
	}
	return d
}

// ShouldRetry decides whether another attempt is worthwhile given the
// trace so far and the latest classified error. The reason string is for
// logs and hooks, not for program logic.
func (m *Manager) ShouldRetry(tr *Trace, cls Classified) (bool, string) {
	if tr == nil {
		return false, "no trace"
	}
	if m.breaker != nil {
		if ok, reason := m.breaker.CanExecute(); !ok {
			return false, reason
		}
	}
	switch cls.Category {
	case Fatal:
		return false, "fatal error"
	case Unknown:
		return false, "unclassified error"
	}
	if tr.retriesRemaining() <= 0 {
		return false, "retries exhausted"
	}
	if tr.Config.MaxTotalTimeout > 0 && time.Since(tr.StartedAt) >= tr.Config.MaxTotalTimeout {
		return false, "retry budget exhausted"
	}
	if !recoverableAllowed(tr.Config, cls) {
		return false, "error type not in recoverable set"
	}
	return true, "recoverable"
}

func recoverableAllowed(cfg Config, cls Classified) bool {
	for _, t := range cfg.RecoverableErrorTypes {
		if t == cls.Type {
			return true
		}
	}
	if cls.HTTPCode != 0 {
		for _, c := range cfg.RecoverableHTTPCodes {
			if c == cls.HTTPCode {
				return true
			}
		}
	}
	return false
}

// ExecuteWithRetry runs op until it succeeds, a non-retryable condition is
// hit, or the retry budget runs out. The call is synchronous; the only
// suspension point is the backoff sleep, which aborts promptly when ctx is
// canceled.
func (m *Manager) ExecuteWithRetry(ctx context.Context, opID string, op Operation, opts ...Option) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	var co callOpts
	for _, o := range opts {
		if o != nil {
			o(&co)
		}
	}

	cfg := m.config()
	tr := Trace{OperationID: opID, StartedAt: time.Now(), Config: cfg}

	// Pre-flight gate: a rejection here is a distinct outcome, reported
	// before any attempt and never conflated with an application failure.
	if m.breaker != nil {
		if ok, reason := m.breaker.CanExecute(); !ok {
			m.log.Debug("operation rejected by circuit breaker",
				logx.String("op", opID), logx.String("reason", reason))
			return Result{
				BreakerOpen: true,
				Err:         fmt.Errorf("%s: %w", reason, ErrCircuitOpen),
				Trace:       tr,
			}
		}
	}

	if m.metrics != nil {
		m.metrics.Begin(opID)
	}

	for attempt := 0; ; attempt++ {
		tr.Attempts = attempt + 1

		err := runOperation(ctx, op)
		if err == nil {
			if m.breaker != nil {
				m.breaker.RecordSuccess()
			}
			if m.metrics != nil {
				m.metrics.Attempt(opID, "")
				m.metrics.End(opID, true)
			}
			if attempt > 0 {
				m.log.Info("operation recovered",
					logx.String("op", opID),
					logx.Int("attempts", tr.Attempts),
					logx.Duration("elapsed", time.Since(tr.StartedAt)))
			}
			return Result{OK: true, Trace: tr}
		}

		cls := m.ClassifyError(err, 0)
		tr.Errors = append(tr.Errors, cls)
		if m.metrics != nil {
			m.metrics.Attempt(opID, cls.Type)
		}
		// Only transient failures count against the breaker; a caller bug
		// (Fatal) says nothing about backend health.
		if m.breaker != nil && cls.Category == Recoverable {
			m.breaker.RecordFailure()
		}

		retryable, reason := m.ShouldRetry(&tr, cls)
		if retryable && IsNoRetry(err) {
			retryable, reason = false, "marked no-retry"
		}
		if !retryable {
			if m.metrics != nil {
				m.metrics.End(opID, false)
			}
			m.log.Warn("operation failed",
				logx.String("op", opID),
				logx.String("type", cls.Type),
				logx.String("category", cls.Category.String()),
				logx.String("reason", reason),
				logx.Int("attempts", tr.Attempts),
				logx.Err(err))
			return Result{Err: err, Trace: tr}
		}

		delay := m.delayWithHint(cfg, attempt, err)
		// Never sleep past the total budget; truncate to what remains.
		if cfg.MaxTotalTimeout > 0 {
			rem := cfg.MaxTotalTimeout - time.Since(tr.StartedAt)
			if rem < 0 {
				rem = 0
			}
			if delay > rem {
				delay = rem
			}
		}

		if co.onRetry != nil {
			co.onRetry(attempt+2, delay, cls)
		}
		m.log.Debug("retry scheduled",
			logx.String("op", opID),
			logx.Int("attempt", attempt+2),
			logx.String("type", cls.Type),
			logx.Duration("delay", delay),
			logx.Err(err))

		if delay > 0 {
			tmr := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				if m.metrics != nil {
					m.metrics.End(opID, false)
				}
				return Result{Err: ctx.Err(), Trace: tr}
			case <-tmr.C:
			}
			tr.TotalDelay += delay
		}
	}
}

// delayWithHint prefers an explicit RetryAfter hint over computed backoff,
// still jittered so herds of hinted clients don't align.
func (m *Manager) delayWithHint(cfg Config, attempt int, err error) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if cfg.JitterFactor > 0 && d > 0 {
			m.rngMu.Lock()
			r := (m.rng.Float64()*2 - 1) * cfg.JitterFactor
			m.rngMu.Unlock()
			d = time.Duration(float64(d) * (1 + r))
			if d < 0 {
				d = 0
			}
		}
		if d < minDelayFloor {
			d = minDelayFloor
		}
		return d
	}
	return m.delayFor(cfg, attempt)
}

// runOperation invokes op with panic capture so one bad operation cannot
// take down the caller's dispatch loop.
func runOperation(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()
	if op == nil {
		return NoRetry(errors.New("nil operation"))
	}
	return op(ctx)
}
