package config

type Config struct {
	Queue Queue `json:"queue"`

	// Retry and Breaker tune the execution wrapper around the agent.
	// Both sections may be omitted; runtime defaults apply.
	Retry   *Retry   `json:"retry,omitempty"`
	Breaker *Breaker `json:"breaker,omitempty"`

	// Conflict controls the advisory file-conflict detector.
	// If the whole section is omitted, the detector defaults to enabled.
	Conflict *Conflict `json:"conflict,omitempty"`

	Agent     Agent      `json:"agent"`
	Storage   *Storage   `json:"storage,omitempty"`
	Notifier  *Notifier  `json:"notifier,omitempty"`
	Schedules []Schedule `json:"schedules,omitempty"`

	Logging Logging `json:"logging"`
	Pprof   Pprof   `json:"pprof,omitempty"`

	// Timezone is the IANA zone for schedule triggers (e.g. "Europe/Amsterdam").
	// Empty means the host zone.
	Timezone string `json:"timezone,omitempty"`
}

// Queue controls the priority task queue.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 2
//   - queue_size: 100
//   - default_timeout: "0s" (disabled)
//   - history_size: 100
//   - profile: "balanced"
//   - base_per_subtask: "5m"
//   - min_estimate: "1m"
type Queue struct {
	Enabled       bool `json:"enabled"`
	MaxConcurrent int  `json:"max_concurrent,omitempty"`

	// QueueSize bounds admitted-but-not-running tasks. Changing it
	// requires a restart.
	QueueSize int `json:"queue_size,omitempty"`

	// DefaultTimeout bounds a single agent execution. Use "0s" to
	// disable a global bound.
	DefaultTimeout string `json:"default_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`

	// Profile is assumed for tasks that do not set one
	// (quick, balanced, thorough).
	Profile string `json:"profile,omitempty"`

	BasePerSubtask string `json:"base_per_subtask,omitempty"`
	MinEstimate    string `json:"min_estimate,omitempty"`
}

// Retry controls the retry manager.
//
// Defaults (when fields are omitted/zero):
//   - max_retries: 3 (use -1 for no retries)
//   - base_delay: "1s"
//   - multiplier: 2.0
//   - jitter_factor: 0.2
//   - max_total_timeout: "10m"
type Retry struct {
	MaxRetries      int     `json:"max_retries,omitempty"`
	BaseDelay       string  `json:"base_delay,omitempty"`
	Multiplier      float64 `json:"multiplier,omitempty"`
	JitterFactor    float64 `json:"jitter_factor,omitempty"`
	MaxTotalTimeout string  `json:"max_total_timeout,omitempty"`

	RecoverableErrorTypes []string `json:"recoverable_error_types,omitempty"`
	RecoverableHTTPCodes  []int    `json:"recoverable_http_codes,omitempty"`
}

// Breaker controls the circuit breaker in front of the agent.
//
// Defaults: failure_threshold 5, recovery_timeout "60s",
// half_open_max_calls 3.
type Breaker struct {
	Enabled          bool   `json:"enabled"`
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	RecoveryTimeout  string `json:"recovery_timeout,omitempty"`
	HalfOpenMaxCalls int    `json:"half_open_max_calls,omitempty"`
}

// Conflict controls the advisory conflict detector.
//
// KeywordRules maps a free-text keyword to the file globs such work
// usually touches; omitted rules fall back to the built-in table.
type Conflict struct {
	Enabled      bool                `json:"enabled"`
	KeywordRules map[string][]string `json:"keyword_rules,omitempty"`
}

// Agent configures the CLI the queue shells out to.
//
// Args entries may carry {{id}}, {{title}}, {{description}}, {{profile}},
// {{project}} and {{files}} placeholders.
type Agent struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`

	// Env entries are KEY=VALUE, appended to the daemon environment.
	Env     []string `json:"env,omitempty"`
	WorkDir string   `json:"work_dir,omitempty"`

	// OutputLimit caps captured combined output, in bytes (default 64KiB).
	OutputLimit int `json:"output_limit,omitempty"`
}

// Storage controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./taskpilot_store" }
type Storage struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// Notifier controls the webhook notification pipeline.
//
// All durations are Go duration strings. If the whole section is omitted,
// the notifier stays disabled (there is nowhere to deliver to without urls).
type Notifier struct {
	Enabled         bool     `json:"enabled"`
	URLs            []string `json:"urls,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
}

// Schedule defines a recurring enqueue. Spec is a cron expression
// (seconds field optional) or "@every <duration>".
type Schedule struct {
	Name        string   `json:"name"`
	Spec        string   `json:"spec"`
	Priority    string   `json:"priority,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	Subtasks    int      `json:"subtasks,omitempty"`
	Profile     string   `json:"profile,omitempty"`
	Project     string   `json:"project,omitempty"`
}

type Logging struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// Pprof controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type Pprof struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
