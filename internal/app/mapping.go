package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"taskpilot/internal/agent"
	"taskpilot/internal/config"
	"taskpilot/internal/notifier"
	pprofsrv "taskpilot/internal/observability/pprof"
	"taskpilot/internal/retry"
	"taskpilot/internal/storage"
	"taskpilot/internal/task/conflict"
	"taskpilot/internal/task/queue"
	"taskpilot/internal/task/schedule"
	logx "taskpilot/pkg/logx"
)

// The mapXConfig functions translate the JSON config into each service's
// runtime config (parsed durations, checked bounds). The validator runs
// them against candidate configs, so a bad hot-reload is rejected before
// commit and every error message names the offending config path.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	if cfg == nil {
		return queue.Config{}, nil
	}
	q := cfg.Queue

	out := queue.Config{
		Enabled:        q.Enabled,
		MaxConcurrent:  q.MaxConcurrent,
		MaxQueued:      q.QueueSize,
		DefaultProfile: strings.ToLower(strings.TrimSpace(q.Profile)),
		HistoryLimit:   q.HistorySize,
	}
	if q.MaxConcurrent < 0 || q.MaxConcurrent > 10 {
		return queue.Config{}, fmt.Errorf("queue.max_concurrent must be between 1 and 10 (0 selects the default)")
	}
	if q.QueueSize < 0 {
		return queue.Config{}, fmt.Errorf("queue.queue_size must be >= 0")
	}
	if q.HistorySize < 0 {
		return queue.Config{}, fmt.Errorf("queue.history_size must be >= 0")
	}
	switch out.DefaultProfile {
	case "", "quick", "balanced", "thorough":
	default:
		return queue.Config{}, fmt.Errorf("queue.profile: unknown %q (expected quick, balanced or thorough)", q.Profile)
	}

	var err error
	out.BasePerSubtask, err = config.ParseDurationOrDefault("queue.base_per_subtask", q.BasePerSubtask, 5*time.Minute)
	if err != nil {
		return queue.Config{}, err
	}
	out.MinEstimate, err = config.ParseDurationOrDefault("queue.min_estimate", q.MinEstimate, 1*time.Minute)
	if err != nil {
		return queue.Config{}, err
	}
	return out, nil
}

// mapAgentConfig builds the executor config. The per-run time bound
// lives under queue.default_timeout; the executor enforces it.
func mapAgentConfig(cfg *config.Config) (agent.Config, error) {
	if cfg == nil {
		return agent.Config{}, nil
	}
	timeout, err := config.ParseDurationField("queue.default_timeout", cfg.Queue.DefaultTimeout)
	if err != nil {
		return agent.Config{}, err
	}
	a := cfg.Agent
	if a.OutputLimit < 0 {
		return agent.Config{}, fmt.Errorf("agent.output_limit must be >= 0")
	}
	return agent.Config{
		Command:     a.Command,
		Args:        append([]string(nil), a.Args...),
		Env:         append([]string(nil), a.Env...),
		WorkDir:     a.WorkDir,
		OutputLimit: a.OutputLimit,
		Timeout:     timeout,
	}, nil
}

func mapRetryConfig(cfg *config.Config) (retry.Config, error) {
	var out retry.Config
	if cfg == nil || cfg.Retry == nil {
		return out, nil
	}
	r := cfg.Retry

	// MaxRetries passes through untouched: -1 means "no retries",
	// 0 means "use the default".
	out.MaxRetries = r.MaxRetries
	out.Multiplier = r.Multiplier
	out.JitterFactor = r.JitterFactor
	out.RecoverableErrorTypes = append([]string(nil), r.RecoverableErrorTypes...)
	out.RecoverableHTTPCodes = append([]int(nil), r.RecoverableHTTPCodes...)

	if out.Multiplier < 0 {
		return retry.Config{}, fmt.Errorf("retry.multiplier must be >= 0")
	}
	if out.JitterFactor < 0 || out.JitterFactor > 1 {
		return retry.Config{}, fmt.Errorf("retry.jitter_factor must be between 0 and 1")
	}

	var err error
	out.BaseDelay, err = config.ParseDurationField("retry.base_delay", r.BaseDelay)
	if err != nil {
		return retry.Config{}, err
	}
	out.MaxTotalTimeout, err = config.ParseDurationField("retry.max_total_timeout", r.MaxTotalTimeout)
	if err != nil {
		return retry.Config{}, err
	}
	return out, nil
}

func mapBreakerConfig(cfg *config.Config) (retry.BreakerConfig, error) {
	var out retry.BreakerConfig
	if cfg == nil || cfg.Breaker == nil {
		return out, nil
	}
	b := cfg.Breaker

	out.Enabled = b.Enabled
	out.FailureThreshold = b.FailureThreshold
	out.HalfOpenMaxCalls = b.HalfOpenMaxCalls
	if out.FailureThreshold < 0 {
		return retry.BreakerConfig{}, fmt.Errorf("breaker.failure_threshold must be >= 0")
	}
	if out.HalfOpenMaxCalls < 0 {
		return retry.BreakerConfig{}, fmt.Errorf("breaker.half_open_max_calls must be >= 0")
	}

	var err error
	out.RecoveryTimeout, err = config.ParseDurationField("breaker.recovery_timeout", b.RecoveryTimeout)
	if err != nil {
		return retry.BreakerConfig{}, err
	}
	return out, nil
}

// conflictEnabled reports whether the detector should run at all. An
// omitted section means enabled with the built-in keyword table.
// Flipping it requires a restart; only the rules hot-reload.
func conflictEnabled(cfg *config.Config) bool {
	if cfg == nil || cfg.Conflict == nil {
		return true
	}
	return cfg.Conflict.Enabled
}

func mapConflictConfig(cfg *config.Config) conflict.Config {
	if cfg == nil || cfg.Conflict == nil {
		return conflict.Config{}
	}
	return conflict.Config{Keywords: cfg.Conflict.KeywordRules}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     1 * time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg == nil || cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier

	out.Enabled = n.Enabled
	out.URLs = append([]string(nil), n.URLs...)
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	if out.DedupMaxEntries < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.dedup_max_entries must be >= 0")
	}
	if out.Enabled && len(out.URLs) == 0 {
		return notifier.Config{}, fmt.Errorf("notifier.urls is required when notifier.enabled is true")
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	if cfg == nil {
		return schedule.Config{}, nil
	}
	out := schedule.Config{Timezone: strings.TrimSpace(cfg.Timezone)}
	if out.Timezone != "" {
		if _, err := time.LoadLocation(out.Timezone); err != nil {
			return schedule.Config{}, fmt.Errorf("timezone: invalid %q: %w", cfg.Timezone, err)
		}
	}

	seen := make(map[string]struct{}, len(cfg.Schedules))
	for i, sc := range cfg.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			return schedule.Config{}, fmt.Errorf("schedules[%d].name is required", i)
		}
		if _, dup := seen[name]; dup {
			return schedule.Config{}, fmt.Errorf("schedules[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}

		if _, err := schedule.ParseSchedule(sc.Spec); err != nil {
			return schedule.Config{}, fmt.Errorf("schedules[%d] (%s): %w", i, name, err)
		}
		prio, err := queue.ParsePriority(sc.Priority)
		if err != nil {
			return schedule.Config{}, fmt.Errorf("schedules[%d] (%s): %w", i, name, err)
		}
		if sc.Subtasks < 0 {
			return schedule.Config{}, fmt.Errorf("schedules[%d] (%s): subtasks must be >= 0", i, name)
		}
		switch strings.ToLower(strings.TrimSpace(sc.Profile)) {
		case "", "quick", "balanced", "thorough":
		default:
			return schedule.Config{}, fmt.Errorf("schedules[%d] (%s): unknown profile %q", i, name, sc.Profile)
		}

		out.Entries = append(out.Entries, schedule.Entry{
			Name:        name,
			Spec:        sc.Spec,
			Priority:    prio,
			Title:       sc.Title,
			Description: sc.Description,
			Files:       append([]string(nil), sc.Files...),
			Subtasks:    sc.Subtasks,
			Profile:     sc.Profile,
			Project:     sc.Project,
		})
	}

	if len(out.Entries) > 0 && !cfg.Queue.Enabled {
		return schedule.Config{}, fmt.Errorf("schedules require queue.enabled=true")
	}
	return out, nil
}

// mapPprofConfig validates and converts the JSON config into the service
// config. It never starts the server.
func mapPprofConfig(cfg *config.Config) (pprofsrv.Config, error) {
	var out pprofsrv.Config
	if cfg == nil {
		return out, nil
	}
	pc := cfg.Pprof

	out.Enabled = pc.Enabled
	out.AllowInsecure = pc.AllowInsecure
	out.Token = strings.TrimSpace(pc.Token)
	out.Addr = strings.TrimSpace(pc.Addr)
	out.Prefix = strings.TrimSpace(pc.Prefix)

	if out.Addr == "" {
		out.Addr = "127.0.0.1:6060"
	}
	if out.Prefix == "" {
		out.Prefix = "/debug/pprof/"
	}

	readTO, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return out, err
	}
	writeTO, err := config.ParseDurationField("pprof.write_timeout", pc.WriteTimeout)
	if err != nil {
		return out, err
	}
	idleTO, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 120*time.Second)
	if err != nil {
		return out, err
	}
	out.ReadTimeout = readTO
	out.WriteTimeout = writeTO // default 0 (disabled) so /profile can run 30s+
	out.IdleTimeout = idleTO

	if pc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("pprof.mutex_profile_fraction must be >= 0")
	}
	if pc.BlockProfileRate < 0 {
		return out, fmt.Errorf("pprof.block_profile_rate must be >= 0")
	}
	if pc.MemProfileRate < 0 {
		return out, fmt.Errorf("pprof.mem_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = pc.MutexProfileFraction
	out.BlockProfileRate = pc.BlockProfileRate
	out.MemProfileRate = pc.MemProfileRate

	if out.Enabled {
		if _, _, err := net.SplitHostPort(out.Addr); err != nil {
			return out, fmt.Errorf("pprof.addr: invalid %q (expected host:port): %w", out.Addr, err)
		}
		// Security: refuse public bind without explicit opt-in.
		if !out.AllowInsecure && out.Token == "" && !loopbackAddr(out.Addr) {
			return out, fmt.Errorf("pprof: binding to non-loopback addr requires token or allow_insecure=true")
		}
	}
	return out, nil
}

func loopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
