package config

import (
	"reflect"
	"sort"
	"strings"
	logx "taskpilot/pkg/logx"
)

// SummarizeChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the
// pprof token or agent env values).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	// Queue
	if !reflect.DeepEqual(oldCfg.Queue, newCfg.Queue) {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Bool("queue.enabled", newCfg.Queue.Enabled),
			logx.Int("queue.max_concurrent", newCfg.Queue.MaxConcurrent),
			logx.Int("queue.queue_size", newCfg.Queue.QueueSize),
			logx.String("queue.default_timeout", strings.TrimSpace(newCfg.Queue.DefaultTimeout)),
			logx.String("queue.profile", strings.TrimSpace(newCfg.Queue.Profile)),
		)
		if oldCfg.Queue.QueueSize != newCfg.Queue.QueueSize {
			attrs = append(attrs, logx.Bool("queue.queue_size_restart_required", true))
		}
	}

	// Retry. Section may be nil (omitted); treat nil as runtime defaults.
	defR := &Retry{MaxRetries: 3, BaseDelay: "1s", Multiplier: 2.0, JitterFactor: 0.2, MaxTotalTimeout: "10m"}
	oldR, newR := oldCfg.Retry, newCfg.Retry
	if oldR == nil {
		oldR = defR
	}
	if newR == nil {
		newR = defR
	}
	if !reflect.DeepEqual(*oldR, *newR) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.max_retries", newR.MaxRetries),
			logx.String("retry.base_delay", strings.TrimSpace(newR.BaseDelay)),
			logx.Float64("retry.multiplier", newR.Multiplier),
			logx.String("retry.max_total_timeout", strings.TrimSpace(newR.MaxTotalTimeout)),
			logx.Int("retry.recoverable_types", len(newR.RecoverableErrorTypes)),
			logx.Int("retry.recoverable_http_codes", len(newR.RecoverableHTTPCodes)),
		)
	}

	// Breaker
	defB := &Breaker{Enabled: true, FailureThreshold: 5, RecoveryTimeout: "60s", HalfOpenMaxCalls: 3}
	oldB, newB := oldCfg.Breaker, newCfg.Breaker
	if oldB == nil {
		oldB = defB
	}
	if newB == nil {
		newB = defB
	}
	if !reflect.DeepEqual(*oldB, *newB) {
		changed = append(changed, "breaker")
		attrs = append(attrs,
			logx.Bool("breaker.enabled", newB.Enabled),
			logx.Int("breaker.failure_threshold", newB.FailureThreshold),
			logx.String("breaker.recovery_timeout", strings.TrimSpace(newB.RecoveryTimeout)),
			logx.Int("breaker.half_open_max_calls", newB.HalfOpenMaxCalls),
		)
	}

	// Conflict detector. Omitted section means enabled with builtin rules.
	oEnabled, oRules := conflictEffective(oldCfg.Conflict)
	nEnabled, nRules := conflictEffective(newCfg.Conflict)
	if oEnabled != nEnabled || !reflect.DeepEqual(oRules, nRules) {
		changed = append(changed, "conflict")
		attrs = append(attrs,
			logx.Bool("conflict.enabled", nEnabled),
			logx.Int("conflict.keyword_rules", len(nRules)),
		)
	}

	// Agent (never log env values; they may carry tokens)
	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.Bool("agent.command_set", strings.TrimSpace(newCfg.Agent.Command) != ""),
			logx.Int("agent.args", len(newCfg.Agent.Args)),
			logx.Int("agent.env_count", len(newCfg.Agent.Env)),
			logx.Bool("agent.work_dir_set", strings.TrimSpace(newCfg.Agent.WorkDir) != ""),
			logx.Int("agent.output_limit", newCfg.Agent.OutputLimit),
		)
	}

	// Storage (restart required; surfaced so the reload log says so)
	oldS, newS := oldCfg.Storage, newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
			logx.Bool("storage.restart_required", true),
		)
	}

	// Notifier. Omitted section means disabled.
	defN := &Notifier{}
	oldN, newN := oldCfg.Notifier, newCfg.Notifier
	if oldN == nil {
		oldN = defN
	}
	if newN == nil {
		newN = defN
	}
	if !reflect.DeepEqual(*oldN, *newN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.urls", len(newN.URLs)),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.queue_size", newN.QueueSize),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
		)
	}

	// Schedules (timezone applies to all triggers)
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) ||
		strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Int("schedules.count", len(newCfg.Schedules)),
			logx.String("schedules.timezone", strings.TrimSpace(newCfg.Timezone)),
		)
	}

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		oldCfg.Pprof.MutexProfileFraction != newCfg.Pprof.MutexProfileFraction ||
		oldCfg.Pprof.BlockProfileRate != newCfg.Pprof.BlockProfileRate ||
		oldCfg.Pprof.MemProfileRate != newCfg.Pprof.MemProfileRate ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// conflictEffective resolves the omitted-section default (enabled, builtin
// rules) so summaries compare effective settings.
func conflictEffective(c *Conflict) (bool, map[string][]string) {
	if c == nil {
		return true, nil
	}
	return c.Enabled, c.KeywordRules
}
