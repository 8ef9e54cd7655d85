package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/agent"
	"taskpilot/internal/config"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/notifier"
	pprofsrv "taskpilot/internal/observability/pprof"
	"taskpilot/internal/retry"
	rtsup "taskpilot/internal/runtime/supervisor"
	"taskpilot/internal/storage"
	"taskpilot/internal/task/conflict"
	"taskpilot/internal/task/queue"
	"taskpilot/internal/task/schedule"
	logx "taskpilot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	det     *conflict.Detector
	breaker *retry.CircuitBreaker
	retries *retry.Manager
	agent   *agent.Command

	queue *queue.Service
	sched *schedule.Service
	notif *notifier.Service
	pprof *pprofsrv.Service
}

// daemonStatus backs /statusz on the debug server.
type daemonStatus struct {
	Queue      queue.DetailedSnapshot   `json:"queue"`
	Schedules  schedule.Snapshot        `json:"schedules"`
	Retry      retry.MetricsSnapshot    `json:"retry"`
	Breaker    retry.BreakerSnapshot    `json:"breaker"`
	Notifier   []notifier.HistoryItem   `json:"notifier_history,omitempty"`
	Events     eventbus.Stats           `json:"events"`
	Supervisor rtsup.SupervisorSnapshot `json:"supervisor"`
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	// Storage (optional). Tasks left queued/running by a previous run
	// go back to backlog before anything re-admits them.
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		n, err := store.ResetActive(ctx)
		cancel()
		if err != nil {
			log.Warn("storage: reset active tasks", logx.Err(err))
		} else if n > 0 {
			log.Info("storage: stale active tasks reset to backlog", logx.Int("count", n))
		}
	}

	var det *conflict.Detector
	if conflictEnabled(cfg) {
		det = conflict.New(mapConflictConfig(cfg), log.With(logx.String("comp", "conflict")))
	}

	bcfg, err := mapBreakerConfig(cfg)
	if err != nil {
		return nil, err
	}
	breaker := retry.NewCircuitBreaker(bcfg)

	rcfg, err := mapRetryConfig(cfg)
	if err != nil {
		return nil, err
	}
	retries := retry.New(rcfg, breaker, retry.NewMetrics(0), log.With(logx.String("comp", "retry")))

	acfg, err := mapAgentConfig(cfg)
	if err != nil {
		return nil, err
	}
	cmd := agent.NewCommand(acfg, log.With(logx.String("comp", "agent")))
	if cfg.Queue.Enabled && strings.TrimSpace(cfg.Agent.Command) == "" {
		log.Warn("agent.command is not configured; dispatched tasks will fail until it is set")
	}

	qcfg, err := mapQueueConfig(cfg)
	if err != nil {
		return nil, err
	}
	var sink queue.StatusStore
	if store != nil {
		sink = statusSink{store: store}
	}
	exec := buildExecutor(retries, cmd, store, bus, log)
	q := queue.New(qcfg, exec, sink, det, bus, log.With(logx.String("comp", "queue")))

	scfg, err := mapScheduleConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedSvc := schedule.New(scfg,
		persistingEnqueuer{q: q, store: store, log: log},
		log.With(logx.String("comp", "schedule")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, log.With(logx.String("comp", "notifier")), bus)

	pprofCfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprofsrv.New(pprofCfg, log.With(logx.String("comp", "pprof")))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		det:     det,
		breaker: breaker,
		retries: retries,
		agent:   cmd,
		queue:   q,
		sched:   schedSvc,
		notif:   notifSvc,
		pprof:   pprofSvc,
	}
	pprofSvc.SetStatusFunc(a.statusSnapshot)

	breaker.OnStateChange(func(from, to retry.BreakerState) {
		log.Warn("breaker state change",
			logx.String("from", from.String()), logx.String("to", to.String()))
		bus.Publish(eventbus.Event{Type: "breaker.state", Data: BreakerEvent{
			From: from.String(),
			To:   to.String(),
		}})
	})

	return a, nil
}

func (a *App) statusSnapshot() any {
	return daemonStatus{
		Queue:      a.queue.DetailedStatus(),
		Schedules:  a.sched.Snapshot(),
		Retry:      a.retries.Metrics().Snapshot(),
		Breaker:    a.breaker.Snapshot(),
		Notifier:   a.notif.Snapshot(),
		Events:     a.bus.Stats(),
		Supervisor: a.sup.Snapshot(),
	}
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
			_ = c
			if _, err := mapQueueConfig(cfg); err != nil {
				return err
			}
			if _, err := mapAgentConfig(cfg); err != nil {
				return err
			}
			if _, err := mapRetryConfig(cfg); err != nil {
				return err
			}
			if _, err := mapBreakerConfig(cfg); err != nil {
				return err
			}
			if _, err := mapScheduleConfig(cfg); err != nil {
				return err
			}
			if _, err := mapNotifierConfig(cfg); err != nil {
				return err
			}
			if _, _, err := mapStorageConfig(cfg); err != nil {
				return err
			}
			if _, err := mapPprofConfig(cfg); err != nil {
				return err
			}
			return nil
		})
	}

	// Start order: queue before schedules, so triggers land in an
	// accepting queue.
	if a.queue.Enabled() {
		a.queue.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.notif != nil && a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.pprof != nil && a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug (components can also subscribe themselves).
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Keep this debug-level to avoid noise from frequent queue changes.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		// Track last applied config to generate a safe diff summary for logx.
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				sections, attrs := config.SummarizeChange(lastApplied, newCfg)
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Debug("config change summary", fields...)
				} else {
					a.log.Debug("config reload received, but no effective changes detected")
				}
				prevApplied := lastApplied
				lastApplied = newCfg

				a.applyReload(c, prevApplied, newCfg)

				// Keep the final log line concise and human-friendly (details are in debug logs).
				if len(sections) > 0 {
					fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
					a.log.Info("config reloaded", fields...)
				} else {
					a.log.Info("config reloaded (no changes)")
				}
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload pushes a committed config into the running services.
// Sections that cannot change live are logged as restart-required; a
// section that fails mapping keeps its previous settings.
func (a *App) applyReload(c context.Context, prev, newCfg *config.Config) {
	if prev == nil {
		prev = &config.Config{}
	}

	// Restart-required sections: keep running on the old settings.
	prevSC, prevOn, _ := mapStorageConfig(prev)
	if newSC, newOn, err := mapStorageConfig(newCfg); err == nil {
		if prevOn != newOn || prevSC != newSC {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
	}
	if conflictEnabled(prev) != conflictEnabled(newCfg) {
		a.log.Warn("conflict.enabled changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if rcfg, err := mapRetryConfig(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Any("err", err))
	} else {
		a.retries.Apply(rcfg)
	}
	if bcfg, err := mapBreakerConfig(newCfg); err != nil {
		a.log.Warn("invalid breaker config; keeping previous", logx.Any("err", err))
	} else {
		a.breaker.Apply(bcfg)
	}
	if acfg, err := mapAgentConfig(newCfg); err != nil {
		a.log.Warn("invalid agent config; keeping previous", logx.Any("err", err))
	} else {
		a.agent.Apply(acfg)
	}
	if a.det != nil {
		a.det.Apply(mapConflictConfig(newCfg))
	}

	// apply queue updates (live)
	prevQueueEnabled := a.queue.Enabled()
	qcfg, err := mapQueueConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid queue config; keeping previous", logx.Any("err", err))
		qcfg, _ = mapQueueConfig(prev)
	} else if newCfg.Queue.QueueSize != prev.Queue.QueueSize {
		a.log.Warn("queue.queue_size changed; restart required for changes to take effect")
		qcfg.MaxQueued = prev.Queue.QueueSize
	}
	a.queue.Apply(qcfg)

	scfg, serr := mapScheduleConfig(newCfg)
	if serr != nil {
		a.log.Warn("invalid schedules config; keeping previous", logx.Any("err", serr))
	}

	prevSchedEnabled := a.sched.Enabled()
	newQueueEnabled := qcfg.Enabled
	newSchedEnabled := prevSchedEnabled
	if serr == nil {
		newSchedEnabled = len(scfg.Entries) > 0
	}

	// enable/disable services on the fly (schedules first on shutdown;
	// queue first on startup)
	if prevSchedEnabled && !newSchedEnabled {
		a.log.Info("schedules disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevQueueEnabled && !newQueueEnabled {
		a.log.Info("queue disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 5*time.Second)
		a.queue.Stop(stopCtx)
		cancel()
	}
	if !prevQueueEnabled && newQueueEnabled {
		a.log.Info("queue enabled via config")
		a.queue.Start(c)
	}
	if serr == nil {
		a.sched.Apply(scfg)
	}
	if !prevSchedEnabled && newSchedEnabled {
		a.log.Info("schedules enabled via config")
		a.sched.Start(c)
	}

	// apply notifier updates (live)
	if a.notif != nil {
		prevNotifEnabled := a.notif.Enabled()
		ncfg, err := mapNotifierConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Any("err", err))
		} else {
			a.notif.Apply(ncfg)
			if prevNotifEnabled && !a.notif.Enabled() {
				a.log.Info("notifier disabled via config")
				stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
				a.notif.Stop(stopCtx)
				cancel()
			} else if !prevNotifEnabled && a.notif.Enabled() {
				a.log.Info("notifier enabled via config")
				a.notif.Start(c)
			}
		}
	}

	// apply pprof updates (live)
	if a.pprof != nil {
		ppc, err := mapPprofConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid pprof config; keeping previous", logx.Any("err", err))
		} else {
			a.pprof.Reconfigure(c, ppc)
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.String("err", err.Error()))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			elapsed := time.Since(start)
			a.log.Warn(
				"stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.String("err", stepCtx.Err().Error()),
				logx.Duration("elapsed", elapsed),
			)
			// Leak logging: observe when/if the step eventually finishes.
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.String("err", err.Error()), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Stop order: schedules first so nothing new is admitted, then the
	// queue (cancels in-flight agent runs), then the edges.
	step("schedule", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("queue", 5*time.Second, func(c context.Context) error { a.queue.Stop(c); return nil })
	step("pprof", 1*time.Second, func(c context.Context) error {
		if a.pprof != nil {
			a.pprof.Stop(c)
		}
		return nil
	})
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log, etc.)
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
