package queue

import (
	"container/heap"
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"taskpilot/pkg/logx"
)

// dispatch is the single coordinating loop: it pops the highest-priority
// ready task once a concurrency slot frees and hands it to the executor
// in its own goroutine, so the loop itself never runs task work.
func (s *Service) dispatch(ctx context.Context, stopCh <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		s.mu.Lock()
		idle := s.paused || len(s.heap) == 0
		s.mu.Unlock()
		if idle {
			if !s.waitKick(ctx, stopCh) {
				return
			}
			continue
		}

		// Take the slot before popping so the pop always sees the
		// freshest heap: a high-priority task enqueued while we wait
		// here still dispatches ahead of older normal-priority work.
		if !s.acquirePermit(ctx, stopCh) {
			return
		}

		s.mu.Lock()
		if s.paused || len(s.heap) == 0 {
			s.mu.Unlock()
			s.releasePermit()
			continue
		}
		e := heap.Pop(&s.heap).(*heapEntry)
		delete(s.queued, e.task.ID)
		tctx, cancel := context.WithCancel(ctx)
		rt := &runningTask{
			task:      e.task,
			queuedAt:  e.queuedAt,
			startedAt: s.now(),
			estimate:  s.estimateLocked(e.task),
			cancel:    cancel,
		}
		s.running[e.task.ID] = rt
		s.wg.Add(1)
		s.mu.Unlock()

		go s.runTask(tctx, rt)
	}
}

// waitKick parks the dispatch loop until something changes or the idle
// interval elapses. Returns false on shutdown.
func (s *Service) waitKick(ctx context.Context, stopCh <-chan struct{}) bool {
	s.mu.Lock()
	wait := s.cfg.IdleWait
	s.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-s.wake:
		return true
	case <-t.C:
		return true
	}
}

// kick nudges the dispatch loop out of its idle wait. Non-blocking.
func (s *Service) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// acquirePermit blocks until a dispatch slot frees, the queue stops, or
// ctx is done.
func (s *Service) acquirePermit(ctx context.Context, stopCh <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-s.permits:
		atomic.AddInt32(&s.inFlight, 1)
		return true
	}
}

// releasePermit returns a slot to the bucket unless the limit was
// lowered while this task ran; then the token is dropped so the bucket
// shrinks to the new limit as running work drains.
func (s *Service) releasePermit() {
	in := atomic.AddInt32(&s.inFlight, -1)
	if in < 0 {
		atomic.StoreInt32(&s.inFlight, 0)
		in = 0
	}
	lim := atomic.LoadInt32(&s.permitLimit)
	if int32(len(s.permits))+in >= lim {
		return
	}
	select {
	case s.permits <- struct{}{}:
	default:
	}
}

// setPermitLimit moves the bucket toward a new limit: raises add tokens
// immediately, lowers drain whatever idle tokens exist now and leave the
// rest to releasePermit.
func (s *Service) setPermitLimit(n int32) {
	if n < 1 {
		n = 1
	}
	if n > maxConcurrencyCap {
		n = maxConcurrencyCap
	}
	old := atomic.SwapInt32(&s.permitLimit, n)
	permits := s.permits
	if permits == nil || n == old {
		return
	}
	if n > old {
		for i := old; i < n; i++ {
			select {
			case permits <- struct{}{}:
			default:
				return
			}
		}
		return
	}
	for i := n; i < old; i++ {
		select {
		case <-permits:
		default:
			return
		}
	}
}

// runTask owns one dispatched task from start to terminal status. When a
// StopAll or shutdown has already reset the task to backlog, the outcome
// is discarded.
func (s *Service) runTask(ctx context.Context, rt *runningTask) {
	defer s.wg.Done()
	t := rt.task
	delay := rt.startedAt.Sub(rt.queuedAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	_, live := s.running[t.ID]
	s.mu.Unlock()
	if live {
		s.persistStatus(t.ID, StatusRunning)
		s.publishTask("task.started", t, StatusRunning, delay, 0, "")
		s.publishQueueChanged()
		s.log.Debug("task dispatched",
			logx.String("task", t.ID),
			logx.String("priority", t.Priority.String()),
			logx.Duration("queue_delay", delay))
	}

	out := s.execute(ctx, t)
	dur := s.now().Sub(rt.startedAt)

	s.mu.Lock()
	_, still := s.running[t.ID]
	if still {
		delete(s.running, t.ID)
		if out.Err == nil {
			s.recordRunLocked(t.Subtasks, dur)
		}
	}
	s.mu.Unlock()
	s.releasePermit()

	if !still {
		return
	}

	if out.Err != nil {
		s.persistStatus(t.ID, StatusFailed)
		s.publishTask("task.failed", t, StatusFailed, delay, dur, out.Err.Error())
		s.log.Warn("task failed", logx.String("task", t.ID), logx.Err(out.Err), logx.Duration("duration", dur))
	} else {
		s.persistStatus(t.ID, StatusDone)
		s.publishTask("task.finished", t, StatusDone, delay, dur, "")
		s.log.Info("task finished", logx.String("task", t.ID), logx.Duration("duration", dur))
	}
	s.publishQueueChanged()
}

// execute shields the dispatch pipeline from executor panics.
func (s *Service) execute(ctx context.Context, t Task) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("executor panic",
				logx.String("task", t.ID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			out = Outcome{Err: fmt.Errorf("executor panic: %v", r)}
		}
	}()
	return s.exec.Execute(ctx, t)
}
