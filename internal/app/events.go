package app

import (
	"context"
	"time"

	"taskpilot/internal/agent"
	"taskpilot/internal/eventbus"
	"taskpilot/internal/retry"
	"taskpilot/internal/storage"
	"taskpilot/internal/task/queue"
	logx "taskpilot/pkg/logx"
)

// RetryEvent is the "retry.attempt" bus payload, published before each
// backoff sleep of an agent execution.
type RetryEvent struct {
	TaskID  string        `json:"task_id"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Type    string        `json:"type,omitempty"`
	Message string        `json:"message,omitempty"`
}

// BreakerEvent is the "breaker.state" bus payload.
type BreakerEvent struct {
	From string `json:"from"`
	To   string `json:"to"`
}

const persistTimeout = 5 * time.Second

// buildExecutor wraps the agent command in the retry manager and journals
// finished runs. The queue sees one Execute per task; attempts, backoff
// and breaker admission all happen inside.
func buildExecutor(rm *retry.Manager, cmd *agent.Command, store storage.Store, bus eventbus.Bus, log logx.Logger) queue.Executor {
	return queue.ExecutorFunc(func(ctx context.Context, t queue.Task) queue.Outcome {
		inv := agent.Invocation{
			ID:          t.ID,
			Title:       t.Title,
			Description: t.Description,
			Profile:     t.Profile,
			Project:     t.Project,
			Files:       t.Files,
		}

		started := time.Now()
		var out agent.Outcome
		res := rm.ExecuteWithRetry(ctx, t.ID, func(c context.Context) error {
			var err error
			out, err = cmd.Execute(c, inv)
			return err
		}, retry.WithOnRetry(func(next int, delay time.Duration, cls retry.Classified) {
			if bus == nil {
				return
			}
			bus.Publish(eventbus.Event{Type: "retry.attempt", Data: RetryEvent{
				TaskID:  t.ID,
				Attempt: next,
				Delay:   delay,
				Type:    cls.Type,
				Message: cls.Message,
			}})
		}))

		if store != nil {
			rec := storage.RunRecord{
				TaskID:    t.ID,
				StartedAt: started,
				Duration:  time.Since(started),
				Subtasks:  t.Subtasks,
				Attempts:  res.Trace.Attempts,
				OK:        res.OK,
			}
			if res.Err != nil {
				rec.Error = res.Err.Error()
			}
			rctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := store.AppendRun(rctx, rec); err != nil {
				log.Warn("persist run", logx.Err(err), logx.String("task", t.ID))
			}
			cancel()
		}

		if !res.OK {
			return queue.Outcome{Err: res.Err, Detail: out.Output}
		}
		return queue.Outcome{Detail: out.Output}
	})
}

// statusSink adapts storage.Store to the queue's status persistence
// surface.
type statusSink struct {
	store storage.Store
}

func (s statusSink) UpdateTaskStatus(ctx context.Context, id string, status queue.TaskStatus) error {
	return s.store.UpdateStatus(ctx, id, string(status))
}

// persistingEnqueuer saves the full task record right after admission.
// The queue itself only journals status patches, which both storage
// drivers accept before the row exists.
type persistingEnqueuer struct {
	q     *queue.Service
	store storage.Store
	log   logx.Logger
}

func (p persistingEnqueuer) Enqueue(t queue.Task) (queue.EnqueueReport, error) {
	rep, err := p.q.Enqueue(t)
	if err != nil || p.store == nil {
		return rep, err
	}
	rec := storage.TaskRecord{
		ID:          rep.ID,
		Title:       t.Title,
		Description: t.Description,
		Priority:    t.Priority.String(),
		Status:      string(queue.StatusQueued),
		Files:       t.Files,
		Subtasks:    t.Subtasks,
		Profile:     t.Profile,
		Project:     t.Project,
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := p.store.SaveTask(ctx, rec); err != nil {
		p.log.Warn("persist task", logx.Err(err), logx.String("task", rep.ID))
	}
	cancel()
	return rep, nil
}
