// Package agent runs the external CLI that performs task work. The queue
// knows nothing about it; the app wires an agent executor into the
// queue's executor callback, usually behind the retry manager.
package agent

import (
	"context"
	"time"
)

// Invocation is one unit of work handed to the agent.
type Invocation struct {
	ID          string
	Title       string
	Description string
	Profile     string

	// Project is the working directory the agent runs in. Relative paths
	// are resolved against the configured base directory.
	Project string

	Files []string
}

// Outcome reports what the agent did. Output is capped at the configured
// limit; Truncated says whether anything was cut.
type Outcome struct {
	ExitCode  int
	Output    string
	Truncated bool
	Duration  time.Duration
}

// Executor runs one invocation. Implementations must honor ctx
// cancellation by abandoning the work.
type Executor interface {
	Execute(ctx context.Context, inv Invocation) (Outcome, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, inv Invocation) (Outcome, error)

func (f Func) Execute(ctx context.Context, inv Invocation) (Outcome, error) { return f(ctx, inv) }
