package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/retry"
	"taskpilot/pkg/logx"
)

// Config controls the command-backed executor.
type Config struct {
	// Command is the agent binary; Args may carry {{id}}, {{title}},
	// {{description}}, {{profile}}, {{project}}, and {{files}}
	// placeholders, expanded per invocation.
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args" json:"args"`

	// Env entries (KEY=VALUE) are appended to the daemon environment.
	Env []string `yaml:"env" json:"env"`

	// WorkDir is the base directory; a relative Invocation.Project is
	// joined onto it.
	WorkDir string `yaml:"work_dir" json:"work_dir"`

	// OutputLimit caps captured combined output, in bytes.
	OutputLimit int `yaml:"output_limit" json:"output_limit"`

	// Timeout bounds one invocation. Zero means no extra bound beyond
	// the caller's ctx.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func (c Config) withDefaults() Config {
	c.Command = strings.TrimSpace(c.Command)
	if c.OutputLimit <= 0 {
		c.OutputLimit = 64 * 1024
	}
	return c
}

// Command runs the configured CLI once per invocation. The process is
// killed when ctx is canceled.
type Command struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
}

func NewCommand(cfg Config, log logx.Logger) *Command {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Command{cfg: cfg.withDefaults(), log: log}
}

// Apply swaps the configuration. In-flight invocations keep the snapshot
// they started with.
func (c *Command) Apply(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
}

func (c *Command) Execute(ctx context.Context, inv Invocation) (Outcome, error) {
	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	if cfg.Command == "" {
		return Outcome{}, retry.NoRetry(errors.New("agent command not configured"))
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	args := expandArgs(cfg.Args, inv)
	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.Dir = workDir(cfg, inv)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env,
		"TASKPILOT_TASK_ID="+inv.ID,
		"TASKPILOT_TASK_TITLE="+inv.Title,
		"TASKPILOT_TASK_PROFILE="+inv.Profile,
		"TASKPILOT_TASK_FILES="+strings.Join(inv.Files, ","),
	)

	// One buffer for both streams keeps interleaving as the process
	// produced it.
	buf := newCappedBuffer(cfg.OutputLimit)
	cmd.Stdout = buf
	cmd.Stderr = buf

	c.log.Debug("agent start",
		logx.String("task", inv.ID),
		logx.String("command", cfg.Command),
		logx.String("dir", cmd.Dir))

	start := time.Now()
	runErr := cmd.Run()
	out := Outcome{
		Output:    buf.String(),
		Truncated: buf.Truncated(),
		Duration:  time.Since(start),
	}

	if runErr == nil {
		c.log.Debug("agent done", logx.String("task", inv.ID), logx.Duration("duration", out.Duration))
		return out, nil
	}

	// A killed process means the caller abandoned the work; report the
	// ctx error so it is not mistaken for an agent failure.
	if ctx.Err() != nil {
		out.ExitCode = -1
		return out, ctx.Err()
	}

	var xerr *exec.ExitError
	if errors.As(runErr, &xerr) {
		out.ExitCode = xerr.ExitCode()
		err := fmt.Errorf("agent exited %d: %s", out.ExitCode, outputTail(out.Output))
		if code := httpCodeForExit(out.ExitCode); code != 0 {
			err = retry.WithHTTPCode(err, code)
		}
		return out, err
	}

	// Start failures (missing binary, bad workdir) are configuration
	// problems, not transient backend ones.
	out.ExitCode = -1
	return out, retry.NoRetry(fmt.Errorf("agent start: %w", runErr))
}

func workDir(cfg Config, inv Invocation) string {
	p := strings.TrimSpace(inv.Project)
	switch {
	case p == "":
		return cfg.WorkDir
	case filepath.IsAbs(p):
		return p
	case cfg.WorkDir != "":
		return filepath.Join(cfg.WorkDir, p)
	default:
		return p
	}
}

func expandArgs(args []string, inv Invocation) []string {
	if len(args) == 0 {
		return nil
	}
	r := strings.NewReplacer(
		"{{id}}", inv.ID,
		"{{title}}", inv.Title,
		"{{description}}", inv.Description,
		"{{profile}}", inv.Profile,
		"{{project}}", inv.Project,
		"{{files}}", strings.Join(inv.Files, ","),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// httpCodeForExit maps sysexits-style agent exit codes onto the HTTP
// codes the retry classifier understands. Unmapped codes return 0 and
// classify as unknown, which is never retried.
func httpCodeForExit(code int) int {
	switch code {
	case 64: // EX_USAGE
		return 400
	case 69, 75: // EX_UNAVAILABLE, EX_TEMPFAIL
		return 503
	case 77, 126: // EX_NOPERM, not executable
		return 403
	case 127: // command not found
		return 404
	case 124: // timeout(1) convention
		return 408
	default:
		return 0
	}
}

func outputTail(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "(no output)"
	}
	const tail = 256
	if len(s) > tail {
		s = s[len(s)-tail:]
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return s
}

// cappedBuffer keeps the first limit bytes written and counts the rest
// as truncation. exec.Cmd serializes writes when the same writer is used
// for both streams, so no locking is needed.
type cappedBuffer struct {
	buf       []byte
	limit     int
	truncated bool
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - len(b.buf)
	switch {
	case room >= len(p):
		b.buf = append(b.buf, p...)
	case room > 0:
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
	default:
		b.truncated = true
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string  { return string(b.buf) }
func (b *cappedBuffer) Truncated() bool { return b.truncated }
