package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// Service owns the sinks and the current root logger. Apply swaps both at
// runtime without touching loggers already handed out.
type Service struct {
	mu   sync.Mutex
	cfg  Config
	sink *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service and applies cfg before returning the root Logger.
func New(cfg Config) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if p := s.root.Load(); p != nil {
		return *p
	}
	return zerolog.Nop()
}

// Apply rebuilds the sink set and level. Safe to call concurrently.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cfg = cfg
	s.closeSinkLocked()

	var out []io.Writer
	if cfg.Console {
		out = append(out, consoleWriter(os.Stdout))
	}
	if cfg.File.Enabled {
		if f := openSink(cfg.File.Path); f != nil {
			s.sink = f
			out = append(out, zerolog.SyncWriter(f))
		}
	}
	// A sinkless config would swallow everything; fall back to the console.
	if len(out) == 0 {
		out = append(out, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(out...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close releases the file sink. Loggers keep working against the last root.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSinkLocked()
	return nil
}

func (s *Service) closeSinkLocked() {
	if s.sink != nil {
		_ = s.sink.Close()
		s.sink = nil
	}
}

// openSink opens the log file for appending. On failure it reports to stderr
// and returns nil; Apply then simply runs without the file sink.
func openSink(path string) *os.File {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "./taskpilot.log"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logx: cannot open log file %q: %v\n", path, err)
		return nil
	}
	return f
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		// The caller field arrives preformatted as file:line.
		FormatCaller: func(v any) string {
			s, _ := v.(string)
			return s
		},
	}
}

var levelNames = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
}

// parseLevel maps a config level name to a zerolog level, falling back to def
// for anything it does not recognize.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	if lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return lvl
	}
	return def
}
