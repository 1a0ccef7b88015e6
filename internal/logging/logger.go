// Package logging wraps zerolog behind the small leveled surface the rest of
// the daemon uses. A Logger is constructed once in cmd/modula and passed by
// reference; there is no package-level logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// timestampLayout matches the layout of persisted records: UTC, milliseconds.
const timestampLayout = "2006-01-02T15:04:05.000Z"

func init() {
	zerolog.TimeFieldFormat = timestampLayout
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

// Level is a log severity.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Fields carries structured key/value context for a single entry.
type Fields map[string]any

// ActivityKey is the field name carrying a task's correlation id.
const ActivityKey = "activity_id"

// Options configures New.
type Options struct {
	Level Level

	// Dir is the directory holding the rotating log file. Empty disables the
	// file sink.
	Dir        string
	FileName   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console receives the human-readable or JSON stream. Defaults to os.Stderr.
	Console io.Writer
}

// Logger is a leveled structured logger.
type Logger struct {
	zl     zerolog.Logger
	closer io.Closer
}

// New builds a logger writing to the console and, when opts.Dir is set, to a
// size-rotated file in that directory.
func New(opts Options) (*Logger, error) {
	level, ok := ParseLevel(string(opts.Level))
	if !ok && opts.Level != "" {
		return nil, fmt.Errorf("unknown log level %q", opts.Level)
	}
	if opts.Level == "" {
		level = LevelInfo
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	if f, ok := console.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		console = zerolog.ConsoleWriter{Out: f, TimeFormat: "15:04:05.000"}
	}

	writers := []io.Writer{console}
	var closer io.Closer
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := opts.FileName
		if name == "" {
			name = "modula.log"
		}
		rotator := &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, name),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
		}
		writers = append(writers, rotator)
		closer = rotator
	}

	l := newLogger(zerolog.MultiLevelWriter(writers...), level)
	l.closer = closer
	return l, nil
}

// NewWithWriter returns a JSON logger writing to w. Used by tests and tools
// that want the raw stream.
func NewWithWriter(w io.Writer, level Level) *Logger {
	if _, ok := ParseLevel(string(level)); !ok {
		level = LevelInfo
	}
	return newLogger(w, level)
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

func newLogger(w io.Writer, level Level) *Logger {
	zl := zerolog.New(w).
		Level(zerologLevel(level)).
		With().
		Timestamp().
		Logger()
	return &Logger{zl: zl}
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// With returns a child logger that adds fields to every entry.
func (l *Logger) With(fields Fields) *Logger {
	if l == nil {
		return l
	}
	return &Logger{zl: l.zl.With().Fields(map[string]any(fields)).Logger(), closer: l.closer}
}

// WithActivity returns a child logger tagging every entry with the task's
// activity id.
func (l *Logger) WithActivity(id string) *Logger {
	if l == nil || id == "" {
		return l
	}
	return &Logger{zl: l.zl.With().Str(ActivityKey, id).Logger(), closer: l.closer}
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) *Logger {
	return l.With(Fields{"component": name})
}

func (l *Logger) Debug(msg string, fields Fields)    { l.Log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)     { l.Log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)     { l.Log(LevelWarning, msg, fields) }
func (l *Logger) Error(msg string, fields Fields)    { l.Log(LevelError, msg, fields) }
func (l *Logger) Critical(msg string, fields Fields) { l.Log(LevelCritical, msg, fields) }

// Log writes one entry at level.
func (l *Logger) Log(level Level, msg string, fields Fields) {
	if l == nil {
		return
	}
	ev := l.zl.WithLevel(zerologLevel(level))
	if level == LevelCritical {
		ev = ev.Str("severity", string(LevelCritical))
	}
	if len(fields) > 0 {
		ev = ev.Fields(map[string]any(fields))
	}
	ev.Msg(msg)
}

// Err is shorthand for an error-level entry with the error attached.
func (l *Logger) Err(msg string, err error, fields Fields) {
	if l == nil {
		return
	}
	ev := l.zl.Error().Err(err)
	if len(fields) > 0 {
		ev = ev.Fields(map[string]any(fields))
	}
	ev.Msg(msg)
}

// Enabled reports whether entries at level are written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	return zerologLevel(level) >= l.zl.GetLevel()
}

// ParseLevel maps a textual level to a Level.
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	case "critical", "fatal":
		return LevelCritical, true
	default:
		return "", false
	}
}

// Critical entries are written at error level so they never trigger
// zerolog's exit-on-fatal behavior.
func zerologLevel(level Level) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelError, LevelCritical:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Since is a convenience field for elapsed durations in milliseconds.
func Since(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
