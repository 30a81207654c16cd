package slog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/butter-bot-machines/kestrel/pkg/logging"
)

// Options configures a LoggerWrapper
type Options struct {
	// Level sets the minimum level to log
	Level logging.Level
	// Output sets the output destination (defaults to os.Stderr)
	Output io.Writer
	// JSON selects the JSON handler instead of the text handler
	JSON bool
	// AddSource adds source code information to log records
	AddSource bool
}

// LoggerWrapper wraps slog.Logger to implement logging.Logger. Loggers
// derived with With or WithGroup share level and output with their parent.
type LoggerWrapper struct {
	*slog.Logger
	shared *shared
}

type shared struct {
	mu     sync.RWMutex
	level  logging.Level
	slevel slog.LevelVar
	out    *switchWriter
}

// switchWriter lets SetOutput redirect every derived handler at once.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// NewLogger creates a JSON logger with the given level and output
func NewLogger(level logging.Level, output io.Writer) logging.Logger {
	return New(Options{Level: level, Output: output, JSON: true})
}

// New creates a logger from options
func New(opts Options) *LoggerWrapper {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}

	sh := &shared{
		level: opts.Level,
		out:   &switchWriter{w: opts.Output},
	}
	sh.slevel.Set(levelToSlog(opts.Level))

	handlerOpts := &slog.HandlerOptions{
		Level:       &sh.slevel,
		AddSource:   opts.AddSource,
		ReplaceAttr: lowerLevel,
	}

	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(sh.out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(sh.out, handlerOpts)
	}

	return &LoggerWrapper{
		Logger: slog.New(handler),
		shared: sh,
	}
}

func lowerLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok {
			return slog.String(slog.LevelKey, strings.ToLower(lvl.String()))
		}
	}
	return a
}

func levelToSlog(level logging.Level) slog.Level {
	switch level {
	case logging.LevelDebug:
		return slog.LevelDebug
	case logging.LevelWarn:
		return slog.LevelWarn
	case logging.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLevel returns the current log level
func (l *LoggerWrapper) GetLevel() logging.Level {
	l.shared.mu.RLock()
	defer l.shared.mu.RUnlock()
	return l.shared.level
}

// SetLevel sets the log level
func (l *LoggerWrapper) SetLevel(level logging.Level) {
	l.shared.mu.Lock()
	defer l.shared.mu.Unlock()
	l.shared.level = level
	l.shared.slevel.Set(levelToSlog(level))
}

// GetOutput returns the current output writer
func (l *LoggerWrapper) GetOutput() io.Writer {
	l.shared.out.mu.Lock()
	defer l.shared.out.mu.Unlock()
	return l.shared.out.w
}

// SetOutput sets the output writer
func (l *LoggerWrapper) SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}
	l.shared.out.mu.Lock()
	defer l.shared.out.mu.Unlock()
	l.shared.out.w = w
}

// With returns a new logger with the given attributes
func (l *LoggerWrapper) With(args ...interface{}) logging.Logger {
	return &LoggerWrapper{
		Logger: l.Logger.With(toAttrs(args)...),
		shared: l.shared,
	}
}

// WithGroup returns a new logger with the given group
func (l *LoggerWrapper) WithGroup(name string) logging.Logger {
	return &LoggerWrapper{
		Logger: l.Logger.WithGroup(name),
		shared: l.shared,
	}
}

// Debug logs a debug message
func (l *LoggerWrapper) Debug(msg string, args ...interface{}) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs an info message
func (l *LoggerWrapper) Info(msg string, args ...interface{}) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *LoggerWrapper) Warn(msg string, args ...interface{}) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs an error message
func (l *LoggerWrapper) Error(msg string, args ...interface{}) {
	l.log(slog.LevelError, msg, args...)
}

func (l *LoggerWrapper) log(level slog.Level, msg string, args ...interface{}) {
	ctx := context.Background()
	if !l.Logger.Enabled(ctx, level) {
		return
	}
	l.Logger.Log(ctx, level, msg, toAttrs(args)...)
}

// toAttrs pairs up key/value arguments. A trailing key without a value
// gets MISSING_VALUE; non-string keys are rendered with slog's own rules.
func toAttrs(args []interface{}) []any {
	if len(args)%2 != 0 {
		args = append(args, "MISSING_VALUE")
	}
	attrs := make([]any, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			attrs = append(attrs, args[i], args[i+1])
			continue
		}
		attrs = append(attrs, slog.Any(key, args[i+1]))
	}
	return attrs
}
