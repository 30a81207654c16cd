package memory

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/butter-bot-machines/kestrel/pkg/logging"
)

// Logger implements logging.Logger with in-memory storage. Loggers derived
// with With or WithGroup record into the same store.
type Logger struct {
	store  *store
	attrs  []interface{}
	groups []string
}

type store struct {
	mu      sync.RWMutex
	level   logging.Level
	output  io.Writer
	entries []LogEntry
}

// LogEntry represents a stored log entry
type LogEntry struct {
	Time    time.Time
	Level   logging.Level
	Message string
	Args    []interface{}
	Attrs   []interface{}
	Groups  []string
}

// Value returns the value logged under key, searching call arguments
// before logger attributes.
func (e LogEntry) Value(key string) (interface{}, bool) {
	for _, kv := range [][]interface{}{e.Args, e.Attrs} {
		for i := 0; i+1 < len(kv); i += 2 {
			if k, ok := kv[i].(string); ok && k == key {
				return kv[i+1], true
			}
		}
	}
	return nil, false
}

// NewLogger creates a new memory logger
func NewLogger(level logging.Level, output io.Writer) *Logger {
	return &Logger{
		store: &store{
			level:  level,
			output: output,
		},
	}
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.log(logging.LevelDebug, msg, args...)
}

// Info logs an info message
func (l *Logger) Info(msg string, args ...interface{}) {
	l.log(logging.LevelInfo, msg, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.log(logging.LevelWarn, msg, args...)
}

// Error logs an error message
func (l *Logger) Error(msg string, args ...interface{}) {
	l.log(logging.LevelError, msg, args...)
}

// With returns a new logger with additional attributes
func (l *Logger) With(args ...interface{}) logging.Logger {
	if len(args)%2 != 0 {
		args = append(args, "MISSING_VALUE")
	}

	attrs := make([]interface{}, len(l.attrs)+len(args))
	copy(attrs, l.attrs)
	copy(attrs[len(l.attrs):], args)

	return &Logger{
		store:  l.store,
		attrs:  attrs,
		groups: append([]string{}, l.groups...),
	}
}

// WithGroup returns a new logger with an additional group
func (l *Logger) WithGroup(name string) logging.Logger {
	return &Logger{
		store:  l.store,
		attrs:  append([]interface{}{}, l.attrs...),
		groups: append(append([]string{}, l.groups...), name),
	}
}

// SetLevel sets the minimum log level
func (l *Logger) SetLevel(level logging.Level) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() logging.Level {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	return l.store.level
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.output = w
}

// GetOutput returns the current output writer
func (l *Logger) GetOutput() io.Writer {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	return l.store.output
}

// GetEntries returns a copy of all stored log entries
func (l *Logger) GetEntries() []LogEntry {
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()

	entries := make([]LogEntry, len(l.store.entries))
	copy(entries, l.store.entries)
	return entries
}

// Find returns the stored entries with the given message
func (l *Logger) Find(msg string) []LogEntry {
	var found []LogEntry
	for _, e := range l.GetEntries() {
		if e.Message == msg {
			found = append(found, e)
		}
	}
	return found
}

// Reset discards all stored entries
func (l *Logger) Reset() {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	l.store.entries = nil
}

func (l *Logger) log(level logging.Level, msg string, args ...interface{}) {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if level < l.store.level {
		return
	}

	entry := LogEntry{
		Time:    time.Now(),
		Level:   level,
		Message: msg,
		Args:    args,
		Attrs:   append([]interface{}{}, l.attrs...),
		Groups:  append([]string{}, l.groups...),
	}
	l.store.entries = append(l.store.entries, entry)

	if l.store.output == nil {
		return
	}

	// Format: TIME [LEVEL] [GROUP1][GROUP2]... MESSAGE key1=value1 key2=value2 ...
	var b strings.Builder
	for _, g := range l.groups {
		fmt.Fprintf(&b, "[%s]", g)
	}
	b.WriteString(msg)
	for _, kv := range [][]interface{}{l.attrs, args} {
		for i := 0; i+1 < len(kv); i += 2 {
			fmt.Fprintf(&b, " %v=%v", kv[i], kv[i+1])
		}
	}

	fmt.Fprintf(l.store.output, "%s [%s] %s\n",
		entry.Time.Format("2006-01-02T15:04:05.000"),
		level.String(),
		b.String(),
	)
}
