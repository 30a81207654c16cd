package testutil

import (
	"encoding/json"
	"strings"
	"testing"
)

// LogEntry is one JSON record written by the slog handler
type LogEntry struct {
	Level   string
	Message string
	// Attrs holds every key besides time, level and msg. Groups appear
	// as nested maps.
	Attrs map[string]interface{}
}

// Group returns the attributes logged under the group path, nil if absent
func (e LogEntry) Group(path ...string) map[string]interface{} {
	m := e.Attrs
	for _, name := range path {
		next, ok := m[name].(map[string]interface{})
		if !ok {
			return nil
		}
		m = next
	}
	return m
}

// ParseLogEntry parses a single JSON record
func ParseLogEntry(t *testing.T, line string) LogEntry {
	t.Helper()

	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		t.Fatalf("Failed to parse log entry %q: %v", line, err)
	}
	if _, ok := raw["time"].(string); !ok {
		t.Fatalf("log entry %q has no time", line)
	}

	entry := LogEntry{Attrs: make(map[string]interface{})}
	entry.Level, _ = raw["level"].(string)
	entry.Message, _ = raw["msg"].(string)
	for k, v := range raw {
		if k != "time" && k != "level" && k != "msg" {
			entry.Attrs[k] = v
		}
	}
	return entry
}

// ParseLogLines parses every record in output, one per line
func ParseLogLines(t *testing.T, output string) []LogEntry {
	t.Helper()

	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line != "" {
			entries = append(entries, ParseLogEntry(t, line))
		}
	}
	return entries
}
