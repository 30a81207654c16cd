package slog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/butter-bot-machines/kestrel/pkg/logging"
	"github.com/butter-bot-machines/kestrel/pkg/logging/slog/internal/testutil"
)

func TestLoggerWrapper_Levels(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf)

	tests := []struct {
		name    string
		level   logging.Level
		logFunc func(string, ...interface{})
		want    bool // whether the message should be logged
	}{
		{
			name:    "Debug below Info",
			level:   logging.LevelDebug,
			logFunc: logger.Debug,
			want:    false,
		},
		{
			name:    "Info at Info",
			level:   logging.LevelInfo,
			logFunc: logger.Info,
			want:    true,
		},
		{
			name:    "Warn above Info",
			level:   logging.LevelWarn,
			logFunc: logger.Warn,
			want:    true,
		},
		{
			name:    "Error above Info",
			level:   logging.LevelError,
			logFunc: logger.Error,
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			tt.logFunc("descriptor table full")

			if got := buf.Len() > 0; got != tt.want {
				t.Errorf("Message logged = %v, want %v", got, tt.want)
			}

			if tt.want && buf.Len() > 0 {
				entry := testutil.ParseLogEntry(t, buf.String())
				if entry.Message != "descriptor table full" {
					t.Errorf("Message = %v, want 'descriptor table full'", entry.Message)
				}
			}
		})
	}
}

func TestLoggerWrapper_Attributes(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf)

	t.Run("With Attributes", func(t *testing.T) {
		logger := logger.With("pid", 7, "name", "/bin/echo")
		buf.Reset()

		logger.Info("process exited")
		entry := testutil.ParseLogEntry(t, buf.String())

		if entry.Attrs["name"] != "/bin/echo" {
			t.Errorf("Attribute name = %v, want '/bin/echo'", entry.Attrs["name"])
		}
		if entry.Attrs["pid"] != float64(7) { // JSON numbers are float64
			t.Errorf("Attribute pid = %v, want 7", entry.Attrs["pid"])
		}
	})

	t.Run("Odd Attributes", func(t *testing.T) {
		logger := logger.With("pid", 7, "status")
		buf.Reset()

		logger.Info("process exited")
		entry := testutil.ParseLogEntry(t, buf.String())

		if entry.Attrs["status"] != "MISSING_VALUE" {
			t.Errorf("Missing value = %v, want 'MISSING_VALUE'", entry.Attrs["status"])
		}
	})
}

func TestLoggerWrapper_Groups(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf)

	kernel := logger.WithGroup("kernel")
	procs := kernel.WithGroup("proc")
	kernel.Info("kernel booted", "pid", 2)
	procs.Info("process reaped", "pid", 3, "ppid", 2)

	entries := testutil.ParseLogLines(t, buf.String())
	if len(entries) != 2 {
		t.Fatalf("got %d records, want 2: %s", len(entries), buf.String())
	}
	if g := entries[0].Group("kernel"); g == nil || g["pid"] != float64(2) {
		t.Errorf("kernel group = %v", g)
	}
	if g := entries[1].Group("kernel", "proc"); g == nil || g["ppid"] != float64(2) {
		t.Errorf("kernel.proc group = %v", g)
	}
	if entries[1].Group("proc") != nil {
		t.Error("nested group logged at the top level")
	}
}

func TestLoggerWrapper_Output(t *testing.T) {
	buf1 := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf1)

	// Test initial output
	t.Run("Initial Output", func(t *testing.T) {
		logger.Info("descriptor table full")
		if buf1.Len() == 0 {
			t.Error("Expected output in buffer1")
		}
	})

	// Test changing output
	t.Run("Change Output", func(t *testing.T) {
		buf2 := new(bytes.Buffer)
		logger.SetOutput(buf2)
		buf1.Reset()

		logger.Info("descriptor table full")
		if buf1.Len() > 0 {
			t.Error("Expected no output in buffer1")
		}
		if buf2.Len() == 0 {
			t.Error("Expected output in buffer2")
		}
	})
}

func TestLoggerWrapper_LevelControl(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf)

	// Test changing level
	t.Run("Change Level", func(t *testing.T) {
		logger.SetLevel(logging.LevelError)
		buf.Reset()

		logger.Info("info message")
		if buf.Len() > 0 {
			t.Error("Info message should not be logged at Error level")
		}

		logger.Error("error message")
		if buf.Len() == 0 {
			t.Error("Error message should be logged at Error level")
		}
	})

	// Test getting level
	t.Run("Get Level", func(t *testing.T) {
		if got := logger.GetLevel(); got != logging.LevelError {
			t.Errorf("GetLevel() = %v, want Error", got)
		}
	})
}

func TestLoggerWrapper_Initialization(t *testing.T) {
	// Test nil output defaults to stderr
	t.Run("Nil Output", func(t *testing.T) {
		logger := NewLogger(logging.LevelInfo, nil)
		if logger.GetOutput() == nil {
			t.Error("Output should default to stderr")
		}
	})

	// Test level names
	t.Run("Level Names", func(t *testing.T) {
		buf := new(bytes.Buffer)
		logger := NewLogger(logging.LevelDebug, buf)

		tests := []struct {
			logFunc func(string, ...interface{})
			want    string
		}{
			{logger.Debug, "debug"},
			{logger.Info, "info"},
			{logger.Warn, "warn"},
			{logger.Error, "error"},
		}

		for _, tt := range tests {
			t.Run(tt.want, func(t *testing.T) {
				buf.Reset()
				tt.logFunc("descriptor table full")

				entry := testutil.ParseLogEntry(t, buf.String())
				if entry.Level != tt.want {
					t.Errorf("Level = %v, want %v", entry.Level, tt.want)
				}
			})
		}
	})
}

func TestLoggerWrapper_DerivedShareState(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := NewLogger(logging.LevelInfo, buf)
	child := logger.WithGroup("proc").With("pid", 2)

	logger.SetLevel(logging.LevelError)
	child.Info("fork")
	if buf.Len() > 0 {
		t.Errorf("derived logger ignored parent level: %s", buf.String())
	}

	buf2 := new(bytes.Buffer)
	logger.SetLevel(logging.LevelInfo)
	logger.SetOutput(buf2)
	child.Info("fork")
	if !strings.Contains(buf2.String(), `"proc":{"pid":2}`) {
		t.Errorf("derived logger output = %q", buf2.String())
	}
}

func TestLoggerWrapper_Text(t *testing.T) {
	buf := new(bytes.Buffer)
	logger := New(Options{Level: logging.LevelInfo, Output: buf})
	logger.Info("boot", "pid", 2)

	out := buf.String()
	if !strings.Contains(out, "level=info") || !strings.Contains(out, "pid=2") {
		t.Errorf("text output = %q", out)
	}
}
