package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level LogLevel) *Logger {
	return NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  buf,
		Sync:    true,
		NoColor: true,
	})
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{
			name:   "default config",
			config: nil,
		},
		{
			name: "json format",
			config: &Config{
				Level:  LevelInfo,
				Format: "json",
				Output: &bytes.Buffer{},
				Sync:   true,
			},
		},
		{
			name: "text format",
			config: &Config{
				Level:  LevelDebug,
				Format: "text",
				Output: &bytes.Buffer{},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Error("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerWithLUN(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	lunLogger := logger.WithDevice("vscsi0").WithLUN(3)
	lunLogger.Info("attached")

	output := buf.String()
	if !strings.Contains(output, "device=vscsi0") {
		t.Errorf("Expected device=vscsi0 in output, got: %s", output)
	}
	if !strings.Contains(output, "lun=3") {
		t.Errorf("Expected lun=3 in output, got: %s", output)
	}

	lun, ok := lunLogger.LUN()
	if !ok || lun != 3 {
		t.Errorf("LUN() = %d, %v; want 3, true", lun, ok)
	}
	if _, ok := logger.LUN(); ok {
		t.Error("root logger should not carry a LUN")
	}
}

func TestLoggerWithRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	requestLogger := logger.WithLUN(0).WithRequest(123, "READ")
	requestLogger.Debug("processing request")

	output := buf.String()
	if !strings.Contains(output, "ioreq=123") {
		t.Errorf("Expected ioreq=123 in output, got: %s", output)
	}
	if !strings.Contains(output, "dir=READ") {
		t.Errorf("Expected dir=READ in output, got: %s", output)
	}
	if !strings.Contains(output, "lun=0") {
		t.Errorf("Expected lun=0 to be inherited, got: %s", output)
	}
}

func TestLoggerWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.WithError(errors.New("test error")).Error("operation failed")

	output := buf.String()
	if !strings.Contains(output, "test error") {
		t.Errorf("Expected 'test error' in output, got: %s", output)
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.Warn("rollback", "lun", 7, "cause", errors.New("queue full"), "dangling")

	output := buf.String()
	if !strings.Contains(output, "lun=7") {
		t.Errorf("Expected lun=7, got: %s", output)
	}
	if !strings.Contains(output, "queue full") {
		t.Errorf("Expected error field, got: %s", output)
	}
	if strings.Contains(output, "dangling") {
		t.Errorf("Trailing key without value should be dropped, got: %s", output)
	}
}

func TestIOLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelDebug)

	logger.IOStart("READ", 4096, 512)
	output := buf.String()
	if !strings.Contains(output, "I/O operation starting") {
		t.Errorf("Expected I/O start message, got: %s", output)
	}
	if !strings.Contains(output, "op=READ") {
		t.Errorf("Expected op=READ, got: %s", output)
	}
	if !strings.Contains(output, "offset=4096") {
		t.Errorf("Expected offset=4096, got: %s", output)
	}
	if !strings.Contains(output, "length=512") {
		t.Errorf("Expected length=512, got: %s", output)
	}

	buf.Reset()
	logger.IOComplete("READ", 4096, 512, 150)
	output = buf.String()
	if !strings.Contains(output, "I/O operation completed") {
		t.Errorf("Expected I/O complete message, got: %s", output)
	}
	if !strings.Contains(output, "latency_us=150") {
		t.Errorf("Expected latency_us=150, got: %s", output)
	}

	buf.Reset()
	logger.IOError("READ", 4096, 512, errors.New("read failed"))
	output = buf.String()
	if !strings.Contains(output, "I/O operation failed") {
		t.Errorf("Expected I/O error message, got: %s", output)
	}
	if !strings.Contains(output, "read failed") {
		t.Errorf("Expected error text, got: %s", output)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf, LevelWarn)

	logger.Debug("hidden debug")
	logger.Info("hidden info")
	if buf.Len() != 0 {
		t.Errorf("Expected no output below warn level, got: %s", buf.String())
	}
	if logger.Enabled(LevelDebug) {
		t.Error("Debug should not be enabled at warn level")
	}
	if !logger.Enabled(LevelError) {
		t.Error("Error should be enabled at warn level")
	}

	logger.Warn("visible warning")
	if !strings.Contains(buf.String(), "visible warning") {
		t.Errorf("Expected warning output, got: %s", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	logger.Error("nothing")
	if logger.Enabled(LevelError) {
		t.Error("Nop logger should have every level disabled")
	}
}

func TestAsyncWriterClose(t *testing.T) {
	var buf bytes.Buffer
	aw := newAsyncWriter(&buf, 4)

	if _, err := aw.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	aw.Close()

	if buf.String() != "hello" {
		t.Errorf("Expected flushed message after Close, got %q", buf.String())
	}
	if _, err := aw.Write([]byte("late")); err == nil {
		t.Error("Write after Close should fail")
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	prev := Default()
	SetDefault(newTestLogger(&buf, LevelDebug))
	defer SetDefault(prev)

	Debug("debug message", "key", "value")
	output := buf.String()
	if !strings.Contains(output, "debug message") {
		t.Errorf("Expected debug message, got: %s", output)
	}
	if !strings.Contains(output, "key=value") {
		t.Errorf("Expected key=value, got: %s", output)
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("Expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("Expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("Expected error message, got: %s", buf.String())
	}
}
