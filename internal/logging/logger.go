// Package logging provides structured logging for the go-vscsi project
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog.Logger with vscsi-specific structured fields
type Logger struct {
	zlog zerolog.Logger
	lun  *uint32
}

var (
	defaultLogger *Logger
	mu            sync.RWMutex
)

// LogLevel represents the available log levels
type LogLevel int

const (
	LevelDebug    LogLevel = LogLevel(zerolog.DebugLevel)
	LevelInfo     LogLevel = LogLevel(zerolog.InfoLevel)
	LevelWarn     LogLevel = LogLevel(zerolog.WarnLevel)
	LevelError    LogLevel = LogLevel(zerolog.ErrorLevel)
	LevelDisabled LogLevel = LogLevel(zerolog.Disabled)
)

// Config holds logging configuration
type Config struct {
	Level   LogLevel
	Format  string // "json" or "text"
	Output  io.Writer
	Sync    bool // If true, writes are synchronous (useful for testing)
	NoColor bool // If true, disables ANSI color codes (useful for testing)
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

// asyncWriter keeps completion paths from blocking on a slow log sink.
// Messages are dropped when the buffer is full.
type asyncWriter struct {
	out    io.Writer
	ch     chan []byte
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

func newAsyncWriter(w io.Writer, bufferSize int) *asyncWriter {
	aw := &asyncWriter{
		out:  w,
		ch:   make(chan []byte, bufferSize),
		done: make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (aw *asyncWriter) run() {
	defer close(aw.done)
	for msg := range aw.ch {
		aw.out.Write(msg)
	}
}

func (aw *asyncWriter) Write(p []byte) (int, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	if aw.closed {
		return 0, io.ErrClosedPipe
	}

	// p is reused by zerolog after Write returns
	msg := make([]byte, len(p))
	copy(msg, p)

	select {
	case aw.ch <- msg:
	default:
	}
	return len(p), nil
}

func (aw *asyncWriter) Close() error {
	aw.mu.Lock()
	if !aw.closed {
		aw.closed = true
		close(aw.ch)
	}
	aw.mu.Unlock()
	<-aw.done
	return nil
}

// NewLogger creates a new structured logger
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if !config.Sync {
		output = newAsyncWriter(output, 1000)
	}

	var zlog zerolog.Logger
	switch config.Format {
	case "json":
		zlog = zerolog.New(output).With().Timestamp().Logger()
	default:
		consoleWriter := zerolog.ConsoleWriter{Out: output, NoColor: config.NoColor}
		zlog = zerolog.New(consoleWriter).With().Timestamp().Logger()
	}

	return &Logger{
		zlog: zlog.Level(zerolog.Level(config.Level)),
	}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// Default returns the default logger, creating it if necessary
func Default() *Logger {
	mu.RLock()
	if defaultLogger != nil {
		defer mu.RUnlock()
		return defaultLogger
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger
func SetDefault(logger *Logger) {
	mu.Lock()
	defer mu.Unlock()
	defaultLogger = logger
}

// WithDevice returns a logger with device name context
func (l *Logger) WithDevice(name string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Str("device", name).Logger(),
		lun:  l.lun,
	}
}

// WithLUN returns a logger with logical unit context
func (l *Logger) WithLUN(lun uint32) *Logger {
	return &Logger{
		zlog: l.zlog.With().Uint32("lun", lun).Logger(),
		lun:  &lun,
	}
}

// WithRequest returns a logger with I/O request context
func (l *Logger) WithRequest(handle uint64, dir string) *Logger {
	return &Logger{
		zlog: l.zlog.With().Uint64("ioreq", handle).Str("dir", dir).Logger(),
		lun:  l.lun,
	}
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	return &Logger{
		zlog: l.zlog.With().Err(err).Logger(),
		lun:  l.lun,
	}
}

// LUN returns the logical unit this logger is scoped to, if any
func (l *Logger) LUN() (uint32, bool) {
	if l.lun == nil {
		return 0, false
	}
	return *l.lun, true
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return l.zlog.GetLevel() <= zerolog.Level(level)
}

// withFields attaches alternating key/value pairs to an event.
// A trailing key without a value is dropped.
func withFields(event *zerolog.Event, args []any) *zerolog.Event {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		if err, isErr := args[i+1].(error); isErr {
			event = event.AnErr(key, err)
			continue
		}
		event = event.Interface(key, args[i+1])
	}
	return event
}

// Standard logging methods
func (l *Logger) Debug(msg string, args ...any) {
	withFields(l.zlog.Debug(), args).Msg(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	withFields(l.zlog.Info(), args).Msg(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	withFields(l.zlog.Warn(), args).Msg(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	withFields(l.zlog.Error(), args).Msg(msg)
}

// Printf-style logging for compatibility
func (l *Logger) Debugf(format string, args ...any) {
	l.zlog.Debug().Msgf(format, args...)
}

func (l *Logger) Printf(format string, args ...any) {
	l.zlog.Info().Msgf(format, args...)
}

// I/O lifecycle events

// IOStart logs an I/O request handed to a backend
func (l *Logger) IOStart(dir string, offset, length uint64) {
	l.zlog.Debug().Str("op", dir).Uint64("offset", offset).Uint64("length", length).
		Msg("I/O operation starting")
}

// IOComplete logs a successful I/O request
func (l *Logger) IOComplete(dir string, offset, length uint64, latencyUs int64) {
	l.zlog.Debug().Str("op", dir).Uint64("offset", offset).Uint64("length", length).
		Int64("latency_us", latencyUs).Msg("I/O operation completed")
}

// IOError logs a failed I/O request
func (l *Logger) IOError(dir string, offset, length uint64, err error) {
	l.zlog.Warn().Str("op", dir).Uint64("offset", offset).Uint64("length", length).
		Err(err).Msg("I/O operation failed")
}

// Convenience functions for global logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
