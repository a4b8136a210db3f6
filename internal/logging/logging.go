// Package logging provides JSON structured logging in an OTEL-compatible format.
//
// Loggers are plain values passed to the components that need them. Every
// method is safe to call on a nil *Logger, which discards the entry, so a
// component can treat its logger as optional.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity level.
type Level string

const (
	LevelError   Level = "ERROR"
	LevelWarn    Level = "WARN"
	LevelInfo    Level = "INFO"
	LevelDebug   Level = "DEBUG"
	LevelVerbose Level = "VERBOSE"
	// LevelNone disables the logger when used as a threshold.
	LevelNone Level = "NONE"
)

// severityNumbers maps levels to the OTEL severity number.
// See https://opentelemetry.io/docs/specs/otel/logs/data-model/#severity-fields
var severityNumbers = map[Level]int{
	LevelVerbose: 1,  // TRACE
	LevelDebug:   5,  // DEBUG
	LevelInfo:    9,  // INFO
	LevelWarn:    13, // WARN
	LevelError:   17, // ERROR
}

// SeverityNumber returns the OTEL severity number for a level.
func SeverityNumber(level Level) int {
	return severityNumbers[level]
}

// ParseLevel parses a level name. Matching is case-insensitive and accepts
// "warning" as an alias for WARN.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ERROR":
		return LevelError, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "", "INFO":
		return LevelInfo, nil
	case "DEBUG":
		return LevelDebug, nil
	case "VERBOSE", "TRACE":
		return LevelVerbose, nil
	case "NONE", "OFF":
		return LevelNone, nil
	default:
		return LevelNone, fmt.Errorf("unknown log level: %q", s)
	}
}

// LogHook is called for every log entry, allowing secondary log sinks
// (e.g., OTLP log export) without the logging package importing them.
type LogHook func(level Level, msg string, attrs map[string]interface{})

// Logger writes JSON log lines at or above a threshold level.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	threshold int
	resource  map[string]string
	hook      LogHook
}

// LogEntry represents a single log entry in OTEL-compatible JSON format.
type LogEntry struct {
	Timestamp      string                 `json:"Timestamp"`
	SeverityText   string                 `json:"SeverityText"`
	SeverityNumber int                    `json:"SeverityNumber"`
	Body           string                 `json:"Body"`
	Attributes     map[string]interface{} `json:"Attributes,omitempty"`
	Resource       map[string]string      `json:"Resource,omitempty"`
}

// New creates a logger writing to w. Entries below level are dropped.
// Returns nil when level is LevelNone.
func New(w io.Writer, level Level) *Logger {
	if level == LevelNone {
		return nil
	}
	if w == nil {
		w = os.Stdout
	}
	threshold, ok := severityNumbers[level]
	if !ok {
		threshold = severityNumbers[LevelInfo]
	}
	return &Logger{output: w, threshold: threshold}
}

// SetResource sets the OTEL resource attributes (service.name, service.version, etc.).
// Should be called once at startup.
func (l *Logger) SetResource(resource map[string]string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resource = resource
}

// SetHook registers a hook that is called for every emitted entry.
func (l *Logger) SetHook(hook LogHook) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = hook
}

// Enabled reports whether entries at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	n, ok := severityNumbers[level]
	return ok && n >= l.threshold
}

func (l *Logger) log(level Level, msg string, attrs map[string]interface{}) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		SeverityText:   string(level),
		SeverityNumber: severityNumbers[level],
		Body:           msg,
		Attributes:     attrs,
	}

	l.mu.Lock()
	if l.resource != nil {
		entry.Resource = l.resource
	}
	hook := l.hook
	data, _ := json.Marshal(entry)
	_, _ = l.output.Write(append(data, '\n'))
	l.mu.Unlock()

	// Call hook outside the lock to avoid deadlocks
	if hook != nil {
		hook(level, msg, attrs)
	}
}

// Error logs an error level message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
}

// Warn logs a warning level message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, first(fields))
}

// Info logs an info level message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, first(fields))
}

// Debug logs a debug level message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, first(fields))
}

// Verbose logs a verbose level message.
func (l *Logger) Verbose(msg string, fields ...map[string]interface{}) {
	l.log(LevelVerbose, msg, first(fields))
}

// Fatal logs at error level and exits the process.
func (l *Logger) Fatal(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, first(fields))
	os.Exit(1)
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// F is a helper to create fields map.
func F(keyvals ...interface{}) map[string]interface{} {
	fields := make(map[string]interface{})
	for i := 0; i < len(keyvals)-1; i += 2 {
		if key, ok := keyvals[i].(string); ok {
			fields[key] = keyvals[i+1]
		}
	}
	return fields
}
