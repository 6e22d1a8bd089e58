// Package logging provides structured logging for the gateway.
// It supports text and JSON output, log levels, and integration with error contexts.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
)

// Level represents the severity of a log message
type Level int

const (
	// DebugLevel is for detailed information useful for debugging
	DebugLevel Level = iota - 1
	// InfoLevel is for general informational messages
	InfoLevel
	// WarnLevel is for warning messages
	WarnLevel
	// ErrorLevel is for error messages
	ErrorLevel
	// FatalLevel is for fatal errors that will terminate the program
	FatalLevel
)

// String returns the string representation of a log level
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "DEBUG"
	case InfoLevel:
		return "INFO"
	case WarnLevel:
		return "WARN"
	case ErrorLevel:
		return "ERROR"
	case FatalLevel:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a configuration string into a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Field represents a key-value pair for structured logging
type Field struct {
	Key   string
	Value interface{}
}

// String creates a string field
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

// Int creates an integer field
func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

// Bool creates a boolean field
func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

// ErrorField creates an error field
func ErrorField(err error) Field {
	return Field{Key: "error", Value: err}
}

// Duration creates a duration field
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Time creates a time field
func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value}
}

// Any creates a field with any value
func Any(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Component tags records with the subsystem that emitted them.
func Component(name string) Field {
	return Field{Key: keyComponent, Value: name}
}

// Backend tags records with a registry backend name.
func Backend(name string) Field {
	return Field{Key: keyBackend, Value: name}
}

// Session tags records with a session id.
func Session(id string) Field {
	return Field{Key: keySession, Value: id}
}

// Logger is the interface for structured logging
type Logger interface {
	// Debug logs a debug message with fields
	Debug(msg string, fields ...Field)
	// Info logs an info message with fields
	Info(msg string, fields ...Field)
	// Warn logs a warning message with fields
	Warn(msg string, fields ...Field)
	// Error logs an error message with fields
	Error(msg string, fields ...Field)
	// Fatal logs a fatal message with fields and exits
	Fatal(msg string, fields ...Field)

	// WithFields returns a new logger with additional fields
	WithFields(fields ...Field) Logger
	// WithContext returns a new logger with context fields
	WithContext(ctx context.Context) Logger
	// WithError returns a new logger with error context
	WithError(err error) Logger

	// SetLevel sets the minimum log level
	SetLevel(level Level)
	// GetLevel returns the current log level
	GetLevel() Level
}

// Field keys the formatters lift into the line header.
const (
	keyComponent = "component"
	keyOperation = "operation"
	keyBackend   = "backend"
	keySession   = "session_id"
	keyRequest   = "request_id"
)

// Entry is one record handed to a Formatter. The named string fields
// repeat values also present in Fields.
type Entry struct {
	Level     Level
	Message   string
	Fields    map[string]interface{}
	Timestamp time.Time
	RequestID string
	Component string
	Operation string
	Backend   string
	Session   string
}

// Formatter formats log entries
type Formatter interface {
	Format(entry *Entry) ([]byte, error)
}

// baseLogger is the base implementation of Logger
type baseLogger struct {
	mu        sync.RWMutex
	level     *levelVar
	output    *syncWriter
	formatter Formatter
	fields    map[string]interface{}
}

// levelVar is shared by a logger and every logger derived from it, so
// SetLevel on the root affects component loggers too.
type levelVar struct {
	mu    sync.RWMutex
	level Level
}

func (v *levelVar) get() Level {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.level
}

func (v *levelVar) set(l Level) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level = l
}

// syncWriter serialises writes from derived loggers sharing one output.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// New creates a new structured logger
func New(output io.Writer, formatter Formatter) Logger {
	if output == nil {
		output = os.Stdout
	}
	if formatter == nil {
		formatter = NewTextFormatter()
	}

	return &baseLogger{
		level:     &levelVar{level: InfoLevel},
		output:    &syncWriter{w: output},
		formatter: formatter,
		fields:    make(map[string]interface{}),
	}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	l := New(io.Discard, NewJSONFormatter())
	l.SetLevel(FatalLevel + 1)
	return l
}

// Debug logs a debug message
func (l *baseLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info message
func (l *baseLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning message
func (l *baseLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error message
func (l *baseLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *baseLogger) Fatal(msg string, fields ...Field) {
	l.log(FatalLevel, msg, fields...)
	os.Exit(1)
}

// WithFields returns a new logger with additional fields
func (l *baseLogger) WithFields(fields ...Field) Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()

	newFields := make(map[string]interface{})
	for k, v := range l.fields {
		newFields[k] = v
	}

	for _, field := range fields {
		newFields[field.Key] = field.Value
	}

	return &baseLogger{
		level:     l.level,
		output:    l.output,
		formatter: l.formatter,
		fields:    newFields,
	}
}

// WithContext returns a new logger with context fields
func (l *baseLogger) WithContext(ctx context.Context) Logger {
	fields := []Field{}

	// Extract request ID from context
	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, String(keyRequest, requestID))
	}

	return l.WithFields(fields...)
}

// WithError returns a new logger with error context
func (l *baseLogger) WithError(err error) Logger {
	fields := []Field{ErrorField(err)}

	// If it's an MCP error, extract context
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		if ctx := mcpErr.Context(); ctx != nil {
			fields = append(fields,
				String("error_code", fmt.Sprintf("%d", mcpErr.Code())),
				String("error_category", string(mcpErr.Category())),
				String("error_severity", string(mcpErr.Severity())),
			)

			if ctx.RequestID != "" {
				fields = append(fields, String(keyRequest, ctx.RequestID))
			}
			if ctx.Component != "" {
				fields = append(fields, Component(ctx.Component))
			}
			if ctx.Operation != "" {
				fields = append(fields, String(keyOperation, ctx.Operation))
			}
			if ctx.Backend != "" {
				fields = append(fields, Backend(ctx.Backend))
			}
			if ctx.SessionID != "" {
				fields = append(fields, Session(ctx.SessionID))
			}
		}
	}

	return l.WithFields(fields...)
}

// SetLevel sets the minimum log level
func (l *baseLogger) SetLevel(level Level) {
	l.level.set(level)
}

// GetLevel returns the current log level
func (l *baseLogger) GetLevel() Level {
	return l.level.get()
}

// log writes a log entry
func (l *baseLogger) log(level Level, msg string, fields ...Field) {
	if level < l.level.get() {
		return
	}

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    make(map[string]interface{}),
		Timestamp: time.Now(),
	}

	// Copy base fields
	l.mu.RLock()
	for k, v := range l.fields {
		entry.Fields[k] = v
	}
	l.mu.RUnlock()

	// Add new fields
	for _, field := range fields {
		entry.Fields[field.Key] = field.Value
	}

	// Extract special fields
	entry.RequestID, _ = entry.Fields[keyRequest].(string)
	entry.Component, _ = entry.Fields[keyComponent].(string)
	entry.Operation, _ = entry.Fields[keyOperation].(string)
	entry.Backend, _ = entry.Fields[keyBackend].(string)
	entry.Session, _ = entry.Fields[keySession].(string)

	// Format and write
	data, err := l.formatter.Format(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to format log entry: %v\n", err)
		return
	}

	if _, err := l.output.Write(data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write log entry: %v\n", err)
	}
}

// RequestIDKey is the context key for request IDs
type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID returns a context with a request ID
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request ID from a context
func RequestIDFromContext(ctx context.Context) string {
	if requestID, ok := ctx.Value(requestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// NewFromConfig builds a logger from configuration strings. format is
// "text" or "json".
func NewFromConfig(output io.Writer, level, format string) (Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		formatter = NewTextFormatter()
	case "json":
		formatter = NewJSONFormatter()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	l := New(output, formatter)
	l.SetLevel(lvl)
	return l, nil
}
