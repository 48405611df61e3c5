package es

import "context"

// Logger provides a minimal interface for observability and debugging.
// It is designed to be optional and non-blocking, with zero overhead when disabled.
// The logging package provides an implementation backed by zap.
type Logger interface {
	// Debug logs debug-level information for detailed troubleshooting.
	Debug(ctx context.Context, msg string, keyvals ...interface{})

	// Info logs informational messages about normal operations.
	Info(ctx context.Context, msg string, keyvals ...interface{})

	// Warn logs conditions that need attention but do not stop processing,
	// such as a connection budget above its ceiling.
	Warn(ctx context.Context, msg string, keyvals ...interface{})

	// Error logs failures, including projection stalls that need an operator.
	Error(ctx context.Context, msg string, keyvals ...interface{})
}

// NoOpLogger is a logger that does nothing.
// It can be used as a default when no logging is desired.
type NoOpLogger struct{}

// Debug implements Logger.
func (NoOpLogger) Debug(_ context.Context, _ string, _ ...interface{}) {}

// Info implements Logger.
func (NoOpLogger) Info(_ context.Context, _ string, _ ...interface{}) {}

// Warn implements Logger.
func (NoOpLogger) Warn(_ context.Context, _ string, _ ...interface{}) {}

// Error implements Logger.
func (NoOpLogger) Error(_ context.Context, _ string, _ ...interface{}) {}

// LoggerOrNoOp returns l, or NoOpLogger when l is nil.
func LoggerOrNoOp(l Logger) Logger {
	if l == nil {
		return NoOpLogger{}
	}
	return l
}
