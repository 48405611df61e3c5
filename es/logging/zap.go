// Package logging adapts go.uber.org/zap to the es.Logger interface.
package logging

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// ZapLogger implements es.Logger on top of a zap logger.
// When the context carries a valid span, its trace and span ids are added
// to every entry.
type ZapLogger struct {
	base *zap.Logger
	l    *zap.SugaredLogger
}

var _ es.Logger = (*ZapLogger)(nil)

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	return &ZapLogger{base: l, l: l.Sugar()}
}

// New builds a JSON production logger at the given level
// ("debug", "info", "warn", "error").
func New(level string) (*ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return NewZapLogger(l), nil
}

// Zap returns the underlying zap logger.
func (z *ZapLogger) Zap() *zap.Logger {
	return z.base
}

// Named returns a child logger scoped to a component.
func (z *ZapLogger) Named(name string) *ZapLogger {
	return NewZapLogger(z.base.Named(name))
}

// Sync flushes buffered entries.
func (z *ZapLogger) Sync() error {
	return z.base.Sync()
}

// Debug implements es.Logger.
func (z *ZapLogger) Debug(ctx context.Context, msg string, keyvals ...interface{}) {
	z.l.Debugw(msg, withTrace(ctx, keyvals)...)
}

// Info implements es.Logger.
func (z *ZapLogger) Info(ctx context.Context, msg string, keyvals ...interface{}) {
	z.l.Infow(msg, withTrace(ctx, keyvals)...)
}

// Warn implements es.Logger.
func (z *ZapLogger) Warn(ctx context.Context, msg string, keyvals ...interface{}) {
	z.l.Warnw(msg, withTrace(ctx, keyvals)...)
}

// Error implements es.Logger.
func (z *ZapLogger) Error(ctx context.Context, msg string, keyvals ...interface{}) {
	z.l.Errorw(msg, withTrace(ctx, keyvals)...)
}

func withTrace(ctx context.Context, keyvals []interface{}) []interface{} {
	if ctx == nil {
		return keyvals
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return keyvals
	}
	return append(keyvals, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
}
