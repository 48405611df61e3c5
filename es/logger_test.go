package es_test

import (
	"context"
	"testing"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// TestNoOpLogger verifies the NoOpLogger doesn't panic.
func TestNoOpLogger(t *testing.T) {
	ctx := context.Background()
	logger := es.NoOpLogger{}

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestLoggerInterface(t *testing.T) {
	var _ es.Logger = es.NoOpLogger{}
}

type recordingLogger struct {
	es.NoOpLogger
	errors int
}

func (r *recordingLogger) Error(_ context.Context, _ string, _ ...interface{}) {
	r.errors++
}

func TestLoggerOrNoOp(t *testing.T) {
	if _, ok := es.LoggerOrNoOp(nil).(es.NoOpLogger); !ok {
		t.Error("LoggerOrNoOp(nil) should return NoOpLogger")
	}

	rec := &recordingLogger{}
	got := es.LoggerOrNoOp(rec)
	got.Error(context.Background(), "boom")
	if rec.errors != 1 {
		t.Errorf("expected the given logger to be returned, got %d error calls", rec.errors)
	}
}
