// Package store provides event store abstractions.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

var (
	// ErrOptimisticConcurrency indicates a version conflict during append.
	// Appends that fail the expected version check return a *ConcurrencyError
	// that matches this sentinel with errors.Is.
	ErrOptimisticConcurrency = errors.New("optimistic concurrency conflict")

	// ErrNoEvents indicates an attempt to append zero events.
	ErrNoEvents = errors.New("no events to append")

	// ErrStreamNotFound indicates a stream without any events.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrSnapshotNotFound indicates a stream without a stored snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrInvalidEvent indicates an event that cannot be appended as given.
	ErrInvalidEvent = errors.New("invalid event")
)

// ConcurrencyError describes a failed expected version check.
// Callers reload the stream and re-decide; the store never retries.
type ConcurrencyError struct {
	TenantID string
	StreamID string
	Expected es.ExpectedVersion
	// Actual is the stream version observed at append time.
	// It is -1 when the conflict was detected by a unique constraint.
	Actual int64
}

func (e *ConcurrencyError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("%s: stream %s/%s changed concurrently (expected %s)",
			ErrOptimisticConcurrency, e.TenantID, e.StreamID, e.Expected)
	}
	return fmt.Sprintf("%s: stream %s/%s is at version %d (expected %s)",
		ErrOptimisticConcurrency, e.TenantID, e.StreamID, e.Actual, e.Expected)
}

// Is makes errors.Is(err, ErrOptimisticConcurrency) succeed.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrOptimisticConcurrency
}

// ValidateAppend checks that events is non-empty and that every event
// targets the same tenant and stream. It returns the shared tenant and stream.
func ValidateAppend(events []es.Event) (tenantID, streamID string, err error) {
	if len(events) == 0 {
		return "", "", ErrNoEvents
	}
	first := events[0]
	if first.StreamID == "" {
		return "", "", fmt.Errorf("%w: event 0: stream id is required", ErrInvalidEvent)
	}
	for i := range events {
		e := &events[i]
		if e.TenantID != first.TenantID {
			return "", "", fmt.Errorf("%w: event %d: tenant mismatch", ErrInvalidEvent, i)
		}
		if e.StreamID != first.StreamID {
			return "", "", fmt.Errorf("%w: event %d: stream id mismatch", ErrInvalidEvent, i)
		}
		if e.EventType == "" {
			return "", "", fmt.Errorf("%w: event %d: event type is required", ErrInvalidEvent, i)
		}
	}
	return first.TenantID, first.StreamID, nil
}

// EventStore defines the interface for appending events.
type EventStore interface {
	// Append atomically appends one or more events within the provided transaction.
	// Events must all belong to the same stream.
	//
	// The store assigns consecutive StreamVersions starting at current+1 and
	// strictly increasing GlobalPositions. Returns a *ConcurrencyError when the
	// stream is not at the expected version, either at check time or because
	// a concurrent transaction committed first (unique constraint).
	// Returns ErrNoEvents if events slice is empty.
	Append(ctx context.Context, tx es.DBTX, expectedVersion es.ExpectedVersion, events []es.Event) (es.AppendResult, error)
}

// EventReader defines the interface for reading events sequentially.
type EventReader interface {
	// ReadEvents reads events with a global position greater than fromPosition.
	// Returns up to limit events ordered by global position ascending.
	// The call has no side effects and may be repeated.
	ReadEvents(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error)
}

// StreamReader reads the history of a single stream.
type StreamReader interface {
	// ReadStream returns the events of a stream with a version greater than
	// fromVersion, ordered by stream version ascending.
	ReadStream(ctx context.Context, tx es.DBTX, tenantID, streamID string, fromVersion int64) (es.Stream, error)

	// StreamVersion returns the current version of a stream, 0 if it has no events.
	StreamVersion(ctx context.Context, tx es.DBTX, tenantID, streamID string) (int64, error)
}

// PositionReader exposes the head of the global position space.
type PositionReader interface {
	// CurrentPosition returns the highest committed global position, 0 when empty.
	CurrentPosition(ctx context.Context, tx es.DBTX) (int64, error)
}

// CheckpointStore persists projection tracking cursors.
type CheckpointStore interface {
	// GetCheckpoint returns the last processed position, 0 when none is stored.
	GetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (int64, error)

	// UpdateCheckpoint stores a new position. Positions never move backwards.
	UpdateCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64) error

	// ResetCheckpoint moves the cursor back to 0 for a rebuild.
	ResetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) error
}

// SnapshotStore persists the latest serialized state per stream.
type SnapshotStore interface {
	// SaveSnapshot stores a snapshot unless a newer one already exists.
	SaveSnapshot(ctx context.Context, tx es.DBTX, snapshot es.Snapshot) error

	// LoadSnapshot returns the latest snapshot or ErrSnapshotNotFound.
	LoadSnapshot(ctx context.Context, tx es.DBTX, tenantID, streamID string) (es.Snapshot, error)
}

// Store is the full set of capabilities every SQL adapter provides.
type Store interface {
	EventStore
	EventReader
	StreamReader
	PositionReader
	CheckpointStore
	SnapshotStore
}
