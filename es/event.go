// Package es provides core event sourcing interfaces and types.
package es

import (
	"time"

	"github.com/google/uuid"
)

// Event represents an immutable domain event.
// Events are value objects without identity until persisted.
type Event struct {
	// RecordedAt is when the event was recorded
	RecordedAt time.Time

	// TenantID identifies the tenant owning the stream.
	// A stream is identified by the (TenantID, StreamID) pair.
	TenantID string

	// StreamID identifies the aggregate instance this event belongs to
	StreamID string

	// EventType is the stable identifier used to route the event to handlers
	EventType string

	// Payload contains the event data
	// Stored as bytes for flexibility - allows any serialization format
	Payload []byte

	// Metadata contains additional event metadata as JSON
	Metadata []byte

	// EventVersion is the schema version of this event type
	EventVersion int

	// CausationID identifies the event/command that caused this event (optional)
	CausationID uuid.NullUUID

	// CorrelationID links related events across streams (optional)
	CorrelationID uuid.NullUUID

	// TraceID for distributed tracing (optional)
	TraceID uuid.NullUUID

	// EventID is a unique identifier for this event
	EventID uuid.UUID
}

// PersistedEvent represents an event that has been stored.
// StreamVersion and GlobalPosition are assigned by the event store.
type PersistedEvent struct {
	Event

	// StreamVersion is the version of the stream after this event is applied.
	// Versions are contiguous per stream, starting at 1.
	StreamVersion int64

	// GlobalPosition orders the event across all streams.
	GlobalPosition int64
}

// TypedEvent is implemented by domain event payloads.
// Every payload carries its event type identifier explicitly so that
// dispatch never depends on reflection.
type TypedEvent interface {
	EventType() string
}

// Stream represents the full event history of a single stream.
type Stream struct {
	TenantID string
	StreamID string

	// Events ordered by StreamVersion ascending
	Events []PersistedEvent
}

// Version returns the stream version of the last event, or 0 for an empty stream.
func (s Stream) Version() int64 {
	if len(s.Events) == 0 {
		return 0
	}
	return s.Events[len(s.Events)-1].StreamVersion
}

// IsEmpty returns true if the stream has no events.
func (s Stream) IsEmpty() bool {
	return len(s.Events) == 0
}

// Len returns the number of events in the stream.
func (s Stream) Len() int {
	return len(s.Events)
}

// AppendResult contains the persisted events and their global positions.
type AppendResult struct {
	Events          []PersistedEvent
	GlobalPositions []int64
}

// FromVersion returns the stream version before the append, or 0 for an empty result.
func (r AppendResult) FromVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[0].StreamVersion - 1
}

// ToVersion returns the stream version after the append, or 0 for an empty result.
func (r AppendResult) ToVersion() int64 {
	if len(r.Events) == 0 {
		return 0
	}
	return r.Events[len(r.Events)-1].StreamVersion
}

// LastPosition returns the highest global position in the result, or 0 for an empty result.
func (r AppendResult) LastPosition() int64 {
	if len(r.GlobalPositions) == 0 {
		return 0
	}
	return r.GlobalPositions[len(r.GlobalPositions)-1]
}

// Snapshot is the serialized state of a stream at a given version.
// Version never exceeds the stream's latest persisted event version.
type Snapshot struct {
	CreatedAt time.Time
	TenantID  string
	StreamID  string
	State     []byte
	Version   int64
}

// TrackingCursor records how far a projection has consumed the event feed.
type TrackingCursor struct {
	UpdatedAt             time.Time
	ProjectionName        string
	LastProcessedPosition int64
}
