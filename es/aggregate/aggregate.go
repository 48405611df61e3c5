// Package aggregate loads and saves event-sourced aggregates.
//
// An Aggregate is a transient, per-call value: a state folded from a stream's
// history plus the events recorded against it since loading. The Repository
// rebuilds it from the latest snapshot and the events after it, and saves
// recorded events with an optimistic concurrency check.
package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// State is the folded state of an aggregate.
// Apply must be deterministic: the same events in the same order always
// produce the same state. Implementations are usually pointer types so that
// Apply can mutate them; they must also round-trip through encoding/json to
// be snapshotted.
type State interface {
	Apply(event es.Event) error
}

// Aggregate is a state together with its stream identity, the version it
// was loaded at and the events recorded since.
type Aggregate[S State] struct {
	state           S
	tenantID        string
	streamID        string
	pending         []es.Event
	version         int64
	snapshotVersion int64
}

// TenantID returns the tenant owning the stream.
func (a *Aggregate[S]) TenantID() string { return a.tenantID }

// StreamID returns the stream identifier.
func (a *Aggregate[S]) StreamID() string { return a.streamID }

// Version returns the persisted stream version the aggregate reflects.
// Recorded but unsaved events are not counted.
func (a *Aggregate[S]) Version() int64 { return a.version }

// State returns the current state, including recorded but unsaved events.
func (a *Aggregate[S]) State() S { return a.state }

// Pending returns the recorded events not yet saved.
func (a *Aggregate[S]) Pending() []es.Event { return a.pending }

// RecordOption customizes an event being recorded.
type RecordOption func(*es.Event)

// WithCorrelationID links the event to a wider workflow.
func WithCorrelationID(id uuid.UUID) RecordOption {
	return func(e *es.Event) {
		e.CorrelationID = uuid.NullUUID{UUID: id, Valid: true}
	}
}

// WithCausationID records the command or event that caused this event.
func WithCausationID(id uuid.UUID) RecordOption {
	return func(e *es.Event) {
		e.CausationID = uuid.NullUUID{UUID: id, Valid: true}
	}
}

// WithMetadata attaches JSON metadata.
func WithMetadata(metadata []byte) RecordOption {
	return func(e *es.Event) {
		e.Metadata = metadata
	}
}

// WithEventVersion sets the payload schema version. The default is 1.
func WithEventVersion(version int) RecordOption {
	return func(e *es.Event) {
		e.EventVersion = version
	}
}

// Record serializes payload, applies it to the state and queues it for Save.
// If Apply fails the event is discarded and the state is left as Apply left it.
func (a *Aggregate[S]) Record(payload es.TypedEvent, opts ...RecordOption) error {
	eventType := payload.EventType()
	if eventType == "" {
		return fmt.Errorf("record: event type is required")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("record %s: encode payload: %w", eventType, err)
	}

	event := es.Event{
		EventID:      uuid.New(),
		TenantID:     a.tenantID,
		StreamID:     a.streamID,
		EventType:    eventType,
		EventVersion: 1,
		Payload:      data,
		RecordedAt:   time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&event)
	}

	if err := a.state.Apply(event); err != nil {
		return fmt.Errorf("record %s: apply: %w", eventType, err)
	}
	a.pending = append(a.pending, event)
	return nil
}

func (a *Aggregate[S]) expectedVersion() es.ExpectedVersion {
	if a.version == 0 {
		return es.NoStream()
	}
	return es.Exact(a.version)
}
