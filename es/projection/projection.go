// Package projection turns the global event feed into read models.
//
// A Processor owns one projection: it reads events after the projection's
// tracking cursor in batches, hands them to the projection inside a
// transaction, and advances the cursor in that same transaction. Delivery is
// at-least-once, so handlers must be idempotent.
package projection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

var (
	// ErrRebuildUnsupported indicates a projection without a Clear operation.
	ErrRebuildUnsupported = errors.New("projection does not support rebuild")

	// ErrProcessorStopped indicates a request to a processor that is not running.
	ErrProcessorStopped = errors.New("projection processor stopped")
)

// Projection defines the interface for event projection handlers.
type Projection interface {
	// Name returns the unique name of this projection.
	// This name is used for checkpoint tracking.
	Name() string

	// Handle processes a single event. tx is the batch transaction; writes
	// made through it commit together with the cursor advance.
	// Returning an error aborts and retries the whole batch.
	//
	//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
	Handle(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error
}

// ScopedProjection is a projection that only wants some event types.
// Other events still advance its cursor without reaching Handle.
// An empty list means all events.
type ScopedProjection interface {
	Projection
	EventTypes() []string
}

// ClearableProjection can wipe its read model so that it can be rebuilt
// from the start of the log.
type ClearableProjection interface {
	Projection
	Clear(ctx context.Context, tx es.DBTX) error
}

// HandlerError wraps a failure returned by Projection.Handle.
type HandlerError struct {
	Err        error
	Projection string
	EventType  string
	StreamID   string
	Position   int64
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("projection %q failed on %s (stream %s) at position %d: %v",
		e.Projection, e.EventType, e.StreamID, e.Position, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PartitionStrategy defines how events are partitioned across projection instances.
type PartitionStrategy interface {
	// ShouldProcess returns true if this projection instance should process the given event.
	// streamID is the stream identifier of the event.
	// partitionKey identifies this projection instance (e.g., 0 for first of 4 workers).
	// totalPartitions is the total number of projection instances.
	ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool
}

// HashPartitionStrategy implements deterministic hash-based partitioning.
// All events of a stream go to the same partition, so per-stream ordering
// holds within each worker.
type HashPartitionStrategy struct{}

// ShouldProcess implements PartitionStrategy using FNV-1a hashing.
func (HashPartitionStrategy) ShouldProcess(streamID string, partitionKey int, totalPartitions int) bool {
	if totalPartitions <= 1 {
		return true
	}

	h := fnv.New32a()
	h.Write([]byte(streamID))
	partition := int(h.Sum32() % uint32(totalPartitions))
	return partition == partitionKey
}

func canRebuild(p Projection) (ClearableProjection, bool) {
	c, ok := p.(ClearableProjection)
	if !ok {
		return nil, false
	}
	if r, ok := p.(interface{ CanClear() bool }); ok && !r.CanClear() {
		return nil, false
	}
	return c, true
}
