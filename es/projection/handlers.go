package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// HandlerFunc handles one event type.
type HandlerFunc func(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error

// ClearFunc wipes a read model before a rebuild.
type ClearFunc func(ctx context.Context, tx es.DBTX) error

// Handlers is a projection assembled from per-event-type handlers.
// Event types without a handler are acknowledged without effect.
//
//	summary := projection.NewHandlers("order_summary").
//		On("OrderPlaced", projection.Decode(onPlaced)).
//		On("OrderPaid", onPaid).
//		OnClear(truncateSummary)
type Handlers struct {
	handlers map[string]HandlerFunc
	clear    ClearFunc
	name     string
}

var (
	_ ScopedProjection    = (*Handlers)(nil)
	_ ClearableProjection = (*Handlers)(nil)
)

// NewHandlers creates an empty registry for the named projection.
func NewHandlers(name string) *Handlers {
	return &Handlers{
		name:     name,
		handlers: make(map[string]HandlerFunc),
	}
}

// On registers fn for eventType. It panics if eventType already has a handler.
func (h *Handlers) On(eventType string, fn HandlerFunc) *Handlers {
	if _, exists := h.handlers[eventType]; exists {
		panic(fmt.Sprintf("projection %q: duplicate handler for %s", h.name, eventType))
	}
	h.handlers[eventType] = fn
	return h
}

// OnClear registers the function run before a rebuild.
func (h *Handlers) OnClear(fn ClearFunc) *Handlers {
	h.clear = fn
	return h
}

// Name implements Projection.
func (h *Handlers) Name() string {
	return h.name
}

// Handle implements Projection.
//
//nolint:gocritic // hugeParam: Intentionally pass by value to enforce immutability
func (h *Handlers) Handle(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error {
	fn, ok := h.handlers[event.EventType]
	if !ok {
		return nil
	}
	return fn(ctx, tx, event)
}

// EventTypes implements ScopedProjection.
func (h *Handlers) EventTypes() []string {
	types := make([]string, 0, len(h.handlers))
	for t := range h.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Clear implements ClearableProjection.
func (h *Handlers) Clear(ctx context.Context, tx es.DBTX) error {
	if h.clear == nil {
		return ErrRebuildUnsupported
	}
	return h.clear(ctx, tx)
}

// CanClear reports whether a clear function was registered.
func (h *Handlers) CanClear() bool {
	return h.clear != nil
}

// Decode adapts a handler taking a typed JSON payload.
func Decode[T any](fn func(ctx context.Context, tx es.DBTX, event es.PersistedEvent, payload T) error) HandlerFunc {
	return func(ctx context.Context, tx es.DBTX, event es.PersistedEvent) error {
		var payload T
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", event.EventType, err)
		}
		return fn(ctx, tx, event, payload)
	}
}
