package store

import (
	"errors"
	"strings"
	"testing"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

func TestConcurrencyError_Is(t *testing.T) {
	err := error(&ConcurrencyError{TenantID: "acme", StreamID: "ORD-1", Expected: es.Exact(1), Actual: 2})

	if !errors.Is(err, ErrOptimisticConcurrency) {
		t.Fatal("expected ConcurrencyError to match ErrOptimisticConcurrency")
	}
	if errors.Is(err, ErrNoEvents) {
		t.Fatal("ConcurrencyError should not match ErrNoEvents")
	}

	var ce *ConcurrencyError
	if !errors.As(err, &ce) || ce.Actual != 2 {
		t.Fatalf("expected errors.As to expose actual version 2, got %+v", ce)
	}
	if !strings.Contains(err.Error(), "version 2") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestConcurrencyError_UnknownActual(t *testing.T) {
	err := &ConcurrencyError{TenantID: "acme", StreamID: "ORD-1", Expected: es.Exact(1), Actual: -1}
	if !strings.Contains(err.Error(), "changed concurrently") {
		t.Errorf("unexpected message: %s", err)
	}
}

func TestValidateAppend(t *testing.T) {
	ok := es.Event{TenantID: "acme", StreamID: "ORD-1", EventType: "OrderPlaced"}

	tests := []struct {
		name    string
		events  []es.Event
		wantErr error
	}{
		{"empty", nil, ErrNoEvents},
		{"single", []es.Event{ok}, nil},
		{"missing stream", []es.Event{{TenantID: "acme", EventType: "OrderPlaced"}}, ErrInvalidEvent},
		{"missing type", []es.Event{ok, {TenantID: "acme", StreamID: "ORD-1"}}, ErrInvalidEvent},
		{"tenant mismatch", []es.Event{ok, {TenantID: "globex", StreamID: "ORD-1", EventType: "OrderPaid"}}, ErrInvalidEvent},
		{"stream mismatch", []es.Event{ok, {TenantID: "acme", StreamID: "ORD-2", EventType: "OrderPaid"}}, ErrInvalidEvent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, stream, err := ValidateAppend(tt.events)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tenant != "acme" || stream != "ORD-1" {
				t.Errorf("got %s/%s, want acme/ORD-1", tenant, stream)
			}
		})
	}
}
