package postgres

import (
	"context"
	"testing"

	"github.com/lib/pq"
)

type recordingNotifier struct {
	positions []int64
}

func (r *recordingNotifier) Notify(position int64) {
	r.positions = append(r.positions, position)
}

func TestListener_Handle(t *testing.T) {
	tests := []struct {
		name string
		n    *pq.Notification
		want int64
	}{
		{"position payload", &pq.Notification{Channel: DefaultNotifyChannel, Extra: "1234"}, 1234},
		{"reconnect", nil, 0},
		{"malformed payload", &pq.Notification{Channel: DefaultNotifyChannel, Extra: "not-a-number"}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := &recordingNotifier{}
			l := NewListener("postgres://unused", target, DefaultListenerConfig())

			l.handle(context.Background(), tt.n)

			if len(target.positions) != 1 {
				t.Fatalf("expected exactly one wakeup, got %d", len(target.positions))
			}
			if target.positions[0] != tt.want {
				t.Errorf("got position %d, want %d", target.positions[0], tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unique violation code", &pq.Error{Code: "23505"}, true},
		{"foreign key violation code", &pq.Error{Code: "23503"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewStoreConfig(t *testing.T) {
	config := NewStoreConfig(WithEventsTable("tenant_events"), WithNotifyChannel(""))

	if config.EventsTable != "tenant_events" {
		t.Errorf("EventsTable = %s", config.EventsTable)
	}
	if config.NotifyChannel != "" {
		t.Errorf("NotifyChannel = %q, want empty", config.NotifyChannel)
	}
	if config.AppendLockKey != DefaultAppendLockKey {
		t.Errorf("AppendLockKey = %d", config.AppendLockKey)
	}
}
