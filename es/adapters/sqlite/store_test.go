package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/sqlite"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/migrations"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

func newTestStore(t *testing.T) (*sql.DB, *sqlite.Store) {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	config := migrations.DefaultConfig()
	if err := migrations.Apply(context.Background(), db, migrations.SQLite, &config); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	return db, sqlite.NewStore(sqlite.DefaultStoreConfig())
}

func newEvent(tenantID, streamID, eventType string) es.Event {
	return es.Event{
		TenantID:     tenantID,
		StreamID:     streamID,
		EventType:    eventType,
		EventVersion: 1,
		EventID:      uuid.New(),
		Payload:      []byte(`{}`),
	}
}

func appendInTx(t *testing.T, db *sql.DB, s *sqlite.Store, expected es.ExpectedVersion, events ...es.Event) (es.AppendResult, error) {
	t.Helper()
	ctx := context.Background()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("Failed to begin transaction: %v", err)
	}
	result, err := s.Append(ctx, tx, expected, events)
	if err != nil {
		_ = tx.Rollback()
		return result, err
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}
	return result, nil
}

func TestAppend_ExpectedVersionLifecycle(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	result, err := appendInTx(t, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced"))
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if result.ToVersion() != 1 {
		t.Fatalf("expected version 1, got %d", result.ToVersion())
	}

	result, err = appendInTx(t, db, s, es.Exact(1),
		newEvent("acme", "ORD-1", "OrderPaid"),
		newEvent("acme", "ORD-1", "OrderShipped"))
	if err != nil {
		t.Fatalf("second append failed: %v", err)
	}
	if result.FromVersion() != 1 || result.ToVersion() != 3 {
		t.Fatalf("expected versions 2..3, got %d..%d", result.FromVersion()+1, result.ToVersion())
	}
	if result.GlobalPositions[1] <= result.GlobalPositions[0] {
		t.Errorf("global positions not increasing: %v", result.GlobalPositions)
	}

	_, err = appendInTx(t, db, s, es.Exact(1), newEvent("acme", "ORD-1", "OrderCancelled"))
	if !errors.Is(err, store.ErrOptimisticConcurrency) {
		t.Fatalf("expected concurrency conflict, got %v", err)
	}
	var ce *store.ConcurrencyError
	if !errors.As(err, &ce) || ce.Actual != 3 {
		t.Fatalf("expected actual version 3, got %+v", ce)
	}

	_, err = appendInTx(t, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced"))
	if !errors.Is(err, store.ErrOptimisticConcurrency) {
		t.Fatalf("expected NoStream to conflict on existing stream, got %v", err)
	}

	stream, err := s.ReadStream(ctx, db, "acme", "ORD-1", 0)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	wantTypes := []string{"OrderPlaced", "OrderPaid", "OrderShipped"}
	if stream.Len() != len(wantTypes) {
		t.Fatalf("expected %d events, got %d", len(wantTypes), stream.Len())
	}
	for i, e := range stream.Events {
		if e.EventType != wantTypes[i] {
			t.Errorf("event %d: got type %s, want %s", i, e.EventType, wantTypes[i])
		}
		if e.StreamVersion != int64(i+1) {
			t.Errorf("event %d: got version %d, want %d", i, e.StreamVersion, i+1)
		}
	}
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	db, s := newTestStore(t)

	if _, err := appendInTx(t, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	const writers = 5
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			tx, err := db.BeginTx(ctx, nil)
			if err != nil {
				t.Errorf("begin failed: %v", err)
				return
			}
			_, err = s.Append(ctx, tx, es.Exact(1), []es.Event{newEvent("acme", "ORD-1", "OrderPaid")})
			if err != nil {
				_ = tx.Rollback()
				mu.Lock()
				defer mu.Unlock()
				if errors.Is(err, store.ErrOptimisticConcurrency) {
					conflicts++
				} else {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err := tx.Commit(); err != nil {
				t.Errorf("commit failed: %v", err)
				return
			}
			mu.Lock()
			successes++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("expected exactly one winner, got %d", successes)
	}
	if conflicts != writers-1 {
		t.Errorf("expected %d conflicts, got %d", writers-1, conflicts)
	}

	version, err := s.StreamVersion(context.Background(), db, "acme", "ORD-1")
	if err != nil {
		t.Fatalf("StreamVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}
}

func TestAppend_BatchIsAtomic(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	duplicate := newEvent("acme", "ORD-1", "OrderPaid")
	second := newEvent("acme", "ORD-1", "OrderPaid")
	second.EventID = duplicate.EventID

	_, err := appendInTx(t, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced"), duplicate, second)
	if err == nil {
		t.Fatal("expected append with duplicate event id to fail")
	}

	stream, err := s.ReadStream(ctx, db, "acme", "ORD-1", 0)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if !stream.IsEmpty() {
		t.Errorf("expected no events after failed batch, got %d", stream.Len())
	}
	position, err := s.CurrentPosition(ctx, db)
	if err != nil {
		t.Fatalf("CurrentPosition failed: %v", err)
	}
	if position != 0 {
		t.Errorf("expected position 0, got %d", position)
	}
}

func TestAppend_Validation(t *testing.T) {
	db, s := newTestStore(t)

	_, err := appendInTx(t, db, s, es.Any())
	if !errors.Is(err, store.ErrNoEvents) {
		t.Errorf("expected ErrNoEvents, got %v", err)
	}

	_, err = appendInTx(t, db, s, es.Any(), newEvent("acme", "ORD-1", "OrderPlaced"), newEvent("acme", "ORD-2", "OrderPlaced"))
	if !errors.Is(err, store.ErrInvalidEvent) {
		t.Errorf("expected ErrInvalidEvent, got %v", err)
	}
}

func TestAppend_TenantIsolation(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	if _, err := appendInTx(t, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced")); err != nil {
		t.Fatalf("acme append failed: %v", err)
	}
	if _, err := appendInTx(t, db, s, es.NoStream(), newEvent("globex", "ORD-1", "OrderPlaced"), newEvent("globex", "ORD-1", "OrderPaid")); err != nil {
		t.Fatalf("globex append failed: %v", err)
	}

	acme, err := s.ReadStream(ctx, db, "acme", "ORD-1", 0)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if acme.Len() != 1 || acme.Events[0].TenantID != "acme" {
		t.Errorf("acme stream leaked events: %+v", acme.Events)
	}

	version, err := s.StreamVersion(ctx, db, "globex", "ORD-1")
	if err != nil {
		t.Fatalf("StreamVersion failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected globex version 2, got %d", version)
	}
}

func TestReadEvents(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	for _, streamID := range []string{"ORD-1", "ORD-2", "ORD-3"} {
		if _, err := appendInTx(t, db, s, es.NoStream(),
			newEvent("acme", streamID, "OrderPlaced"),
			newEvent("acme", streamID, "OrderPaid")); err != nil {
			t.Fatalf("append %s failed: %v", streamID, err)
		}
	}

	all, err := s.ReadEvents(ctx, db, 0, 100)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(all) != 6 {
		t.Fatalf("expected 6 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].GlobalPosition <= all[i-1].GlobalPosition {
			t.Fatalf("positions not strictly increasing at %d", i)
		}
	}

	page, err := s.ReadEvents(ctx, db, all[1].GlobalPosition, 2)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(page) != 2 || page[0].GlobalPosition != all[2].GlobalPosition {
		t.Errorf("expected page starting after position %d, got %+v", all[1].GlobalPosition, page)
	}

	tail, err := s.ReadEvents(ctx, db, all[5].GlobalPosition, 10)
	if err != nil {
		t.Fatalf("ReadEvents failed: %v", err)
	}
	if len(tail) != 0 {
		t.Errorf("expected empty read past head, got %d", len(tail))
	}

	if _, err := s.ReadEvents(ctx, db, 0, 0); err == nil {
		t.Error("expected error for non-positive limit")
	}

	head, err := s.CurrentPosition(ctx, db)
	if err != nil {
		t.Fatalf("CurrentPosition failed: %v", err)
	}
	if head != all[5].GlobalPosition {
		t.Errorf("expected head %d, got %d", all[5].GlobalPosition, head)
	}
}

func TestReadStream_FromVersion(t *testing.T) {
	db, s := newTestStore(t)

	if _, err := appendInTx(t, db, s, es.NoStream(),
		newEvent("acme", "ORD-1", "OrderPlaced"),
		newEvent("acme", "ORD-1", "OrderPaid"),
		newEvent("acme", "ORD-1", "OrderShipped")); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	stream, err := s.ReadStream(context.Background(), db, "acme", "ORD-1", 2)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if stream.Len() != 1 || stream.Events[0].StreamVersion != 3 {
		t.Errorf("expected only version 3, got %+v", stream.Events)
	}

	missing, err := s.ReadStream(context.Background(), db, "acme", "ORD-404", 0)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if !missing.IsEmpty() {
		t.Error("expected empty stream for unknown id")
	}
}

func TestAppend_RoundTripsEnvelope(t *testing.T) {
	db, s := newTestStore(t)

	event := newEvent("acme", "ORD-1", "OrderPlaced")
	event.Payload = []byte(`{"total":42}`)
	event.Metadata = []byte(`{"user":"u-1"}`)
	event.CorrelationID = uuid.NullUUID{UUID: uuid.New(), Valid: true}
	event.RecordedAt = time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if _, err := appendInTx(t, db, s, es.NoStream(), event); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	stream, err := s.ReadStream(context.Background(), db, "acme", "ORD-1", 0)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	got := stream.Events[0]
	if got.EventID != event.EventID {
		t.Errorf("event id mismatch: %s != %s", got.EventID, event.EventID)
	}
	if string(got.Payload) != `{"total":42}` || string(got.Metadata) != `{"user":"u-1"}` {
		t.Errorf("payload/metadata mismatch: %s %s", got.Payload, got.Metadata)
	}
	if got.CorrelationID != event.CorrelationID || got.CausationID.Valid {
		t.Errorf("correlation/causation mismatch: %+v %+v", got.CorrelationID, got.CausationID)
	}
	if !got.RecordedAt.Equal(event.RecordedAt.Truncate(time.Millisecond)) {
		t.Errorf("recorded at mismatch: %s", got.RecordedAt)
	}
}

func TestSnapshots_LatestWins(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadSnapshot(ctx, db, "acme", "ORD-1"); !errors.Is(err, store.ErrSnapshotNotFound) {
		t.Fatalf("expected ErrSnapshotNotFound, got %v", err)
	}

	save := func(version int64, state string) {
		t.Helper()
		err := s.SaveSnapshot(ctx, db, es.Snapshot{TenantID: "acme", StreamID: "ORD-1", Version: version, State: []byte(state)})
		if err != nil {
			t.Fatalf("SaveSnapshot(%d) failed: %v", version, err)
		}
	}

	save(5, `{"v":5}`)
	save(3, `{"v":3}`)

	snap, err := s.LoadSnapshot(ctx, db, "acme", "ORD-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap.Version != 5 || string(snap.State) != `{"v":5}` {
		t.Errorf("expected version 5 to be kept, got %d %s", snap.Version, snap.State)
	}

	save(7, `{"v":7}`)
	snap, err = s.LoadSnapshot(ctx, db, "acme", "ORD-1")
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap.Version != 7 {
		t.Errorf("expected version 7, got %d", snap.Version)
	}

	if _, err := s.LoadSnapshot(ctx, db, "globex", "ORD-1"); !errors.Is(err, store.ErrSnapshotNotFound) {
		t.Errorf("snapshot leaked across tenants: %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	db, s := newTestStore(t)
	ctx := context.Background()

	pos, err := s.GetCheckpoint(ctx, db, "order_summary")
	if err != nil || pos != 0 {
		t.Fatalf("expected 0 for unknown projection, got %d, %v", pos, err)
	}

	if err := s.UpdateCheckpoint(ctx, db, "order_summary", 10); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}
	if err := s.UpdateCheckpoint(ctx, db, "order_summary", 5); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}
	pos, err = s.GetCheckpoint(ctx, db, "order_summary")
	if err != nil || pos != 10 {
		t.Fatalf("expected checkpoint to stay at 10, got %d, %v", pos, err)
	}

	if err := s.ResetCheckpoint(ctx, db, "order_summary"); err != nil {
		t.Fatalf("ResetCheckpoint failed: %v", err)
	}
	pos, err = s.GetCheckpoint(ctx, db, "order_summary")
	if err != nil || pos != 0 {
		t.Fatalf("expected 0 after reset, got %d, %v", pos, err)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"unrelated", errors.New("disk I/O error"), false},
		{"message", errors.New("constraint failed: UNIQUE constraint failed: events.event_id (2067)"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sqlite.IsUniqueViolation(tt.err); got != tt.want {
				t.Errorf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	dsn := sqlite.DSN("/tmp/events.db")
	for _, want := range []string{"file:/tmp/events.db?", "_txlock=immediate", "journal_mode%28WAL%29", "busy_timeout%285000%29"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("DSN %q missing %q", dsn, want)
		}
	}

	read := sqlite.ReadDSN("/tmp/events.db")
	for _, want := range []string{"_txlock=deferred", "query_only%281%29", "journal_mode%28WAL%29"} {
		if !strings.Contains(read, want) {
			t.Errorf("ReadDSN %q missing %q", read, want)
		}
	}
	if strings.Contains(read, "immediate") {
		t.Errorf("ReadDSN %q must not take the write lock", read)
	}
}

func TestOpenReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	writer, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer writer.Close()
	if _, err := writer.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	reader, err := sqlite.OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	defer reader.Close()

	ctx := context.Background()
	// A read transaction held open must not block the writer.
	readTx, err := reader.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer readTx.Rollback() //nolint:errcheck // read-only
	var n int
	if err := readTx.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		t.Fatalf("read: %v", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	writeTx, err := writer.BeginTx(writeCtx, nil)
	if err != nil {
		t.Fatalf("writer blocked by an open read transaction: %v", err)
	}
	if _, err := writeTx.ExecContext(writeCtx, `INSERT INTO kv (k) VALUES ('a')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := writeTx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := reader.Exec(`INSERT INTO kv (k) VALUES ('b')`); err == nil {
		t.Error("reader pool accepted a write")
	}
}
