// Package integration_test contains integration tests for the MySQL adapter.
// These tests require a running MySQL or MariaDB instance.
//
// Run with: go test -tags=integration ./es/adapters/mysql/integration_test/...
//
//go:build integration

package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/adapters/mysql"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/migrations"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	db, err := mysql.Open(ctx, fmt.Sprintf("%s:%s@tcp(%s:%s)/%s",
		envOr("MYSQL_USER", "root"),
		envOr("MYSQL_PASSWORD", "root"),
		envOr("MYSQL_HOST", "localhost"),
		envOr("MYSQL_PORT", "3306"),
		envOr("MYSQL_DATABASE", "praecepta_test")))
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func setupTestTables(t *testing.T, db *sql.DB) {
	t.Helper()

	for _, table := range []string{"schema_migrations", "event_append_lock", "projection_checkpoints", "snapshots", "stream_heads", "events"} {
		if _, err := db.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			t.Fatalf("Failed to drop %s: %v", table, err)
		}
	}

	config := migrations.DefaultConfig()
	if err := migrations.Apply(context.Background(), db, migrations.MySQL, &config); err != nil {
		t.Fatalf("Failed to apply migration: %v", err)
	}
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

func appendInTx(ctx context.Context, db *sql.DB, s *mysql.Store, expected es.ExpectedVersion, events ...es.Event) (es.AppendResult, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return es.AppendResult{}, err
	}
	result, err := s.Append(ctx, tx, expected, events)
	if err != nil {
		_ = tx.Rollback()
		return result, err
	}
	return result, tx.Commit()
}

func TestAppend_ExpectedVersion(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)
	ctx := context.Background()
	s := mysql.NewStore(mysql.DefaultStoreConfig())

	if _, err := appendInTx(ctx, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced")); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if _, err := appendInTx(ctx, db, s, es.Exact(1), newEvent("acme", "ORD-1", "OrderPaid"), newEvent("acme", "ORD-1", "OrderShipped")); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	_, err := appendInTx(ctx, db, s, es.Exact(1), newEvent("acme", "ORD-1", "OrderCancelled"))
	var ce *store.ConcurrencyError
	if !errors.As(err, &ce) || ce.Actual != 3 {
		t.Fatalf("expected ConcurrencyError with actual 3, got %v", err)
	}

	stream, err := s.ReadStream(ctx, db, "acme", "ORD-1", 1)
	if err != nil {
		t.Fatalf("ReadStream failed: %v", err)
	}
	if stream.Len() != 2 || stream.Events[0].StreamVersion != 2 {
		t.Errorf("unexpected stream: %+v", stream.Events)
	}
}

func TestAppend_ConcurrentWritersOneWins(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)
	ctx := context.Background()
	s := mysql.NewStore(mysql.DefaultStoreConfig())

	if _, err := appendInTx(ctx, db, s, es.NoStream(), newEvent("acme", "ORD-1", "OrderPlaced")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := appendInTx(ctx, db, s, es.Exact(1), newEvent("acme", "ORD-1", "OrderPaid"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, store.ErrOptimisticConcurrency) {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Errorf("expected exactly one winner, got %d", successes)
	}
}

func TestSnapshotsAndCheckpoints(t *testing.T) {
	db := getTestDB(t)
	setupTestTables(t, db)
	ctx := context.Background()
	s := mysql.NewStore(mysql.DefaultStoreConfig())

	for _, v := range []int64{5, 3} {
		if err := s.SaveSnapshot(ctx, db, es.Snapshot{TenantID: "acme", StreamID: "ORD-1", Version: v, State: []byte(fmt.Sprintf(`{"v":%d}`, v))}); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}
	snap, err := s.LoadSnapshot(ctx, db, "acme", "ORD-1")
	if err != nil || snap.Version != 5 || string(snap.State) != `{"v":5}` {
		t.Fatalf("expected snapshot version 5, got %d %s, %v", snap.Version, snap.State, err)
	}

	if err := s.UpdateCheckpoint(ctx, db, "p", 9); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}
	if err := s.UpdateCheckpoint(ctx, db, "p", 4); err != nil {
		t.Fatalf("UpdateCheckpoint failed: %v", err)
	}
	if pos, _ := s.GetCheckpoint(ctx, db, "p"); pos != 9 {
		t.Errorf("expected checkpoint 9, got %d", pos)
	}
	if err := s.ResetCheckpoint(ctx, db, "p"); err != nil {
		t.Fatalf("ResetCheckpoint failed: %v", err)
	}
	if pos, _ := s.GetCheckpoint(ctx, db, "p"); pos != 0 {
		t.Errorf("expected checkpoint 0, got %d", pos)
	}
}
