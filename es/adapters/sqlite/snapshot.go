package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// SaveSnapshot implements store.SnapshotStore.
// An existing snapshot at the same or a higher version is kept.
func (s *Store) SaveSnapshot(ctx context.Context, tx es.DBTX, snapshot es.Snapshot) error {
	if snapshot.StreamID == "" {
		return fmt.Errorf("%w: snapshot stream id is required", store.ErrInvalidEvent)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now()
	}

	query := fmt.Sprintf(`
		INSERT INTO %[1]s (tenant_id, stream_id, stream_version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, stream_id)
		DO UPDATE SET
			stream_version = excluded.stream_version,
			state = excluded.state,
			created_at = excluded.created_at
		WHERE excluded.stream_version > %[1]s.stream_version
	`, s.config.SnapshotsTable)

	_, err := tx.ExecContext(ctx, query,
		snapshot.TenantID,
		snapshot.StreamID,
		snapshot.Version,
		snapshot.State,
		toMillis(snapshot.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "snapshot saved",
			"tenant_id", snapshot.TenantID,
			"stream_id", snapshot.StreamID,
			"version", snapshot.Version)
	}
	return nil
}

// LoadSnapshot implements store.SnapshotStore.
func (s *Store) LoadSnapshot(ctx context.Context, tx es.DBTX, tenantID, streamID string) (es.Snapshot, error) {
	query := fmt.Sprintf(`
		SELECT stream_version, state, created_at
		FROM %s
		WHERE tenant_id = ? AND stream_id = ?
	`, s.config.SnapshotsTable)

	snapshot := es.Snapshot{TenantID: tenantID, StreamID: streamID}
	var createdAt int64
	err := tx.QueryRowContext(ctx, query, tenantID, streamID).Scan(&snapshot.Version, &snapshot.State, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return es.Snapshot{}, store.ErrSnapshotNotFound
	}
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snapshot.CreatedAt = fromMillis(createdAt)
	return snapshot, nil
}
