package mysql

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

	// Assignments run left to right, so stream_version is compared before it changes.
	query := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, stream_id, stream_version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			state = IF(VALUES(stream_version) > stream_version, VALUES(state), state),
			created_at = IF(VALUES(stream_version) > stream_version, VALUES(created_at), created_at),
			stream_version = GREATEST(stream_version, VALUES(stream_version))
	`, s.config.SnapshotsTable)

	_, err := tx.ExecContext(ctx, query,
		snapshot.TenantID,
		snapshot.StreamID,
		snapshot.Version,
		snapshot.State,
		snapshot.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
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
	err := tx.QueryRowContext(ctx, query, tenantID, streamID).Scan(&snapshot.Version, &snapshot.State, &snapshot.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return es.Snapshot{}, store.ErrSnapshotNotFound
	}
	if err != nil {
		return es.Snapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	return snapshot, nil
}
