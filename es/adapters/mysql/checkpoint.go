package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
)

// GetCheckpoint implements store.CheckpointStore.
func (s *Store) GetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT last_global_position
		FROM %s
		WHERE projection_name = ?
	`, s.config.CheckpointsTable)

	var checkpoint int64
	err := tx.QueryRowContext(ctx, query, projectionName).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return checkpoint, nil
}

// UpdateCheckpoint implements store.CheckpointStore.
// A position lower than the stored one is ignored.
func (s *Store) UpdateCheckpoint(ctx context.Context, tx es.DBTX, projectionName string, position int64) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, updated_at)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE
			last_global_position = GREATEST(last_global_position, VALUES(last_global_position)),
			updated_at = VALUES(updated_at)
	`, s.config.CheckpointsTable)

	if _, err := tx.ExecContext(ctx, query, projectionName, position, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return nil
}

// ResetCheckpoint implements store.CheckpointStore.
func (s *Store) ResetCheckpoint(ctx context.Context, tx es.DBTX, projectionName string) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (projection_name, last_global_position, updated_at)
		VALUES (?, 0, ?)
		ON DUPLICATE KEY UPDATE last_global_position = 0, updated_at = VALUES(updated_at)
	`, s.config.CheckpointsTable)

	if _, err := tx.ExecContext(ctx, query, projectionName, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to reset checkpoint: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "checkpoint reset", "projection", projectionName)
	}
	return nil
}
