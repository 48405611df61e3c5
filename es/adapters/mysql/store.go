// Package mysql provides a MySQL/MariaDB adapter for event sourcing.
package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// StoreConfig contains configuration for the MySQL event store.
// Configuration is immutable after construction.
type StoreConfig struct {
	// Logger is an optional logger for observability.
	// If nil, logging is disabled (zero overhead).
	Logger es.Logger

	// EventsTable is the name of the events table
	EventsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string

	// AppendLockTable is the single-row table whose row lock serializes appends
	AppendLockTable string
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:      "events",
		StreamHeadsTable: "stream_heads",
		SnapshotsTable:   "snapshots",
		CheckpointsTable: "projection_checkpoints",
		AppendLockTable:  "event_append_lock",
		Logger:           nil, // No logging by default
	}
}

// StoreOption is a functional option for configuring a Store.
type StoreOption func(*StoreConfig)

// WithLogger sets a logger for the store.
func WithLogger(logger es.Logger) StoreOption {
	return func(c *StoreConfig) {
		c.Logger = logger
	}
}

// WithEventsTable sets a custom events table name.
func WithEventsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.EventsTable = tableName
	}
}

// WithStreamHeadsTable sets a custom stream heads table name.
func WithStreamHeadsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.StreamHeadsTable = tableName
	}
}

// WithSnapshotsTable sets a custom snapshots table name.
func WithSnapshotsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.SnapshotsTable = tableName
	}
}

// WithCheckpointsTable sets a custom projection checkpoints table name.
func WithCheckpointsTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.CheckpointsTable = tableName
	}
}

// WithAppendLockTable sets a custom append lock table name.
func WithAppendLockTable(tableName string) StoreOption {
	return func(c *StoreConfig) {
		c.AppendLockTable = tableName
	}
}

// NewStoreConfig creates a new store configuration with functional options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// NormalizeDSN returns dsn with the options the store depends on:
// DATETIME columns parsed into time.Time, in UTC.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

// Store is a MySQL-backed event store implementation.
type Store struct {
	config StoreConfig
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new MySQL event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Append implements store.EventStore.
// Appends first lock the single row of the append lock table. Auto-increment
// values are handed out before commit, so without it a reader could observe
// position N+1 while N is still uncommitted and skip N for good.
//
//nolint:gocyclo // Cyclomatic complexity comes from logging and validation checks
func (s *Store) Append(ctx context.Context, tx es.DBTX, expectedVersion es.ExpectedVersion, events []es.Event) (es.AppendResult, error) {
	tenantID, streamID, err := store.ValidateAppend(events)
	if err != nil {
		return es.AppendResult{}, err
	}

	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "append starting",
			"tenant_id", tenantID,
			"stream_id", streamID,
			"event_count", len(events),
			"expected_version", expectedVersion.String())
	}

	lockQuery := fmt.Sprintf(`SELECT id FROM %s WHERE id = 1 FOR UPDATE`, s.config.AppendLockTable)
	var lockID int
	if err := tx.QueryRowContext(ctx, lockQuery).Scan(&lockID); err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to acquire append lock: %w", err)
	}

	// Locking read: sees the latest committed head regardless of the
	// transaction's snapshot.
	var currentVersion int64
	headQuery := fmt.Sprintf(`
		SELECT stream_version
		FROM %s
		WHERE tenant_id = ? AND stream_id = ?
		FOR UPDATE
	`, s.config.StreamHeadsTable)
	err = tx.QueryRowContext(ctx, headQuery, tenantID, streamID).Scan(&currentVersion)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return es.AppendResult{}, fmt.Errorf("failed to check current version: %w", err)
	}

	if !expectedVersion.Matches(currentVersion) {
		if s.config.Logger != nil {
			s.config.Logger.Error(ctx, "expected version validation failed",
				"tenant_id", tenantID,
				"stream_id", streamID,
				"current_version", currentVersion,
				"expected_version", expectedVersion.String())
		}
		return es.AppendResult{}, &store.ConcurrencyError{
			TenantID: tenantID,
			StreamID: streamID,
			Expected: expectedVersion,
			Actual:   currentVersion,
		}
	}

	nextVersion := currentVersion + 1

	globalPositions := make([]int64, len(events))
	persistedEvents := make([]es.PersistedEvent, len(events))
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (
			tenant_id, stream_id, stream_version,
			event_id, event_type, event_version,
			payload, trace_id, correlation_id, causation_id,
			metadata, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.config.EventsTable)

	for i := range events {
		event := events[i]
		streamVersion := nextVersion + int64(i)
		if event.RecordedAt.IsZero() {
			event.RecordedAt = time.Now()
		}
		event.RecordedAt = event.RecordedAt.UTC().Truncate(time.Microsecond)
		if event.Payload == nil {
			event.Payload = []byte{}
		}

		result, execErr := tx.ExecContext(ctx, insertQuery,
			event.TenantID,
			event.StreamID,
			streamVersion,
			event.EventID,
			event.EventType,
			event.EventVersion,
			event.Payload,
			event.TraceID,
			event.CorrelationID,
			event.CausationID,
			nullableJSON(event.Metadata),
			event.RecordedAt,
		)
		if execErr != nil {
			if IsUniqueViolation(execErr) {
				if s.config.Logger != nil {
					s.config.Logger.Error(ctx, "optimistic concurrency conflict",
						"tenant_id", tenantID,
						"stream_id", streamID,
						"stream_version", streamVersion)
				}
				return es.AppendResult{}, &store.ConcurrencyError{
					TenantID: tenantID,
					StreamID: streamID,
					Expected: expectedVersion,
					Actual:   -1,
				}
			}
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, execErr)
		}

		globalPos, idErr := result.LastInsertId()
		if idErr != nil {
			return es.AppendResult{}, fmt.Errorf("failed to get last insert id: %w", idErr)
		}
		globalPositions[i] = globalPos
		persistedEvents[i] = es.PersistedEvent{
			Event:          event,
			StreamVersion:  streamVersion,
			GlobalPosition: globalPos,
		}
	}

	latestVersion := nextVersion + int64(len(events)) - 1
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (tenant_id, stream_id, stream_version, updated_at)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE stream_version = VALUES(stream_version), updated_at = VALUES(updated_at)
	`, s.config.StreamHeadsTable)

	_, err = tx.ExecContext(ctx, upsertQuery, tenantID, streamID, latestVersion, time.Now().UTC())
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to update stream head: %w", err)
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"tenant_id", tenantID,
			"stream_id", streamID,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", nextVersion, latestVersion),
			"positions", globalPositions)
	}

	return es.AppendResult{
		Events:          persistedEvents,
		GlobalPositions: globalPositions,
	}, nil
}

// The JSON column rejects binary strings; send text or NULL.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// IsUniqueViolation checks if an error is a MySQL duplicate entry error.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	// Check if it's a MySQL error with duplicate entry code (1062)
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "Duplicate entry") || strings.Contains(errMsg, "1062")
}

// StreamVersion implements store.StreamReader.
func (s *Store) StreamVersion(ctx context.Context, tx es.DBTX, tenantID, streamID string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT stream_version
		FROM %s
		WHERE tenant_id = ? AND stream_id = ?
	`, s.config.StreamHeadsTable)

	var version int64
	err := tx.QueryRowContext(ctx, query, tenantID, streamID).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to check current version: %w", err)
	}
	return version, nil
}

const selectEventColumns = `
			global_position, tenant_id, stream_id, stream_version,
			event_id, event_type, event_version,
			payload, trace_id, correlation_id, causation_id,
			metadata, recorded_at`

func scanEvents(rows *sql.Rows) ([]es.PersistedEvent, error) {
	var events []es.PersistedEvent
	for rows.Next() {
		var e es.PersistedEvent
		err := rows.Scan(
			&e.GlobalPosition,
			&e.TenantID,
			&e.StreamID,
			&e.StreamVersion,
			&e.EventID,
			&e.EventType,
			&e.EventVersion,
			&e.Payload,
			&e.TraceID,
			&e.CorrelationID,
			&e.CausationID,
			&e.Metadata,
			&e.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.RecordedAt = e.RecordedAt.UTC()
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// ReadEvents implements store.EventReader.
func (s *Store) ReadEvents(ctx context.Context, tx es.DBTX, fromPosition int64, limit int) ([]es.PersistedEvent, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}
	if s.config.Logger != nil {
		s.config.Logger.Debug(ctx, "reading events", "from_position", fromPosition, "limit", limit)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > ?
		ORDER BY global_position ASC
		LIMIT ?
	`, selectEventColumns, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, fromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ReadStream implements store.StreamReader.
func (s *Store) ReadStream(ctx context.Context, tx es.DBTX, tenantID, streamID string, fromVersion int64) (es.Stream, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE tenant_id = ? AND stream_id = ? AND stream_version > ?
		ORDER BY stream_version ASC
	`, selectEventColumns, s.config.EventsTable)

	rows, err := tx.QueryContext(ctx, query, tenantID, streamID, fromVersion)
	if err != nil {
		return es.Stream{}, fmt.Errorf("failed to query stream: %w", err)
	}
	defer rows.Close()

	events, err := scanEvents(rows)
	if err != nil {
		return es.Stream{}, err
	}

	return es.Stream{
		TenantID: tenantID,
		StreamID: streamID,
		Events:   events,
	}, nil
}

// CurrentPosition implements store.PositionReader.
func (s *Store) CurrentPosition(ctx context.Context, tx es.DBTX) (int64, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(global_position), 0) FROM %s`, s.config.EventsTable)

	var position int64
	if err := tx.QueryRowContext(ctx, query).Scan(&position); err != nil {
		return 0, fmt.Errorf("failed to read current position: %w", err)
	}
	return position, nil
}
