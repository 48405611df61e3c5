// Package postgres provides a PostgreSQL adapter for event sourcing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/Wet-Ink-Corporation/praecepta-sub002/es"
	"github.com/Wet-Ink-Corporation/praecepta-sub002/es/store"
)

// DefaultAppendLockKey is the advisory lock key appends serialize on.
const DefaultAppendLockKey int64 = 0x70726563

// DefaultNotifyChannel is the LISTEN/NOTIFY channel appends publish to.
const DefaultNotifyChannel = "praecepta_events"

// StoreConfig contains configuration for the Postgres event store.
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

	// NotifyChannel receives the last global position of every append.
	// Empty disables notifications.
	NotifyChannel string

	// AppendLockKey is the transaction-scoped advisory lock key held by appends.
	// Holding it from position assignment until commit makes positions
	// visible to readers in ascending order.
	AppendLockKey int64
}

// DefaultStoreConfig returns the default configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		EventsTable:      "events",
		StreamHeadsTable: "stream_heads",
		SnapshotsTable:   "snapshots",
		CheckpointsTable: "projection_checkpoints",
		NotifyChannel:    DefaultNotifyChannel,
		AppendLockKey:    DefaultAppendLockKey,
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

// WithNotifyChannel sets the LISTEN/NOTIFY channel. Empty disables notifications.
func WithNotifyChannel(channel string) StoreOption {
	return func(c *StoreConfig) {
		c.NotifyChannel = channel
	}
}

// WithAppendLockKey sets the advisory lock key held by appends.
func WithAppendLockKey(key int64) StoreOption {
	return func(c *StoreConfig) {
		c.AppendLockKey = key
	}
}

// NewStoreConfig creates a new store configuration with functional options.
// It starts with the default configuration and applies the given options.
func NewStoreConfig(opts ...StoreOption) StoreConfig {
	config := DefaultStoreConfig()
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// Store is a PostgreSQL-backed event store implementation.
type Store struct {
	config StoreConfig
}

var _ store.Store = (*Store)(nil)

// NewStore creates a new Postgres event store with the given configuration.
func NewStore(config StoreConfig) *Store {
	return &Store{
		config: config,
	}
}

// Config returns the store configuration.
func (s *Store) Config() StoreConfig {
	return s.config
}

// Append implements store.EventStore.
// The stream_heads table gives an O(1) version lookup. The database constraint on
// (tenant_id, stream_id, stream_version) enforces optimistic concurrency if another
// transaction commits between the version check and the insert.
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

	currentVersion, err := s.StreamVersion(ctx, tx, tenantID, streamID)
	if err != nil {
		return es.AppendResult{}, err
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

	// Positions come from a sequence and are handed out before commit. Serializing
	// appenders until commit keeps a reader from seeing position N+1 while N is
	// still in flight.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, s.config.AppendLockKey); err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to acquire append lock: %w", err)
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
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING global_position
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

		var globalPos int64
		err := tx.QueryRowContext(ctx, insertQuery,
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
		).Scan(&globalPos)

		if err != nil {
			if IsUniqueViolation(err) {
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
			return es.AppendResult{}, fmt.Errorf("failed to insert event %d: %w", i, err)
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
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (tenant_id, stream_id)
		DO UPDATE SET stream_version = $3, updated_at = NOW()
	`, s.config.StreamHeadsTable)

	_, err = tx.ExecContext(ctx, upsertQuery, tenantID, streamID, latestVersion)
	if err != nil {
		return es.AppendResult{}, fmt.Errorf("failed to update stream head: %w", err)
	}

	lastPosition := globalPositions[len(globalPositions)-1]
	if s.config.NotifyChannel != "" {
		// Delivered by Postgres only if the transaction commits.
		_, err = tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
			s.config.NotifyChannel, strconv.FormatInt(lastPosition, 10))
		if err != nil {
			return es.AppendResult{}, fmt.Errorf("failed to publish notification: %w", err)
		}
	}

	if s.config.Logger != nil {
		s.config.Logger.Info(ctx, "events appended",
			"tenant_id", tenantID,
			"stream_id", streamID,
			"event_count", len(events),
			"version_range", fmt.Sprintf("%d-%d", nextVersion, latestVersion),
			"last_position", lastPosition)
	}

	return es.AppendResult{
		Events:          persistedEvents,
		GlobalPositions: globalPositions,
	}, nil
}

// JSONB rejects the bytea encoding lib/pq uses for []byte.
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// This is exported for testing purposes.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}

	errMsg := err.Error()
	return strings.Contains(errMsg, "duplicate key") || strings.Contains(errMsg, "unique constraint")
}

// StreamVersion implements store.StreamReader.
func (s *Store) StreamVersion(ctx context.Context, tx es.DBTX, tenantID, streamID string) (int64, error) {
	query := fmt.Sprintf(`
		SELECT stream_version
		FROM %s
		WHERE tenant_id = $1 AND stream_id = $2
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

	query := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE global_position > $1
		ORDER BY global_position ASC
		LIMIT $2
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
		WHERE tenant_id = $1 AND stream_id = $2 AND stream_version > $3
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
