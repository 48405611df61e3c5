// Package migrations provides SQL migration generation for event sourcing infrastructure.
package migrations

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	praecepta "github.com/Wet-Ink-Corporation/praecepta-sub002/pkg"
)

// Dialect names a supported SQL database.
type Dialect string

// Supported dialects.
const (
	Postgres Dialect = "postgres"
	MySQL    Dialect = "mysql"
	SQLite   Dialect = "sqlite"
)

// ParseDialect validates a dialect name.
func ParseDialect(name string) (Dialect, error) {
	switch d := Dialect(name); d {
	case Postgres, MySQL, SQLite:
		return d, nil
	default:
		return "", fmt.Errorf("unsupported dialect %q: supported dialects are postgres, mysql, sqlite", name)
	}
}

// Config configures migration generation.
type Config struct {
	// OutputFolder is the directory where the migration file will be written
	OutputFolder string

	// OutputFilename is the name of the migration file
	OutputFilename string

	// EventsTable is the name of the events table
	EventsTable string

	// StreamHeadsTable is the name of the stream version tracking table
	StreamHeadsTable string

	// SnapshotsTable is the name of the snapshots table
	SnapshotsTable string

	// CheckpointsTable is the name of the projection checkpoints table
	CheckpointsTable string

	// AppendLockTable is the single-row table MySQL appends lock to keep
	// global positions visible in order. Unused by other dialects.
	AppendLockTable string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	timestamp := time.Now().Format("20060102150405")
	return Config{
		OutputFolder:     "migrations",
		OutputFilename:   fmt.Sprintf("%s_init_event_store.sql", timestamp),
		EventsTable:      "events",
		StreamHeadsTable: "stream_heads",
		SnapshotsTable:   "snapshots",
		CheckpointsTable: "projection_checkpoints",
		AppendLockTable:  "event_append_lock",
	}
}

// Generate writes the migration file for the given dialect.
func Generate(dialect Dialect, config *Config) error {
	sql, err := SQL(dialect, config)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(config.OutputFolder, 0o755); err != nil {
		return fmt.Errorf("failed to create output folder: %w", err)
	}

	outputPath := filepath.Join(config.OutputFolder, config.OutputFilename)
	if err := os.WriteFile(outputPath, []byte(sql), 0o600); err != nil {
		return fmt.Errorf("failed to write migration file: %w", err)
	}

	return nil
}

// GeneratePostgres generates a PostgreSQL migration file.
func GeneratePostgres(config *Config) error {
	return Generate(Postgres, config)
}

// GenerateMySQL generates a MySQL/MariaDB migration file.
func GenerateMySQL(config *Config) error {
	return Generate(MySQL, config)
}

// GenerateSQLite generates a SQLite migration file.
func GenerateSQLite(config *Config) error {
	return Generate(SQLite, config)
}

// SQL returns the migration DDL for the given dialect.
func SQL(dialect Dialect, config *Config) (string, error) {
	switch dialect {
	case Postgres:
		return generatePostgresSQL(config), nil
	case MySQL:
		return generateMySQLSQL(config), nil
	case SQLite:
		return generateSQLiteSQL(config), nil
	default:
		return "", fmt.Errorf("unsupported dialect %q", dialect)
	}
}

func header(title string) string {
	return fmt.Sprintf("-- %s\n-- Generated by praecepta %s\n", title, praecepta.Version())
}

func generatePostgresSQL(config *Config) string {
	return header("Event Store Migration for PostgreSQL") + fmt.Sprintf(`
-- Events table stores all domain events in append-only fashion
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGSERIAL PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version BIGINT NOT NULL,
    event_id UUID NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    payload BYTEA NOT NULL,
    trace_id UUID,
    correlation_id UUID,
    causation_id UUID,
    metadata JSONB,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    -- Ensure version uniqueness per stream
    UNIQUE (tenant_id, stream_id, stream_version)
);

-- Index for event type queries
CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, global_position);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation
    ON %[1]s (correlation_id) WHERE correlation_id IS NOT NULL;

-- Stream heads provide O(1) version lookup for appends
CREATE TABLE IF NOT EXISTS %[2]s (
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (tenant_id, stream_id)
);

-- Snapshots keep the latest serialized state per stream
CREATE TABLE IF NOT EXISTS %[3]s (
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version BIGINT NOT NULL,
    state BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),

    PRIMARY KEY (tenant_id, stream_id)
);

-- Projection checkpoints track progress of each projection
CREATE TABLE IF NOT EXISTS %[4]s (
    projection_name TEXT PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`,
		config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

func generateSQLiteSQL(config *Config) string {
	return header("Event Store Migration for SQLite") + fmt.Sprintf(`
-- Events table stores all domain events in append-only fashion
-- AUTOINCREMENT guarantees positions are never reused
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version INTEGER NOT NULL,
    event_id TEXT NOT NULL UNIQUE,
    event_type TEXT NOT NULL,
    event_version INTEGER NOT NULL DEFAULT 1,
    payload BLOB NOT NULL,
    trace_id TEXT,
    correlation_id TEXT,
    causation_id TEXT,
    metadata TEXT,
    recorded_at INTEGER NOT NULL,

    -- Ensure version uniqueness per stream
    UNIQUE (tenant_id, stream_id, stream_version)
);

-- Index for event type queries
CREATE INDEX IF NOT EXISTS idx_%[1]s_event_type
    ON %[1]s (event_type, global_position);

-- Index for correlation tracking
CREATE INDEX IF NOT EXISTS idx_%[1]s_correlation
    ON %[1]s (correlation_id) WHERE correlation_id IS NOT NULL;

-- Stream heads provide O(1) version lookup for appends
CREATE TABLE IF NOT EXISTS %[2]s (
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    PRIMARY KEY (tenant_id, stream_id)
);

-- Snapshots keep the latest serialized state per stream
CREATE TABLE IF NOT EXISTS %[3]s (
    tenant_id TEXT NOT NULL,
    stream_id TEXT NOT NULL,
    stream_version INTEGER NOT NULL,
    state BLOB NOT NULL,
    created_at INTEGER NOT NULL,

    PRIMARY KEY (tenant_id, stream_id)
);

-- Projection checkpoints track progress of each projection
CREATE TABLE IF NOT EXISTS %[4]s (
    projection_name TEXT PRIMARY KEY,
    last_global_position INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL
);
`,
		config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
	)
}

func generateMySQLSQL(config *Config) string {
	return header("Event Store Migration for MySQL/MariaDB") + fmt.Sprintf(`
-- Events table stores all domain events in append-only fashion
CREATE TABLE IF NOT EXISTS %[1]s (
    global_position BIGINT AUTO_INCREMENT PRIMARY KEY,
    tenant_id VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    stream_version BIGINT NOT NULL,
    event_id CHAR(36) NOT NULL UNIQUE,
    event_type VARCHAR(255) NOT NULL,
    event_version INT NOT NULL DEFAULT 1,
    payload LONGBLOB NOT NULL,
    trace_id CHAR(36),
    correlation_id CHAR(36),
    causation_id CHAR(36),
    metadata JSON,
    recorded_at DATETIME(6) NOT NULL,

    -- Ensure version uniqueness per stream
    UNIQUE KEY uq_%[1]s_stream_version (tenant_id, stream_id, stream_version),
    KEY idx_%[1]s_event_type (event_type, global_position),
    KEY idx_%[1]s_correlation (correlation_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Stream heads provide O(1) version lookup for appends
CREATE TABLE IF NOT EXISTS %[2]s (
    tenant_id VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    stream_version BIGINT NOT NULL,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),

    PRIMARY KEY (tenant_id, stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Snapshots keep the latest serialized state per stream
CREATE TABLE IF NOT EXISTS %[3]s (
    tenant_id VARCHAR(255) NOT NULL,
    stream_id VARCHAR(255) NOT NULL,
    stream_version BIGINT NOT NULL,
    state LONGBLOB NOT NULL,
    created_at DATETIME(6) NOT NULL,

    PRIMARY KEY (tenant_id, stream_id)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Projection checkpoints track progress of each projection
CREATE TABLE IF NOT EXISTS %[4]s (
    projection_name VARCHAR(255) PRIMARY KEY,
    last_global_position BIGINT NOT NULL DEFAULT 0,
    updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;

-- Appends lock the single row of this table so that auto-increment
-- positions become visible in commit order
CREATE TABLE IF NOT EXISTS %[5]s (
    id TINYINT PRIMARY KEY
) ENGINE=InnoDB;

INSERT IGNORE INTO %[5]s (id) VALUES (1);
`,
		config.EventsTable,
		config.StreamHeadsTable,
		config.SnapshotsTable,
		config.CheckpointsTable,
		config.AppendLockTable,
	)
}
