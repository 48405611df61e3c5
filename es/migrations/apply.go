package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// schemaRevision identifies the generated schema. Bump it when the DDL changes.
const schemaRevision = "event_store_v1"

// Apply creates the event store schema for dialect at most once per
// configuration, recording it in a schema_migrations table.
func Apply(ctx context.Context, db *sql.DB, dialect Dialect, config *Config) error {
	if db == nil {
		return errors.New("sql db is required")
	}
	ddl, err := SQL(dialect, config)
	if err != nil {
		return err
	}

	createSQL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    name VARCHAR(255) PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`, migrationTable)
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	name := fmt.Sprintf("%s:%s", schemaRevision, config.EventsTable)
	applied, err := isApplied(ctx, db, dialect, name)
	if err != nil {
		return fmt.Errorf("check migration %s: %w", name, err)
	}
	if applied {
		return nil
	}

	// MySQL commits DDL implicitly, so statements run one by one and
	// already-existing objects are tolerated on every dialect.
	for _, stmt := range SplitStatements(ddl) {
		if _, err := db.ExecContext(ctx, stmt); err != nil && !IsAlreadyExistsError(err) {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}

	insert := fmt.Sprintf("INSERT INTO %s (name, applied_at) VALUES (%s, %s)",
		migrationTable, placeholder(dialect, 1), placeholder(dialect, 2))
	if _, err := db.ExecContext(ctx, insert, name, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("record migration %s: %w", name, err)
	}
	return nil
}

// SplitStatements splits generated DDL into individual statements,
// dropping comment-only fragments.
func SplitStatements(ddl string) []string {
	var stmts []string
	for _, part := range strings.Split(ddl, ";\n") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "--") {
				continue
			}
			lines = append(lines, line)
		}
		stmt := strings.TrimSuffix(strings.TrimSpace(strings.Join(lines, "\n")), ";")
		if stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// IsAlreadyExistsError reports whether this error indicates idempotent DDL success.
func IsAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate key name")
}

func isApplied(ctx context.Context, db *sql.DB, dialect Dialect, name string) (bool, error) {
	var found int
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE name = %s", migrationTable, placeholder(dialect, 1))
	err := db.QueryRowContext(ctx, query, name).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func placeholder(dialect Dialect, n int) string {
	if dialect == Postgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}
