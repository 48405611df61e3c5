package sqlite

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	// Registers the "sqlite" database/sql driver.
	_ "modernc.org/sqlite"
)

// DSN builds a modernc sqlite connection string for path with WAL journaling,
// a busy timeout and immediate write transactions, so that concurrent appenders
// queue on the database lock instead of failing on a read-to-write upgrade.
// Every transaction on such a pool takes the write lock, reads included; pair
// it with a ReadDSN pool for read-only work.
func DSN(path string) string {
	params := baseParams()
	params.Set("_txlock", "immediate")
	return encode(path, params)
}

// ReadDSN builds a connection string for read-only pools. Transactions are
// deferred, so under WAL they read a snapshot without blocking writers, and
// query_only rejects any write issued through the pool.
func ReadDSN(path string) string {
	params := baseParams()
	params.Add("_pragma", "query_only(1)")
	params.Set("_txlock", "deferred")
	return encode(path, params)
}

func baseParams() url.Values {
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(WAL)")
	params.Add("_pragma", "foreign_keys(ON)")
	return params
}

func encode(path string, params url.Values) string {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	return "file:" + path + separator + params.Encode()
}

// Open opens the SQLite database at path.
func Open(path string) (*sql.DB, error) {
	return open(path, DSN(path))
}

// OpenReader opens a read-only pool on the SQLite database at path. The
// database must already exist.
func OpenReader(path string) (*sql.DB, error) {
	return open(path, ReadDSN(path))
}

func open(path, dsn string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}
