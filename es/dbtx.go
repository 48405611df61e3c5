package es

import (
	"context"
	"database/sql"
)

// DBTX is a minimal interface for database operations.
// It is implemented by both *sql.DB and *sql.Tx, allowing
// stores to be transaction-agnostic.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Ensure standard library types implement DBTX
var (
	_ DBTX = (*sql.DB)(nil)
	_ DBTX = (*sql.Tx)(nil)
)

// Tx is a DBTX that can be committed or rolled back.
type Tx interface {
	DBTX
	Commit() error
	Rollback() error
}

var _ Tx = (*sql.Tx)(nil)

// TxBeginner starts transactions. Components that own their transaction
// boundaries (the aggregate repository, projection processors) depend on
// this instead of *sql.DB so that tests can substitute their own.
type TxBeginner interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// SQLTxBeginner adapts a *sql.DB to TxBeginner.
type SQLTxBeginner struct {
	DB   *sql.DB
	Opts *sql.TxOptions
}

// NewTxBeginner returns a TxBeginner backed by db.
func NewTxBeginner(db *sql.DB) SQLTxBeginner {
	return SQLTxBeginner{DB: db}
}

// BeginTx implements TxBeginner.
func (b SQLTxBeginner) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := b.DB.BeginTx(ctx, b.Opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
