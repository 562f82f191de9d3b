// Package database opens the SQLite handle shared by every store and provides
// the transaction helper they use for read-modify-write sequences.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/log"

	_ "modernc.org/sqlite"
)

// busyTimeoutMillis bounds how long a writer waits for the lock before SQLITE_BUSY.
const busyTimeoutMillis = 10000

// Querier is satisfied by both *sql.DB and *sql.Tx, so stores run unchanged
// inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DSN builds the connection string. Transactions start with BEGIN IMMEDIATE so a
// row re-read inside WithTx already holds the write lock.
func DSN(path string) string {
	var builder strings.Builder
	builder.WriteString(path)
	builder.WriteString(fmt.Sprintf("?_pragma=busy_timeout(%d)", busyTimeoutMillis))
	builder.WriteString("&_pragma=foreign_keys(1)")
	builder.WriteString("&_pragma=journal_mode(WAL)")
	builder.WriteString("&_txlock=immediate")
	return builder.String()
}

// Open opens the database at path and creates the schema.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	handle, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", apperr.ErrDatabase, err)
	}

	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: failed to connect: %w", apperr.ErrDatabase, err)
	}

	if _, err := handle.ExecContext(ctx, Schema); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("%w: failed to initialize schema: %w", apperr.ErrDatabase, err)
	}

	log.Debug().Str("path", path).Msg("Database opened")
	return handle, nil
}

// WithTx runs fn inside an immediate transaction and commits when fn returns nil.
// Errors from fn are returned unchanged so callers keep their sentinel.
func WithTx(ctx context.Context, handle *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := handle.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: failed to begin transaction: %w", apperr.ErrDatabase, err)
	}

	if err := fn(tx); err != nil {
		if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
			log.Warn().Err(rollbackErr).Msg("Transaction rollback failed")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: failed to commit transaction: %w", apperr.ErrDatabase, err)
	}
	return nil
}

// Wrap tags err as a database error unless it is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", apperr.ErrDatabase, err)
}

// Millis converts t to the stored representation.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts a stored timestamp back to UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// NullMillis converts an optional time.
func NullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

// FromNullMillis converts an optional stored timestamp.
func FromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := FromMillis(ms.Int64)
	return &t
}
