package database

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"lfingest/pkg/apperr"

	"github.com/stretchr/testify/suite"
)

// DatabaseTestSuite tests opening the database and the transaction helper.
type DatabaseTestSuite struct {
	suite.Suite
	tempDir string
	handle  *sql.DB
}

func (s *DatabaseTestSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "database-test-*")
	s.Require().NoError(err)

	s.handle, err = Open(context.Background(), filepath.Join(s.tempDir, "test.db"))
	s.Require().NoError(err)
}

func (s *DatabaseTestSuite) TearDownTest() {
	if s.handle != nil {
		s.handle.Close()
	}
	os.RemoveAll(s.tempDir)
}

// TestOpenInvalidPath tests opening under a missing directory.
func (s *DatabaseTestSuite) TestOpenInvalidPath() {
	_, err := Open(context.Background(), "/nonexistent/path/to/db.sqlite")
	s.Error(err)
	s.ErrorIs(err, apperr.ErrDatabase)
}

// TestSchemaIsIdempotent tests that reapplying the schema is harmless.
func (s *DatabaseTestSuite) TestSchemaIsIdempotent() {
	_, err := s.handle.ExecContext(context.Background(), Schema)
	s.NoError(err)
}

// TestForeignKeysEnabled tests the connection pragmas.
func (s *DatabaseTestSuite) TestForeignKeysEnabled() {
	var enabled int
	s.Require().NoError(s.handle.QueryRowContext(context.Background(), "PRAGMA foreign_keys").Scan(&enabled))
	s.Equal(1, enabled)

	var mode string
	s.Require().NoError(s.handle.QueryRowContext(context.Background(), "PRAGMA journal_mode").Scan(&mode))
	s.Equal("wal", mode)
}

// TestWithTxCommit tests that a successful function commits.
func (s *DatabaseTestSuite) TestWithTxCommit() {
	ctx := context.Background()
	err := WithTx(ctx, s.handle, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO quota_accounts (owner_id, size, used, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"owner1", 100, 0, 1, 1)
		return err
	})
	s.Require().NoError(err)

	var count int
	s.Require().NoError(s.handle.QueryRowContext(ctx, "SELECT COUNT(*) FROM quota_accounts").Scan(&count))
	s.Equal(1, count)
}

// TestWithTxRollback tests that an error rolls back and is returned unchanged.
func (s *DatabaseTestSuite) TestWithTxRollback() {
	ctx := context.Background()
	sentinel := errors.New("stop")
	err := WithTx(ctx, s.handle, func(tx *sql.Tx) error {
		_, execErr := tx.ExecContext(ctx,
			`INSERT INTO quota_accounts (owner_id, size, used, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			"owner1", 100, 0, 1, 1)
		s.Require().NoError(execErr)
		return sentinel
	})
	s.ErrorIs(err, sentinel)

	var count int
	s.Require().NoError(s.handle.QueryRowContext(ctx, "SELECT COUNT(*) FROM quota_accounts").Scan(&count))
	s.Equal(0, count)
}

// TestQuotaCheckConstraint tests that used can never exceed size at the storage level.
func (s *DatabaseTestSuite) TestQuotaCheckConstraint() {
	_, err := s.handle.ExecContext(context.Background(),
		`INSERT INTO quota_accounts (owner_id, size, used, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		"owner1", 10, 11, 1, 1)
	s.Error(err)
}

// TestMillis tests timestamp conversion.
func (s *DatabaseTestSuite) TestMillis() {
	now := time.Date(2024, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	s.True(now.Equal(FromMillis(Millis(now))))

	s.False(NullMillis(nil).Valid)
	s.Nil(FromNullMillis(sql.NullInt64{}))

	restored := FromNullMillis(NullMillis(&now))
	s.Require().NotNil(restored)
	s.True(now.Equal(*restored))
}

// TestDSN tests connection string pragmas.
func (s *DatabaseTestSuite) TestDSN() {
	dsn := DSN("/tmp/x.db")
	s.Contains(dsn, "/tmp/x.db?")
	s.Contains(dsn, "_txlock=immediate")
	s.Contains(dsn, "busy_timeout(10000)")
}

func TestDatabaseSuite(t *testing.T) {
	suite.Run(t, new(DatabaseTestSuite))
}
