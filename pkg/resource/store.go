// Package resource persists the files produced by completed upload sessions
// as they move through scanning, offload and garbage collection.
package resource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/database"
	"lfingest/pkg/models"
)

const fileColumns = `id, resource_id, session_id, owner_id, file_name, size, mime_type, local_path, remote_key,
	file_status, check_status, signatures, created_at, updated_at`

// signatureSeparator joins malware signature names in a single column.
const signatureSeparator = "\n"

// Store persists resource files. Built on a *sql.Tx it runs inside that transaction.
type Store struct {
	q database.Querier
}

// NewStore creates a resource file store on q.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

// Insert adds a new resource file.
func (s *Store) Insert(ctx context.Context, file *models.ResourceFile) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO resource_files (`+fileColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.ResourceID, file.SessionID, file.OwnerID, file.FileName, file.Size, file.MimeType,
		file.LocalPath, file.RemoteKey, file.FileStatus, file.CheckStatus,
		strings.Join(file.Signatures, signatureSeparator),
		database.Millis(file.CreatedAt), database.Millis(file.UpdatedAt),
	)
	return database.Wrap(err)
}

// Get loads a resource file by id.
func (s *Store) Get(ctx context.Context, id string) (*models.ResourceFile, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM resource_files WHERE id = ?`, id)
	file, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: file %s", apperr.ErrNotFound, id)
	}
	return file, err
}

// SetCheckStatus moves a file from check status `from` to `to`.
// It fails with ErrInvalidState when the file is no longer in `from`.
func (s *Store) SetCheckStatus(ctx context.Context, id string, from, to models.CheckStatus, signatures []string, now time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE resource_files SET check_status = ?, signatures = ?, updated_at = ? WHERE id = ? AND check_status = ?`,
		to, strings.Join(signatures, signatureSeparator), database.Millis(now), id, from,
	)
	if err != nil {
		return database.Wrap(err)
	}
	return expectOneRow(result, "file %s is not %s", id, from)
}

// MarkRemote records a successful offload.
func (s *Store) MarkRemote(ctx context.Context, id, remoteKey string, now time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE resource_files SET remote_key = ?, file_status = ?, updated_at = ? WHERE id = ? AND check_status = ?`,
		remoteKey, models.FileStatusUploadedRemote, database.Millis(now), id, models.CheckOK,
	)
	if err != nil {
		return database.Wrap(err)
	}
	return expectOneRow(result, "file %s is not offloadable", id)
}

// ClearLocalPath forgets the local copy of a file once it has been deleted.
func (s *Store) ClearLocalPath(ctx context.Context, id string, now time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE resource_files SET local_path = '', updated_at = ? WHERE id = ?`,
		database.Millis(now), id,
	)
	return database.Wrap(err)
}

// Delete removes a file record. A missing record is success.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM resource_files WHERE id = ?`, id)
	return database.Wrap(err)
}

// ListByCheckStatus returns up to limit files with the given check status, oldest first.
func (s *Store) ListByCheckStatus(ctx context.Context, status models.CheckStatus, limit int) ([]*models.ResourceFile, error) {
	return s.list(ctx,
		`SELECT `+fileColumns+` FROM resource_files WHERE check_status = ? ORDER BY created_at LIMIT ?`,
		status, limit,
	)
}

// ListRejected returns up to limit files with a rejecting check status.
func (s *Store) ListRejected(ctx context.Context, limit int) ([]*models.ResourceFile, error) {
	args := make([]any, 0, len(models.RejectedCheckStatuses)+1)
	for _, status := range models.RejectedCheckStatuses {
		args = append(args, status)
	}
	args = append(args, limit)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(models.RejectedCheckStatuses)), ", ")
	return s.list(ctx,
		`SELECT `+fileColumns+` FROM resource_files WHERE check_status IN (`+placeholders+`) ORDER BY updated_at LIMIT ?`,
		args...,
	)
}

// ListOffloadable returns clean local files that are not dead-lettered.
func (s *Store) ListOffloadable(ctx context.Context, limit int) ([]*models.ResourceFile, error) {
	return s.list(ctx,
		`SELECT `+fileColumns+` FROM resource_files
		 WHERE check_status = ? AND file_status = ?
		   AND id NOT IN (SELECT file_id FROM offload_dead_letters)
		 ORDER BY updated_at LIMIT ?`,
		models.CheckOK, models.FileStatusUploadedLocal, limit,
	)
}

// ListRemoteWithLocal returns offloaded files that still reference a local copy.
func (s *Store) ListRemoteWithLocal(ctx context.Context, limit int) ([]*models.ResourceFile, error) {
	return s.list(ctx,
		`SELECT `+fileColumns+` FROM resource_files WHERE file_status = ? AND local_path != '' ORDER BY updated_at LIMIT ?`,
		models.FileStatusUploadedRemote, limit,
	)
}

// LocalPaths returns every local path still referenced by a file.
func (s *Store) LocalPaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT local_path FROM resource_files WHERE local_path != ''`)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	paths := make(map[string]struct{})
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			return nil, database.Wrap(err)
		}
		paths[path] = struct{}{}
	}
	return paths, database.Wrap(rows.Err())
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]*models.ResourceFile, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	var files []*models.ResourceFile
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, file)
	}
	return files, database.Wrap(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.ResourceFile, error) {
	var (
		file       models.ResourceFile
		signatures string
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&file.ID, &file.ResourceID, &file.SessionID, &file.OwnerID, &file.FileName, &file.Size,
		&file.MimeType, &file.LocalPath, &file.RemoteKey, &file.FileStatus, &file.CheckStatus, &signatures,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, database.Wrap(err)
	}

	if signatures != "" {
		file.Signatures = strings.Split(signatures, signatureSeparator)
	}
	file.CreatedAt = database.FromMillis(createdAt)
	file.UpdatedAt = database.FromMillis(updatedAt)
	return &file, nil
}

func expectOneRow(result sql.Result, format string, args ...any) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return database.Wrap(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: "+format, append([]any{apperr.ErrInvalidState}, args...)...)
	}
	return nil
}
