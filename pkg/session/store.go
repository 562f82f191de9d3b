package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/chunkset"
	"lfingest/pkg/database"
	"lfingest/pkg/models"
)

const sessionColumns = `id, owner_id, file_name, total_size, chunk_size, total_chunks, uploaded_chunks,
	file_hash, chunk_hash_algorithm, status, storage_path, mime_type, expires_at, created_at, updated_at`

// Store persists upload sessions. Built on a *sql.Tx it runs inside that transaction.
type Store struct {
	q database.Querier
}

// NewStore creates a session store on q.
func NewStore(q database.Querier) *Store {
	return &Store{q: q}
}

// Create inserts a new session row.
func (s *Store) Create(ctx context.Context, session *models.UploadSession) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO upload_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OwnerID, session.FileName, session.TotalSize, session.ChunkSize, session.TotalChunks,
		session.UploadedChunks.Bytes(), session.FileHash, session.ChunkHashAlgorithm, session.Status,
		session.StoragePath, session.MimeType, database.Millis(session.ExpiresAt),
		database.Millis(session.CreatedAt), database.Millis(session.UpdatedAt),
	)
	return database.Wrap(err)
}

// Get loads a session by id.
func (s *Store) Get(ctx context.Context, id string) (*models.UploadSession, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM upload_sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", apperr.ErrNotFound, id)
	}
	return session, err
}

// SaveChunks persists the chunk bit-set of a session.
func (s *Store) SaveChunks(ctx context.Context, id string, chunks chunkset.Set, now time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE upload_sessions SET uploaded_chunks = ?, updated_at = ? WHERE id = ?`,
		chunks.Bytes(), database.Millis(now), id,
	)
	return database.Wrap(err)
}

// SaveChunkDigest records the verified digest of chunk index. A later write
// of the same index replaces it.
func (s *Store) SaveChunkDigest(ctx context.Context, id string, index int, digest string) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO chunk_digests (session_id, chunk_index, digest) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, chunk_index) DO UPDATE SET digest = excluded.digest`,
		id, index, digest,
	)
	return database.Wrap(err)
}

// ChunkDigests returns the recorded chunk digests of a session by index.
func (s *Store) ChunkDigests(ctx context.Context, id string) (map[int]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT chunk_index, digest FROM chunk_digests WHERE session_id = ?`, id)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	digests := make(map[int]string)
	for rows.Next() {
		var (
			index  int
			digest string
		)
		if err := rows.Scan(&index, &digest); err != nil {
			return nil, database.Wrap(err)
		}
		digests[index] = digest
	}
	return digests, database.Wrap(rows.Err())
}

// DeleteChunkDigests drops the digests of the given chunk indices.
func (s *Store) DeleteChunkDigests(ctx context.Context, id string, indices []int) error {
	for _, index := range indices {
		_, err := s.q.ExecContext(ctx,
			`DELETE FROM chunk_digests WHERE session_id = ? AND chunk_index = ?`, id, index)
		if err != nil {
			return database.Wrap(err)
		}
	}
	return nil
}

// SaveStatus persists the status and MIME type of a session.
func (s *Store) SaveStatus(ctx context.Context, session *models.UploadSession) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE upload_sessions SET status = ?, mime_type = ?, updated_at = ? WHERE id = ?`,
		session.Status, session.MimeType, database.Millis(session.UpdatedAt), session.ID,
	)
	return database.Wrap(err)
}

// ListReclaimable returns sessions the garbage collector should expire:
// UPLOADING sessions whose expiry is before cutoff, and ABORTED sessions.
func (s *Store) ListReclaimable(ctx context.Context, cutoff time.Time, limit int) ([]*models.UploadSession, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM upload_sessions
		 WHERE (status = ? AND expires_at < ?) OR status = ?
		 ORDER BY updated_at LIMIT ?`,
		models.SessionUploading, database.Millis(cutoff), models.SessionAborted, limit,
	)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	var sessions []*models.UploadSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, database.Wrap(rows.Err())
}

// LivePaths returns the storage paths of sessions that still own their temp file.
func (s *Store) LivePaths(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT storage_path FROM upload_sessions WHERE status IN (?, ?)`,
		models.SessionUploading, models.SessionAborted,
	)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.UploadSession, error) {
	var (
		session   models.UploadSession
		chunks    []byte
		expiresAt int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&session.ID, &session.OwnerID, &session.FileName, &session.TotalSize, &session.ChunkSize,
		&session.TotalChunks, &chunks, &session.FileHash, &session.ChunkHashAlgorithm, &session.Status,
		&session.StoragePath, &session.MimeType, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, database.Wrap(err)
	}

	session.UploadedChunks, err = chunkset.FromBytes(session.TotalChunks, chunks)
	if err != nil {
		return nil, database.Wrap(err)
	}
	session.ExpiresAt = database.FromMillis(expiresAt)
	session.CreatedAt = database.FromMillis(createdAt)
	session.UpdatedAt = database.FromMillis(updatedAt)
	return &session, nil
}
