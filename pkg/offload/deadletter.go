package offload

import (
	"context"
	"time"

	"lfingest/pkg/database"
	"lfingest/pkg/models"
)

// DeadLetterStore keeps offload jobs that exhausted their retries.
// Dead-lettered files are skipped by the offload listing until removed.
type DeadLetterStore struct {
	q database.Querier
}

// NewDeadLetterStore creates a dead letter store on q.
func NewDeadLetterStore(q database.Querier) *DeadLetterStore {
	return &DeadLetterStore{q: q}
}

// Record stores or refreshes the dead letter of a file.
func (d *DeadLetterStore) Record(ctx context.Context, fileID string, attempts int, lastErr string, now time.Time) error {
	_, err := d.q.ExecContext(ctx,
		`INSERT INTO offload_dead_letters (file_id, attempts, last_error, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET attempts = excluded.attempts, last_error = excluded.last_error`,
		fileID, attempts, lastErr, database.Millis(now),
	)
	return database.Wrap(err)
}

// List returns up to limit dead letters, oldest first.
func (d *DeadLetterStore) List(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := d.q.QueryContext(ctx,
		`SELECT file_id, attempts, last_error, created_at FROM offload_dead_letters ORDER BY created_at LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, database.Wrap(err)
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var (
			letter    models.DeadLetter
			createdAt int64
		)
		if err := rows.Scan(&letter.FileID, &letter.Attempts, &letter.LastError, &createdAt); err != nil {
			return nil, database.Wrap(err)
		}
		letter.CreatedAt = database.FromMillis(createdAt)
		letters = append(letters, letter)
	}
	return letters, database.Wrap(rows.Err())
}

// Remove deletes the dead letter of a file so it can be offloaded again.
// It reports whether a dead letter existed.
func (d *DeadLetterStore) Remove(ctx context.Context, fileID string) (bool, error) {
	result, err := d.q.ExecContext(ctx, `DELETE FROM offload_dead_letters WHERE file_id = ?`, fileID)
	if err != nil {
		return false, database.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, database.Wrap(err)
	}
	return affected > 0, nil
}
