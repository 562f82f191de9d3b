// Package session implements resumable chunked uploads: the session store,
// the positional chunk writer, and the service that orchestrates init, chunk
// writes, status, completion and abort against the quota ledger.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"lfingest/pkg/apperr"
	"lfingest/pkg/audit"
	"lfingest/pkg/chunkset"
	"lfingest/pkg/database"
	"lfingest/pkg/log"
	"lfingest/pkg/metrics"
	"lfingest/pkg/models"
	"lfingest/pkg/notify"
	"lfingest/pkg/resource"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const maxFileNameLength = 255

// Ledger is the part of the quota ledger the session lifecycle uses.
type Ledger interface {
	IsExceeded(ctx context.Context, owner string, amount int64) (bool, error)
	AdjustUsed(ctx context.Context, owner string, action models.QuotaAction, amount int64, reason, sessionID string) (models.Quota, error)
	Withdraw(ctx context.Context, owner, sessionID string) (bool, error)
}

// BanChecker reports whether an owner is currently banned from uploading.
type BanChecker interface {
	IsBanned(ctx context.Context, owner string) (bool, error)
}

// Limits bounds what a client may request.
type Limits struct {
	DefaultChunkSize   int64
	MinChunkSize       int64
	MaxChunkSize       int64
	MaxFileSize        int64
	MaxChunks          int
	SessionTTL         time.Duration
	ChunkHashAlgorithm string
}

// Deps are the collaborators of the service. Bans, Audit, Notifier and Metrics are optional.
type Deps struct {
	DB       *sql.DB
	Writer   *ChunkWriter
	Ledger   Ledger
	Bans     BanChecker
	Audit    *audit.Logger
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
}

// Service runs the upload session lifecycle.
type Service struct {
	db       *sql.DB
	writer   *ChunkWriter
	ledger   Ledger
	bans     BanChecker
	audit    *audit.Logger
	notifier notify.Notifier
	metrics  *metrics.Metrics
	limits   Limits
	now      func() time.Time
}

// NewService creates a session service.
func NewService(deps Deps, limits Limits) *Service {
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if limits.ChunkHashAlgorithm == "" {
		limits.ChunkHashAlgorithm = ChunkHashMD5
	}

	return &Service{
		db:       deps.DB,
		writer:   deps.Writer,
		ledger:   deps.Ledger,
		bans:     deps.Bans,
		audit:    deps.Audit,
		notifier: notifier,
		metrics:  deps.Metrics,
		limits:   limits,
		now:      time.Now,
	}
}

// Init validates the request, checks admission, preallocates the temp file,
// creates the session and debits the quota.
func (s *Service) Init(ctx context.Context, owner string, req models.InitRequest) (*models.UploadSession, error) {
	fileName, chunkSize, totalChunks, fileHash, err := s.validateInit(req)
	if err != nil {
		return nil, err
	}

	if s.bans != nil {
		banned, err := s.bans.IsBanned(ctx, owner)
		if err != nil {
			return nil, err
		}
		if banned {
			return nil, fmt.Errorf("%w: uploads suspended for this account", apperr.ErrForbidden)
		}
	}

	exceeded, err := s.ledger.IsExceeded(ctx, owner, req.TotalSize)
	if err != nil {
		return nil, err
	}
	if exceeded {
		return nil, fmt.Errorf("%w: %d bytes requested", apperr.ErrQuotaExceeded, req.TotalSize)
	}

	now := s.now().UTC()
	id := uuid.NewString()
	session := &models.UploadSession{
		ID:                 id,
		OwnerID:            owner,
		FileName:           fileName,
		TotalSize:          req.TotalSize,
		ChunkSize:          chunkSize,
		TotalChunks:        totalChunks,
		UploadedChunks:     chunkset.New(totalChunks),
		FileHash:           fileHash,
		ChunkHashAlgorithm: s.limits.ChunkHashAlgorithm,
		Status:             models.SessionUploading,
		StoragePath:        s.writer.PathFor(id),
		ExpiresAt:          now.Add(s.limits.SessionTTL),
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.writer.Preallocate(session.StoragePath, session.TotalSize); err != nil {
		return nil, err
	}

	if err := NewStore(s.db).Create(ctx, session); err != nil {
		s.removeFile(session.StoragePath)
		return nil, err
	}

	// The session exists but is unusable until the debit succeeds.
	if _, err := s.ledger.AdjustUsed(ctx, owner, models.QuotaActionUse, session.TotalSize, "upload session", session.ID); err != nil {
		if _, abortErr := Transition(ctx, s.db, session.ID, models.SessionAborted, s.now(), nil); abortErr != nil {
			log.Error().Err(abortErr).Str("session_id", session.ID).Msg("Failed to abort session after debit failure")
		}
		s.removeFile(session.StoragePath)
		return nil, err
	}

	s.metrics.Session(string(models.SessionUploading))
	s.audit.LogSession(owner, session.ID, audit.ActionInit, "")
	log.Info().
		Str("session_id", session.ID).
		Str("owner_id", owner).
		Int64("total_size", session.TotalSize).
		Int("total_chunks", session.TotalChunks).
		Msg("Upload session created")
	return session, nil
}

func (s *Service) validateInit(req models.InitRequest) (string, int64, int, string, error) {
	fileName := SanitizeFileName(req.FileName)
	if fileName == "" {
		return "", 0, 0, "", fmt.Errorf("%w: file_name is required", apperr.ErrValidation)
	}

	if req.TotalSize <= 0 {
		return "", 0, 0, "", fmt.Errorf("%w: total_size must be positive", apperr.ErrValidation)
	}
	if s.limits.MaxFileSize > 0 && req.TotalSize > s.limits.MaxFileSize {
		return "", 0, 0, "", fmt.Errorf("%w: total_size %d exceeds the %d byte limit", apperr.ErrValidation, req.TotalSize, s.limits.MaxFileSize)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = s.limits.DefaultChunkSize
	}
	if chunkSize <= 0 || chunkSize < s.limits.MinChunkSize || (s.limits.MaxChunkSize > 0 && chunkSize > s.limits.MaxChunkSize) {
		return "", 0, 0, "", fmt.Errorf("%w: chunk_size %d outside [%d, %d]", apperr.ErrValidation, chunkSize, s.limits.MinChunkSize, s.limits.MaxChunkSize)
	}

	totalChunks := models.TotalChunksFor(req.TotalSize, chunkSize)
	if s.limits.MaxChunks > 0 && totalChunks > int64(s.limits.MaxChunks) {
		return "", 0, 0, "", fmt.Errorf("%w: %d chunks exceeds the limit of %d", apperr.ErrValidation, totalChunks, s.limits.MaxChunks)
	}

	fileHash := NormalizeHash(req.FileHash)
	if !ValidFileHash(fileHash) {
		return "", 0, 0, "", fmt.Errorf("%w: file_hash must be a hex encoded SHA-256 digest", apperr.ErrValidation)
	}

	return fileName, chunkSize, int(totalChunks), fileHash, nil
}

// WriteChunk stores chunk index of a session after verifying its hash.
// Re-sending a recorded chunk re-verifies the bytes on disk and changes nothing.
func (s *Service) WriteChunk(ctx context.Context, owner, sessionID string, index int, declaredHash string, body io.Reader, contentLength int64) error {
	session, err := s.load(ctx, owner, sessionID)
	if err != nil {
		return err
	}
	if err := s.requireWritable(session); err != nil {
		return err
	}

	if index < 0 || index >= session.TotalChunks {
		return fmt.Errorf("%w: chunk index %d outside [0, %d)", apperr.ErrValidation, index, session.TotalChunks)
	}
	expected := session.ChunkLength(index)
	if contentLength != expected {
		return fmt.Errorf("%w: chunk %d must be %d bytes, got %d", apperr.ErrValidation, index, expected, contentLength)
	}

	declaredHash = NormalizeHash(declaredHash)
	if declaredHash == "" {
		return fmt.Errorf("%w: chunk hash is required", apperr.ErrValidation)
	}

	h, err := NewChunkHash(session.ChunkHashAlgorithm)
	if err != nil {
		return err
	}

	offset := session.ChunkOffset(index)
	if session.UploadedChunks.Has(index) {
		// TODO: skip the range re-read when declaredHash equals the stored chunk digest.
		actual, err := s.writer.HashRange(session.StoragePath, offset, expected, h)
		if err != nil {
			return err
		}
		if actual != declaredHash {
			s.metrics.Chunk("integrity_error", 0)
			return fmt.Errorf("%w: chunk %d on disk does not match the declared hash", apperr.ErrIntegrity, index)
		}
		s.metrics.Chunk("duplicate", 0)
		return nil
	}

	actual, err := s.writer.WriteRange(session.StoragePath, offset, expected, body, h)
	if err != nil {
		s.metrics.Chunk("error", 0)
		return err
	}
	if actual != declaredHash {
		s.metrics.Chunk("integrity_error", 0)
		return fmt.Errorf("%w: chunk %d hash mismatch", apperr.ErrIntegrity, index)
	}

	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		store := NewStore(tx)
		current, err := store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.Status != models.SessionUploading {
			return fmt.Errorf("%w: session is %s", apperr.ErrInvalidState, current.Status)
		}
		// A concurrent writer of the same index may have recorded it first.
		// These bytes landed last, so their digest is the one Complete checks.
		if err := store.SaveChunkDigest(ctx, sessionID, index, actual); err != nil {
			return err
		}
		added, err := current.UploadedChunks.Add(index)
		if err != nil {
			return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
		}
		if !added {
			return nil
		}
		return store.SaveChunks(ctx, sessionID, current.UploadedChunks, s.now())
	})
	if err != nil {
		return err
	}

	s.metrics.Chunk("written", expected)
	log.Debug().Str("session_id", sessionID).Int("chunk_index", index).Msg("Chunk stored")
	return nil
}

// Status reports the progress of a session.
func (s *Service) Status(ctx context.Context, owner, sessionID string) (*models.SessionStatusView, error) {
	session, err := s.load(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}

	return &models.SessionStatusView{
		Status:         session.Status,
		UploadedChunks: session.UploadedChunks.Indices(),
		TotalChunks:    session.TotalChunks,
		ChunkSize:      session.ChunkSize,
		TotalSize:      session.TotalSize,
		ExpiresAt:      session.ExpiresAt,
	}, nil
}

// Complete verifies the whole-file hash and turns the session into a resource file.
// On a hash mismatch the session stays UPLOADING and every recorded chunk whose
// bytes no longer match its digest is cleared, so the client can resend it.
func (s *Service) Complete(ctx context.Context, owner, sessionID string) (*models.ResourceFile, error) {
	session, err := s.load(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireWritable(session); err != nil {
		return nil, err
	}
	if missing := session.UploadedChunks.Missing(); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %d of %d chunks missing, first is %d",
			apperr.ErrInvalidState, len(missing), session.TotalChunks, missing[0])
	}

	size, err := s.writer.Size(session.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat upload file: %w", err)
	}
	if size > session.TotalSize {
		log.Warn().Str("session_id", sessionID).Int64("size", size).Int64("expected", session.TotalSize).Msg("Upload file grew past its declared size")
		if err := s.writer.Truncate(session.StoragePath, session.TotalSize); err != nil {
			return nil, err
		}
	}

	actual, err := s.writer.HashFile(session.StoragePath)
	if err != nil {
		return nil, err
	}
	if actual != session.FileHash {
		log.Warn().Str("session_id", sessionID).Str("expected", session.FileHash).Str("actual", actual).Msg("Whole-file hash mismatch")

		cleared, err := s.clearCorruptChunks(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if len(cleared) == 0 {
			return nil, fmt.Errorf("%w: file hash mismatch, every chunk matches its digest", apperr.ErrIntegrity)
		}
		return nil, fmt.Errorf("%w: file hash mismatch, chunks %v must be uploaded again", apperr.ErrIntegrity, cleared)
	}

	mimeType := detectMIME(session.StoragePath)

	var file *models.ResourceFile
	err = database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		completed, err := transition(ctx, NewStore(tx), sessionID, models.SessionCompleted, s.now(), func(current *models.UploadSession) error {
			if current.Expired(s.now()) {
				return fmt.Errorf("%w: session expired", apperr.ErrInvalidState)
			}
			current.MimeType = mimeType
			return nil
		})
		if err != nil {
			return err
		}

		now := s.now().UTC()
		file = &models.ResourceFile{
			ID:          uuid.NewString(),
			ResourceID:  completed.ID,
			SessionID:   completed.ID,
			OwnerID:     completed.OwnerID,
			FileName:    completed.FileName,
			Size:        completed.TotalSize,
			MimeType:    mimeType,
			LocalPath:   completed.StoragePath,
			FileStatus:  models.FileStatusUploadedLocal,
			CheckStatus: models.CheckPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return resource.NewStore(tx).Insert(ctx, file)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.Session(string(models.SessionCompleted))
	s.audit.LogSession(owner, sessionID, audit.ActionComplete, file.ID)
	s.notifier.Send(ctx, notify.Event{
		Type:      notify.EventUploadCompleted,
		OwnerID:   owner,
		SessionID: sessionID,
		FileID:    file.ID,
		Message:   file.FileName,
		Time:      s.now().UTC(),
	})
	log.Info().
		Str("session_id", sessionID).
		Str("file_id", file.ID).
		Str("mime_type", mimeType).
		Msg("Upload session completed")
	return file, nil
}

// clearCorruptChunks re-hashes every recorded chunk range and clears the ones
// that no longer match their stored digest. It returns the cleared indices.
func (s *Service) clearCorruptChunks(ctx context.Context, sessionID string) ([]int, error) {
	var cleared []int
	err := database.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		cleared = nil
		store := NewStore(tx)
		current, err := store.Get(ctx, sessionID)
		if err != nil {
			return err
		}
		if current.Status != models.SessionUploading {
			return fmt.Errorf("%w: session is %s", apperr.ErrInvalidState, current.Status)
		}

		digests, err := store.ChunkDigests(ctx, sessionID)
		if err != nil {
			return err
		}

		kept := current.UploadedChunks.Clone()
		for _, index := range current.UploadedChunks.Indices() {
			h, err := NewChunkHash(current.ChunkHashAlgorithm)
			if err != nil {
				return err
			}
			actual, err := s.writer.HashRange(current.StoragePath, current.ChunkOffset(index), current.ChunkLength(index), h)
			switch {
			case errors.Is(err, apperr.ErrIntegrity):
				// The range was cut off by a truncated file.
			case err != nil:
				return err
			default:
				if digest, ok := digests[index]; ok && digest == actual {
					continue
				}
			}
			if _, err := kept.Remove(index); err != nil {
				return fmt.Errorf("%w: %w", apperr.ErrValidation, err)
			}
			cleared = append(cleared, index)
		}

		if len(cleared) == 0 {
			return nil
		}
		if err := store.DeleteChunkDigests(ctx, sessionID, cleared); err != nil {
			return err
		}
		return store.SaveChunks(ctx, sessionID, kept, s.now())
	})
	if err != nil {
		return nil, err
	}

	if len(cleared) > 0 {
		s.metrics.Chunk("cleared", 0)
		log.Warn().Str("session_id", sessionID).Ints("chunks", cleared).Msg("Cleared chunks that no longer match their digest")
	}
	return cleared, nil
}

// Abort cancels an uploading session, withdraws its debit and deletes its temp file.
func (s *Service) Abort(ctx context.Context, owner, sessionID string) error {
	session, err := s.load(ctx, owner, sessionID)
	if err != nil {
		return err
	}
	if session.Status != models.SessionUploading {
		return fmt.Errorf("%w: cannot abort a %s session", apperr.ErrInvalidState, session.Status)
	}

	if _, err := Transition(ctx, s.db, sessionID, models.SessionAborted, s.now(), nil); err != nil {
		return err
	}

	_, err = s.ledger.Withdraw(ctx, owner, sessionID)
	if errors.Is(err, apperr.ErrInvalidState) {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Debit of aborted session left in place")
	} else if err != nil {
		return err
	}
	if err := s.writer.Remove(session.StoragePath); err != nil {
		// The garbage collector reclaims the file on its next sweep.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to remove aborted upload file")
	}

	s.metrics.Session(string(models.SessionAborted))
	s.audit.LogSession(owner, sessionID, audit.ActionAbort, "")
	s.notifier.Send(ctx, notify.Event{
		Type:      notify.EventUploadAborted,
		OwnerID:   owner,
		SessionID: sessionID,
		Time:      s.now().UTC(),
	})
	log.Info().Str("session_id", sessionID).Msg("Upload session aborted")
	return nil
}

// load fetches a session owned by owner. Sessions of other owners are reported
// as missing so ids do not leak.
func (s *Service) load(ctx context.Context, owner, sessionID string) (*models.UploadSession, error) {
	session, err := NewStore(s.db).Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.OwnerID != owner {
		return nil, fmt.Errorf("%w: session %s", apperr.ErrNotFound, sessionID)
	}
	return session, nil
}

func (s *Service) requireWritable(session *models.UploadSession) error {
	if session.Status != models.SessionUploading {
		return fmt.Errorf("%w: session is %s", apperr.ErrInvalidState, session.Status)
	}
	if session.Expired(s.now()) {
		return fmt.Errorf("%w: session expired", apperr.ErrInvalidState)
	}
	return nil
}

func (s *Service) removeFile(path string) {
	if err := s.writer.Remove(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove upload file")
	}
}

// Transition moves a session to status `to` inside its own transaction.
// The row is re-read under the write lock; mutate may adjust it or veto with an error.
func Transition(ctx context.Context, db *sql.DB, id string, to models.SessionStatus, now time.Time, mutate func(*models.UploadSession) error) (*models.UploadSession, error) {
	var session *models.UploadSession
	err := database.WithTx(ctx, db, func(tx *sql.Tx) error {
		var err error
		session, err = transition(ctx, NewStore(tx), id, to, now, mutate)
		return err
	})
	return session, err
}

func transition(ctx context.Context, store *Store, id string, to models.SessionStatus, now time.Time, mutate func(*models.UploadSession) error) (*models.UploadSession, error) {
	session, err := store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: session cannot move from %s to %s", apperr.ErrInvalidState, session.Status, to)
	}
	if mutate != nil {
		if err := mutate(session); err != nil {
			return nil, err
		}
	}

	session.Status = to
	session.UpdatedAt = now.UTC()
	if err := store.SaveStatus(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// SanitizeFileName strips directories and control characters from a client file name.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" || name == ".." {
		return ""
	}

	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)

	runes := []rune(name)
	if len(runes) > maxFileNameLength {
		name = string(runes[:maxFileNameLength])
	}
	return strings.TrimSpace(name)
}

func detectMIME(path string) string {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to detect MIME type")
		return "application/octet-stream"
	}
	return detected.String()
}
