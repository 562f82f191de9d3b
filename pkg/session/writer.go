package session

import (
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"lfingest/pkg/apperr"
	"lfingest/pkg/fsutil"
	"lfingest/pkg/log"
)

// UploadSuffix marks pipeline temp files; the garbage collector only touches these.
const UploadSuffix = ".upload"

const (
	dirPermissions  = 0o750
	filePermissions = 0o600
)

// ChunkWriter performs positional writes into preallocated session files.
// Distinct chunk indices map to disjoint byte ranges and each call opens its
// own handle, so concurrent writes of different chunks need no locking.
type ChunkWriter struct {
	root string
}

// NewChunkWriter creates the storage root if needed.
func NewChunkWriter(root string) (*ChunkWriter, error) {
	if err := os.MkdirAll(root, dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &ChunkWriter{root: root}, nil
}

// Root returns the storage root.
func (w *ChunkWriter) Root() string {
	return w.root
}

// PathFor returns the temp file path of a session.
func (w *ChunkWriter) PathFor(sessionID string) string {
	return filepath.Join(w.root, sessionID+UploadSuffix)
}

// Preallocate creates path with exactly size bytes. The file must not exist.
func (w *ChunkWriter) Preallocate(path string, size int64) error {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, filePermissions) // #nosec G304 - path derived from session id
	if err != nil {
		return fmt.Errorf("failed to create upload file: %w", err)
	}

	if err := preallocate(file, size); err != nil {
		_ = file.Close()
		_, _ = fsutil.Remove(path)
		return fmt.Errorf("failed to preallocate %d bytes: %w", size, err)
	}

	if err := file.Close(); err != nil {
		_, _ = fsutil.Remove(path)
		return fmt.Errorf("failed to close upload file: %w", err)
	}
	return nil
}

// WriteRange streams exactly length bytes from body to offset while feeding h.
// A body shorter or longer than length is a validation error. It returns the
// hex digest of the bytes written.
func (w *ChunkWriter) WriteRange(path string, offset, length int64, body io.Reader, h hash.Hash) (string, error) {
	file, err := os.OpenFile(path, os.O_WRONLY, 0) // #nosec G304 - path derived from session id
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: upload file is gone", apperr.ErrInvalidState)
	}
	if err != nil {
		return "", fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("path", path).Msg("Failed to close upload file")
		}
	}()

	target := io.MultiWriter(io.NewOffsetWriter(file, offset), h)
	written, err := io.CopyN(target, body, length)
	if errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: body ended after %d of %d bytes", apperr.ErrValidation, written, length)
	}
	if err != nil {
		return "", fmt.Errorf("failed to write chunk: %w", err)
	}

	// Any byte past length means the declared length was wrong.
	var overflow [1]byte
	extra, err := io.ReadFull(body, overflow[:])
	if extra > 0 {
		return "", fmt.Errorf("%w: body longer than %d bytes", apperr.ErrValidation, length)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read chunk body: %w", err)
	}

	return digest(h), nil
}

// HashRange hashes length bytes at offset of path with h.
func (w *ChunkWriter) HashRange(path string, offset, length int64, h hash.Hash) (string, error) {
	file, err := os.Open(path) // #nosec G304 - path derived from session id
	if err != nil {
		return "", fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("path", path).Msg("Failed to close upload file")
		}
	}()

	read, err := io.Copy(h, io.NewSectionReader(file, offset, length))
	if err != nil {
		return "", fmt.Errorf("failed to read chunk range: %w", err)
	}
	if read != length {
		return "", fmt.Errorf("%w: range [%d, %d) is beyond end of file", apperr.ErrIntegrity, offset, offset+length)
	}
	return digest(h), nil
}

// HashFile streams the whole file through the whole-file hash.
func (w *ChunkWriter) HashFile(path string) (string, error) {
	file, err := os.Open(path) // #nosec G304 - path derived from session id
	if err != nil {
		return "", fmt.Errorf("failed to open upload file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("path", path).Msg("Failed to close upload file")
		}
	}()

	h := NewFileHash()
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("failed to hash upload file: %w", err)
	}
	return digest(h), nil
}

// Size returns the current length of path.
func (w *ChunkWriter) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Truncate cuts path down to size bytes.
func (w *ChunkWriter) Truncate(path string, size int64) error {
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("failed to truncate upload file: %w", err)
	}
	return nil
}

// Remove deletes path; a missing file is success.
func (w *ChunkWriter) Remove(path string) error {
	removed, err := fsutil.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove upload file: %w", err)
	}
	if removed {
		log.Debug().Str("path", path).Msg("Upload file removed")
	}
	return nil
}
