package session

import (
	"crypto/md5"  // #nosec G501 - chunk transport checksum, not a security boundary
	"crypto/sha1" // #nosec G505 - chunk transport checksum, not a security boundary
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"lfingest/pkg/apperr"

	"golang.org/x/crypto/blake2b"
)

// Per-chunk hash algorithms. The whole-file hash is always SHA-256.
const (
	ChunkHashMD5     = "md5"
	ChunkHashSHA1    = "sha1"
	ChunkHashBLAKE2b = "blake2b-256"
)

// sha256HexLength is the length of a hex encoded SHA-256 digest.
const sha256HexLength = 64

// NewChunkHash returns a hash for the named per-chunk algorithm.
func NewChunkHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case ChunkHashMD5:
		return md5.New(), nil // #nosec G401
	case ChunkHashSHA1:
		return sha1.New(), nil // #nosec G401
	case ChunkHashBLAKE2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: unknown chunk hash algorithm %q", apperr.ErrValidation, algorithm)
	}
}

// NewFileHash returns the whole-file hash.
func NewFileHash() hash.Hash {
	return sha256.New()
}

// NormalizeHash lowercases and trims a hex digest supplied by a client.
func NormalizeHash(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// ValidFileHash reports whether value is a hex encoded SHA-256 digest.
func ValidFileHash(value string) bool {
	if len(value) != sha256HexLength {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}

func digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}
