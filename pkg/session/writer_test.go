package session

import (
	"bytes"
	"crypto/md5" // #nosec G501
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lfingest/pkg/apperr"

	"github.com/stretchr/testify/suite"
)

// WriterTestSuite tests positional chunk writes.
type WriterTestSuite struct {
	suite.Suite
	tempDir string
	writer  *ChunkWriter
}

func (s *WriterTestSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "chunk-writer-test-*")
	s.Require().NoError(err)

	s.writer, err = NewChunkWriter(filepath.Join(s.tempDir, "uploads"))
	s.Require().NoError(err)
}

func (s *WriterTestSuite) TearDownTest() {
	os.RemoveAll(s.tempDir)
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:])
}

func (s *WriterTestSuite) fileSize(path string) int64 {
	size, err := s.writer.Size(path)
	s.Require().NoError(err)
	return size
}

// TestPreallocate tests the exact length of a new upload file.
func (s *WriterTestSuite) TestPreallocate() {
	path := s.writer.PathFor("abc")
	s.Equal(filepath.Join(s.tempDir, "uploads", "abc.upload"), path)

	s.Require().NoError(s.writer.Preallocate(path, 12345))
	s.Equal(int64(12345), s.fileSize(path))

	s.Error(s.writer.Preallocate(path, 10), "an existing file is never reused")
	s.Equal(int64(12345), s.fileSize(path))
}

// TestWriteRangeAtOffset tests that bytes land at the offset without changing the length.
func (s *WriterTestSuite) TestWriteRangeAtOffset() {
	path := s.writer.PathFor("offset")
	s.Require().NoError(s.writer.Preallocate(path, 10))

	h, err := NewChunkHash(ChunkHashMD5)
	s.Require().NoError(err)
	digest, err := s.writer.WriteRange(path, 6, 4, strings.NewReader("WXYZ"), h)
	s.Require().NoError(err)
	s.Equal(md5Hex([]byte("WXYZ")), digest)

	content, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(append(make([]byte, 6), []byte("WXYZ")...), content)
	s.Equal(int64(10), s.fileSize(path))

	h, err = NewChunkHash(ChunkHashMD5)
	s.Require().NoError(err)
	reread, err := s.writer.HashRange(path, 6, 4, h)
	s.Require().NoError(err)
	s.Equal(digest, reread)
}

// TestWriteRangeShortBody tests a body that ends early.
func (s *WriterTestSuite) TestWriteRangeShortBody() {
	path := s.writer.PathFor("short")
	s.Require().NoError(s.writer.Preallocate(path, 8))

	h, _ := NewChunkHash(ChunkHashMD5)
	_, err := s.writer.WriteRange(path, 0, 8, strings.NewReader("abc"), h)
	s.ErrorIs(err, apperr.ErrValidation)
	s.Equal(int64(8), s.fileSize(path))
}

// TestWriteRangeLongBody tests a body with bytes past the declared length.
func (s *WriterTestSuite) TestWriteRangeLongBody() {
	path := s.writer.PathFor("long")
	s.Require().NoError(s.writer.Preallocate(path, 4))

	h, _ := NewChunkHash(ChunkHashMD5)
	_, err := s.writer.WriteRange(path, 0, 4, strings.NewReader("abcdef"), h)
	s.ErrorIs(err, apperr.ErrValidation)
	s.Equal(int64(4), s.fileSize(path), "nothing is written past the declared range")
}

// TestWriteRangeMissingFile tests writing after the file was removed.
func (s *WriterTestSuite) TestWriteRangeMissingFile() {
	h, _ := NewChunkHash(ChunkHashMD5)
	_, err := s.writer.WriteRange(s.writer.PathFor("gone"), 0, 1, bytes.NewReader([]byte{1}), h)
	s.ErrorIs(err, apperr.ErrInvalidState)
}

// TestHashRangeBeyondEnd tests re-verification past the end of the file.
func (s *WriterTestSuite) TestHashRangeBeyondEnd() {
	path := s.writer.PathFor("tiny")
	s.Require().NoError(s.writer.Preallocate(path, 2))

	h, _ := NewChunkHash(ChunkHashMD5)
	_, err := s.writer.HashRange(path, 0, 4, h)
	s.ErrorIs(err, apperr.ErrIntegrity)
}

// TestHashFile tests the whole-file digest.
func (s *WriterTestSuite) TestHashFile() {
	path := s.writer.PathFor("whole")
	s.Require().NoError(os.WriteFile(path, []byte("hello"), 0o600))

	digest, err := s.writer.HashFile(path)
	s.Require().NoError(err)
	s.Equal("2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", digest)
}

// TestRemoveTolerant tests that a missing file is not an error.
func (s *WriterTestSuite) TestRemoveTolerant() {
	path := s.writer.PathFor("rm")
	s.Require().NoError(s.writer.Preallocate(path, 1))
	s.NoError(s.writer.Remove(path))
	s.NoError(s.writer.Remove(path))
}

// TestChunkHashAlgorithms tests the supported per-chunk algorithms.
func (s *WriterTestSuite) TestChunkHashAlgorithms() {
	for algorithm, size := range map[string]int{ChunkHashMD5: 16, ChunkHashSHA1: 20, ChunkHashBLAKE2b: 32} {
		h, err := NewChunkHash(algorithm)
		s.Require().NoError(err, algorithm)
		s.Equal(size, h.Size(), algorithm)
	}

	_, err := NewChunkHash("crc32")
	s.ErrorIs(err, apperr.ErrValidation)
}

// TestValidFileHash tests declared whole-file digest validation.
func (s *WriterTestSuite) TestValidFileHash() {
	s.True(ValidFileHash(strings.Repeat("ab", 32)))
	s.False(ValidFileHash(strings.Repeat("ab", 31)))
	s.False(ValidFileHash(strings.Repeat("zz", 32)))
	s.Equal(strings.Repeat("ab", 32), NormalizeHash(" "+strings.Repeat("AB", 32)+"\n"))
}

// TestSanitizeFileName tests client file name cleanup.
func (s *WriterTestSuite) TestSanitizeFileName() {
	testCases := []struct {
		input    string
		expected string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\file.zip`, "file.zip"},
		{"bad\x00name\n.txt", "badname.txt"},
		{"   ", ""},
		{"..", ""},
		{strings.Repeat("a", 300), strings.Repeat("a", 255)},
	}

	for _, tc := range testCases {
		s.Equal(tc.expected, SanitizeFileName(tc.input), tc.input)
	}
}

func TestWriterSuite(t *testing.T) {
	suite.Run(t, new(WriterTestSuite))
}
