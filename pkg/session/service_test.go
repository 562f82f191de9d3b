package session

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"lfingest/pkg/apperr"
	"lfingest/pkg/database"
	"lfingest/pkg/models"
	"lfingest/pkg/quota"
	"lfingest/pkg/resource"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

const (
	testQuotaSize = 64 * 1024 * 1024
	testOwner     = "owner1"
)

type mockBans struct {
	mock.Mock
}

func (m *mockBans) IsBanned(ctx context.Context, owner string) (bool, error) {
	args := m.Called(ctx, owner)
	return args.Bool(0), args.Error(1)
}

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) IsExceeded(ctx context.Context, owner string, amount int64) (bool, error) {
	args := m.Called(ctx, owner, amount)
	return args.Bool(0), args.Error(1)
}

func (m *mockLedger) AdjustUsed(ctx context.Context, owner string, action models.QuotaAction, amount int64, reason, sessionID string) (models.Quota, error) {
	args := m.Called(ctx, owner, action, amount, reason, sessionID)
	return args.Get(0).(models.Quota), args.Error(1)
}

func (m *mockLedger) Withdraw(ctx context.Context, owner, sessionID string) (bool, error) {
	args := m.Called(ctx, owner, sessionID)
	return args.Bool(0), args.Error(1)
}

// ServiceTestSuite tests the upload session lifecycle end to end on SQLite and a temp dir.
type ServiceTestSuite struct {
	suite.Suite
	tempDir string
	db      *sql.DB
	writer  *ChunkWriter
	ledger  *quota.Ledger
	service *Service
	ctx     context.Context
	clock   time.Time
}

func (s *ServiceTestSuite) SetupTest() {
	var err error
	s.tempDir, err = os.MkdirTemp("", "session-service-test-*")
	s.Require().NoError(err)

	s.ctx = context.Background()
	s.db, err = database.Open(s.ctx, filepath.Join(s.tempDir, "ingest.db"))
	s.Require().NoError(err)

	s.writer, err = NewChunkWriter(filepath.Join(s.tempDir, "uploads"))
	s.Require().NoError(err)

	s.ledger = quota.NewLedger(s.db, testQuotaSize)
	s.clock = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.service = s.newService(Deps{Ledger: s.ledger}, ChunkHashMD5)
}

func (s *ServiceTestSuite) TearDownTest() {
	if s.db != nil {
		s.db.Close()
	}
	os.RemoveAll(s.tempDir)
}

func (s *ServiceTestSuite) newService(deps Deps, algorithm string) *Service {
	deps.DB = s.db
	deps.Writer = s.writer
	service := NewService(deps, Limits{
		DefaultChunkSize:   4,
		MinChunkSize:       1,
		MaxChunkSize:       8 * 1024 * 1024,
		MaxFileSize:        32 * 1024 * 1024,
		MaxChunks:          100,
		SessionTTL:         24 * time.Hour,
		ChunkHashAlgorithm: algorithm,
	})
	service.now = func() time.Time { return s.clock }
	return service
}

func randomBytes(size int, seed int64) []byte {
	data := make([]byte, size)
	rng := rand.New(rand.NewSource(seed)) // #nosec G404 - test data
	_, _ = rng.Read(data)
	return data
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *ServiceTestSuite) initSession(data []byte, chunkSize int64) *models.UploadSession {
	session, err := s.service.Init(s.ctx, testOwner, models.InitRequest{
		FileName:  "archive.bin",
		TotalSize: int64(len(data)),
		ChunkSize: chunkSize,
		FileHash:  sha256Hex(data),
	})
	s.Require().NoError(err)
	return session
}

func chunkOf(data []byte, chunkSize int64, index int) []byte {
	start := int64(index) * chunkSize
	end := start + chunkSize
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return data[start:end]
}

func (s *ServiceTestSuite) writeChunk(session *models.UploadSession, data []byte, index int) error {
	chunk := chunkOf(data, session.ChunkSize, index)
	return s.service.WriteChunk(s.ctx, testOwner, session.ID, index, md5Hex(chunk), bytes.NewReader(chunk), int64(len(chunk)))
}

func (s *ServiceTestSuite) used() int64 {
	current, err := s.ledger.GetQuota(s.ctx, testOwner)
	s.Require().NoError(err)
	return current.Used
}

// TestInitValidation tests request validation before any side effect.
func (s *ServiceTestSuite) TestInitValidation() {
	validHash := sha256Hex([]byte("x"))
	testCases := []struct {
		name string
		req  models.InitRequest
	}{
		{"zero size", models.InitRequest{FileName: "a", TotalSize: 0, FileHash: validHash}},
		{"negative size", models.InitRequest{FileName: "a", TotalSize: -5, FileHash: validHash}},
		{"too large", models.InitRequest{FileName: "a", TotalSize: 33 * 1024 * 1024, ChunkSize: 1024 * 1024, FileHash: validHash}},
		{"too many chunks", models.InitRequest{FileName: "a", TotalSize: 101, ChunkSize: 1, FileHash: validHash}},
		{"chunk too large", models.InitRequest{FileName: "a", TotalSize: 10, ChunkSize: 9 * 1024 * 1024, FileHash: validHash}},
		{"bad hash", models.InitRequest{FileName: "a", TotalSize: 10, FileHash: "abc"}},
		{"empty name", models.InitRequest{FileName: "../", TotalSize: 10, FileHash: validHash}},
	}

	for _, tc := range testCases {
		_, err := s.service.Init(s.ctx, testOwner, tc.req)
		s.ErrorIs(err, apperr.ErrValidation, tc.name)
	}

	entries, err := os.ReadDir(s.writer.Root())
	s.Require().NoError(err)
	s.Empty(entries, "validation failures leave no files behind")
}

// TestInitPreallocatesAndDebits tests the side effects of a successful init.
func (s *ServiceTestSuite) TestInitPreallocatesAndDebits() {
	data := randomBytes(10, 1)
	session := s.initSession(data, 4)

	s.Equal(3, session.TotalChunks)
	s.Equal(models.SessionUploading, session.Status)
	s.Equal(s.clock.Add(24*time.Hour), session.ExpiresAt)

	size, err := s.writer.Size(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(int64(10), size)
	s.Equal(int64(10), s.used())
}

// TestScenarioChunkLengthValidation tests the 10 MB / 4 MB example with a wrong last chunk length.
func (s *ServiceTestSuite) TestScenarioChunkLengthValidation() {
	const totalSize = 10_000_000
	const chunkSize = 4_000_000
	data := randomBytes(totalSize, 2)
	session := s.initSession(data, chunkSize)
	s.Equal(3, session.TotalChunks)

	s.Require().NoError(s.writeChunk(session, data, 0))
	s.Require().NoError(s.writeChunk(session, data, 1))

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal([]int{0, 1}, status.UploadedChunks)

	last := chunkOf(data, chunkSize, 2)
	s.Require().Len(last, 2_000_000)
	short := last[:1_999_999]
	err = s.service.WriteChunk(s.ctx, testOwner, session.ID, 2, md5Hex(short), bytes.NewReader(short), int64(len(short)))
	s.ErrorIs(err, apperr.ErrValidation)

	status, err = s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal([]int{0, 1}, status.UploadedChunks, "chunk 2 is not recorded")

	s.Require().NoError(s.writeChunk(session, data, 2))
	file, err := s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal(int64(totalSize), file.Size)
}

// TestOrderIndependence tests reordered and duplicated chunk delivery.
func (s *ServiceTestSuite) TestOrderIndependence() {
	data := randomBytes(23, 3)
	session := s.initSession(data, 4)
	s.Equal(6, session.TotalChunks)

	for _, index := range []int{5, 2, 2, 0, 4, 1, 5, 3, 0} {
		s.Require().NoError(s.writeChunk(session, data, index))

		size, err := s.writer.Size(session.StoragePath)
		s.Require().NoError(err)
		s.Equal(int64(len(data)), size, "file length never changes")
	}

	_, err := s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)

	content, err := os.ReadFile(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(data, content)
}

// TestDuplicateChunkIsReverified tests idempotent re-verification of a recorded chunk.
func (s *ServiceTestSuite) TestDuplicateChunkIsReverified() {
	data := randomBytes(8, 4)
	session := s.initSession(data, 4)
	s.Require().NoError(s.writeChunk(session, data, 0))

	// Same bytes again: accepted without change.
	s.NoError(s.writeChunk(session, data, 0))

	// A different declared hash for a recorded index is an integrity error.
	other := []byte("zzzz")
	err := s.service.WriteChunk(s.ctx, testOwner, session.ID, 0, md5Hex(other), bytes.NewReader(other), 4)
	s.ErrorIs(err, apperr.ErrIntegrity)

	content, err := os.ReadFile(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(data[:4], content[:4], "recorded bytes are not overwritten")
}

// TestChunkHashMismatchIsNotRecorded tests that a bad chunk can be retried.
func (s *ServiceTestSuite) TestChunkHashMismatchIsNotRecorded() {
	data := randomBytes(8, 5)
	session := s.initSession(data, 4)

	chunk := chunkOf(data, 4, 1)
	err := s.service.WriteChunk(s.ctx, testOwner, session.ID, 1, md5Hex([]byte("nope")), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrIntegrity)

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Empty(status.UploadedChunks)

	s.NoError(s.writeChunk(session, data, 1))
}

// TestWriteChunkValidation tests index, length and ownership checks.
func (s *ServiceTestSuite) TestWriteChunkValidation() {
	data := randomBytes(10, 6)
	session := s.initSession(data, 4)
	chunk := chunkOf(data, 4, 0)

	err := s.service.WriteChunk(s.ctx, testOwner, session.ID, 3, md5Hex(chunk), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrValidation)

	err = s.service.WriteChunk(s.ctx, testOwner, session.ID, -1, md5Hex(chunk), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrValidation)

	err = s.service.WriteChunk(s.ctx, testOwner, session.ID, 2, md5Hex(chunk), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrValidation, "last chunk must be the 2 byte remainder")

	err = s.service.WriteChunk(s.ctx, "intruder", session.ID, 0, md5Hex(chunk), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrNotFound)

	err = s.service.WriteChunk(s.ctx, testOwner, "missing", 0, md5Hex(chunk), bytes.NewReader(chunk), 4)
	s.ErrorIs(err, apperr.ErrNotFound)

	err = s.service.WriteChunk(s.ctx, testOwner, session.ID, 0, md5Hex(chunk), bytes.NewReader(chunk[:3]), 4)
	s.ErrorIs(err, apperr.ErrValidation, "body shorter than content length")
}

// TestExpiredSessionRejectsWrites tests lazy expiry on access.
func (s *ServiceTestSuite) TestExpiredSessionRejectsWrites() {
	data := randomBytes(8, 7)
	session := s.initSession(data, 4)

	s.clock = s.clock.Add(25 * time.Hour)
	err := s.writeChunk(session, data, 0)
	s.ErrorIs(err, apperr.ErrInvalidState)

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrInvalidState)
}

// TestCompleteRequiresAllChunks tests the missing chunk check.
func (s *ServiceTestSuite) TestCompleteRequiresAllChunks() {
	data := randomBytes(8, 8)
	session := s.initSession(data, 4)
	s.Require().NoError(s.writeChunk(session, data, 0))

	_, err := s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrInvalidState)
}

// TestCompleteDetectsFlippedByte tests that a changed byte fails completion
// and that the affected chunk can be uploaded again through WriteChunk.
func (s *ServiceTestSuite) TestCompleteDetectsFlippedByte() {
	data := randomBytes(12, 9)
	session := s.initSession(data, 4)
	for index := 0; index < session.TotalChunks; index++ {
		s.Require().NoError(s.writeChunk(session, data, index))
	}

	file, err := os.OpenFile(session.StoragePath, os.O_RDWR, 0)
	s.Require().NoError(err)
	_, err = file.WriteAt([]byte{data[7] ^ 0xFF}, 7)
	s.Require().NoError(err)
	s.Require().NoError(file.Close())

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrIntegrity)
	s.Contains(err.Error(), "[1]")

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionUploading, status.Status)
	s.Equal([]int{0, 2}, status.UploadedChunks, "only the corrupted chunk is cleared")

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrInvalidState, "a cleared chunk counts as missing")

	s.Require().NoError(s.writeChunk(session, data, 1))

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)

	content, err := os.ReadFile(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(data, content)
}

// TestCompleteAfterTruncation tests that chunks cut off by a shortened file are cleared.
func (s *ServiceTestSuite) TestCompleteAfterTruncation() {
	data := randomBytes(12, 15)
	session := s.initSession(data, 4)
	for index := 0; index < session.TotalChunks; index++ {
		s.Require().NoError(s.writeChunk(session, data, index))
	}
	s.Require().NoError(os.Truncate(session.StoragePath, 6))

	_, err := s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrIntegrity)

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal([]int{0}, status.UploadedChunks)

	s.Require().NoError(s.writeChunk(session, data, 2))
	s.Require().NoError(s.writeChunk(session, data, 1))
	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
}

// TestCompleteTrimsGrownFile tests that bytes past the declared size are cut before hashing.
func (s *ServiceTestSuite) TestCompleteTrimsGrownFile() {
	data := randomBytes(8, 16)
	session := s.initSession(data, 4)
	for index := 0; index < session.TotalChunks; index++ {
		s.Require().NoError(s.writeChunk(session, data, index))
	}

	file, err := os.OpenFile(session.StoragePath, os.O_WRONLY|os.O_APPEND, 0)
	s.Require().NoError(err)
	_, err = file.Write([]byte("trailing"))
	s.Require().NoError(err)
	s.Require().NoError(file.Close())

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)

	size, err := s.writer.Size(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(int64(len(data)), size)
}

// TestCompleteWithWrongFileHashClearsNothing tests a declared file hash that
// no chunk can satisfy.
func (s *ServiceTestSuite) TestCompleteWithWrongFileHashClearsNothing() {
	data := randomBytes(8, 12)
	session, err := s.service.Init(s.ctx, testOwner, models.InitRequest{
		FileName:  "archive.bin",
		TotalSize: int64(len(data)),
		ChunkSize: 4,
		FileHash:  sha256Hex([]byte("something else")),
	})
	s.Require().NoError(err)
	s.Require().NoError(s.writeChunk(session, data, 0))
	s.Require().NoError(s.writeChunk(session, data, 1))

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrIntegrity)

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal([]int{0, 1}, status.UploadedChunks)
}

// TestParallelDistinctChunks tests concurrent writers on distinct indices of one session.
func (s *ServiceTestSuite) TestParallelDistinctChunks() {
	const chunks = 64
	data := randomBytes(chunks*16, 13)
	session := s.initSession(data, 16)
	s.Require().Equal(chunks, session.TotalChunks)

	errs := make([]error, chunks)
	var wg sync.WaitGroup
	for index := 0; index < chunks; index++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			errs[index] = s.writeChunk(session, data, index)
		}(index)
	}
	wg.Wait()

	for index, err := range errs {
		s.Require().NoError(err, "chunk %d", index)
	}

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Len(status.UploadedChunks, chunks, "no bitmap update is lost")

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
}

// TestSameIndexRace tests two writers on one index where only one declares
// the hash of its body. The loser is rejected and the session stays recoverable.
func (s *ServiceTestSuite) TestSameIndexRace() {
	data := randomBytes(8, 14)
	session := s.initSession(data, 4)
	s.Require().NoError(s.writeChunk(session, data, 1))

	good := chunkOf(data, 4, 0)
	bad := []byte("evil")

	var goodErr, badErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		goodErr = s.service.WriteChunk(s.ctx, testOwner, session.ID, 0, md5Hex(good), bytes.NewReader(good), 4)
	}()
	go func() {
		defer wg.Done()
		badErr = s.service.WriteChunk(s.ctx, testOwner, session.ID, 0, md5Hex([]byte("nope")), bytes.NewReader(bad), 4)
	}()
	wg.Wait()

	s.NoError(goodErr)
	s.ErrorIs(badErr, apperr.ErrIntegrity)

	status, err := s.service.Status(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal([]int{0, 1}, status.UploadedChunks)

	// The rejected bytes may have landed after the accepted ones.
	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	if err != nil {
		s.Require().ErrorIs(err, apperr.ErrIntegrity)

		status, err = s.service.Status(s.ctx, testOwner, session.ID)
		s.Require().NoError(err)
		s.Equal([]int{1}, status.UploadedChunks)

		s.Require().NoError(s.writeChunk(session, data, 0))
		_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	}
	s.Require().NoError(err)

	content, err := os.ReadFile(session.StoragePath)
	s.Require().NoError(err)
	s.Equal(data, content)
}

// TestCompleteCreatesResourceFile tests the completion side effects.
func (s *ServiceTestSuite) TestCompleteCreatesResourceFile() {
	data := []byte("plain text content for detection\n")
	session := s.initSession(data, 8)
	for index := 0; index < session.TotalChunks; index++ {
		s.Require().NoError(s.writeChunk(session, data, index))
	}

	file, err := s.service.Complete(s.ctx, testOwner, session.ID)
	s.Require().NoError(err)
	s.Equal(session.ID, file.ResourceID)
	s.Equal(models.FileStatusUploadedLocal, file.FileStatus)
	s.Equal(models.CheckPending, file.CheckStatus)
	s.Contains(file.MimeType, "text/plain")

	stored, err := resource.NewStore(s.db).Get(s.ctx, file.ID)
	s.Require().NoError(err)
	s.Equal(session.StoragePath, stored.LocalPath)

	persisted, err := NewStore(s.db).Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.SessionCompleted, persisted.Status)
	s.Equal(file.MimeType, persisted.MimeType)

	_, err = s.service.Complete(s.ctx, testOwner, session.ID)
	s.ErrorIs(err, apperr.ErrInvalidState)
	s.Equal(int64(len(data)), s.used(), "completed uploads keep their debit")
}

// TestAbortRestoresQuota tests that abort returns used to its pre-init value.
func (s *ServiceTestSuite) TestAbortRestoresQuota() {
	before := s.used()

	data := randomBytes(4096, 10)
	session := s.initSession(data, 1024)
	s.Equal(before+4096, s.used())
	s.Require().NoError(s.writeChunk(session, data, 1))

	s.Require().NoError(s.service.Abort(s.ctx, testOwner, session.ID))
	s.Equal(before, s.used())

	_, err := os.Stat(session.StoragePath)
	s.True(os.IsNotExist(err))

	s.ErrorIs(s.service.Abort(s.ctx, testOwner, session.ID), apperr.ErrInvalidState)
	s.Equal(before, s.used())

	err = s.writeChunk(session, data, 0)
	s.ErrorIs(err, apperr.ErrInvalidState)

	verification, err := s.ledger.Verify(s.ctx, testOwner)
	s.Require().NoError(err)
	s.True(verification.Consistent())
}

// TestAbortAfterCreditLeavesDebit tests abort when a credit already covered the debit.
func (s *ServiceTestSuite) TestAbortAfterCreditLeavesDebit() {
	data := randomBytes(64, 17)
	session := s.initSession(data, 16)
	_, err := s.ledger.AdjustUsed(s.ctx, testOwner, models.QuotaActionAdd, s.used(), "refund", "")
	s.Require().NoError(err)

	s.Require().NoError(s.service.Abort(s.ctx, testOwner, session.ID))
	s.Equal(int64(0), s.used())

	verification, err := s.ledger.Verify(s.ctx, testOwner)
	s.Require().NoError(err)
	s.True(verification.Consistent())
}

// TestInitQuotaExceeded tests admission control.
func (s *ServiceTestSuite) TestInitQuotaExceeded() {
	_, err := s.ledger.AdjustUsed(s.ctx, testOwner, models.QuotaActionUse, testQuotaSize-1024, "existing files", "")
	s.Require().NoError(err)

	_, err = s.service.Init(s.ctx, testOwner, models.InitRequest{
		FileName:  "big.bin",
		TotalSize: 1025,
		ChunkSize: 1024,
		FileHash:  sha256Hex(nil),
	})
	s.ErrorIs(err, apperr.ErrQuotaExceeded)
	s.Equal(int64(testQuotaSize-1024), s.used())

	entries, err := os.ReadDir(s.writer.Root())
	s.Require().NoError(err)
	s.Empty(entries)
}

// TestInitBannedOwner tests the ban check.
func (s *ServiceTestSuite) TestInitBannedOwner() {
	bans := &mockBans{}
	bans.On("IsBanned", mock.Anything, testOwner).Return(true, nil)
	service := s.newService(Deps{Ledger: s.ledger, Bans: bans}, ChunkHashMD5)

	_, err := service.Init(s.ctx, testOwner, models.InitRequest{FileName: "a", TotalSize: 4, FileHash: sha256Hex([]byte("abcd"))})
	s.ErrorIs(err, apperr.ErrForbidden)
	bans.AssertExpectations(s.T())
}

// TestInitDebitRaceAbortsSession tests the lost admission race.
func (s *ServiceTestSuite) TestInitDebitRaceAbortsSession() {
	ledger := &mockLedger{}
	ledger.On("IsExceeded", mock.Anything, testOwner, int64(4)).Return(false, nil)
	ledger.On("AdjustUsed", mock.Anything, testOwner, models.QuotaActionUse, int64(4), mock.Anything, mock.Anything).
		Return(models.Quota{}, apperr.ErrQuotaExceeded)
	service := s.newService(Deps{Ledger: ledger}, ChunkHashMD5)

	_, err := service.Init(s.ctx, testOwner, models.InitRequest{FileName: "a", TotalSize: 4, FileHash: sha256Hex([]byte("abcd"))})
	s.ErrorIs(err, apperr.ErrQuotaExceeded)

	var status string
	s.Require().NoError(s.db.QueryRowContext(s.ctx, `SELECT status FROM upload_sessions`).Scan(&status))
	s.Equal(string(models.SessionAborted), status)

	entries, err := os.ReadDir(s.writer.Root())
	s.Require().NoError(err)
	s.Empty(entries)
	ledger.AssertExpectations(s.T())
}

// TestBlake2bChunkHash tests sessions using the blake2b-256 chunk algorithm.
func (s *ServiceTestSuite) TestBlake2bChunkHash() {
	service := s.newService(Deps{Ledger: s.ledger}, ChunkHashBLAKE2b)
	data := []byte("blake2b chunk")
	session, err := service.Init(s.ctx, testOwner, models.InitRequest{FileName: "b", TotalSize: int64(len(data)), ChunkSize: 64, FileHash: sha256Hex(data)})
	s.Require().NoError(err)
	s.Equal(ChunkHashBLAKE2b, session.ChunkHashAlgorithm)

	h, err := NewChunkHash(ChunkHashBLAKE2b)
	s.Require().NoError(err)
	h.Write(data)
	digest := hex.EncodeToString(h.Sum(nil))

	s.Require().NoError(service.WriteChunk(s.ctx, testOwner, session.ID, 0, digest, bytes.NewReader(data), int64(len(data))))
	_, err = service.Complete(s.ctx, testOwner, session.ID)
	s.NoError(err)
}

// TestTransitionsAreForwardOnly tests the state machine guard.
func (s *ServiceTestSuite) TestTransitionsAreForwardOnly() {
	data := randomBytes(4, 11)
	session := s.initSession(data, 4)

	_, err := Transition(s.ctx, s.db, session.ID, models.SessionAborted, s.clock, nil)
	s.Require().NoError(err)
	_, err = Transition(s.ctx, s.db, session.ID, models.SessionUploading, s.clock, nil)
	s.ErrorIs(err, apperr.ErrInvalidState)
	_, err = Transition(s.ctx, s.db, session.ID, models.SessionCompleted, s.clock, nil)
	s.ErrorIs(err, apperr.ErrInvalidState)
	_, err = Transition(s.ctx, s.db, session.ID, models.SessionExpired, s.clock, nil)
	s.NoError(err)
	_, err = Transition(s.ctx, s.db, session.ID, models.SessionExpired, s.clock, nil)
	s.ErrorIs(err, apperr.ErrInvalidState)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceTestSuite))
}
