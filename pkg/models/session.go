package models

import (
	"time"

	"lfingest/pkg/chunkset"
)

// SessionStatus is the lifecycle state of an upload session.
type SessionStatus string

const (
	SessionUploading SessionStatus = "UPLOADING"
	SessionCompleted SessionStatus = "COMPLETED"
	SessionAborted   SessionStatus = "ABORTED"
	SessionExpired   SessionStatus = "EXPIRED"
)

// sessionTransitions lists the forward-only edges of the session state machine.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionUploading: {SessionCompleted, SessionAborted, SessionExpired},
	SessionAborted:   {SessionExpired},
}

// CanTransition reports whether a session may move from s to next.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// UploadSession is one resumable chunked upload.
type UploadSession struct {
	ID                 string        `json:"session_id"`
	OwnerID            string        `json:"owner_id"`
	FileName           string        `json:"file_name"`
	TotalSize          int64         `json:"total_size"`
	ChunkSize          int64         `json:"chunk_size"`
	TotalChunks        int           `json:"total_chunks"`
	UploadedChunks     chunkset.Set  `json:"-"`
	FileHash           string        `json:"file_hash"`
	ChunkHashAlgorithm string        `json:"chunk_hash_algorithm"`
	Status             SessionStatus `json:"status"`
	StoragePath        string        `json:"-"`
	ExpiresAt          time.Time     `json:"expires_at"`
	MimeType           string        `json:"mime_type,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ChunkOffset returns the byte offset of chunk index.
func (s *UploadSession) ChunkOffset(index int) int64 {
	return int64(index) * s.ChunkSize
}

// ChunkLength returns the expected byte length of chunk index.
// Every chunk is ChunkSize long except the last one, which holds the remainder.
func (s *UploadSession) ChunkLength(index int) int64 {
	if index < 0 || index >= s.TotalChunks {
		return 0
	}
	remaining := s.TotalSize - s.ChunkOffset(index)
	if remaining < s.ChunkSize {
		return remaining
	}
	return s.ChunkSize
}

// Expired reports whether the session passed its expiry at now.
func (s *UploadSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TotalChunksFor returns ceil(totalSize / chunkSize).
func TotalChunksFor(totalSize, chunkSize int64) int64 {
	if chunkSize <= 0 {
		return 0
	}
	return (totalSize + chunkSize - 1) / chunkSize
}

// InitRequest is the body of POST /uploads/large/init.
type InitRequest struct {
	FileName  string `json:"file_name"`
	TotalSize int64  `json:"total_size"`
	ChunkSize int64  `json:"chunk_size,omitempty"`
	FileHash  string `json:"file_hash"`
}

// InitResponse is returned when a session is created.
type InitResponse struct {
	SessionID   string    `json:"session_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ChunkResponse acknowledges a stored chunk.
type ChunkResponse struct {
	OK         bool `json:"ok"`
	ChunkIndex int  `json:"chunk_index"`
}

// SessionStatusView is the status report of a session.
type SessionStatusView struct {
	Status         SessionStatus `json:"status"`
	UploadedChunks []int         `json:"uploaded_chunks"`
	TotalChunks    int           `json:"total_chunks"`
	ChunkSize      int64         `json:"chunk_size"`
	TotalSize      int64         `json:"total_size"`
	ExpiresAt      time.Time     `json:"expires_at"`
}

// CompleteResponse is returned when a session completes.
type CompleteResponse struct {
	OK     bool   `json:"ok"`
	Path   string `json:"path"`
	FileID string `json:"file_id"`
}
