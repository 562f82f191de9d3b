package models

import "time"

// FileStatus tracks where the bytes of a resource file live.
type FileStatus string

const (
	FileStatusPending        FileStatus = "PENDING"
	FileStatusUploadedLocal  FileStatus = "UPLOADED_LOCAL"
	FileStatusUploadedRemote FileStatus = "UPLOADED_REMOTE"
)

// CheckStatus is the content-safety verdict of a resource file.
type CheckStatus string

const (
	CheckPending           CheckStatus = "PENDING"
	CheckOK                CheckStatus = "OK"
	CheckBrokenTruncated   CheckStatus = "BROKEN_TRUNCATED"
	CheckBrokenUnsupported CheckStatus = "BROKEN_UNSUPPORTED"
	CheckEncrypted         CheckStatus = "ENCRYPTED"
	CheckHarmful           CheckStatus = "HARMFUL"
)

// RejectedCheckStatuses are the verdicts that remove a file from the pipeline.
var RejectedCheckStatuses = []CheckStatus{
	CheckBrokenTruncated,
	CheckBrokenUnsupported,
	CheckEncrypted,
	CheckHarmful,
}

// Rejected reports whether the verdict removes the file.
func (c CheckStatus) Rejected() bool {
	for _, status := range RejectedCheckStatuses {
		if c == status {
			return true
		}
	}
	return false
}

// ResourceFile is a completed upload attached to a logical resource.
type ResourceFile struct {
	ID          string      `json:"id"`
	ResourceID  string      `json:"resource_id"`
	SessionID   string      `json:"session_id"`
	OwnerID     string      `json:"owner_id"`
	FileName    string      `json:"file_name"`
	Size        int64       `json:"size"`
	MimeType    string      `json:"mime_type"`
	LocalPath   string      `json:"-"`
	RemoteKey   string      `json:"remote_key,omitempty"`
	FileStatus  FileStatus  `json:"file_status"`
	CheckStatus CheckStatus `json:"check_status"`
	Signatures  []string    `json:"signatures,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// ViolationCounter counts confirmed malware uploads of an owner.
type ViolationCounter struct {
	OwnerID     string     `json:"owner_id"`
	Count       int        `json:"count"`
	BannedUntil *time.Time `json:"banned_until,omitempty"`
	Permanent   bool       `json:"permanent"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Banned reports whether the owner is under a ban at now.
func (v *ViolationCounter) Banned(now time.Time) bool {
	if v == nil {
		return false
	}
	if v.Permanent {
		return true
	}
	return v.BannedUntil != nil && now.Before(*v.BannedUntil)
}

// DeadLetter is an offload job that exhausted its retries.
type DeadLetter struct {
	FileID    string    `json:"file_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
