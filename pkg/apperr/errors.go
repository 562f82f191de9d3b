// Package apperr holds the error taxonomy shared by the ingestion pipeline.
// Callers wrap a sentinel with detail, e.g. fmt.Errorf("%w: chunk 3 hash mismatch", ErrIntegrity),
// and match with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation is returned for bad sizes, indices or malformed input. No side effect happened.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a session or file does not exist or is not owned by the caller.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when the record is not in a state that allows the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrIntegrity is returned on chunk or whole-file hash mismatch. The client may retry.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrQuotaExceeded is returned when a debit would push usage beyond the quota size.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrForbidden is returned when the owner is banned or unauthenticated.
	ErrForbidden = errors.New("forbidden")

	// ErrExternalTool is returned when a scanner subprocess could not produce a verdict.
	ErrExternalTool = errors.New("external tool error")

	// ErrStorageTransfer is returned when streaming a file to the object store failed.
	ErrStorageTransfer = errors.New("storage transfer error")

	// ErrDatabase is returned when a database operation fails.
	ErrDatabase = errors.New("database error")
)
