// Package audit records append-only structured events for upload lifecycle outcomes.
package audit

import (
	"time"

	"github.com/rs/zerolog"
)

// Upload outcomes.
const (
	OutcomeOK        = "ok"
	OutcomeBroken    = "broken"
	OutcomeEncrypted = "encrypted"
	OutcomeHarmful   = "harmful"
)

// Session actions.
const (
	ActionInit     = "init"
	ActionComplete = "complete"
	ActionAbort    = "aborted"
	ActionExpire   = "expired"
)

// Offload results.
const (
	ResultOffloaded    = "offloaded"
	ResultDeadLettered = "dead_lettered"
)

// Logger writes audit events. A nil *Logger discards everything.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates an audit logger writing to logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogSession logs a session lifecycle transition.
func (l *Logger) LogSession(ownerID, sessionID, action, details string) {
	if l == nil {
		return
	}

	event := l.logger.Info().
		Str("event_type", "upload_session").
		Str("owner_id", ownerID).
		Str("session_id", sessionID).
		Str("action", action)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Upload session event")
}

// LogUploadOutcome logs the content-safety verdict of a completed upload.
// outcome: one of ok, broken, encrypted, harmful.
func (l *Logger) LogUploadOutcome(ownerID, fileID, fileName, outcome string, signatures []string) {
	if l == nil {
		return
	}

	level := zerolog.InfoLevel
	if outcome != OutcomeOK {
		level = zerolog.WarnLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "upload_outcome").
		Str("owner_id", ownerID).
		Str("file_id", fileID).
		Str("file_name", fileName).
		Str("outcome", outcome)

	if len(signatures) > 0 {
		event = event.Strs("signatures", signatures)
	}

	event.Msg("Upload outcome")
}

// LogOffload logs the end of an offload job.
func (l *Logger) LogOffload(fileID, key, result, details string) {
	if l == nil {
		return
	}

	level := zerolog.InfoLevel
	if result == ResultDeadLettered {
		level = zerolog.ErrorLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "offload").
		Str("file_id", fileID).
		Str("result", result)

	if key != "" {
		event = event.Str("key", key)
	}
	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Offload event")
}

// LogBan logs a ban applied by the violation policy.
func (l *Logger) LogBan(ownerID string, violations int, until *time.Time, permanent bool) {
	if l == nil {
		return
	}

	event := l.logger.Warn().
		Str("event_type", "ban").
		Str("owner_id", ownerID).
		Int("violations", violations).
		Bool("permanent", permanent)

	if until != nil {
		event = event.Time("banned_until", *until)
	}

	event.Msg("Owner banned")
}
