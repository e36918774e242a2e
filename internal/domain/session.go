package domain

import "time"

// SchemaVersion is the version of every NDJSON record type
const SchemaVersion = 1

// Reasons a session started or ended
const (
	ReasonInitial           = "initial"
	ReasonIdleTimeout       = "idle_timeout"
	ReasonMaxLife           = "max_life"
	ReasonVisibilityTimeout = "visibility_timeout"
	ReasonMissing           = "missing"
	ReasonStopped           = "stopped"
)

// SessionStart is emitted when a new recording session begins
type SessionStart struct {
	Type              string `json:"type"`                          // "session_start"
	SchemaVersion     int    `json:"schemaVersion"`                 // 1
	Alert             string `json:"alert,omitempty"`               // "SESSION_REPLACED" when a previous session existed
	SessionID         string `json:"session_id"`                    // Replay/session identifier
	PreviousSessionID string `json:"previous_session_id,omitempty"` // Session this one replaced
	Sampled           bool   `json:"sampled"`
	Sticky            bool   `json:"sticky"`
	Reason            string `json:"reason"`
	Timestamp         string `json:"timestamp"` // ISO8601 timestamp
}

// SessionEnd is emitted when a session expires or recording stops
type SessionEnd struct {
	Type          string         `json:"type"`          // "session_end"
	SchemaVersion int            `json:"schemaVersion"` // 1
	SessionID     string         `json:"session_id"`
	Reason        string         `json:"reason"`
	Summary       SessionSummary `json:"summary"`
}

// SessionSummary contains statistics about a completed session
type SessionSummary struct {
	Segments        int `json:"segments"`
	DurationSeconds int `json:"duration_seconds"`
	IdleSeconds     int `json:"idle_seconds"`
}

// NewSessionStart creates a new SessionStart event
func NewSessionStart(id, previousID string, sampled, sticky bool, reason string, at time.Time) *SessionStart {
	s := &SessionStart{
		Type:          "session_start",
		SchemaVersion: SchemaVersion,
		SessionID:     id,
		Sampled:       sampled,
		Sticky:        sticky,
		Reason:        reason,
		Timestamp:     at.UTC().Format(time.RFC3339),
	}
	if previousID != "" {
		s.Alert = "SESSION_REPLACED"
		s.PreviousSessionID = previousID
	}
	return s
}

// NewSessionEnd creates a new SessionEnd event
func NewSessionEnd(id, reason string, summary SessionSummary) *SessionEnd {
	return &SessionEnd{
		Type:          "session_end",
		SchemaVersion: SchemaVersion,
		SessionID:     id,
		Reason:        reason,
		Summary:       summary,
	}
}
