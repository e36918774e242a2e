package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/vburojevic/replaykit/internal/domain"
)

// SchemaVersion is stamped on every record written here
const SchemaVersion = domain.SchemaVersion

// ErrorOutput is the NDJSON shape of a command failure
type ErrorOutput struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Code          string `json:"code"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
}

// Ready is written once an upload run has a session
type Ready struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
	SessionID     string `json:"session_id"`
	SegmentID     int    `json:"segment_id"`
	Sampled       bool   `json:"sampled"`
	Store         string `json:"store"`
	Compression   bool   `json:"compression"`
}

// Summary is written when an upload run finishes
type Summary struct {
	Type          string `json:"type"`
	SchemaVersion int    `json:"schemaVersion"`
	SessionID     string `json:"session_id"`
	Signals       int    `json:"signals"`
	Skipped       int    `json:"skipped"`
	Sent          int    `json:"segments_sent"`
	Dropped       int    `json:"segments_dropped"`
	Sessions      int    `json:"sessions"`
}

// NDJSONWriter writes one JSON object per line. It is safe for concurrent
// use since segment results arrive from the delivery goroutine.
type NDJSONWriter struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

// NewNDJSONWriter creates a writer on w
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	return &NDJSONWriter{encoder: json.NewEncoder(w)}
}

// Write encodes any value as one line
func (w *NDJSONWriter) Write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.encoder.Encode(v)
}

// WriteError writes a failure record
func (w *NDJSONWriter) WriteError(code, message string, hint ...string) error {
	out := ErrorOutput{
		Type:          "error",
		SchemaVersion: SchemaVersion,
		Code:          code,
		Message:       message,
	}
	if len(hint) > 0 {
		out.Hint = hint[0]
	}
	return w.Write(out)
}

// WriteReady writes the ready record
func (w *NDJSONWriter) WriteReady(at time.Time, sessionID string, segmentID int, sampled bool, store string, compression bool) error {
	return w.Write(Ready{
		Type:          "ready",
		SchemaVersion: SchemaVersion,
		Timestamp:     at.UTC().Format(time.RFC3339),
		SessionID:     sessionID,
		SegmentID:     segmentID,
		Sampled:       sampled,
		Store:         store,
		Compression:   compression,
	})
}

// WriteSessionStart writes a session_start record
func (w *NDJSONWriter) WriteSessionStart(s *domain.SessionStart) error {
	return w.Write(s)
}

// WriteSessionEnd writes a session_end record
func (w *NDJSONWriter) WriteSessionEnd(s *domain.SessionEnd) error {
	if s == nil {
		return nil
	}
	return w.Write(s)
}

// WriteSegmentResult writes a segment_sent or segment_dropped record
func (w *NDJSONWriter) WriteSegmentResult(r domain.SegmentResult) error {
	return w.Write(r)
}

// WriteSummary writes the end-of-run summary
func (w *NDJSONWriter) WriteSummary(s Summary) error {
	s.Type = "summary"
	s.SchemaVersion = SchemaVersion
	return w.Write(s)
}
