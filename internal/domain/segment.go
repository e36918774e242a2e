package domain

// Segment result types
const (
	SegmentSent    = "segment_sent"
	SegmentDropped = "segment_dropped"
)

// SegmentHeader is sent alongside every uploaded segment payload.
type SegmentHeader struct {
	ReplayID   string `json:"replay_id"`
	SegmentID  int    `json:"segment_id"`
	Timestamp  int64  `json:"timestamp"` // epoch milliseconds at finish
	Events     int    `json:"events"`
	Compressed bool   `json:"compressed"`
}

// SegmentResult is an optional verbose event describing a delivery outcome.
type SegmentResult struct {
	Type          string `json:"type"` // segment_sent, segment_dropped
	SchemaVersion int    `json:"schemaVersion"`
	ReplayID      string `json:"replay_id"`
	SegmentID     int    `json:"segment_id"`
	Bytes         int    `json:"bytes"`
	Attempts      int    `json:"attempts"`
	Transport     string `json:"transport,omitempty"`
	Error         string `json:"error,omitempty"`
}
