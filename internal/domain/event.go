package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// EventType identifies the kind of recording event emitted by the recorder.
// Values follow the rrweb numbering so payloads stay compatible with players.
type EventType int

const (
	EventTypeDOMContentLoaded EventType = iota
	EventTypeLoad
	EventTypeFullSnapshot
	EventTypeIncrementalSnapshot
	EventTypeMeta
	EventTypeCustom
	EventTypePlugin
)

// String returns a readable name for the event type
func (t EventType) String() string {
	switch t {
	case EventTypeDOMContentLoaded:
		return "dom_content_loaded"
	case EventTypeLoad:
		return "load"
	case EventTypeFullSnapshot:
		return "full_snapshot"
	case EventTypeIncrementalSnapshot:
		return "incremental_snapshot"
	case EventTypeMeta:
		return "meta"
	case EventTypeCustom:
		return "custom"
	case EventTypePlugin:
		return "plugin"
	default:
		return "unknown"
	}
}

// Custom event tags carried in the data of EventTypeCustom events
const (
	TagBreadcrumb      = "breadcrumb"
	TagPerformanceSpan = "performanceSpan"
)

// RecordingEvent is a single opaque event produced by the recording engine.
// The pipeline never looks inside Data.
type RecordingEvent struct {
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"` // epoch milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// customData is the envelope for EventTypeCustom payloads
type customData struct {
	Tag     string `json:"tag"`
	Payload any    `json:"payload"`
}

// NewCustomEvent wraps payload in a custom event with the given tag
func NewCustomEvent(tag string, ts time.Time, payload any) (RecordingEvent, error) {
	data, err := json.Marshal(customData{Tag: tag, Payload: payload})
	if err != nil {
		return RecordingEvent{}, err
	}
	return RecordingEvent{
		Type:      EventTypeCustom,
		Timestamp: ts.UnixMilli(),
		Data:      data,
	}, nil
}

// Breadcrumb is a UI or navigation trail item recorded alongside the replay
type Breadcrumb struct {
	Timestamp float64        `json:"timestamp"` // epoch seconds
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Message   string         `json:"message,omitempty"`
	Level     string         `json:"level,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewBreadcrumb fills in the timestamp and default type
func NewBreadcrumb(category, message string, at time.Time) Breadcrumb {
	return Breadcrumb{
		Timestamp: float64(at.UnixMilli()) / 1000,
		Type:      "default",
		Category:  category,
		Message:   message,
		Data:      map[string]any{},
	}
}

// IsUI reports whether the breadcrumb was produced by a DOM interaction
func (b Breadcrumb) IsUI() bool {
	return strings.HasPrefix(b.Category, "ui.")
}

// Key identifies breadcrumbs that are considered duplicates of each other
func (b Breadcrumb) Key() string {
	return b.Category + "\x00" + b.Message
}

// Payload is the serialized content of one finished buffer
type Payload struct {
	Body       []byte
	Compressed bool
	Events     int
}

// Len returns the payload size in bytes
func (p Payload) Len() int {
	return len(p.Body)
}
