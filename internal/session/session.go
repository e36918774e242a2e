package session

import (
	"encoding/json"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
)

// Session is one continuous recording span. Values are replaced, never
// re-identified: a new ID always means a new Session value.
type Session struct {
	ID                string
	Started           time.Time
	LastActivity      time.Time
	SegmentID         int
	Sampled           bool
	// ErrorOnly sessions record but hold their segments until the host
	// captures an error
	ErrorOnly         bool
	PreviousSessionID string
}

// Sampler draws a number in [0, 1) for the sampling decision
type Sampler func() float64

// DefaultSampler uses the global math/rand source
func DefaultSampler() float64 {
	return rand.Float64()
}

// New creates a session started at now. Sampling is decided once here.
func New(sampleRate float64, now time.Time, draw Sampler) Session {
	if draw == nil {
		draw = DefaultSampler
	}
	return Session{
		ID:           uuid.NewString(),
		Started:      now,
		LastActivity: now,
		SegmentID:    0,
		Sampled:      isSampled(sampleRate, draw),
	}
}

func isSampled(rate float64, draw Sampler) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	return draw() < rate
}

// IsZero reports whether s is the zero session
func (s Session) IsZero() bool {
	return s.ID == ""
}

// Mutation changes the mutable fields of a session
type Mutation func(*Session)

// TouchActivity moves LastActivity forward to at. Earlier times are ignored
// so LastActivity never moves backwards or before Started.
func TouchActivity(at time.Time) Mutation {
	return func(s *Session) {
		if at.After(s.LastActivity) {
			s.LastActivity = at
		}
	}
}

// ErrorCaptured releases an error-only session into normal uploading
func ErrorCaptured() Mutation {
	return func(s *Session) {
		s.ErrorOnly = false
	}
}

// AdvanceSegment increments the segment counter by one
func AdvanceSegment() Mutation {
	return func(s *Session) {
		s.SegmentID++
	}
}

// sessionJSON is the persisted form; timestamps are epoch milliseconds
type sessionJSON struct {
	ID                string `json:"id"`
	Started           int64  `json:"started"`
	LastActivity      int64  `json:"lastActivity"`
	SegmentID         int    `json:"segmentId"`
	Sampled           bool   `json:"sampled"`
	ErrorOnly         bool   `json:"errorOnly,omitempty"`
	PreviousSessionID string `json:"previousSessionId,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (s Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		ID:                s.ID,
		Started:           s.Started.UnixMilli(),
		LastActivity:      s.LastActivity.UnixMilli(),
		SegmentID:         s.SegmentID,
		Sampled:           s.Sampled,
		ErrorOnly:         s.ErrorOnly,
		PreviousSessionID: s.PreviousSessionID,
	})
}

// UnmarshalJSON implements json.Unmarshaler
func (s *Session) UnmarshalJSON(b []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = Session{
		ID:                raw.ID,
		Started:           time.UnixMilli(raw.Started),
		LastActivity:      time.UnixMilli(raw.LastActivity),
		SegmentID:         raw.SegmentID,
		Sampled:           raw.Sampled,
		ErrorOnly:         raw.ErrorOnly,
		PreviousSessionID: raw.PreviousSessionID,
	}
	return nil
}
