package replay

import (
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/session"
)

// Host event types. An event without a type is an error.
const (
	// ReplayEventType marks host events produced by the replay itself
	ReplayEventType      = "replay_event"
	TransactionEventType = "transaction"
	ErrorEventType       = "error"
)

// TagReplayID is the tag attached to host events while a replay is recording
const TagReplayID = "replayId"

// HostEvent is the part of a host telemetry event the replay touches
type HostEvent struct {
	Type        string                       `json:"type,omitempty"`
	EventID     string                       `json:"event_id,omitempty"`
	Timestamp   float64                      `json:"timestamp,omitempty"`
	Tags        map[string]string            `json:"tags,omitempty"`
	Contexts    map[string]map[string]string `json:"contexts,omitempty"`
	Breadcrumbs []domain.Breadcrumb          `json:"breadcrumbs,omitempty"`

	// Set on replay events only
	ReplayID             string   `json:"replay_id,omitempty"`
	SegmentID            *int     `json:"segment_id,omitempty"`
	ReplayStartTimestamp float64  `json:"replay_start_timestamp,omitempty"`
	ErrorIDs             []string `json:"error_ids,omitempty"`
	TraceIDs             []string `json:"trace_ids,omitempty"`
	URLs                 []string `json:"urls,omitempty"`
}

// IsError reports whether ev is an error event
func (ev *HostEvent) IsError() bool {
	return ev.Type == "" || ev.Type == ErrorEventType
}

// TraceID returns the trace id from the event's trace context
func (ev *HostEvent) TraceID() string {
	return ev.Contexts["trace"]["trace_id"]
}

// EventProcessor transforms a host event before it is sent
type EventProcessor func(ev *HostEvent) *HostEvent

// Host is the telemetry SDK the replay runs inside
type Host interface {
	// AddEventProcessor registers fn for every outgoing host event
	AddEventProcessor(fn EventProcessor)
	// ReportDiagnostic records an internal failure
	ReportDiagnostic(err error)
	// Endpoint returns the upload URL for a replay
	Endpoint(replayID string) (string, error)
	// CaptureEvent sends ev through the host's event pipeline
	CaptureEvent(ev *HostEvent)
}

// Recorder is the recording engine producing events
type Recorder interface {
	// TakeFullSnapshot asks for a new full snapshot. The recorder may
	// deliver the snapshot synchronously through HandleRecordingEvent.
	TakeFullSnapshot(isCheckout bool)
}

// ProcessEvent tags host events with the current replay id and strips
// breadcrumbs from replay events, which carry them in the recording instead.
// Error and trace ids are kept for the next replay event. In error-only mode
// transactions are left untagged and the first error releases the held
// recording.
func (r *Replay) ProcessEvent(ev *HostEvent) *HostEvent {
	if ev == nil {
		return nil
	}
	if ev.Type == ReplayEventType {
		ev.Breadcrumbs = nil
		return ev
	}
	if !r.Running() {
		return ev
	}
	s, ok := r.sessions.Current()
	if !ok || !s.Sampled {
		return ev
	}

	if ev.Type == TransactionEventType {
		r.segCtx.addTrace(ev.TraceID())
		if !s.ErrorOnly {
			tag(ev, s.ID)
		}
		return ev
	}
	if !ev.IsError() {
		return ev
	}
	r.segCtx.addError(ev.EventID)
	tag(ev, s.ID)

	if s.ErrorOnly {
		if _, ok := r.sessions.Apply(r.runContext(), s.ID, session.ErrorCaptured()); ok {
			r.logger.Info("error captured, uploading held recording",
				zap.String("session_id", s.ID),
				zap.String("event_id", ev.EventID),
			)
			r.coordinator.Flush()
		}
	}
	return ev
}

func tag(ev *HostEvent, replayID string) {
	if ev.Tags == nil {
		ev.Tags = make(map[string]string, 1)
	}
	ev.Tags[TagReplayID] = replayID
}
