package stream

import (
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/delivery"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/replay"
)

// Host is a replay.Host addressing uploads through a DSN
type Host struct {
	dsn    delivery.DSN
	logger *zap.Logger

	mu          sync.Mutex
	processors  []replay.EventProcessor
	diagnostics []error
	onDiag      func(error)
	onCapture   func(*replay.HostEvent)
}

var _ replay.Host = (*Host)(nil)

// NewHost parses dsn into a host
func NewHost(dsn string, logger *zap.Logger) (*Host, error) {
	d, err := delivery.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{dsn: d, logger: logger}, nil
}

// DSN returns the parsed DSN
func (h *Host) DSN() delivery.DSN {
	return h.dsn
}

// OnDiagnostic registers fn for every reported failure
func (h *Host) OnDiagnostic(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDiag = fn
}

// OnCapture registers fn for every captured event that survives Process
func (h *Host) OnCapture(fn func(*replay.HostEvent)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onCapture = fn
}

// AddEventProcessor registers fn for Process
func (h *Host) AddEventProcessor(fn replay.EventProcessor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.processors = append(h.processors, fn)
}

// ReportDiagnostic records an internal replay failure
func (h *Host) ReportDiagnostic(err error) {
	h.logger.Error("replay diagnostic", zap.Error(err))
	h.mu.Lock()
	h.diagnostics = append(h.diagnostics, err)
	fn := h.onDiag
	h.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// Diagnostics returns every reported failure
func (h *Host) Diagnostics() []error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]error(nil), h.diagnostics...)
}

// Endpoint returns the attachment URL for a replay
func (h *Host) Endpoint(replayID string) (string, error) {
	return h.dsn.Endpoint(replayID), nil
}

// Process runs ev through the registered processors. A processor returning
// nil drops the event.
func (h *Host) Process(ev *replay.HostEvent) *replay.HostEvent {
	h.mu.Lock()
	processors := append([]replay.EventProcessor(nil), h.processors...)
	h.mu.Unlock()
	for _, fn := range processors {
		if ev = fn(ev); ev == nil {
			return nil
		}
	}
	return ev
}

// CaptureEvent runs ev through the processors and hands the result to the
// capture callback
func (h *Host) CaptureEvent(ev *replay.HostEvent) {
	ev = h.Process(ev)
	if ev == nil {
		return
	}
	h.mu.Lock()
	fn := h.onCapture
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// Recorder re-emits the most recent full snapshot seen in the stream when
// the replay asks for one
type Recorder struct {
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	replay *replay.Replay
	last   *domain.RecordingEvent
	taken  int
}

var _ replay.Recorder = (*Recorder)(nil)

// NewRecorder creates a recorder stamping snapshots with clk
func NewRecorder(clk clock.Clock, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{clock: clk, logger: logger}
}

// Attach sets the replay that receives snapshots
func (r *Recorder) Attach(rp *replay.Replay) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replay = rp
}

// Observe remembers full snapshots passing through the stream
func (r *Recorder) Observe(ev domain.RecordingEvent) {
	if ev.Type != domain.EventTypeFullSnapshot {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = &ev
}

// Taken returns how many snapshots were requested
func (r *Recorder) Taken() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.taken
}

// TakeFullSnapshot emits the remembered snapshot with the current time
func (r *Recorder) TakeFullSnapshot(isCheckout bool) {
	r.mu.Lock()
	r.taken++
	rp := r.replay
	var ev domain.RecordingEvent
	ok := r.last != nil
	if ok {
		ev = *r.last
	}
	r.mu.Unlock()

	if rp == nil {
		return
	}
	if !ok {
		r.logger.Warn("snapshot requested before any full snapshot was recorded")
		return
	}
	ev.Timestamp = r.clock.Now().UnixMilli()
	rp.HandleRecordingEvent(ev, isCheckout)
}
