package replay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/buffer"
	"github.com/vburojevic/replaykit/internal/delivery"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/session"
)

// Flush uploads buffered content now instead of waiting for the debounce
func (r *Replay) Flush() {
	r.coordinator.Flush()
}

// flush is the coordinator's flush routine
func (r *Replay) flush() {
	buf, ctx, ok := r.state()
	if !ok {
		return
	}

	// Expired content is dropped rather than attributed to the wrong session
	s, change := r.sessions.Load(ctx, r.opts.SessionIdleTimeout)
	if change != nil {
		r.logger.Debug("session expired before flush, not uploading", zap.String("reason", change.Reason))
		r.replaceSession(change)
		return
	}
	if !s.Sampled {
		return
	}

	r.segCtx.begin(s.ID, s.Started)

	for _, ev := range r.collector.Drain() {
		if err := buf.AddEvent(ctx, ev, false); err != nil {
			r.logger.Warn("failed to add performance entry", zap.Error(err))
		}
	}

	if s.ErrorOnly {
		r.logger.Debug("holding recording until an error is captured", zap.String("session_id", s.ID))
		return
	}

	seg, ok := r.capture(ctx, buf, s)
	if !ok {
		return
	}
	if r.enqueue(seg) {
		r.captureReplayEvent(seg.Header, r.segCtx.take())
	}
}

// captureReplayEvent sends the replay event describing a queued segment
// through the host. The first segment also carries the start timestamp and
// initial URL.
func (r *Replay) captureReplayEvent(h domain.SegmentHeader, c contextSnapshot) {
	segmentID := h.SegmentID
	ev := &HostEvent{
		Type:      ReplayEventType,
		EventID:   h.ReplayID,
		Timestamp: float64(h.Timestamp) / 1000,
		ReplayID:  h.ReplayID,
		SegmentID: &segmentID,
		ErrorIDs:  c.ErrorIDs,
		TraceIDs:  c.TraceIDs,
		URLs:      c.URLs,
	}
	if segmentID == 0 {
		ev.ReplayStartTimestamp = float64(c.Started.UnixMilli()) / 1000
		if c.InitialURL != "" {
			ev.Tags = map[string]string{"url": c.InitialURL}
		}
	}
	r.host.CaptureEvent(ev)
}

// capture finishes the buffer and reserves the segment id. Reserving here
// means the id advances whether or not delivery succeeds and two queued
// segments never share an id.
func (r *Replay) capture(ctx context.Context, buf buffer.EventBuffer, s session.Session) (delivery.Segment, bool) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	if buf.Len() == 0 {
		return delivery.Segment{}, false
	}
	payload, err := buf.Finish(ctx)
	if err != nil {
		r.logger.Error("failed to finish segment", zap.Error(err))
		r.host.ReportDiagnostic(fmt.Errorf("replay.flush: %w", err))
		return delivery.Segment{}, false
	}

	updated, ok := r.sessions.Apply(ctx, s.ID, session.AdvanceSegment())
	if !ok {
		r.logger.Debug("session changed during flush, dropping segment", zap.String("session_id", s.ID))
		return delivery.Segment{}, false
	}
	segmentID := updated.SegmentID - 1

	endpoint, err := r.host.Endpoint(s.ID)
	if err != nil {
		r.logger.Error("no upload endpoint", zap.Error(err))
		r.host.ReportDiagnostic(fmt.Errorf("replay.flush: endpoint: %w", err))
		return delivery.Segment{}, false
	}

	return delivery.Segment{
		Header: domain.SegmentHeader{
			ReplayID:   s.ID,
			SegmentID:  segmentID,
			Timestamp:  r.clock.Now().UnixMilli(),
			Events:     payload.Events,
			Compressed: payload.Compressed,
		},
		Payload:  payload,
		Endpoint: endpoint,
	}, true
}

func (r *Replay) enqueue(seg delivery.Segment) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	r.inflight.Add(1)
	select {
	case r.queue <- seg:
		r.logger.Debug("segment queued",
			zap.String("replay_id", seg.Header.ReplayID),
			zap.Int("segment_id", seg.Header.SegmentID),
			zap.Int("bytes", seg.Payload.Len()),
		)
		return true
	default:
		r.inflight.Done()
		r.logger.Warn("delivery queue full, dropping segment", zap.Int("segment_id", seg.Header.SegmentID))
		return false
	}
}

// deliverLoop ships segments one at a time in capture order
func (r *Replay) deliverLoop(ctx context.Context, queue <-chan delivery.Segment, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case seg := <-queue:
			r.deliver(ctx, seg)
			r.inflight.Done()
		}
	}
}

func (r *Replay) deliver(ctx context.Context, seg delivery.Segment) {
	res := r.deliverer.Deliver(ctx, seg)
	result := domain.SegmentResult{
		SchemaVersion: domain.SchemaVersion,
		ReplayID:      seg.Header.ReplayID,
		SegmentID:     seg.Header.SegmentID,
		Bytes:         seg.Payload.Len(),
		Attempts:      res.Attempts,
		Transport:     res.Transport,
	}

	switch {
	case res.Err == nil:
		r.sessions.Apply(ctx, seg.Header.ReplayID, session.TouchActivity(r.clock.Now()))
		result.Type = domain.SegmentSent
		r.logger.Debug("segment sent",
			zap.String("replay_id", seg.Header.ReplayID),
			zap.Int("segment_id", seg.Header.SegmentID),
			zap.String("transport", res.Transport),
		)
	case errors.Is(res.Err, delivery.ErrMaxRetriesExceeded):
		r.logger.Error("giving up on segment", zap.Error(res.Err))
		r.host.ReportDiagnostic(res.Err)
		result.Type = domain.SegmentDropped
		result.Error = res.Err.Error()
	default:
		// Stopped while delivering
		return
	}
	r.notifySegment(result)
}

// replaceSession discards content recorded for the expired session and asks
// the recorder for a new base snapshot. No locks are held while the recorder
// runs since it may call back into HandleRecordingEvent.
func (r *Replay) replaceSession(change *session.Change) {
	r.coordinator.Reset()

	if buf, ctx, ok := r.state(); ok {
		r.flushMu.Lock()
		if buf.Len() > 0 {
			if _, err := buf.Finish(ctx); err != nil {
				r.logger.Debug("failed to discard expired content", zap.Error(err))
			}
		}
		r.flushMu.Unlock()
	}
	r.collector.Drain()
	r.segCtx.begin(change.Current.ID, change.Current.Started)

	r.setReason(change.Reason)
	r.logger.Info("session replaced",
		zap.String("session_id", change.Current.ID),
		zap.String("previous_session_id", change.Current.PreviousSessionID),
		zap.String("reason", change.Reason),
		zap.Bool("sampled", change.Current.Sampled),
	)
	r.notifySession(change)

	if !change.Current.Sampled || !r.Running() {
		return
	}
	r.recorder.TakeFullSnapshot(true)
}
