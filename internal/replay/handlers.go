package replay

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/buffer"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/performance"
	"github.com/vburojevic/replaykit/internal/session"
)

// Breadcrumb categories recorded for page lifecycle transitions
const (
	CategoryBlur   = "ui.blur"
	CategoryFocus  = "ui.focus"
	CategoryHidden = "ui.hidden"
)

// HandleRecordingEvent buffers one event from the recorder. A checkout
// replaces the buffer and flushes immediately, except for the first
// checkout of a session that replaced an idle one.
func (r *Replay) HandleRecordingEvent(ev domain.RecordingEvent, isCheckout bool) {
	buf, ctx, ok := r.state()
	if !ok {
		return
	}

	s, change := r.sessions.Load(ctx, r.opts.SessionIdleTimeout)
	if change != nil {
		// The event belongs to the expired session; the snapshot taken for
		// the new session supersedes it
		r.replaceSession(change)
		return
	}
	if !s.Sampled {
		return
	}

	add := func() bool {
		if err := buf.AddEvent(ctx, ev, isCheckout); err != nil {
			r.logger.Warn("failed to buffer event", zap.Stringer("event_type", ev.Type), zap.Error(err))
			return false
		}
		return isCheckout
	}

	if isCheckout && r.delayFirstCheckout(s) {
		r.logger.Debug("delaying first upload of replacement session",
			zap.String("session_id", s.ID),
			zap.Duration("delay", r.opts.InitialFlushDelay),
		)
		r.coordinator.AddDelayedUpdate(r.opts.InitialFlushDelay, func() bool {
			add()
			return false
		})
		return
	}
	r.coordinator.AddUpdate(add)
}

// delayFirstCheckout reports whether s is a fresh replacement for a session
// that expired from inactivity
func (r *Replay) delayFirstCheckout(s session.Session) bool {
	if s.SegmentID != 0 || s.PreviousSessionID == "" {
		return false
	}
	r.mu.Lock()
	reason := r.reason
	r.mu.Unlock()
	return reason == domain.ReasonIdleTimeout || reason == domain.ReasonMaxLife
}

// HandleBreadcrumb records a host breadcrumb that passes the filters
func (r *Replay) HandleBreadcrumb(b domain.Breadcrumb) {
	buf, ctx, ok := r.state()
	if !ok {
		return
	}
	if b.Type == "" {
		b.Type = "default"
	}
	if b.Timestamp == 0 {
		b.Timestamp = float64(r.clock.Now().UnixMilli()) / 1000
	}
	if !r.breadcrumbs.Match(b) {
		return
	}

	s, change := r.sessions.Load(ctx, r.opts.SessionIdleTimeout)
	if change != nil {
		r.replaceSession(change)
		return
	}
	if !s.Sampled {
		return
	}
	r.coordinator.AddUpdate(func() bool {
		r.bufferBreadcrumb(ctx, buf, b)
		return false
	})
}

// HandleDOMEvent records a user interaction. Interactions count as
// activity and start a new session when the current one has expired.
func (r *Replay) HandleDOMEvent(name, target string, nodeID int) {
	buf, ctx, ok := r.state()
	if !ok || target == "" {
		return
	}
	now := r.clock.Now()

	s, change := r.sessions.Load(ctx, r.opts.SessionIdleTimeout)
	if change != nil {
		r.replaceSession(change)
		s = change.Current
		if buf, ctx, ok = r.state(); !ok {
			return
		}
	}
	if !s.Sampled {
		return
	}
	r.sessions.Apply(ctx, s.ID, session.TouchActivity(now))

	b := domain.NewBreadcrumb("ui."+name, target, now)
	if nodeID > 0 {
		b.Data["nodeId"] = nodeID
	}
	r.coordinator.AddUpdate(func() bool {
		r.bufferBreadcrumb(ctx, buf, b)
		return false
	})
}

// HandleVisibilityChange reacts to the page becoming hidden or visible
func (r *Replay) HandleVisibilityChange(visible bool) {
	if visible {
		r.foreground(CategoryFocus)
		return
	}
	r.background(CategoryHidden)
}

// HandleBlur reacts to the window losing focus
func (r *Replay) HandleBlur() {
	r.background(CategoryBlur)
}

// HandleFocus reacts to the window regaining focus
func (r *Replay) HandleFocus() {
	r.foreground(CategoryFocus)
}

// background flushes immediately when the page goes away. Blur and hidden
// usually arrive together; only the first one flushes.
func (r *Replay) background(category string) {
	buf, ctx, ok := r.state()
	if !ok {
		return
	}
	r.mu.Lock()
	if r.backgrounded {
		r.mu.Unlock()
		return
	}
	r.backgrounded = true
	r.mu.Unlock()

	s, ok := r.sessions.Current()
	if !ok || !s.Sampled {
		return
	}
	now := r.clock.Now()
	if session.IsExpired(s, now, r.opts.SessionIdleTimeout, r.opts.MaxSessionLife) {
		r.logger.Debug("session expired while backgrounding, not flushing", zap.String("session_id", s.ID))
		return
	}

	b := domain.NewBreadcrumb(category, "", now)
	r.coordinator.AddUpdate(func() bool {
		r.bufferBreadcrumb(ctx, buf, b)
		return true
	})
}

// foreground checks the session against the shorter visibility timeout
// when the page returns from the background
func (r *Replay) foreground(category string) {
	_, ctx, ok := r.state()
	if !ok {
		return
	}
	r.mu.Lock()
	wasBackground := r.backgrounded
	r.backgrounded = false
	r.mu.Unlock()
	if !wasBackground {
		return
	}

	_, change := r.sessions.Load(ctx, r.opts.VisibilityTimeout)
	if change == nil {
		r.logger.Debug("page returned within visibility timeout", zap.String("category", category))
		return
	}
	if change.Reason == domain.ReasonIdleTimeout {
		change.Reason = domain.ReasonVisibilityTimeout
	}
	r.replaceSession(change)
}

func (r *Replay) bufferBreadcrumb(ctx context.Context, buf buffer.EventBuffer, b domain.Breadcrumb) {
	ev, err := domain.NewCustomEvent(domain.TagBreadcrumb, secondsToTime(b.Timestamp), b)
	if err != nil {
		r.logger.Debug("dropping breadcrumb", zap.String("category", b.Category), zap.Error(err))
		return
	}
	if err := buf.AddEvent(ctx, ev, false); err != nil {
		r.logger.Warn("failed to buffer breadcrumb", zap.Error(err))
	}
}

// AddPerformanceEntries queues raw browser entries for the next flush.
// Navigations also name the URLs visited during the segment.
func (r *Replay) AddPerformanceEntries(entries ...performance.RawEntry) {
	if !r.Running() {
		return
	}
	for _, e := range entries {
		if e.EntryType == performance.EntryTypeNavigation {
			r.segCtx.addURL(e.Name)
		}
	}
	r.collector.Observe(entries...)
}

// HandleFetch records a completed fetch request
func (r *Replay) HandleFetch(f performance.FetchData) {
	if !r.Running() {
		return
	}
	if e, ok := performance.FetchEntry(f); ok {
		r.collector.Add(e)
	}
}

// HandleXHR records a completed XMLHttpRequest
func (r *Replay) HandleXHR(x performance.XHRData) {
	if !r.Running() {
		return
	}
	if e, ok := performance.XHREntry(x); ok {
		r.collector.Add(e)
	}
}

// AddMemorySample records the current heap usage
func (r *Replay) AddMemorySample(m performance.MemoryInfo) {
	if !r.Running() {
		return
	}
	r.collector.Add(performance.MemoryEntry(m, r.clock.Now()))
}

func secondsToTime(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000)))
}
