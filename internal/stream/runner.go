package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/replay"
)

// Stats counts what a run consumed
type Stats struct {
	Signals    int
	Skipped    int
	HostEvents int
	First      time.Time
	Last       time.Time
}

// Runner feeds a recorded signal stream into a replay. With a *clock.Mock
// the stream plays back in accelerated time: the clock jumps to each
// signal's timestamp, firing any debounce timers due on the way. With a
// real clock the runner waits out the gaps.
type Runner struct {
	Replay   *replay.Replay
	Recorder *Recorder
	Host     *Host
	Clock    clock.Clock
	Logger   *zap.Logger

	// OnHostEvent receives host events after the replay's processors ran
	OnHostEvent func(*replay.HostEvent)
}

// Run consumes r until EOF, a malformed line or ctx is done. Invalid
// signals are logged and skipped.
func (rn *Runner) Run(ctx context.Context, r io.Reader) (Stats, error) {
	logger := rn.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var stats Stats

	err := Decode(r, func(line int, s Signal) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Validate(); err != nil {
			stats.Skipped++
			logger.Warn("skipping signal", zap.Int("line", line), zap.Error(err))
			return nil
		}
		if at := s.Time(); !at.IsZero() {
			if err := rn.advance(ctx, at); err != nil {
				return err
			}
			if stats.First.IsZero() {
				stats.First = at
			}
			stats.Last = at
		}
		stats.Signals++
		if s.Kind == KindHostEvent {
			stats.HostEvents++
		}
		rn.apply(ctx, s)
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("stream.Run: %w", err)
	}
	return stats, nil
}

// advance moves time forward to at. Signals out of order do not move the
// clock backwards.
func (rn *Runner) advance(ctx context.Context, at time.Time) error {
	d := at.Sub(rn.Clock.Now())
	if d <= 0 {
		return nil
	}
	if m, ok := rn.Clock.(*clock.Mock); ok {
		m.Add(d)
		return nil
	}
	t := rn.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rn *Runner) apply(ctx context.Context, s Signal) {
	rp := rn.Replay
	switch s.Kind {
	case KindEvent:
		if rn.Recorder != nil {
			rn.Recorder.Observe(*s.Event)
		}
		rp.HandleRecordingEvent(*s.Event, s.Checkout)
	case KindBreadcrumb:
		rp.HandleBreadcrumb(*s.Breadcrumb)
	case KindDOM:
		rp.HandleDOMEvent(s.Name, s.Target, s.NodeID)
	case KindVisibility:
		rp.HandleVisibilityChange(s.Visible)
	case KindBlur:
		rp.HandleBlur()
	case KindFocus:
		rp.HandleFocus()
	case KindPerformance:
		rp.AddPerformanceEntries(s.Entries...)
	case KindFetch:
		rp.HandleFetch(*s.Fetch)
	case KindXHR:
		rp.HandleXHR(*s.XHR)
	case KindMemory:
		rp.AddMemorySample(*s.Memory)
	case KindHostEvent:
		ev := *s.HostEvent
		out := &ev
		if rn.Host != nil {
			out = rn.Host.Process(out)
		}
		if out != nil && rn.OnHostEvent != nil {
			rn.OnHostEvent(out)
		}
	case KindFlush:
		rp.Flush()
	case KindStop:
		rp.Stop()
	case KindStart:
		rp.Start(ctx)
	}
}
