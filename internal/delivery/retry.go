package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultRetryBaseInterval is the wait before the first retry
	DefaultRetryBaseInterval = 5 * time.Second
	// DefaultMaxRetries bounds delivery attempts per segment, the first included
	DefaultMaxRetries = 5
)

// ErrMaxRetriesExceeded is returned once a segment has exhausted its retries
var ErrMaxRetriesExceeded = errors.New("delivery: max retries exceeded")

// Policy bounds delivery retries. MaxRetries caps consecutive failed
// attempts; the wait before retry n is n*BaseInterval.
type Policy struct {
	BaseInterval time.Duration
	MaxRetries   int
}

// DefaultPolicy returns the default retry policy
func DefaultPolicy() Policy {
	return Policy{BaseInterval: DefaultRetryBaseInterval, MaxRetries: DefaultMaxRetries}
}

// Backoff returns the wait before retry n (1-based)
func (p Policy) Backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * p.BaseInterval
}

// SendFunc performs one delivery attempt, returning the transport used
type SendFunc func(ctx context.Context, seg Segment) (string, error)

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result describes the outcome of Deliver
type Result struct {
	Attempts  int
	Transport string
	Err       error
}

// Deliverer runs the bounded retry loop for one segment at a time
type Deliverer struct {
	send   SendFunc
	policy Policy
	sleep  SleepFunc
	logger *zap.Logger
}

// DelivererOption customizes a Deliverer
type DelivererOption func(*Deliverer)

// WithSleep replaces the clock-based wait between attempts
func WithSleep(sleep SleepFunc) DelivererOption {
	return func(d *Deliverer) { d.sleep = sleep }
}

// WithLogger sets the logger for failed attempts
func WithLogger(logger *zap.Logger) DelivererOption {
	return func(d *Deliverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDeliverer creates a deliverer waiting on clk between attempts
func NewDeliverer(send SendFunc, policy Policy, clk clock.Clock, opts ...DelivererOption) *Deliverer {
	if clk == nil {
		clk = clock.New()
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	d := &Deliverer{
		send:   send,
		policy: policy,
		sleep:  ClockSleep(clk),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// ClockSleep waits on clk, returning early when ctx is done
func ClockSleep(clk clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if d <= 0 {
			return ctx.Err()
		}
		t := clk.Timer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Deliver attempts seg until it succeeds or MaxRetries attempts have failed,
// then returns an error wrapping ErrMaxRetriesExceeded. A done
// context stops the loop with the context's error.
func (d *Deliverer) Deliver(ctx context.Context, seg Segment) Result {
	var res Result
	for retry := 0; ; retry++ {
		if retry > 0 {
			wait := d.policy.Backoff(retry)
			d.logger.Debug("retrying segment",
				zap.String("replay_id", seg.Header.ReplayID),
				zap.Int("segment_id", seg.Header.SegmentID),
				zap.Int("retry", retry),
				zap.Duration("wait", wait),
			)
			if err := d.sleep(ctx, wait); err != nil {
				res.Err = err
				return res
			}
		}

		res.Attempts++
		transport, err := d.send(ctx, seg)
		res.Transport = transport
		if err == nil {
			res.Err = nil
			return res
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			res.Err = ctxErr
			return res
		}

		d.logger.Warn("segment delivery failed",
			zap.String("replay_id", seg.Header.ReplayID),
			zap.Int("segment_id", seg.Header.SegmentID),
			zap.Int("attempt", res.Attempts),
			zap.Error(err),
		)
		if res.Attempts >= d.policy.MaxRetries {
			res.Err = fmt.Errorf("%w: segment %d after %d attempts: %v",
				ErrMaxRetriesExceeded, seg.Header.SegmentID, res.Attempts, err)
			return res
		}
	}
}
