package scheduler

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	// DefaultFlushMinDelay is the quiet period after the last update
	DefaultFlushMinDelay = 5 * time.Second
	// DefaultFlushMaxDelay bounds the time since the first unflushed update
	DefaultFlushMaxDelay = 15 * time.Second
)

// SideEffect runs as part of an update. Returning true flushes immediately.
type SideEffect func() bool

// Options configure a Coordinator
type Options struct {
	FlushMinDelay time.Duration
	FlushMaxDelay time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

// Coordinator debounces updates into flushes. A burst collapses into one
// flush FlushMinDelay after its last update, and continuous activity still
// flushes once FlushMaxDelay has passed since the first unflushed update.
type Coordinator struct {
	minDelay time.Duration
	maxDelay time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	flush    func()

	mu           sync.Mutex
	firstEventAt time.Time
	timer        *clock.Timer
	generation   uint64
	stopped      bool
}

// New creates a coordinator calling flush when a batch is due
func New(opts Options, flush func()) *Coordinator {
	if opts.FlushMinDelay <= 0 {
		opts.FlushMinDelay = DefaultFlushMinDelay
	}
	if opts.FlushMaxDelay <= 0 {
		opts.FlushMaxDelay = DefaultFlushMaxDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Coordinator{
		minDelay: opts.FlushMinDelay,
		maxDelay: opts.FlushMaxDelay,
		clock:    opts.Clock,
		logger:   opts.Logger,
		flush:    flush,
	}
}

// AddUpdate records an update, runs fn and schedules the next flush
func (c *Coordinator) AddUpdate(fn SideEffect) {
	c.addUpdate(c.minDelay, fn)
}

// AddDelayedUpdate is AddUpdate with delay replacing FlushMinDelay for the
// armed timer
func (c *Coordinator) AddDelayedUpdate(delay time.Duration, fn SideEffect) {
	c.addUpdate(delay, fn)
}

func (c *Coordinator) addUpdate(delay time.Duration, fn SideEffect) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if c.firstEventAt.IsZero() {
		c.firstEventAt = now
	}
	c.cancelLocked()
	c.mu.Unlock()

	immediate := false
	if fn != nil {
		immediate = fn()
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	if !immediate && now.Sub(c.firstEventAt) < c.maxDelay {
		c.armLocked(delay)
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()

	if immediate {
		c.logger.Debug("flushing immediately")
	} else {
		c.logger.Debug("flush ceiling reached", zap.Duration("max_delay", c.maxDelay))
	}
	c.flush()
}

// Flush cancels any pending timer and flushes now
func (c *Coordinator) Flush() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.resetLocked()
	c.mu.Unlock()
	c.flush()
}

// Pending reports whether a flush timer is armed
func (c *Coordinator) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timer != nil
}

// Reset cancels the pending timer and forgets the current window without
// flushing
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Stop cancels the pending timer and ignores updates until Start
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.resetLocked()
}

// Start re-enables a stopped coordinator with an empty window
func (c *Coordinator) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = false
	c.resetLocked()
}

func (c *Coordinator) armLocked(delay time.Duration) {
	c.generation++
	gen := c.generation
	c.timer = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.stopped || gen != c.generation {
			c.mu.Unlock()
			return
		}
		c.timer = nil
		c.firstEventAt = time.Time{}
		c.mu.Unlock()

		c.logger.Debug("debounce elapsed, flushing", zap.Duration("delay", delay))
		c.flush()
	})
}

func (c *Coordinator) cancelLocked() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) resetLocked() {
	c.cancelLocked()
	c.firstEventAt = time.Time{}
}
