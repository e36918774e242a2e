package replay

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/buffer"
	"github.com/vburojevic/replaykit/internal/delivery"
	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/filter"
	"github.com/vburojevic/replaykit/internal/performance"
	"github.com/vburojevic/replaykit/internal/scheduler"
	"github.com/vburojevic/replaykit/internal/session"
)

// DefaultInitialFlushDelay delays the first upload of a session that
// replaced an idle or life-expired one
const DefaultInitialFlushDelay = 10 * time.Second

// queueSize bounds segments waiting for delivery
const queueSize = 32

// Options configure a Replay
type Options struct {
	FlushMinDelay      time.Duration
	FlushMaxDelay      time.Duration
	InitialFlushDelay  time.Duration
	SessionIdleTimeout time.Duration
	VisibilityTimeout  time.Duration
	MaxSessionLife     time.Duration

	SampleRate         float64
	// ErrorSampleRate records sessions left out by SampleRate, holding
	// their segments until the host captures an error
	ErrorSampleRate    float64
	// CaptureOnlyOnError holds segments of every sampled session until the
	// host captures an error
	CaptureOnlyOnError bool
	Sticky             bool

	Compression      bool
	CompressionLevel int

	Retry delivery.Policy

	// BreadcrumbExcludes drop host breadcrumbs matching any clause
	BreadcrumbExcludes []string
	// BreadcrumbWhere keeps only host breadcrumbs matching all clauses
	BreadcrumbWhere []string
	// DedupeWindow collapses identical breadcrumbs; zero collapses only
	// consecutive repeats
	DedupeWindow time.Duration
}

// DefaultOptions returns the default replay configuration
func DefaultOptions() Options {
	return Options{
		FlushMinDelay:      scheduler.DefaultFlushMinDelay,
		FlushMaxDelay:      scheduler.DefaultFlushMaxDelay,
		InitialFlushDelay:  DefaultInitialFlushDelay,
		SessionIdleTimeout: session.DefaultIdleTimeout,
		VisibilityTimeout:  session.DefaultVisibilityTimeout,
		MaxSessionLife:     session.DefaultMaxLife,
		SampleRate:         1,
		Retry:              delivery.DefaultPolicy(),
		BreadcrumbExcludes: filter.DefaultExcludes,
	}
}

// Sender uploads one segment and names the transport used
type Sender interface {
	Send(ctx context.Context, seg delivery.Segment) (string, error)
}

// Option customizes a Replay
type Option func(*Replay)

// WithClock sets the clock used for sessions, timers and retries
func WithClock(clk clock.Clock) Option {
	return func(r *Replay) { r.clock = clk }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(r *Replay) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStore sets the sticky session store
func WithStore(store session.Store) Option {
	return func(r *Replay) { r.store = store }
}

// WithSampler overrides the sampling draw
func WithSampler(draw session.Sampler) Option {
	return func(r *Replay) { r.sampler = draw }
}

// WithRetrySleep replaces the clock-based wait between delivery attempts
func WithRetrySleep(sleep delivery.SleepFunc) Option {
	return func(r *Replay) { r.sleep = sleep }
}

// WithNormalizer sets how performance entries are normalized
func WithNormalizer(n performance.Normalizer) Option {
	return func(r *Replay) { r.normalizer = n }
}

// Replay records a session into segments and ships them
type Replay struct {
	opts       Options
	host       Host
	recorder   Recorder
	sender     Sender
	clock      clock.Clock
	logger     *zap.Logger
	store      session.Store
	sampler    session.Sampler
	sleep      delivery.SleepFunc
	normalizer performance.Normalizer

	sessions    *session.Manager
	coordinator *scheduler.Coordinator
	collector   *performance.Collector
	breadcrumbs *filter.Pipeline
	deliverer   *delivery.Deliverer
	segCtx      segmentContext

	// flushMu serializes capturing a segment out of the buffer
	flushMu sync.Mutex

	mu           sync.Mutex
	running      bool
	wasStopped   bool
	processorSet bool
	backgrounded bool
	// reason is why the current session was created
	reason    string
	buf       buffer.EventBuffer
	ctx       context.Context
	cancel    context.CancelFunc
	queue     chan delivery.Segment
	loopDone  chan struct{}
	inflight  sync.WaitGroup
	onSession []func(*session.Change)
	onSegment []func(domain.SegmentResult)
}

// New creates a replay. It does not record until Start.
func New(opts Options, host Host, recorder Recorder, sender Sender, options ...Option) (*Replay, error) {
	if host == nil || recorder == nil || sender == nil {
		return nil, errors.New("replay.New: host, recorder and sender are required")
	}
	r := &Replay{
		opts:     opts,
		host:     host,
		recorder: recorder,
		sender:   sender,
		logger:   zap.NewNop(),
	}
	for _, o := range options {
		o(r)
	}
	if r.clock == nil {
		r.clock = clock.New()
	}
	if r.opts.SessionIdleTimeout <= 0 {
		r.opts.SessionIdleTimeout = session.DefaultIdleTimeout
	}
	if r.opts.VisibilityTimeout <= 0 {
		r.opts.VisibilityTimeout = session.DefaultVisibilityTimeout
	}
	if r.opts.MaxSessionLife <= 0 {
		r.opts.MaxSessionLife = session.DefaultMaxLife
	}
	if r.opts.InitialFlushDelay <= 0 {
		r.opts.InitialFlushDelay = DefaultInitialFlushDelay
	}

	exclude, err := filter.NewExcludeFilter(r.opts.BreadcrumbExcludes)
	if err != nil {
		return nil, err
	}
	where, err := filter.NewWhereFilter(r.opts.BreadcrumbWhere)
	if err != nil {
		return nil, err
	}
	r.breadcrumbs = filter.NewPipeline(exclude, where, filter.NewDedupeFilter(r.opts.DedupeWindow, r.clock))

	managerOpts := []session.ManagerOption{session.WithLogger(r.logger.Named("session"))}
	if r.sampler != nil {
		managerOpts = append(managerOpts, session.WithSampler(r.sampler))
	}
	r.sessions = session.NewManager(r.store, session.Options{
		Sticky:             r.opts.Sticky,
		SampleRate:         r.opts.SampleRate,
		ErrorSampleRate:    r.opts.ErrorSampleRate,
		CaptureOnlyOnError: r.opts.CaptureOnlyOnError,
		MaxLife:            r.opts.MaxSessionLife,
	}, r.clock, managerOpts...)

	r.coordinator = scheduler.New(scheduler.Options{
		FlushMinDelay: r.opts.FlushMinDelay,
		FlushMaxDelay: r.opts.FlushMaxDelay,
		Clock:         r.clock,
		Logger:        r.logger.Named("scheduler"),
	}, r.flush)
	r.coordinator.Stop()

	r.collector = performance.NewCollector(r.normalizer, r.logger)

	deliverOpts := []delivery.DelivererOption{delivery.WithLogger(r.logger.Named("delivery"))}
	if r.sleep != nil {
		deliverOpts = append(deliverOpts, delivery.WithSleep(r.sleep))
	}
	r.deliverer = delivery.NewDeliverer(r.sender.Send, r.opts.Retry, r.clock, deliverOpts...)

	return r, nil
}

// OnSessionChange registers fn for every session replacement
func (r *Replay) OnSessionChange(fn func(*session.Change)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSession = append(r.onSession, fn)
}

// OnSegment registers fn for every delivered or dropped segment
func (r *Replay) OnSegment(fn func(domain.SegmentResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSegment = append(r.onSegment, fn)
}

// Start begins recording with the current or a new session. An unsampled
// session records nothing.
func (r *Replay) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	s, change := r.sessions.Load(ctx, r.opts.SessionIdleTimeout)
	if change != nil {
		r.setReason(change.Reason)
		r.notifySession(change)
	}
	if !s.Sampled {
		r.logger.Info("session not sampled, not recording", zap.String("session_id", s.ID))
		return
	}
	r.segCtx.begin(s.ID, s.Started)

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		cancel()
		return
	}
	r.running = true
	r.backgrounded = false
	r.buf = buffer.New(buffer.Options{
		Compression: r.opts.Compression,
		Level:       r.opts.CompressionLevel,
		Logger:      r.logger.Named("buffer"),
	})
	r.ctx = runCtx
	r.cancel = cancel
	r.queue = make(chan delivery.Segment, queueSize)
	r.loopDone = make(chan struct{})
	registerProcessor := !r.processorSet
	r.processorSet = true
	resumed := r.wasStopped
	queue, done := r.queue, r.loopDone
	r.mu.Unlock()

	r.coordinator.Start()
	go r.deliverLoop(runCtx, queue, done)

	if registerProcessor {
		r.host.AddEventProcessor(r.ProcessEvent)
	}
	r.logger.Info("replay started",
		zap.String("session_id", s.ID),
		zap.Int("segment_id", s.SegmentID),
		zap.Bool("sticky", r.opts.Sticky),
		zap.Bool("error_only", s.ErrorOnly),
	)

	// Content buffered before a stop was discarded, so a resumed recording
	// needs a new base snapshot
	if resumed {
		r.recorder.TakeFullSnapshot(true)
	}
}

// Stop ends recording. Buffered content is discarded and pending deliveries
// are abandoned. The session is kept so a later Start can resume it.
func (r *Replay) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.wasStopped = true
	cancel, done, queue, buf := r.cancel, r.loopDone, r.queue, r.buf
	r.buf = nil
	r.mu.Unlock()

	r.coordinator.Stop()
	cancel()
	<-done

	// Release anything enqueued after the loop exited
drain:
	for {
		select {
		case <-queue:
			r.inflight.Done()
		default:
			break drain
		}
	}

	r.flushMu.Lock()
	buf.Destroy()
	r.flushMu.Unlock()
	r.collector.Drain()

	if d := r.breadcrumbs.Dedupe(); d != nil {
		for key, n := range d.Suppressed() {
			r.logger.Debug("suppressed duplicate breadcrumbs", zap.String("key", key), zap.Int("count", n))
		}
	}
	r.logger.Info("replay stopped")
}

// Teardown stops recording and forgets the session, including persisted state
func (r *Replay) Teardown(ctx context.Context) {
	r.Stop()
	r.sessions.Clear(ctx)
}

// Running reports whether the replay is recording
func (r *Replay) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Session returns the current session
func (r *Replay) Session() (session.Session, bool) {
	return r.sessions.Current()
}

// Wait blocks until every captured segment has been delivered or dropped
func (r *Replay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Replay) setReason(reason string) {
	r.mu.Lock()
	r.reason = reason
	r.mu.Unlock()
}

// runContext returns the run context, or a background context when stopped
func (r *Replay) runContext() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// state returns the live buffer and run context, or ok=false when stopped
func (r *Replay) state() (buffer.EventBuffer, context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, nil, false
	}
	return r.buf, r.ctx, true
}

func (r *Replay) notifySession(change *session.Change) {
	r.mu.Lock()
	observers := slices.Clone(r.onSession)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(change)
	}
}

func (r *Replay) notifySegment(res domain.SegmentResult) {
	r.mu.Lock()
	observers := slices.Clone(r.onSegment)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(res)
	}
}
