package session

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
)

// Options control how sessions are created and persisted
type Options struct {
	// Sticky persists the session through the Store on every mutation
	Sticky bool
	// SampleRate is the probability a new session is recorded
	SampleRate float64
	// MaxLife is the absolute maximum session age
	MaxLife time.Duration
	// ErrorSampleRate is the probability a session left out by SampleRate
	// still records in error-only mode
	ErrorSampleRate float64
	// CaptureOnlyOnError puts every recorded session in error-only mode
	CaptureOnlyOnError bool
}

// Manager owns the current session and its write-through persistence
type Manager struct {
	mu      sync.Mutex
	store   Store
	opts    Options
	clock   clock.Clock
	draw    Sampler
	logger  *zap.Logger
	current *Session
}

// Change describes a session replacement returned by Load
type Change struct {
	Previous *Session
	Current  Session
	Reason   string
	Sticky   bool
}

// Start returns the lifecycle notice for the new session
func (c *Change) Start(at time.Time) *domain.SessionStart {
	previous := ""
	if c.Previous != nil {
		previous = c.Previous.ID
	}
	return domain.NewSessionStart(c.Current.ID, previous, c.Current.Sampled, c.Sticky, c.Reason, at)
}

// End returns the lifecycle notice for the replaced session, or nil
func (c *Change) End(at time.Time) *domain.SessionEnd {
	if c.Previous == nil {
		return nil
	}
	return domain.NewSessionEnd(c.Previous.ID, c.Reason, Summarize(*c.Previous, at))
}

// Summarize computes end-of-session statistics
func Summarize(s Session, at time.Time) domain.SessionSummary {
	idle := at.Sub(s.LastActivity)
	if idle < 0 {
		idle = 0
	}
	return domain.SessionSummary{
		Segments:        s.SegmentID,
		DurationSeconds: int(s.LastActivity.Sub(s.Started).Seconds()),
		IdleSeconds:     int(idle.Seconds()),
	}
}

// ManagerOption customizes a Manager
type ManagerOption func(*Manager)

// WithSampler overrides the sampling draw
func WithSampler(draw Sampler) ManagerOption {
	return func(m *Manager) { m.draw = draw }
}

// WithLogger sets the logger used for swallowed storage errors
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a session manager
func NewManager(store Store, opts Options, clk clock.Clock, options ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	if clk == nil {
		clk = clock.New()
	}
	if opts.MaxLife == 0 {
		opts.MaxLife = DefaultMaxLife
	}
	m := &Manager{
		store:  store,
		opts:   opts,
		clock:  clk,
		draw:   DefaultSampler,
		logger: zap.NewNop(),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Load returns a valid session, creating a replacement when none exists or the
// existing one has expired for the given idle window. The Change is nil when
// the existing session was reused.
func (m *Manager) Load(ctx context.Context, idle time.Duration) (Session, *Change) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	existing := m.current
	reason := domain.ReasonInitial

	if m.opts.Sticky {
		stored, err := m.store.Load(ctx)
		switch {
		case err != nil:
			m.logger.Warn("session load failed, using in-memory session", zap.Error(err))
		case stored == nil && existing != nil:
			// Storage was cleared underneath us
			existing = nil
			reason = domain.ReasonMissing
		default:
			existing = stored
		}
	}

	if existing != nil {
		state := Evaluate(*existing, now, idle, m.opts.MaxLife)
		if state == Active {
			s := *existing
			m.current = &s
			m.logger.Debug("using existing session", zap.String("session_id", s.ID))
			return s, nil
		}
		reason = state.Reason()
		m.logger.Debug("session expired",
			zap.String("session_id", existing.ID),
			zap.String("state", state.String()),
		)
	}

	next := New(m.opts.SampleRate, now, m.draw)
	switch {
	case next.Sampled:
		next.ErrorOnly = m.opts.CaptureOnlyOnError
	case isSampled(m.opts.ErrorSampleRate, m.draw):
		next.Sampled = true
		next.ErrorOnly = true
	}
	var previous *Session
	if existing != nil {
		p := *existing
		previous = &p
		next.PreviousSessionID = p.ID
	}
	m.current = &next
	m.persist(ctx, next)

	m.logger.Debug("created session",
		zap.String("session_id", next.ID),
		zap.Bool("sampled", next.Sampled),
		zap.Bool("error_only", next.ErrorOnly),
		zap.String("reason", reason),
	)

	return next, &Change{
		Previous: previous,
		Current:  next,
		Reason:   reason,
		Sticky:   m.opts.Sticky,
	}
}

// Apply mutates the current session when its ID matches id, persisting the
// result for sticky sessions. It returns the updated session and whether
// it was applied.
func (m *Manager) Apply(ctx context.Context, id string, mutations ...Mutation) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil || m.current.ID != id {
		return Session{}, false
	}

	s := *m.current
	for _, mut := range mutations {
		mut(&s)
	}
	m.current = &s
	m.persist(ctx, s)
	return s, true
}

// Current returns the in-memory session
func (m *Manager) Current() (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return Session{}, false
	}
	return *m.current, true
}

// Clear forgets the current session and removes persisted state
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = nil
	if !m.opts.Sticky {
		return
	}
	if err := m.store.Delete(ctx); err != nil {
		m.logger.Warn("session delete failed", zap.Error(err))
	}
}

// Sticky reports whether sessions are persisted
func (m *Manager) Sticky() bool {
	return m.opts.Sticky
}

// persist writes s through to the store. Caller must hold lock.
func (m *Manager) persist(ctx context.Context, s Session) {
	if !m.opts.Sticky {
		return
	}
	if err := m.store.Save(ctx, s); err != nil {
		m.logger.Warn("session save failed, continuing in memory",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
	}
}
