package session

import (
	"time"

	"github.com/vburojevic/replaykit/internal/domain"
)

const (
	// DefaultIdleTimeout is how long a session may go without activity
	DefaultIdleTimeout = 15 * time.Minute
	// DefaultVisibilityTimeout applies when a hidden page becomes visible again
	DefaultVisibilityTimeout = time.Minute
	// DefaultMaxLife is the absolute maximum age of a session
	DefaultMaxLife = 60 * time.Minute
)

// State is the activity state of a session at a point in time
type State int

const (
	Active State = iota
	IdleExpired
	LifeExpired
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case IdleExpired:
		return "idle_expired"
	case LifeExpired:
		return "life_expired"
	default:
		return "unknown"
	}
}

// Reason maps an expired state to the session lifecycle reason
func (s State) Reason() string {
	switch s {
	case IdleExpired:
		return domain.ReasonIdleTimeout
	case LifeExpired:
		return domain.ReasonMaxLife
	default:
		return ""
	}
}

// Evaluate is the pure expiry check. Both bounds are inclusive: a session
// with LastActivity t0 and idle window W is expired at exactly t0+W.
// A non-positive window disables that check.
func Evaluate(s Session, now time.Time, idle, maxLife time.Duration) State {
	if maxLife > 0 && expired(s.Started, maxLife, now) {
		return LifeExpired
	}
	if idle > 0 && expired(s.LastActivity, idle, now) {
		return IdleExpired
	}
	return Active
}

// IsExpired reports whether s is past its idle window or max life at now
func IsExpired(s Session, now time.Time, idle, maxLife time.Duration) bool {
	return Evaluate(s, now, idle, maxLife) != Active
}

func expired(from time.Time, window time.Duration, now time.Time) bool {
	return !now.Before(from.Add(window))
}
