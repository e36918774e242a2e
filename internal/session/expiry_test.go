package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsExpiredIdleBoundary(t *testing.T) {
	const window = 15 * time.Minute
	s := Session{Started: baseTime, LastActivity: baseTime}

	assert.False(t, IsExpired(s, baseTime.Add(window-time.Millisecond), window, DefaultMaxLife))
	assert.True(t, IsExpired(s, baseTime.Add(window), window, DefaultMaxLife))
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name         string
		started      time.Duration // offset from base
		lastActivity time.Duration
		now          time.Duration
		expected     State
	}{
		{"fresh", 0, 0, 0, Active},
		{"within idle window", 0, 0, 14 * time.Minute, Active},
		{"idle window reached", 0, 0, 15 * time.Minute, IdleExpired},
		{"recent activity keeps session alive", 0, 50 * time.Minute, 55 * time.Minute, Active},
		{"max life reached despite activity", 0, 59 * time.Minute, 60 * time.Minute, LifeExpired},
		{"max life wins over idle", 0, 0, 2 * time.Hour, LifeExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Session{Started: baseTime.Add(tt.started), LastActivity: baseTime.Add(tt.lastActivity)}
			got := Evaluate(s, baseTime.Add(tt.now), DefaultIdleTimeout, DefaultMaxLife)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestEvaluateDisabledWindows(t *testing.T) {
	s := Session{Started: baseTime, LastActivity: baseTime}
	assert.Equal(t, Active, Evaluate(s, baseTime.Add(24*time.Hour), 0, 0))
}

func TestStateReason(t *testing.T) {
	assert.Equal(t, "idle_timeout", IdleExpired.Reason())
	assert.Equal(t, "max_life", LifeExpired.Reason())
	assert.Empty(t, Active.Reason())
	assert.Equal(t, "active", Active.String())
}
