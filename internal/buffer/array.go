package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vburojevic/replaykit/internal/domain"
)

// Array keeps events in memory and serializes them as a JSON array
type Array struct {
	mu     sync.Mutex
	events []domain.RecordingEvent
}

var _ EventBuffer = (*Array)(nil)

func NewArray() *Array {
	return &Array{}
}

func (a *Array) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func (a *Array) AddEvent(_ context.Context, ev domain.RecordingEvent, isCheckout bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if isCheckout {
		a.events = nil
	}
	a.events = append(a.events, ev)
	return nil
}

// Finish swaps the slice out under the lock and encodes it outside, so
// events added meanwhile belong to the next segment.
func (a *Array) Finish(_ context.Context) (domain.Payload, error) {
	a.mu.Lock()
	events := a.events
	a.events = nil
	a.mu.Unlock()

	if events == nil {
		events = []domain.RecordingEvent{}
	}
	body, err := json.Marshal(events)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("buffer.Array.Finish: %w", err)
	}
	return domain.Payload{Body: body, Events: len(events)}, nil
}

func (a *Array) Destroy() {
	a.mu.Lock()
	a.events = nil
	a.mu.Unlock()
}
