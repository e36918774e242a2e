package performance

import (
	"math"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
)

// navKey holds the fields that identify a duplicate navigation entry
type navKey struct {
	name         string
	navType      string
	startTime    float64
	transferSize int64
	duration     float64
}

func keyOf(e RawEntry) navKey {
	return navKey{e.Name, e.NavigationType, e.StartTime, e.TransferSize, e.Duration}
}

// DedupeNavigation returns the navigation entries in incoming that have a
// duration, are not already in existing and are unique among themselves.
func DedupeNavigation(existing, incoming []RawEntry) []RawEntry {
	seen := lo.SliceToMap(
		lo.Filter(existing, func(e RawEntry, _ int) bool { return e.EntryType == EntryTypeNavigation }),
		func(e RawEntry) (navKey, struct{}) { return keyOf(e), struct{}{} },
	)
	fresh := lo.Filter(incoming, func(e RawEntry, _ int) bool {
		if e.Duration <= 0 {
			return false
		}
		_, dup := seen[keyOf(e)]
		return !dup
	})
	return lo.UniqBy(fresh, keyOf)
}

// span is the custom event payload for one entry
type span struct {
	Op             string         `json:"op"`
	Description    string         `json:"description"`
	StartTimestamp float64        `json:"startTimestamp"`
	EndTimestamp   float64        `json:"endTimestamp"`
	Data           map[string]any `json:"data,omitempty"`
}

// Collector accumulates observed entries until the next flush drains them
type Collector struct {
	normalizer Normalizer
	logger     *zap.Logger

	mu      sync.Mutex
	raw     []RawEntry
	entries []Entry
}

// NewCollector creates a collector normalizing with n
func NewCollector(n Normalizer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{normalizer: n, logger: logger}
}

// Observe records raw browser entries. Duplicate navigation entries are
// dropped on arrival.
func (c *Collector) Observe(entries ...RawEntry) {
	nav, other := lo.FilterReject(entries, func(e RawEntry, _ int) bool {
		return e.EntryType == EntryTypeNavigation
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.raw = append(c.raw, other...)
	c.raw = append(c.raw, DedupeNavigation(c.raw, nav)...)
}

// Add records an already normalized entry such as a fetch or memory sample
func (c *Collector) Add(entries ...Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entries...)
}

// Len returns the number of entries waiting to be drained
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.raw) + len(c.entries)
}

// Drain empties the collector and returns its entries as custom events
func (c *Collector) Drain() []domain.RecordingEvent {
	c.mu.Lock()
	raw, extra := c.raw, c.entries
	c.raw, c.entries = nil, nil
	c.mu.Unlock()

	all := append(c.normalizer.Normalize(raw), extra...)
	return lo.FilterMap(all, func(e Entry, _ int) (domain.RecordingEvent, bool) {
		ev, err := domain.NewCustomEvent(domain.TagPerformanceSpan, secondsToTime(e.Start), span{
			Op:             e.Type,
			Description:    e.Name,
			StartTimestamp: e.Start,
			EndTimestamp:   e.End,
			Data:           e.Data,
		})
		if err != nil {
			c.logger.Debug("dropping performance entry", zap.String("type", e.Type), zap.Error(err))
			return domain.RecordingEvent{}, false
		}
		return ev, true
	})
}

func secondsToTime(s float64) time.Time {
	return time.UnixMilli(int64(math.Round(s * 1000)))
}
