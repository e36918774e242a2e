package filter

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vburojevic/replaykit/internal/domain"
)

// DedupeFilter collapses repeated identical breadcrumbs
type DedupeFilter struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration // Time window for deduplication (0 = consecutive only)
	seen    map[string]*dedupeEntry
	lastKey string
}

type dedupeEntry struct {
	count     int
	firstSeen time.Time
	lastSeen  time.Time
}

// NewDedupeFilter creates a new deduplication filter
// window=0 means only collapse consecutive identical breadcrumbs
// window>0 means collapse identical breadcrumbs within the time window
func NewDedupeFilter(window time.Duration, clk clock.Clock) *DedupeFilter {
	if clk == nil {
		clk = clock.New()
	}
	return &DedupeFilter{
		clock:  clk,
		window: window,
		seen:   make(map[string]*dedupeEntry),
	}
}

// DedupeResult holds the result of a dedupe check
type DedupeResult struct {
	ShouldEmit bool      // Whether this breadcrumb should be recorded
	Count      int       // Number of duplicates (1 = first occurrence)
	FirstSeen  time.Time // First occurrence timestamp
	LastSeen   time.Time // Last occurrence timestamp (same as FirstSeen if count=1)
}

// Check determines if a breadcrumb should be recorded or suppressed
func (f *DedupeFilter) Check(b domain.Breadcrumb) DedupeResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := b.Key()
	now := f.clock.Now()

	if f.window > 0 {
		f.cleanOldEntries(now)
	}

	if existing, ok := f.seen[key]; ok {
		suppress := f.window > 0 || f.lastKey == key
		if suppress {
			existing.count++
			existing.lastSeen = now
			return DedupeResult{
				ShouldEmit: false,
				Count:      existing.count,
				FirstSeen:  existing.firstSeen,
				LastSeen:   existing.lastSeen,
			}
		}
	}

	f.seen[key] = &dedupeEntry{
		count:     1,
		firstSeen: now,
		lastSeen:  now,
	}
	f.lastKey = key

	return DedupeResult{
		ShouldEmit: true,
		Count:      1,
		FirstSeen:  now,
		LastSeen:   now,
	}
}

// Suppressed returns the number of suppressed duplicates per breadcrumb key
func (f *DedupeFilter) Suppressed() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := make(map[string]int)
	for key, entry := range f.seen {
		if entry.count > 1 {
			result[key] = entry.count - 1
		}
	}
	return result
}

// Reset clears the deduplication state
func (f *DedupeFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = make(map[string]*dedupeEntry)
	f.lastKey = ""
}

// cleanOldEntries removes entries outside the time window
func (f *DedupeFilter) cleanOldEntries(now time.Time) {
	cutoff := now.Add(-f.window)
	for key, entry := range f.seen {
		if entry.lastSeen.Before(cutoff) {
			delete(f.seen, key)
		}
	}
}
