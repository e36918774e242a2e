package replay

import (
	"slices"
	"sync"
	"time"
)

// segmentContext collects what host events and navigations reveal about
// the segment being recorded. It is sent with the segment's replay event.
type segmentContext struct {
	mu         sync.Mutex
	sessionID  string
	initialURL string
	started    time.Time
	errorIDs   []string
	traceIDs   []string
	urls       []string
}

type contextSnapshot struct {
	InitialURL string
	Started    time.Time
	ErrorIDs   []string
	TraceIDs   []string
	URLs       []string
}

// begin starts collecting for session id, forgetting what was collected for
// any other session
func (c *segmentContext) begin(id string, started time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionID == id {
		return
	}
	c.sessionID = id
	c.initialURL = ""
	c.started = started
	c.errorIDs = nil
	c.traceIDs = nil
	c.urls = nil
}

func (c *segmentContext) addError(id string) {
	c.add(&c.errorIDs, id)
}

func (c *segmentContext) addTrace(id string) {
	c.add(&c.traceIDs, id)
}

func (c *segmentContext) addURL(u string) {
	c.mu.Lock()
	if c.initialURL == "" {
		c.initialURL = u
	}
	c.mu.Unlock()
	c.add(&c.urls, u)
}

func (c *segmentContext) add(ids *[]string, id string) {
	if id == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(*ids, id) {
		*ids = append(*ids, id)
	}
}

// take returns the collected ids and clears them for the next segment. The
// initial URL and start time belong to the session and are kept.
func (c *segmentContext) take() contextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := contextSnapshot{
		InitialURL: c.initialURL,
		Started:    c.started,
		ErrorIDs:   c.errorIDs,
		TraceIDs:   c.traceIDs,
		URLs:       c.urls,
	}
	c.errorIDs = nil
	c.traceIDs = nil
	c.urls = nil
	return snap
}
