package performance

import (
	"net/url"
	"strings"
	"time"

	"github.com/samber/lo"
)

// Entry is a normalized performance span. Times are epoch seconds.
type Entry struct {
	Type  string         `json:"type"`
	Name  string         `json:"name"`
	Start float64        `json:"start"`
	End   float64        `json:"end"`
	Data  map[string]any `json:"data,omitempty"`
}

// RawEntry is a browser performance entry as observed. Times are
// milliseconds relative to the page time origin.
type RawEntry struct {
	EntryType       string  `json:"entryType"`
	Name            string  `json:"name"`
	StartTime       float64 `json:"startTime"`
	Duration        float64 `json:"duration"`
	InitiatorType   string  `json:"initiatorType,omitempty"`
	ResponseEnd     float64 `json:"responseEnd,omitempty"`
	DOMComplete     float64 `json:"domComplete,omitempty"`
	TransferSize    int64   `json:"transferSize,omitempty"`
	EncodedBodySize int64   `json:"encodedBodySize,omitempty"`
	// NavigationType is the navigation kind, e.g. navigate or reload
	NavigationType string `json:"type,omitempty"`
	// Size and NodeID describe largest-contentful-paint entries
	Size   int64 `json:"size,omitempty"`
	NodeID int   `json:"nodeId,omitempty"`
}

// MemoryInfo is a heap usage sample
type MemoryInfo struct {
	JSHeapSizeLimit int64 `json:"jsHeapSizeLimit"`
	TotalJSHeapSize int64 `json:"totalJSHeapSize"`
	UsedJSHeapSize  int64 `json:"usedJSHeapSize"`
}

// EntryTypeNavigation marks page navigation entries, named by their URL
const EntryTypeNavigation = "navigation"

const (
	typeResource = "resource"
	typePaint    = "paint"
	typeLCP      = "largest-contentful-paint"
	typeMemory   = "memory"
)

// Normalizer converts raw entries into spans
type Normalizer struct {
	// TimeOrigin is the page time origin that RawEntry times are relative to
	TimeOrigin time.Time
	// IngestHost is skipped so uploads never record themselves
	IngestHost string
}

// Normalize converts entries, dropping unsupported or uninteresting ones
func (n Normalizer) Normalize(entries []RawEntry) []Entry {
	return lo.FilterMap(entries, func(e RawEntry, _ int) (Entry, bool) {
		return n.normalize(e)
	})
}

func (n Normalizer) normalize(e RawEntry) (Entry, bool) {
	switch e.EntryType {
	case typeResource:
		return n.resource(e)
	case typePaint:
		start := n.absolute(e.StartTime)
		return Entry{Type: e.EntryType, Name: e.Name, Start: start, End: start + e.Duration}, true
	case EntryTypeNavigation:
		return n.navigation(e)
	case typeLCP:
		start := n.absolute(e.StartTime)
		return Entry{
			Type:  e.EntryType,
			Name:  e.EntryType,
			Start: start,
			End:   start + e.Duration,
			Data: map[string]any{
				"duration": e.Duration,
				"size":     e.Size,
				"nodeId":   e.NodeID,
			},
		}, true
	default:
		return Entry{}, false
	}
}

func (n Normalizer) resource(e RawEntry) (Entry, bool) {
	if n.isIngest(e.Name) {
		return Entry{}, false
	}
	// fetch and xhr are reported by their own handlers
	if lo.Contains([]string{"fetch", "xmlhttprequest"}, e.InitiatorType) {
		return Entry{}, false
	}
	return Entry{
		Type:  e.EntryType + "." + e.InitiatorType,
		Name:  e.Name,
		Start: n.absolute(e.StartTime),
		End:   n.absolute(e.ResponseEnd),
		Data: map[string]any{
			"size":            e.TransferSize,
			"encodedBodySize": e.EncodedBodySize,
		},
	}, true
}

func (n Normalizer) navigation(e RawEntry) (Entry, bool) {
	// Zero-duration navigation entries are duplicates
	if e.Duration == 0 {
		return Entry{}, false
	}
	return Entry{
		Type:  e.EntryType + "." + e.NavigationType,
		Name:  e.Name,
		Start: n.absolute(e.StartTime),
		End:   n.absolute(e.DOMComplete),
		Data: map[string]any{
			"size":     e.TransferSize,
			"duration": e.Duration,
		},
	}, true
}

// absolute converts a relative millisecond time into epoch seconds
func (n Normalizer) absolute(ms float64) float64 {
	return (float64(n.TimeOrigin.UnixMilli()) + ms) / 1000
}

func (n Normalizer) isIngest(raw string) bool {
	if n.IngestHost == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, n.IngestHost) || strings.EqualFold(u.Hostname(), n.IngestHost)
}

// MemoryEntry records a heap sample taken at at
func MemoryEntry(m MemoryInfo, at time.Time) Entry {
	ts := float64(at.UnixMilli()) / 1000
	return Entry{
		Type:  typeMemory,
		Name:  typeMemory,
		Start: ts,
		End:   ts,
		Data: map[string]any{
			"memory": m,
		},
	}
}

// FetchData describes a completed fetch request. Times are epoch milliseconds.
type FetchData struct {
	Method         string `json:"method"`
	URL            string `json:"url"`
	Status         int    `json:"status"`
	StartTimestamp int64  `json:"startTimestamp"`
	EndTimestamp   int64  `json:"endTimestamp,omitempty"`
}

// FetchEntry converts a fetch into a span. In-flight requests are skipped.
func FetchEntry(f FetchData) (Entry, bool) {
	if f.EndTimestamp == 0 {
		return Entry{}, false
	}
	return Entry{
		Type:  "resource.fetch",
		Name:  f.URL,
		Start: float64(f.StartTimestamp) / 1000,
		End:   float64(f.EndTimestamp) / 1000,
		Data: map[string]any{
			"method":     f.Method,
			"statusCode": f.Status,
		},
	}, true
}

// XHRData describes a completed XMLHttpRequest. Times are epoch milliseconds.
type XHRData struct {
	Method         string `json:"method"`
	URL            string `json:"url"`
	StatusCode     int    `json:"statusCode"`
	StartTimestamp int64  `json:"startTimestamp,omitempty"`
	EndTimestamp   int64  `json:"endTimestamp,omitempty"`
	// Own marks requests made by the uploader itself
	Own bool `json:"own,omitempty"`
}

// XHREntry converts an XHR into a span. Own and in-flight requests are skipped.
func XHREntry(x XHRData) (Entry, bool) {
	if x.Own || x.EndTimestamp == 0 {
		return Entry{}, false
	}
	start := x.StartTimestamp
	if start == 0 {
		start = x.EndTimestamp
	}
	return Entry{
		Type:  "resource.xhr",
		Name:  x.URL,
		Start: float64(start) / 1000,
		End:   float64(x.EndTimestamp) / 1000,
		Data: map[string]any{
			"method":     x.Method,
			"statusCode": x.StatusCode,
		},
	}, true
}
