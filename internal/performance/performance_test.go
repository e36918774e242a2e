package performance

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vburojevic/replaykit/internal/domain"
)

var origin = time.UnixMilli(1580000000000)

func TestNormalizeResource(t *testing.T) {
	n := Normalizer{TimeOrigin: origin, IngestHost: "ingest.example.com"}

	got := n.Normalize([]RawEntry{
		{EntryType: "resource", InitiatorType: "img", Name: "https://cdn.example.com/a.png", StartTime: 100, ResponseEnd: 350, TransferSize: 1024, EncodedBodySize: 900},
		{EntryType: "resource", InitiatorType: "fetch", Name: "https://api.example.com/x"},
		{EntryType: "resource", InitiatorType: "xmlhttprequest", Name: "https://api.example.com/y"},
		{EntryType: "resource", InitiatorType: "beacon", Name: "https://ingest.example.com/api/1/events/"},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "resource.img", got[0].Type)
	assert.Equal(t, "https://cdn.example.com/a.png", got[0].Name)
	assert.InDelta(t, 1580000000.1, got[0].Start, 1e-6)
	assert.InDelta(t, 1580000000.35, got[0].End, 1e-6)
	assert.Equal(t, int64(1024), got[0].Data["size"])
}

func TestNormalizePaintAndLCP(t *testing.T) {
	n := Normalizer{TimeOrigin: origin}

	got := n.Normalize([]RawEntry{
		{EntryType: "paint", Name: "first-contentful-paint", StartTime: 500, Duration: 0},
		{EntryType: "largest-contentful-paint", StartTime: 800, Duration: 20, Size: 4000, NodeID: 12},
		{EntryType: "longtask", StartTime: 1},
	})
	require.Len(t, got, 2)

	assert.Equal(t, "paint", got[0].Type)
	assert.Equal(t, "first-contentful-paint", got[0].Name)
	assert.Equal(t, got[0].Start, got[0].End)

	assert.Equal(t, "largest-contentful-paint", got[1].Type)
	assert.Equal(t, "largest-contentful-paint", got[1].Name)
	assert.Equal(t, 12, got[1].Data["nodeId"])
}

func TestNormalizeNavigation(t *testing.T) {
	n := Normalizer{TimeOrigin: origin}

	got := n.Normalize([]RawEntry{
		{EntryType: "navigation", NavigationType: "navigate", Name: "https://app.example.com/", Duration: 0},
		{EntryType: "navigation", NavigationType: "reload", Name: "https://app.example.com/", StartTime: 0, Duration: 1200, DOMComplete: 1100, TransferSize: 300},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "navigation.reload", got[0].Type)
	assert.InDelta(t, 1580000001.1, got[0].End, 1e-6)
}

func TestDedupeNavigation(t *testing.T) {
	a := RawEntry{EntryType: "navigation", Name: "https://app/", NavigationType: "navigate", Duration: 100, TransferSize: 10}
	b := RawEntry{EntryType: "navigation", Name: "https://app/b", NavigationType: "navigate", Duration: 200}
	zero := RawEntry{EntryType: "navigation", Name: "https://app/c", NavigationType: "navigate"}
	res := RawEntry{EntryType: "resource", Name: "https://app/", Duration: 100}

	t.Run("drops entries already seen", func(t *testing.T) {
		got := DedupeNavigation([]RawEntry{a, res}, []RawEntry{a, b})
		assert.Equal(t, []RawEntry{b}, got)
	})

	t.Run("drops zero duration", func(t *testing.T) {
		got := DedupeNavigation(nil, []RawEntry{zero})
		assert.Empty(t, got)
	})

	t.Run("uniques incoming by value", func(t *testing.T) {
		copyA := a
		got := DedupeNavigation(nil, []RawEntry{a, copyA, b})
		assert.Equal(t, []RawEntry{a, b}, got)
	})
}

func TestFetchAndXHREntries(t *testing.T) {
	_, ok := FetchEntry(FetchData{URL: "https://api/x", StartTimestamp: 1000})
	assert.False(t, ok, "in-flight fetch is skipped")

	e, ok := FetchEntry(FetchData{Method: "GET", URL: "https://api/x", Status: 200, StartTimestamp: 1000, EndTimestamp: 3000})
	require.True(t, ok)
	assert.Equal(t, "resource.fetch", e.Type)
	assert.Equal(t, 1.0, e.Start)
	assert.Equal(t, 3.0, e.End)
	assert.Equal(t, 200, e.Data["statusCode"])

	_, ok = XHREntry(XHRData{URL: "https://ingest/", EndTimestamp: 5000, Own: true})
	assert.False(t, ok, "own requests are skipped")

	e, ok = XHREntry(XHRData{Method: "POST", URL: "https://api/y", StatusCode: 201, EndTimestamp: 5000})
	require.True(t, ok)
	assert.Equal(t, "resource.xhr", e.Type)
	assert.Equal(t, e.End, e.Start, "missing start falls back to end")
}

func TestMemoryEntry(t *testing.T) {
	e := MemoryEntry(MemoryInfo{JSHeapSizeLimit: 4, TotalJSHeapSize: 2, UsedJSHeapSize: 1}, origin)
	assert.Equal(t, "memory", e.Type)
	assert.Equal(t, float64(1580000000), e.Start)
	assert.Equal(t, e.Start, e.End)
}

func TestCollectorDrain(t *testing.T) {
	c := NewCollector(Normalizer{TimeOrigin: origin}, nil)

	nav := RawEntry{EntryType: "navigation", NavigationType: "navigate", Name: "https://app/", Duration: 50, DOMComplete: 40}
	c.Observe(nav, RawEntry{EntryType: "paint", Name: "first-paint", StartTime: 10})
	c.Observe(nav)
	fetch, _ := FetchEntry(FetchData{Method: "GET", URL: "https://api/x", StartTimestamp: 1580000000500, EndTimestamp: 1580000000900})
	c.Add(fetch)
	assert.Equal(t, 3, c.Len())

	events := c.Drain()
	require.Len(t, events, 3)
	assert.Equal(t, 0, c.Len())
	assert.Empty(t, c.Drain())

	for _, ev := range events {
		assert.Equal(t, domain.EventTypeCustom, ev.Type)
		var data struct {
			Tag     string `json:"tag"`
			Payload span   `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, domain.TagPerformanceSpan, data.Tag)
		assert.NotEmpty(t, data.Payload.Op)
	}

	assert.Equal(t, int64(1580000000010), events[0].Timestamp)
}
