package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/performance"
	"github.com/vburojevic/replaykit/internal/replay"
)

// Signal kinds
const (
	KindEvent       = "event"
	KindBreadcrumb  = "breadcrumb"
	KindDOM         = "dom"
	KindVisibility  = "visibility"
	KindBlur        = "blur"
	KindFocus       = "focus"
	KindPerformance = "performance"
	KindFetch       = "fetch"
	KindXHR         = "xhr"
	KindMemory      = "memory"
	KindHostEvent   = "host_event"
	KindFlush       = "flush"
	KindStop        = "stop"
	KindStart       = "start"
)

// maxLineBytes bounds a single signal line; full snapshots can be large
const maxLineBytes = 32 << 20

// Signal is one line of a recorded page session
type Signal struct {
	Kind string `json:"kind"`
	// At is epoch milliseconds; zero keeps the current time
	At int64 `json:"at,omitempty"`

	Event    *domain.RecordingEvent `json:"event,omitempty"`
	Checkout bool                   `json:"checkout,omitempty"`

	Breadcrumb *domain.Breadcrumb `json:"breadcrumb,omitempty"`

	Name   string `json:"name,omitempty"`
	Target string `json:"target,omitempty"`
	NodeID int    `json:"node_id,omitempty"`

	Visible bool `json:"visible,omitempty"`

	Entries []performance.RawEntry `json:"entries,omitempty"`
	Fetch   *performance.FetchData `json:"fetch,omitempty"`
	XHR     *performance.XHRData   `json:"xhr,omitempty"`
	Memory  *performance.MemoryInfo `json:"memory,omitempty"`

	HostEvent *replay.HostEvent `json:"host_event,omitempty"`
}

// Time returns At as a time, or zero
func (s Signal) Time() time.Time {
	if s.At == 0 {
		return time.Time{}
	}
	return time.UnixMilli(s.At)
}

// Validate checks the payload required by the kind
func (s Signal) Validate() error {
	switch s.Kind {
	case KindEvent:
		if s.Event == nil {
			return fmt.Errorf("%s signal requires event", s.Kind)
		}
	case KindBreadcrumb:
		if s.Breadcrumb == nil {
			return fmt.Errorf("%s signal requires breadcrumb", s.Kind)
		}
	case KindDOM:
		if s.Name == "" || s.Target == "" {
			return fmt.Errorf("%s signal requires name and target", s.Kind)
		}
	case KindFetch:
		if s.Fetch == nil {
			return fmt.Errorf("%s signal requires fetch", s.Kind)
		}
	case KindXHR:
		if s.XHR == nil {
			return fmt.Errorf("%s signal requires xhr", s.Kind)
		}
	case KindMemory:
		if s.Memory == nil {
			return fmt.Errorf("%s signal requires memory", s.Kind)
		}
	case KindHostEvent:
		if s.HostEvent == nil {
			return fmt.Errorf("%s signal requires host_event", s.Kind)
		}
	case KindPerformance, KindVisibility, KindBlur, KindFocus, KindFlush, KindStop, KindStart:
	default:
		return fmt.Errorf("unknown signal kind %q", s.Kind)
	}
	return nil
}

// Decode reads NDJSON signals and calls fn for each in order. Blank lines
// are skipped. Decoding stops at the first malformed line or error from fn.
func Decode(r io.Reader, fn func(line int, s Signal) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var s Signal
		if err := json.Unmarshal([]byte(text), &s); err != nil {
			return fmt.Errorf("stream.Decode: line %d: %w", line, err)
		}
		if err := fn(line, s); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream.Decode: %w", err)
	}
	return nil
}

// PeekStart finds the first timestamped signal in r without consuming it.
// The returned reader yields the full stream. A stream without timestamps
// returns the zero time.
func PeekStart(r io.Reader) (io.Reader, time.Time, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	var seen bytes.Buffer
	for {
		line, err := br.ReadBytes('\n')
		seen.Write(line)
		if text := bytes.TrimSpace(line); len(text) > 0 {
			var head struct {
				At int64 `json:"at"`
			}
			if jerr := json.Unmarshal(text, &head); jerr == nil && head.At != 0 {
				return io.MultiReader(&seen, br), time.UnixMilli(head.At), nil
			}
		}
		if err == io.EOF {
			return &seen, time.Time{}, nil
		}
		if err != nil {
			return nil, time.Time{}, fmt.Errorf("stream.PeekStart: %w", err)
		}
	}
}
