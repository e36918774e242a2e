package worker

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
)

// Compressor streams a JSON array of events through zlib. Each event is
// sync-flushed so the compressed output grows with every add.
type Compressor struct {
	buf   bytes.Buffer
	zw    *zlib.Writer
	added int
}

// NewCompressor creates a compressor at the given zlib level
func NewCompressor(level int) (*Compressor, error) {
	c := &Compressor{}
	zw, err := zlib.NewWriterLevel(&c.buf, level)
	if err != nil {
		return nil, fmt.Errorf("worker.NewCompressor: %w", err)
	}
	c.zw = zw
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reset discards the current stream and opens a new array
func (c *Compressor) Reset() error {
	c.buf.Reset()
	c.zw.Reset(&c.buf)
	c.added = 0
	return c.push([]byte("["))
}

// Added returns the number of events in the current stream
func (c *Compressor) Added() int {
	return c.added
}

// AddEvent appends one JSON value to the array
func (c *Compressor) AddEvent(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("worker.Compressor.AddEvent: empty event")
	}
	if !json.Valid(raw) {
		return errors.New("worker.Compressor.AddEvent: invalid JSON event")
	}
	if c.added > 0 {
		if err := c.write([]byte(",")); err != nil {
			return err
		}
	}
	if err := c.push(raw); err != nil {
		return err
	}
	c.added++
	return nil
}

// Finish closes the array, returns the compressed stream and resets for the
// next segment. The result is always a complete list, possibly empty.
func (c *Compressor) Finish() ([]byte, error) {
	if err := c.write([]byte("]")); err != nil {
		return nil, err
	}
	if err := c.zw.Close(); err != nil {
		return nil, fmt.Errorf("worker.Compressor.Finish: %w", err)
	}
	out := bytes.Clone(c.buf.Bytes())
	if err := c.Reset(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Compressor) push(b []byte) error {
	if err := c.write(b); err != nil {
		return err
	}
	if err := c.zw.Flush(); err != nil {
		return fmt.Errorf("worker.Compressor: flush: %w", err)
	}
	return nil
}

func (c *Compressor) write(b []byte) error {
	if _, err := c.zw.Write(b); err != nil {
		return fmt.Errorf("worker.Compressor: write: %w", err)
	}
	return nil
}
