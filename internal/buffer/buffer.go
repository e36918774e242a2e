package buffer

import (
	"compress/zlib"
	"context"

	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
)

// EventBuffer accumulates recording events between flushes
type EventBuffer interface {
	// Len returns the number of events added since the last Finish or checkout
	Len() int
	// AddEvent appends ev. A checkout discards everything buffered first.
	AddEvent(ctx context.Context, ev domain.RecordingEvent, isCheckout bool) error
	// Finish returns the buffered content and empties the buffer
	Finish(ctx context.Context) (domain.Payload, error)
	// Destroy releases resources; the buffer must not be used afterwards
	Destroy()
}

// Options select the buffer variant
type Options struct {
	// Compression enables the worker variant
	Compression bool
	// Level is the zlib level; zero means zlib.DefaultCompression
	Level  int
	Logger *zap.Logger
}

// New builds the compressed buffer when requested, falling back to the
// array buffer if the compression worker cannot start.
func New(opts Options) EventBuffer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.Compression {
		logger.Debug("using array event buffer")
		return NewArray()
	}

	level := opts.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}
	b, err := NewCompressed(level, logger)
	if err != nil {
		logger.Warn("compression worker unavailable, falling back to array buffer", zap.Error(err))
		return NewArray()
	}
	logger.Debug("using compression worker", zap.Int("level", level))
	return b
}
