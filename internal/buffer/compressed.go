package buffer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/vburojevic/replaykit/internal/domain"
	"github.com/vburojevic/replaykit/internal/worker"
)

// Compressed forwards events to a compression worker. Len counts the adds
// requested since the last Finish, not what the worker has processed.
// A rejected addEvent fails the Finish of the segment it belonged to.
type Compressed struct {
	client *worker.Client
	logger *zap.Logger

	mu    sync.Mutex
	count int
	// gen changes on every init and finish, so late failures from a
	// discarded segment are not charged to the next one
	gen uint64

	// errMu is separate from mu: the response reader must never wait on a
	// poster blocked by a full inbox
	errMu     sync.Mutex
	addErr    error
	addErrGen uint64
}

var _ EventBuffer = (*Compressed)(nil)

// NewCompressed starts a worker at the given zlib level
func NewCompressed(level int, logger *zap.Logger) (*Compressed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w, err := worker.Start(level)
	if err != nil {
		return nil, fmt.Errorf("buffer.NewCompressed: %w", err)
	}
	return &Compressed{
		client: worker.NewClient(w, logger),
		logger: logger,
	}, nil
}

func (c *Compressed) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Compressed) AddEvent(_ context.Context, ev domain.RecordingEvent, isCheckout bool) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("buffer.Compressed.AddEvent: %w", err)
	}
	return c.add(raw, isCheckout)
}

func (c *Compressed) add(raw json.RawMessage, isCheckout bool) error {
	// Posting under the lock keeps Len consistent with the worker's order
	c.mu.Lock()
	defer c.mu.Unlock()

	if isCheckout {
		if err := c.client.Notify(worker.MethodInit); err != nil {
			return fmt.Errorf("buffer.Compressed.AddEvent: %w", err)
		}
		c.count = 0
		c.gen++
	}
	gen := c.gen
	onFail := func(resp worker.Response) {
		c.errMu.Lock()
		defer c.errMu.Unlock()
		if c.addErr == nil || c.addErrGen != gen {
			c.addErr = resp.Err()
			c.addErrGen = gen
		}
	}
	if err := c.client.NotifyFunc(worker.MethodAddEvent, onFail, raw); err != nil {
		return fmt.Errorf("buffer.Compressed.AddEvent: %w", err)
	}
	c.count++
	return nil
}

func (c *Compressed) Finish(ctx context.Context) (domain.Payload, error) {
	c.mu.Lock()
	n := c.count
	gen := c.gen
	ch, err := c.client.Send(worker.MethodFinish)
	if err == nil {
		c.count = 0
		c.gen++
	}
	c.mu.Unlock()
	if err != nil {
		return domain.Payload{}, fmt.Errorf("buffer.Compressed.Finish: %w", err)
	}

	resp, err := c.client.Wait(ctx, ch)
	if err != nil {
		return domain.Payload{}, fmt.Errorf("buffer.Compressed.Finish: %w", err)
	}

	// Responses arrive in request order, so every addEvent of this segment
	// has been resolved by now
	if addErr := c.takeAddErr(gen); addErr != nil {
		return domain.Payload{}, fmt.Errorf("buffer.Compressed.Finish: addEvent: %w", addErr)
	}
	return domain.Payload{Body: resp.Response, Compressed: true, Events: n}, nil
}

func (c *Compressed) takeAddErr(gen uint64) error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.addErr == nil || c.addErrGen > gen {
		return nil
	}
	err := c.addErr
	c.addErr = nil
	if c.addErrGen < gen {
		return nil
	}
	return err
}

func (c *Compressed) Destroy() {
	c.mu.Lock()
	c.count = 0
	c.mu.Unlock()
	c.client.Terminate()
}
