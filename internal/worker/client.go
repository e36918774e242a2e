package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Client correlates requests to a Worker with their responses
type Client struct {
	w      *Worker
	logger *zap.Logger

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*call
	done    chan struct{}
}

type call struct {
	method Method
	// ch is nil for fire-and-forget requests
	ch chan Response
	// onFail runs for a failed fire-and-forget request
	onFail func(Response)
}

// NewClient attaches a client to w and starts reading its responses.
// A Worker must have exactly one Client.
func NewClient(w *Worker, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		w:       w,
		logger:  logger,
		pending: make(map[uint64]*call),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Notify posts a request without waiting. A failed response is logged.
func (c *Client) Notify(method Method, args ...any) error {
	_, err := c.send(method, false, nil, args)
	return err
}

// NotifyFunc is Notify with onFail called from the response reader when the
// worker rejects the request
func (c *Client) NotifyFunc(method Method, onFail func(Response), args ...any) error {
	_, err := c.send(method, false, onFail, args)
	return err
}

// Send posts a request and returns a channel receiving its response
func (c *Client) Send(method Method, args ...any) (<-chan Response, error) {
	return c.send(method, true, nil, args)
}

// Call posts a request and waits for its response. A response with
// Success=false is returned as an error.
func (c *Client) Call(ctx context.Context, method Method, args ...any) (Response, error) {
	ch, err := c.Send(method, args...)
	if err != nil {
		return Response{}, err
	}
	return c.Wait(ctx, ch)
}

// Wait blocks on a channel returned by Send
func (c *Client) Wait(ctx context.Context, ch <-chan Response) (Response, error) {
	select {
	case resp := <-ch:
		if err := resp.Err(); err != nil {
			return resp, fmt.Errorf("worker.Client: %s: %w", resp.Method, err)
		}
		return resp, nil
	case <-c.done:
		select {
		case resp := <-ch:
			return resp, resp.Err()
		default:
			return Response{}, ErrWorkerTerminated
		}
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

// Pending returns the number of requests awaiting a response
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Terminate stops the underlying worker. Requests already queued are still
// answered; later ones fail with ErrWorkerTerminated.
func (c *Client) Terminate() {
	c.w.Terminate()
}

// Done is closed once the worker has stopped responding
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) send(method Method, wait bool, onFail func(Response), args []any) (<-chan Response, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		if r, ok := a.(json.RawMessage); ok {
			raw = append(raw, r)
			continue
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("worker.Client: encode %s args: %w", method, err)
		}
		raw = append(raw, b)
	}

	cl := &call{method: method, onFail: onFail}
	if wait {
		cl.ch = make(chan Response, 1)
	}

	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil, ErrWorkerTerminated
	default:
	}
	c.nextID++
	id := c.nextID
	c.pending[id] = cl
	c.mu.Unlock()

	if err := c.w.Post(Request{ID: id, Method: method, Args: raw}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	return cl.ch, nil
}

func (c *Client) readLoop() {
	for resp := range c.w.Responses() {
		c.resolve(resp)
	}

	c.mu.Lock()
	for id := range c.pending {
		delete(c.pending, id)
	}
	close(c.done)
	c.mu.Unlock()
}

func (c *Client) resolve(resp Response) {
	c.mu.Lock()
	cl, ok := c.pending[resp.ID]
	if !ok || cl.method != resp.Method {
		c.mu.Unlock()
		c.logger.Warn("unmatched worker response",
			zap.Uint64("id", resp.ID),
			zap.String("method", string(resp.Method)),
		)
		return
	}
	delete(c.pending, resp.ID)
	c.mu.Unlock()

	if !resp.Success {
		c.logger.Error("worker request failed",
			zap.Uint64("id", resp.ID),
			zap.String("method", string(resp.Method)),
			zap.String("error", resp.Error),
		)
		if cl.onFail != nil {
			cl.onFail(resp)
		}
	}
	if cl.ch != nil {
		cl.ch <- resp
	}
}
