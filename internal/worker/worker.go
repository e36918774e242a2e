package worker

import (
	"fmt"
	"sync"
)

// inboxSize bounds how many requests may queue ahead of the compressor
const inboxSize = 256

// Worker owns a Compressor on a dedicated goroutine. Requests are applied
// strictly in the order they were posted.
type Worker struct {
	mu     sync.Mutex
	closed bool
	inbox  chan Request
	out    chan Response
	comp   *Compressor
}

// Start creates the compressor and launches the worker goroutine
func Start(level int) (*Worker, error) {
	comp, err := NewCompressor(level)
	if err != nil {
		return nil, fmt.Errorf("worker.Start: %w", err)
	}
	w := &Worker{
		inbox: make(chan Request, inboxSize),
		out:   make(chan Response),
		comp:  comp,
	}
	go w.run()
	return w, nil
}

// Post queues a request. It fails once the worker is terminated.
func (w *Worker) Post(req Request) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWorkerTerminated
	}
	w.inbox <- req
	return nil
}

// Responses yields one Response per posted Request. It is closed after
// Terminate once the queued requests have drained.
func (w *Worker) Responses() <-chan Response {
	return w.out
}

// Terminate stops accepting requests. Queued requests are still answered.
func (w *Worker) Terminate() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	close(w.inbox)
}

func (w *Worker) run() {
	defer close(w.out)
	for req := range w.inbox {
		w.out <- w.handle(req)
	}
}

func (w *Worker) handle(req Request) Response {
	resp := Response{ID: req.ID, Method: req.Method}

	var err error
	switch req.Method {
	case MethodInit:
		err = w.comp.Reset()
	case MethodAddEvent:
		if len(req.Args) == 0 {
			err = fmt.Errorf("worker: %s: missing event argument", req.Method)
			break
		}
		err = w.comp.AddEvent(req.Args[0])
	case MethodFinish:
		resp.Response, err = w.comp.Finish()
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMethod, req.Method)
	}

	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	return resp
}
