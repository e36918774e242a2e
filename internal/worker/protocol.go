package worker

import (
	"encoding/json"
	"errors"
)

// Method names a compression worker operation
type Method string

const (
	// MethodInit starts a fresh segment, discarding anything pending
	MethodInit Method = "init"
	// MethodAddEvent appends one event to the current segment
	MethodAddEvent Method = "addEvent"
	// MethodFinish closes the segment and returns the compressed bytes
	MethodFinish Method = "finish"
)

// Valid reports whether m is a known method
func (m Method) Valid() bool {
	switch m {
	case MethodInit, MethodAddEvent, MethodFinish:
		return true
	default:
		return false
	}
}

// Request is one message sent to the worker
type Request struct {
	ID     uint64            `json:"id"`
	Method Method            `json:"method"`
	Args   []json.RawMessage `json:"args"`
}

// Response answers exactly one Request. ID and Method echo the request.
type Response struct {
	ID       uint64 `json:"id"`
	Method   Method `json:"method"`
	Success  bool   `json:"success"`
	Response []byte `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Err returns the failure carried by r, or nil
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	if r.Error == "" {
		return errors.New("worker: request failed")
	}
	return errors.New(r.Error)
}

var (
	// ErrWorkerTerminated is returned for requests made after Terminate
	ErrWorkerTerminated = errors.New("worker: terminated")
	// ErrUnknownMethod is reported for requests outside the closed method set
	ErrUnknownMethod = errors.New("worker: unknown method")
)
