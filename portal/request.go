package portal

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

type RequestState int

const (
	RequestPending RequestState = iota
	RequestCompleted
	RequestCancelled
)

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestCompleted:
		return "completed"
	case RequestCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Response is the payload of a completed request.
type Response struct {
	Status  ResponseStatus
	Results Vardict
}

// Request is a one-shot asynchronous operation handle. It leaves Pending
// exactly once, either completed or cancelled, and Done is closed at that moment.
type Request struct {
	Handle dbus.ObjectPath
	Owner  string
	Method string

	mu    sync.Mutex
	state RequestState
	resp  Response
	cause error
	done  chan struct{}
}

func NewRequest(handle dbus.ObjectPath, owner, method string) *Request {
	return &Request{
		Handle: handle,
		Owner:  owner,
		Method: method,
		done:   make(chan struct{}),
	}
}

// Complete records the response. It reports false without error when the
// request was cancelled first, and fails with ErrAlreadyCompleted on a second completion.
func (r *Request) Complete(status ResponseStatus, results Vardict) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RequestCancelled:
		return false, nil
	case RequestCompleted:
		return false, fmt.Errorf("%s %s: %w", r.Method, r.Handle, ErrAlreadyCompleted)
	}
	if results == nil {
		results = Vardict{}
	}
	r.state = RequestCompleted
	r.resp = Response{Status: status, Results: results}
	close(r.done)
	return true, nil
}

// Cancel moves a pending request to Cancelled and reports whether it won.
func (r *Request) Cancel() bool {
	return r.CancelWith(nil)
}

// CancelWith is Cancel with a cause surfaced by Wait next to ErrCancelled.
func (r *Request) CancelWith(cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != RequestPending {
		return false
	}
	r.state = RequestCancelled
	r.cause = cause
	close(r.done)
	return true
}

func (r *Request) State() RequestState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Response returns the completion payload, if any.
func (r *Request) Response() (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resp, r.state == RequestCompleted
}

// Wait blocks until the request leaves Pending or ctx ends. When ctx ends
// first the request is cancelled; if the completion already won that race,
// the completion is returned instead. A non-success status is returned as
// a *ResponseError alongside the response.
func (r *Request) Wait(ctx context.Context) (Response, error) {
	select {
	case <-r.done:
	case <-ctx.Done():
		r.CancelWith(ctx.Err())
	}
	return r.outcome()
}

func (r *Request) outcome() (Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case RequestCompleted:
		if r.resp.Status != ResponseSuccess {
			return r.resp, &ResponseError{Method: r.Method, Status: r.resp.Status}
		}
		return r.resp, nil
	case RequestCancelled:
		if r.cause != nil {
			return Response{}, fmt.Errorf("%s: %w: %w", r.Method, ErrCancelled, r.cause)
		}
		return Response{}, fmt.Errorf("%s: %w", r.Method, ErrCancelled)
	default:
		return Response{}, fmt.Errorf("%s: %w", r.Method, ErrInvalidState)
	}
}
