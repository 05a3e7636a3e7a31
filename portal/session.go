package portal

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

type State int

const (
	StateCreated State = iota
	StateSelecting
	StateStarted
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateSelecting:
		return "selecting"
	case StateStarted:
		return "started"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is the lifecycle shared by the broker's authoritative copy and the
// client's mirror: Created, Selecting, Started, Active, then Closed for good.
// At most one request is in flight at a time.
type Session struct {
	Handle  dbus.ObjectPath
	Owner   string
	Kind    Kind
	Version uint32

	actor sync.Mutex

	mu           sync.Mutex
	state        State
	pending      *Request
	grant        Grant
	streams      []Stream
	restoreToken string
	connected    bool
	closeErr     error
	createdAt    time.Time
	sched        *Scheduler
	done         chan struct{}
	observers    []func(from, to State)
}

func NewSession(handle dbus.ObjectPath, owner string, kind Kind, version uint32) *Session {
	return &Session{
		Handle:    handle,
		Owner:     owner,
		Kind:      kind,
		Version:   version,
		createdAt: time.Now(),
		sched:     NewScheduler(),
		done:      make(chan struct{}),
	}
}

// Serialize runs fn while holding the session's actor lock. Verbs and timer
// callbacks for one session never run concurrently.
func (s *Session) Serialize(fn func() error) error {
	s.actor.Lock()
	defer s.actor.Unlock()
	return fn()
}

// OnTransition registers an observer called after every state change, outside the state lock.
func (s *Session) OnTransition(fn func(from, to State)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transitionLocked returns the notifications to deliver once s.mu is released.
func (s *Session) transitionLocked(to State) []func() {
	from := s.state
	if from == to {
		return nil
	}
	s.state = to
	calls := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fn := fn
		calls = append(calls, func() { fn(from, to) })
	}
	return calls
}

func notify(calls []func()) {
	for _, c := range calls {
		c()
	}
}

func (s *Session) busyLocked(op string) error {
	if s.pending != nil {
		return fmt.Errorf("%s: %s still in flight: %w", op, s.pending.Method, ErrInvalidState)
	}
	return nil
}

// Negotiate admits a selection verb and records req as the in-flight request.
func (s *Session) Negotiate(op string, req *Request) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated, StateSelecting:
	default:
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: op, State: st}
	}
	if err := s.busyLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	s.pending = req
	calls := s.transitionLocked(StateSelecting)
	s.mu.Unlock()

	notify(calls)
	return nil
}

// EndRequest clears req as the in-flight request, if it still is.
func (s *Session) EndRequest(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == req {
		s.pending = nil
	}
}

// BeginStart admits Start. The session stays in its selection state until FinishStart.
func (s *Session) BeginStart(req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated, StateSelecting:
	default:
		return &StateError{Op: "Start", State: s.state}
	}
	if err := s.busyLocked("Start"); err != nil {
		return err
	}
	s.pending = req
	return nil
}

// FinishStart records a successful Start and makes the session Active.
// It fails when the session was closed while Start was in flight.
func (s *Session) FinishStart(req *Request, grant Grant, streams []Stream, restoreToken string) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return &StateError{Op: "Start", State: StateClosed}
	}
	if s.pending != req {
		s.mu.Unlock()
		return fmt.Errorf("Start: request %s is not in flight: %w", req.Handle, ErrInvalidState)
	}
	s.pending = nil
	s.grant = grant
	s.streams = slices.Clone(streams)
	s.restoreToken = restoreToken
	calls := s.transitionLocked(StateStarted)
	calls = append(calls, s.transitionLocked(StateActive)...)
	s.mu.Unlock()

	notify(calls)
	return nil
}

// Activate makes a session that has no Start verb Active once its
// negotiation is complete.
func (s *Session) Activate(op string, grant Grant) error {
	s.mu.Lock()
	switch s.state {
	case StateCreated, StateSelecting:
	default:
		st := s.state
		s.mu.Unlock()
		return &StateError{Op: op, State: st}
	}
	if err := s.busyLocked(op); err != nil {
		s.mu.Unlock()
		return err
	}
	s.grant = grant
	calls := s.transitionLocked(StateStarted)
	calls = append(calls, s.transitionLocked(StateActive)...)
	s.mu.Unlock()

	notify(calls)
	return nil
}

// Require fails with a *StateError unless the session is Active.
func (s *Session) Require(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{Op: op, State: s.state}
	}
	return nil
}

// Track records req as the in-flight request of an Active session, so that
// Close cancels it. Release it with EndRequest.
func (s *Session) Track(op string, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{Op: op, State: s.state}
	}
	if err := s.busyLocked(op); err != nil {
		return err
	}
	s.pending = req
	return nil
}

// Connect claims the session's single resource handoff.
func (s *Session) Connect(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateActive {
		return &StateError{Op: op, State: s.state}
	}
	if s.connected {
		return fmt.Errorf("%s: %w", op, ErrAlreadyConnected)
	}
	s.connected = true
	return nil
}

// Schedule runs fn after d unless the session closes first.
func (s *Session) Schedule(d time.Duration, fn func()) *Task {
	return s.sched.After(d, fn)
}

// Close is terminal and idempotent. It cancels the in-flight request with
// reason, stops every scheduled task and closes Done. It reports whether
// this call performed the close.
func (s *Session) Close(reason error) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	pending := s.pending
	s.pending = nil
	s.closeErr = reason
	calls := s.transitionLocked(StateClosed)
	close(s.done)
	s.mu.Unlock()

	if pending != nil {
		pending.CancelWith(reason)
	}
	s.sched.Stop()
	notify(calls)
	return true
}

func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the reason passed to Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) Pending() *Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Session) Grant() Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant
}

func (s *Session) Streams() []Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.streams)
}

func (s *Session) RestoreToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreToken
}

func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SessionInfo is a JSON-friendly snapshot of a session.
type SessionInfo struct {
	Handle    string    `json:"handle"`
	Owner     string    `json:"owner"`
	Kind      string    `json:"kind"`
	Version   uint32    `json:"version"`
	State     string    `json:"state"`
	Pending   string    `json:"pending,omitempty"`
	Grant     Grant     `json:"grant"`
	Streams   int       `json:"streams"`
	Connected bool      `json:"connected"`
	Tasks     int       `json:"scheduled_tasks"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		Handle:    string(s.Handle),
		Owner:     s.Owner,
		Kind:      s.Kind.String(),
		Version:   s.Version,
		State:     s.state.String(),
		Grant:     s.grant,
		Streams:   len(s.streams),
		Connected: s.connected,
		Tasks:     s.sched.Pending(),
		CreatedAt: s.createdAt,
	}
	if s.pending != nil {
		info.Pending = s.pending.Method
	}
	return info
}
