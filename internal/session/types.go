package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/waporthq/waport/internal/channel"
)

// State is a session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateAwaitingScan State = "awaiting_scan"
	StateActive       State = "active"
	StateDisconnected State = "disconnected"
	StateAuthFailed   State = "auth_failed"
	StateTimedOut     State = "timed_out"
)

var (
	// ErrAlreadyExists is resolved internally: Create treats it as
	// success-with-existing-handle and never surfaces it to callers.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrHandshakeTimeout indicates the handshake did not reach ready
	// within the deadline. The caller may retry Create.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrAuthFailed is terminal for the session; re-auth is out of band.
	ErrAuthFailed = errors.New("channel authentication failed")
	// ErrNotFound indicates no live session for the tenant.
	ErrNotFound = errors.New("session not found")
	// ErrNotActive indicates the session has not completed its handshake.
	ErrNotActive = errors.New("session not active")
)

// transitions is the allowed state graph. Timed-out is reachable only before
// active; disconnected covers both channel-driven disconnects and explicit
// stops; every terminal state is followed by table eviction.
var transitions = map[State][]State{
	StateInitializing: {StateAwaitingScan, StateActive, StateAuthFailed, StateTimedOut, StateDisconnected},
	StateAwaitingScan: {StateActive, StateAuthFailed, StateTimedOut, StateDisconnected},
	StateActive:       {StateDisconnected, StateAuthFailed},
}

// CanTransition reports whether moving from s to next is a valid transition.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state ends the session lifecycle.
func (s State) Terminal() bool {
	switch s {
	case StateDisconnected, StateAuthFailed, StateTimedOut:
		return true
	}
	return false
}

// StatusUpdate is a partial status document projected into the status store.
// Nil pointer fields are left untouched by the merge upsert.
type StatusUpdate struct {
	Status        State   `json:"status"`
	Connected     bool    `json:"connected"`
	QRToken       *string `json:"qr_token"`
	PhoneIdentity *string `json:"phone_identity"`
}

// StatusSink receives fire-and-forget status projections for external
// observers. Failures are logged by the caller and never affect the session.
type StatusSink interface {
	SetStatus(ctx context.Context, tenantID string, update StatusUpdate) error
}

// InboundSink consumes raw inbound messages from live channel connections.
// Implementations must not return errors into the adapter event loop.
type InboundSink interface {
	Handle(ctx context.Context, tenantID string, msg channel.Message)
}

// Session is the in-memory representation of one tenant's channel connection.
// It is created and destroyed only by the Manager.
type Session struct {
	TenantID  string
	CreatedAt time.Time

	mu       sync.Mutex
	state    State
	identity string
	handle   channel.Handle

	readyOnce   sync.Once
	ready       chan struct{}
	doneOnce    sync.Once
	done        chan struct{}
	handshake   error
	destroyOnce sync.Once
}

func newSession(tenantID string) *Session {
	return &Session{
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
		state:     StateInitializing,
		ready:     make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PhoneIdentity returns the authenticated account identity; empty until active.
func (s *Session) PhoneIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Send delivers text through the session's channel connection.
func (s *Session) Send(ctx context.Context, address, text string) error {
	s.mu.Lock()
	state, handle := s.state, s.handle
	s.mu.Unlock()
	if state != StateActive || handle == nil {
		return fmt.Errorf("%w: tenant %s is %s", ErrNotActive, s.TenantID, state)
	}
	return handle.Send(ctx, address, text)
}

// transition applies a validated state change. Out-of-order events (for
// example a late ready after eviction) are rejected and reported false.
func (s *Session) transition(next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanTransition(next) {
		return false
	}
	s.state = next
	return true
}

func (s *Session) attach(handle channel.Handle) {
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
}

func (s *Session) setIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// finish records the handshake outcome exactly once and releases joiners.
func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.handshake = err
		close(s.done)
	})
}

// Done is closed when the handshake resolves (ready, failure, or timeout).
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// HandshakeErr is valid after Done is closed.
func (s *Session) HandshakeErr() error {
	return s.handshake
}

// destroyHandle tears the adapter down at most once. Failures are reported,
// not fatal: an orphaned adapter process is preferable to a leaked table
// entry blocking recreation.
func (s *Session) destroyHandle(ctx context.Context) error {
	var err error
	s.destroyOnce.Do(func() {
		s.mu.Lock()
		handle := s.handle
		s.mu.Unlock()
		if handle != nil {
			err = handle.Destroy(ctx)
		}
	})
	return err
}
