package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/waporthq/waport/internal/channel"
)

type fakeHandle struct {
	events       chan channel.Event
	sendFunc     func(ctx context.Context, address, text string) error
	logoutErr    error
	destroyErr   error
	closeOnKill  bool
	logoutCalls  atomic.Int32
	destroyCalls atomic.Int32
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan channel.Event, 8), closeOnKill: true}
}

func (h *fakeHandle) Events() <-chan channel.Event { return h.events }

func (h *fakeHandle) Send(ctx context.Context, address, text string) error {
	if h.sendFunc == nil {
		return nil
	}
	return h.sendFunc(ctx, address, text)
}

func (h *fakeHandle) Logout(ctx context.Context) error {
	h.logoutCalls.Add(1)
	return h.logoutErr
}

func (h *fakeHandle) Destroy(ctx context.Context) error {
	h.destroyCalls.Add(1)
	if h.closeOnKill {
		close(h.events)
	}
	return h.destroyErr
}

type fakeAdapter struct {
	openFunc  func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error)
	openCalls atomic.Int32
}

func (a *fakeAdapter) Open(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
	a.openCalls.Add(1)
	if a.openFunc == nil {
		return newFakeHandle(), nil
	}
	return a.openFunc(ctx, tenantID, profileDir)
}

type fakeStatusSink struct {
	mu      sync.Mutex
	updates []StatusUpdate
	err     error
}

func (f *fakeStatusSink) SetStatus(ctx context.Context, tenantID string, update StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, update)
	return f.err
}

func (f *fakeStatusSink) statuses() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]State, 0, len(f.updates))
	for _, u := range f.updates {
		out = append(out, u.Status)
	}
	return out
}

func newTestManager(t *testing.T, adapter channel.Adapter, sink StatusSink, timeout time.Duration) *Manager {
	t.Helper()
	return NewManager(nil, adapter, NewRegistry(), sink, NewStatusHub(), t.TempDir(), timeout)
}

func TestCreateReachesActive(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventQR, QRToken: "qr-token-1"}
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557199998888"}
			}()
			return handle, nil
		},
	}
	sink := &fakeStatusSink{}
	m := newTestManager(t, adapter, sink, time.Second)

	sess, err := m.Create(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("unexpected state: %s", sess.State())
	}
	if sess.PhoneIdentity() != "557199998888" {
		t.Fatalf("unexpected identity: %s", sess.PhoneIdentity())
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("expected 1 session, got %d", m.ActiveCount())
	}

	got := sink.statuses()
	want := []State{StateInitializing, StateAwaitingScan, StateActive}
	if len(got) != len(want) {
		t.Fatalf("unexpected projections: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("projection %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestCreateHandshakeTimeout(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handles []*fakeHandle
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			handle := newFakeHandle()
			mu.Lock()
			handles = append(handles, handle)
			mu.Unlock()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, 30*time.Millisecond)

	_, err := m.Create(context.Background(), "tenant-1")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected clean table, got %d entries", m.ActiveCount())
	}
	mu.Lock()
	first := handles[0]
	mu.Unlock()
	if n := first.destroyCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one destroy, got %d", n)
	}

	// A retry after timeout starts a fresh handshake.
	_, err = m.Create(context.Background(), "tenant-1")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout on retry, got %v", err)
	}
	if n := adapter.openCalls.Load(); n != 2 {
		t.Fatalf("expected 2 opens, got %d", n)
	}
}

func TestCreateAuthFailure(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventQR, QRToken: "qr-token-1"}
				handle.events <- channel.Event{Kind: channel.EventAuthFailure, Reason: "expired credentials"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	_, err := m.Create(context.Background(), "tenant-1")
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected clean table, got %d entries", m.ActiveCount())
	}
	if n := handle.destroyCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one destroy, got %d", n)
	}
}

func TestCreateAdapterOpenError(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			return nil, errors.New("browser launch failed")
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	_, err := m.Create(context.Background(), "tenant-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected clean table, got %d entries", m.ActiveCount())
	}
}

func TestConcurrentCreateSingleFlight(t *testing.T) {
	t.Parallel()

	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			handle := newFakeHandle()
			go func() {
				time.Sleep(20 * time.Millisecond)
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	const callers = 4
	results := make(chan *Session, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			sess, err := m.Create(context.Background(), "tenant-1")
			results <- sess
			errs <- err
		}()
	}

	var first *Session
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("create failed: %v", err)
		}
		sess := <-results
		if first == nil {
			first = sess
		} else if sess != first {
			t.Fatal("concurrent creates returned different sessions")
		}
	}
	if n := adapter.openCalls.Load(); n != 1 {
		t.Fatalf("expected a single adapter open, got %d", n)
	}
}

func TestLateReadyAfterTimeoutIgnored(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	handle.closeOnKill = false
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, 30*time.Millisecond)

	sess, err := m.Create(context.Background(), "tenant-1")
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	_ = sess

	// The bridge reports ready after eviction; the dead session must not
	// resurrect into the table.
	handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
	close(handle.events)
	time.Sleep(20 * time.Millisecond)

	if m.ActiveCount() != 0 {
		t.Fatalf("expected empty table, got %d entries", m.ActiveCount())
	}
	if got, ok := m.Lookup("tenant-1"); ok {
		t.Fatalf("unexpected session in table: %v", got.State())
	}
}

func TestCancelledCreateTearsDown(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var handles []*fakeHandle
	adapter := &fakeAdapter{}
	adapter.openFunc = func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
		handle := newFakeHandle()
		handle.closeOnKill = false
		mu.Lock()
		handles = append(handles, handle)
		retry := len(handles) > 1
		mu.Unlock()
		if retry {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
		}
		return handle, nil
	}
	sink := &fakeStatusSink{}
	m := newTestManager(t, adapter, sink, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := m.Create(ctx, "tenant-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected clean table, got %d entries", m.ActiveCount())
	}
	mu.Lock()
	first := handles[0]
	mu.Unlock()
	if n := first.destroyCalls.Load(); n != 1 {
		t.Fatalf("expected exactly one destroy, got %d", n)
	}

	// The bridge reports ready after the caller gave up; the dead session
	// must not resurrect into the table or project active status.
	first.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
	close(first.events)
	time.Sleep(20 * time.Millisecond)

	if m.ActiveCount() != 0 {
		t.Fatalf("expected empty table, got %d entries", m.ActiveCount())
	}
	for _, st := range sink.statuses() {
		if st == StateActive {
			t.Fatal("active status projected after cancelled create")
		}
	}

	// A retry starts a fresh handshake on a new adapter handle.
	sess, err := m.Create(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if sess.State() != StateActive {
		t.Fatalf("unexpected state after retry: %s", sess.State())
	}
	if n := adapter.openCalls.Load(); n != 2 {
		t.Fatalf("expected 2 opens, got %d", n)
	}
	if n := first.destroyCalls.Load(); n != 1 {
		t.Fatalf("first handle destroyed %d times", n)
	}
}

func TestDisconnectEvictsSession(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	sess, err := m.Create(context.Background(), "tenant-1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	handle.events <- channel.Event{Kind: channel.EventDisconnected, Reason: "socket closed"}
	deadline := time.After(time.Second)
	for m.ActiveCount() != 0 {
		select {
		case <-deadline:
			t.Fatal("session was not evicted after disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if sess.State() != StateDisconnected {
		t.Fatalf("unexpected state: %s", sess.State())
	}
}

func TestDestroyBestEffort(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	handle.logoutErr = errors.New("logout refused")
	handle.destroyErr = errors.New("teardown refused")
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	if _, err := m.Create(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := m.Destroy(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("destroy should swallow teardown errors, got %v", err)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("expected empty table, got %d entries", m.ActiveCount())
	}
	if n := handle.logoutCalls.Load(); n != 1 {
		t.Fatalf("expected one logout, got %d", n)
	}

	if err := m.Destroy(context.Background(), "tenant-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInboundMessagesReachSink(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	received := make(chan channel.Message, 1)
	m.SetInboundSink(inboundSinkFunc(func(ctx context.Context, tenantID string, msg channel.Message) {
		received <- msg
	}))

	if _, err := m.Create(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	handle.events <- channel.Event{
		Kind: channel.EventMessage,
		Message: &channel.Message{
			SourceID: "msg-1",
			From:     "557188887777@s.whatsapp.net",
			Body:     "hello",
		},
	}

	select {
	case msg := <-received:
		if msg.SourceID != "msg-1" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message never reached the sink")
	}
}

func TestSetInboundSinkWhilePumping(t *testing.T) {
	t.Parallel()

	handle := newFakeHandle()
	adapter := &fakeAdapter{
		openFunc: func(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
			go func() {
				handle.events <- channel.Event{Kind: channel.EventReady, Identity: "557100000000"}
			}()
			return handle, nil
		},
	}
	m := newTestManager(t, adapter, &fakeStatusSink{}, time.Second)

	if _, err := m.Create(context.Background(), "tenant-1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Wiring the sink races the already-running event pump.
	received := make(chan channel.Message, 1)
	m.SetInboundSink(inboundSinkFunc(func(ctx context.Context, tenantID string, msg channel.Message) {
		received <- msg
	}))
	handle.events <- channel.Event{
		Kind:    channel.EventMessage,
		Message: &channel.Message{SourceID: "late", Body: "hello"},
	}

	select {
	case msg := <-received:
		if msg.SourceID != "late" {
			t.Fatalf("unexpected message: %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message never reached the sink")
	}
}

type inboundSinkFunc func(ctx context.Context, tenantID string, msg channel.Message)

func (f inboundSinkFunc) Handle(ctx context.Context, tenantID string, msg channel.Message) {
	f(ctx, tenantID, msg)
}
