package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/waporthq/waport/internal/channel"
)

const projectTimeout = 5 * time.Second

// Manager owns the session table: it creates sessions, races their handshake
// against a deadline, tears them down, and projects observed status changes
// into the status store.
type Manager struct {
	logger           *slog.Logger
	adapter          channel.Adapter
	registry         *Registry
	status           StatusSink
	hub              *StatusHub
	dataRoot         string
	handshakeTimeout time.Duration

	mu      sync.Mutex
	inbound InboundSink
}

// NewManager creates a Manager. The inbound sink may be set later via
// SetInboundSink to break the construction cycle with the filter.
func NewManager(log *slog.Logger, adapter channel.Adapter, registry *Registry, status StatusSink, hub *StatusHub, dataRoot string, handshakeTimeout time.Duration) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if hub == nil {
		hub = NewStatusHub()
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = 60 * time.Second
	}
	return &Manager{
		logger:           log.With(slog.String("component", "session")),
		adapter:          adapter,
		registry:         registry,
		status:           status,
		hub:              hub,
		dataRoot:         dataRoot,
		handshakeTimeout: handshakeTimeout,
	}
}

// SetInboundSink wires the inbound message consumer. Safe to call while
// event pumps are running.
func (m *Manager) SetInboundSink(sink InboundSink) {
	m.mu.Lock()
	m.inbound = sink
	m.mu.Unlock()
}

func (m *Manager) inboundSink() InboundSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inbound
}

// Hub returns the status hub for event-stream subscribers.
func (m *Manager) Hub() *StatusHub {
	return m.hub
}

// Create returns the tenant's live session, starting one if none exists.
// Concurrent calls for the same tenant share a single handshake: the first
// caller drives it, later callers join and receive the same outcome. The
// handshake races a fixed deadline; on timeout the partially-initialized
// adapter is destroyed, the provisional entry evicted, and ErrHandshakeTimeout
// returned.
func (m *Manager) Create(ctx context.Context, tenantID string) (*Session, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	sess, created := m.registry.getOrInsert(tenantID)
	if !created {
		return m.join(ctx, sess)
	}

	m.logger.Info("session create", slog.String("tenant", tenantID))
	m.project(tenantID, StatusUpdate{Status: StateInitializing})

	profileDir := filepath.Join(m.dataRoot, "profiles", tenantID)
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		err = fmt.Errorf("create profile dir: %w", err)
		m.evict(sess, err)
		return nil, err
	}

	handle, err := m.adapter.Open(ctx, tenantID, profileDir)
	if err != nil {
		err = fmt.Errorf("open channel: %w", err)
		m.evict(sess, err)
		return nil, err
	}
	sess.attach(handle)
	go m.pumpEvents(sess, handle)

	select {
	case <-sess.ready:
		return sess, nil
	case <-sess.done:
		if err := sess.HandshakeErr(); err != nil {
			// Auth failure observed by the event pump before ready.
			return nil, err
		}
		return sess, nil
	case <-time.After(m.handshakeTimeout):
		if !m.abandon(sess, StateTimedOut, ErrHandshakeTimeout) {
			// The handshake resolved just as the deadline fired.
			<-sess.done
			if err := sess.HandshakeErr(); err != nil {
				return nil, err
			}
			return sess, nil
		}
		m.logger.Warn("session handshake timed out", slog.String("tenant", tenantID))
		return nil, ErrHandshakeTimeout
	case <-ctx.Done():
		if !m.abandon(sess, StateDisconnected, ctx.Err()) {
			// The handshake resolved just as the caller gave up.
			<-sess.done
			if err := sess.HandshakeErr(); err != nil {
				return nil, err
			}
			return sess, nil
		}
		m.logger.Warn("session create cancelled", slog.String("tenant", tenantID))
		return nil, ctx.Err()
	}
}

// abandon resolves an unfinished handshake into the terminal state: project,
// evict, destroy the handle, release joiners with cause. Reports false when
// the handshake already resolved, in which case nothing is torn down and the
// caller must read the resolved outcome instead.
func (m *Manager) abandon(sess *Session, terminal State, cause error) bool {
	if !sess.transition(terminal) {
		return false
	}
	tenantID := sess.TenantID
	m.project(tenantID, StatusUpdate{Status: terminal})
	m.registry.remove(tenantID, sess)
	destroyCtx, cancel := context.WithTimeout(context.Background(), projectTimeout)
	defer cancel()
	if err := sess.destroyHandle(destroyCtx); err != nil {
		m.logger.Warn("adapter teardown failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
	}
	sess.finish(cause)
	return true
}

// join waits for another caller's in-flight handshake on the same tenant.
func (m *Manager) join(ctx context.Context, sess *Session) (*Session, error) {
	if sess.State() == StateActive {
		return sess, nil
	}
	select {
	case <-sess.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := sess.HandshakeErr(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Lookup returns the live session for the tenant, if any. Pure read.
func (m *Manager) Lookup(tenantID string) (*Session, bool) {
	return m.registry.Get(tenantID)
}

// ActiveCount returns the number of live sessions in the table.
func (m *Manager) ActiveCount() int {
	return m.registry.Len()
}

// Sessions returns a snapshot of the live session table.
func (m *Manager) Sessions() []*Session {
	return m.registry.Snapshot()
}

// Destroy logs out and tears down the tenant's session. The table entry is
// always evicted, even when logout or teardown fail.
func (m *Manager) Destroy(ctx context.Context, tenantID string) error {
	sess, ok := m.registry.Get(tenantID)
	if !ok {
		return ErrNotFound
	}
	m.logger.Info("session destroy", slog.String("tenant", tenantID))
	m.registry.remove(tenantID, sess)

	sess.mu.Lock()
	handle := sess.handle
	sess.mu.Unlock()
	if handle != nil {
		if err := handle.Logout(ctx); err != nil {
			m.logger.Warn("channel logout failed",
				slog.String("tenant", tenantID), slog.Any("error", err))
		}
	}
	if err := sess.destroyHandle(ctx); err != nil {
		m.logger.Warn("adapter teardown failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
	}
	sess.transition(StateDisconnected)
	sess.finish(ErrNotFound)
	m.project(tenantID, StatusUpdate{Status: StateDisconnected})
	return nil
}

// Shutdown tears down every live session.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, sess := range m.registry.Snapshot() {
		if err := m.Destroy(ctx, sess.TenantID); err != nil && err != ErrNotFound {
			m.logger.Warn("session shutdown failed",
				slog.String("tenant", sess.TenantID), slog.Any("error", err))
		}
	}
}

// pumpEvents drives the session state machine from adapter events. It runs
// until the handle closes its event channel.
func (m *Manager) pumpEvents(sess *Session, handle channel.Handle) {
	tenantID := sess.TenantID
	for ev := range handle.Events() {
		switch ev.Kind {
		case channel.EventQR:
			if !sess.transition(StateAwaitingScan) {
				m.logger.Debug("qr event ignored",
					slog.String("tenant", tenantID), slog.String("state", string(sess.State())))
				continue
			}
			token := ev.QRToken
			m.project(tenantID, StatusUpdate{Status: StateAwaitingScan, QRToken: &token})

		case channel.EventReady:
			if !sess.transition(StateActive) {
				m.logger.Warn("ready event ignored",
					slog.String("tenant", tenantID), slog.String("state", string(sess.State())))
				continue
			}
			sess.setIdentity(ev.Identity)
			identity := ev.Identity
			empty := ""
			m.project(tenantID, StatusUpdate{
				Status:        StateActive,
				Connected:     true,
				PhoneIdentity: &identity,
				QRToken:       &empty,
			})
			m.logger.Info("session active",
				slog.String("tenant", tenantID), slog.String("identity", identity))
			sess.markReady()
			sess.finish(nil)

		case channel.EventMessage:
			sink := m.inboundSink()
			if ev.Message == nil || sink == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), projectTimeout)
			sink.Handle(ctx, tenantID, *ev.Message)
			cancel()

		case channel.EventDisconnected:
			if !sess.transition(StateDisconnected) {
				continue
			}
			m.logger.Warn("session disconnected",
				slog.String("tenant", tenantID), slog.String("reason", ev.Reason))
			m.project(tenantID, StatusUpdate{Status: StateDisconnected})
			m.registry.remove(tenantID, sess)
			sess.finish(fmt.Errorf("disconnected: %s", ev.Reason))
			m.teardown(sess)

		case channel.EventAuthFailure:
			if !sess.transition(StateAuthFailed) {
				continue
			}
			m.logger.Warn("session auth failed",
				slog.String("tenant", tenantID), slog.String("reason", ev.Reason))
			m.project(tenantID, StatusUpdate{Status: StateAuthFailed})
			m.registry.remove(tenantID, sess)
			sess.finish(ErrAuthFailed)
			m.teardown(sess)
		}
	}
}

// evict removes a provisional entry after a creation-path failure.
func (m *Manager) evict(sess *Session, err error) {
	m.registry.remove(sess.TenantID, sess)
	sess.finish(err)
}

func (m *Manager) teardown(sess *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), projectTimeout)
	defer cancel()
	if err := sess.destroyHandle(ctx); err != nil {
		m.logger.Warn("adapter teardown failed",
			slog.String("tenant", sess.TenantID), slog.Any("error", err))
	}
}

// project writes a status document for external observers and fans it out to
// in-process subscribers. Persistence failures are logged, never propagated.
func (m *Manager) project(tenantID string, update StatusUpdate) {
	m.hub.Publish(tenantID, update)
	if m.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), projectTimeout)
	defer cancel()
	if err := m.status.SetStatus(ctx, tenantID, update); err != nil {
		m.logger.Warn("status projection failed",
			slog.String("tenant", tenantID),
			slog.String("status", string(update.Status)),
			slog.Any("error", err))
	}
}
