// Package bridge implements the channel adapter against a WhatsApp Web
// bridge process. The bridge owns the actual browser automation; this side
// drives login, consumes events, and sends messages as JSON frames over a
// per-tenant WebSocket.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/waporthq/waport/internal/channel"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	eventBuffer  = 16
)

// Adapter opens bridge connections. One WebSocket per tenant session.
type Adapter struct {
	logger  *slog.Logger
	baseURL string
}

func NewAdapter(log *slog.Logger, baseURL string) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:  log.With(slog.String("component", "bridge")),
		baseURL: baseURL,
	}
}

// Open dials the bridge and starts the event reader. The bridge begins the
// login flow as soon as the socket is up and reports progress as events.
func (a *Adapter) Open(ctx context.Context, tenantID, profileDir string) (channel.Handle, error) {
	u, err := url.Parse(a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse bridge url: %w", err)
	}
	q := u.Query()
	q.Set("tenant", tenantID)
	q.Set("profile", profileDir)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", u.Host, err)
	}

	h := &handle{
		logger: a.logger.With(slog.String("tenant", tenantID)),
		conn:   conn,
		events: make(chan channel.Event, eventBuffer),
	}
	go h.readLoop()
	return h, nil
}

// frame is the JSON wire format shared with the bridge, both directions.
type frame struct {
	Type      string `json:"type"`
	QR        string `json:"qr,omitempty"`
	Identity  string `json:"identity,omitempty"`
	Reason    string `json:"reason,omitempty"`
	ID        string `json:"id,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Body      string `json:"body,omitempty"`
	FromSelf  bool   `json:"from_self,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Text      string `json:"text,omitempty"`
}

type handle struct {
	logger *slog.Logger
	conn   *websocket.Conn

	writeMu   sync.Mutex
	events    chan channel.Event
	destroyed atomic.Bool
}

func (h *handle) Events() <-chan channel.Event {
	return h.events
}

func (h *handle) Send(ctx context.Context, address, text string) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return h.write(deadline, frame{Type: "send", To: address, Text: text})
}

func (h *handle) Logout(ctx context.Context) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return h.write(deadline, frame{Type: "logout"})
}

// Destroy tears the socket down. The read loop observes the closed
// connection and finishes the event channel.
func (h *handle) Destroy(ctx context.Context) error {
	h.destroyed.Store(true)
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = h.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return h.conn.Close()
}

func (h *handle) write(deadline time.Time, f frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	h.conn.SetWriteDeadline(deadline)
	if err := h.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write bridge frame: %w", err)
	}
	return nil
}

// readLoop translates bridge frames into channel events until the socket
// drops. A drop after Destroy is silent; otherwise it surfaces as a
// disconnect event.
func (h *handle) readLoop() {
	defer close(h.events)
	for {
		var f frame
		if err := h.conn.ReadJSON(&f); err != nil {
			if !h.destroyed.Load() {
				h.logger.Warn("bridge connection lost", slog.Any("error", err))
				h.events <- channel.Event{
					Kind:   channel.EventDisconnected,
					Reason: err.Error(),
				}
			}
			return
		}
		switch f.Type {
		case "qr":
			h.events <- channel.Event{Kind: channel.EventQR, QRToken: f.QR}
		case "ready":
			h.events <- channel.Event{Kind: channel.EventReady, Identity: f.Identity}
		case "message":
			received := time.Unix(f.Timestamp, 0).UTC()
			if f.Timestamp == 0 {
				received = time.Now().UTC()
			}
			h.events <- channel.Event{
				Kind: channel.EventMessage,
				Message: &channel.Message{
					SourceID:   f.ID,
					From:       f.From,
					To:         f.To,
					Type:       f.Kind,
					Body:       f.Body,
					FromSelf:   f.FromSelf,
					ReceivedAt: received,
				},
			}
		case "disconnected":
			h.events <- channel.Event{Kind: channel.EventDisconnected, Reason: f.Reason}
		case "auth_failure":
			h.events <- channel.Event{Kind: channel.EventAuthFailure, Reason: f.Reason}
		default:
			h.logger.Debug("unknown bridge frame", slog.String("type", f.Type))
		}
	}
}
