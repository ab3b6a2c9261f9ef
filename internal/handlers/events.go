package handlers

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	eventWriteTimeout = 10 * time.Second
	eventPingEvery    = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type statusEvent struct {
	TenantID      string  `json:"tenant_id"`
	Status        string  `json:"status"`
	Connected     bool    `json:"connected"`
	QRToken       *string `json:"qr_token,omitempty"`
	PhoneIdentity *string `json:"phone_identity,omitempty"`
}

// StreamEvents upgrades to a websocket and streams the tenant's status
// updates until the client disconnects.
func (h *SessionsHandler) StreamEvents(c echo.Context) error {
	tenantID, err := h.bindTenant(c)
	if err != nil {
		return err
	}

	conn, err := eventUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	updates, cancel := h.manager.Hub().Subscribe(tenantID)
	defer cancel()

	// Reader goroutine notices client-side close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return nil
		case <-c.Request().Context().Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			event := statusEvent{
				TenantID:      tenantID,
				Status:        string(update.Status),
				Connected:     update.Connected,
				QRToken:       update.QRToken,
				PhoneIdentity: update.PhoneIdentity,
			}
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
