package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/waporthq/waport/internal/session"
)

// SessionManager is the session lifecycle surface the handler needs.
// Satisfied by session.Manager.
type SessionManager interface {
	Create(ctx context.Context, tenantID string) (*session.Session, error)
	Lookup(tenantID string) (*session.Session, bool)
	Sessions() []*session.Session
	Destroy(ctx context.Context, tenantID string) error
	Hub() *session.StatusHub
}

// StatusReader reads persisted session status documents. Satisfied by
// store.StatusStore.
type StatusReader interface {
	GetStatus(ctx context.Context, tenantID string) (map[string]any, error)
}

type SessionsHandler struct {
	logger   *slog.Logger
	manager  SessionManager
	statuses StatusReader
	validate *validator.Validate
}

func NewSessionsHandler(log *slog.Logger, manager SessionManager, statuses StatusReader) *SessionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionsHandler{
		logger:   log.With(slog.String("handler", "sessions")),
		manager:  manager,
		statuses: statuses,
		validate: validator.New(),
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group("/sessions")
	group.GET("", h.ListSessions)
	group.POST("/:tenant", h.StartSession)
	group.DELETE("/:tenant", h.StopSession)
	group.GET("/:tenant", h.GetSession)
	group.GET("/:tenant/events", h.StreamEvents)
}

type tenantParam struct {
	Tenant string `param:"tenant" validate:"required,min=1,max=128"`
}

type sessionResponse struct {
	TenantID      string `json:"tenant_id"`
	Status        string `json:"status"`
	Connected     bool   `json:"connected"`
	PhoneIdentity string `json:"phone_identity,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *SessionsHandler) bindTenant(c echo.Context) (string, error) {
	var p tenantParam
	if err := c.Bind(&p); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.Tenant = strings.TrimSpace(p.Tenant)
	if err := h.validate.Struct(p); err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, "tenant id is required")
	}
	return p.Tenant, nil
}

// StartSession opens a channel session for the tenant and blocks until the
// handshake resolves one way or the other.
func (h *SessionsHandler) StartSession(c echo.Context) error {
	tenantID, err := h.bindTenant(c)
	if err != nil {
		return err
	}

	sess, err := h.manager.Create(c.Request().Context(), tenantID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyExists):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrHandshakeTimeout):
			return echo.NewHTTPError(http.StatusRequestTimeout, err.Error())
		case errors.Is(err, session.ErrAuthFailed):
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.Error("start session failed",
				slog.String("tenant", tenantID), slog.Any("error", err))
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, toSessionResponse(sess))
}

// StopSession tears the tenant's session down. Stopping an absent session
// is not an error.
func (h *SessionsHandler) StopSession(c echo.Context) error {
	tenantID, err := h.bindTenant(c)
	if err != nil {
		return err
	}
	if err := h.manager.Destroy(c.Request().Context(), tenantID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return c.NoContent(http.StatusNoContent)
		}
		h.logger.Error("stop session failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// GetSession reports the tenant's live state when a session exists, falling
// back to the persisted status document.
func (h *SessionsHandler) GetSession(c echo.Context) error {
	tenantID, err := h.bindTenant(c)
	if err != nil {
		return err
	}
	if sess, ok := h.manager.Lookup(tenantID); ok {
		return c.JSON(http.StatusOK, toSessionResponse(sess))
	}
	doc, err := h.statuses.GetStatus(c.Request().Context(), tenantID)
	if err != nil {
		h.logger.Error("read session status failed",
			slog.String("tenant", tenantID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if doc == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, doc)
}

// ListSessions returns every live session.
func (h *SessionsHandler) ListSessions(c echo.Context) error {
	sessions := h.manager.Sessions()
	items := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, toSessionResponse(sess))
	}
	return c.JSON(http.StatusOK, items)
}

func toSessionResponse(sess *session.Session) sessionResponse {
	state := sess.State()
	return sessionResponse{
		TenantID:      sess.TenantID,
		Status:        string(state),
		Connected:     state == session.StateActive,
		PhoneIdentity: sess.PhoneIdentity(),
	}
}
