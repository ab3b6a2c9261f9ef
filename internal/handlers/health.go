package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/waporthq/waport/internal/healthcheck"
	"github.com/waporthq/waport/internal/version"
)

// ActiveCounter reports how many sessions are currently connected.
// Satisfied by session.Manager.
type ActiveCounter interface {
	ActiveCount() int
}

type HealthHandler struct {
	logger  *slog.Logger
	manager ActiveCounter
	checks  *healthcheck.Runner
}

func NewHealthHandler(log *slog.Logger, manager ActiveCounter, checks *healthcheck.Runner) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{
		logger:  log.With(slog.String("handler", "health")),
		manager: manager,
		checks:  checks,
	}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
	e.GET("/health/checks", h.HealthChecks)
}

func (h *HealthHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.GetInfo(),
	})
}

func (h *HealthHandler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": h.manager.ActiveCount(),
	})
}

func (h *HealthHandler) HealthHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// HealthChecks reports per-dependency runtime checks. Degraded checks keep
// a 200 status; callers inspect the items.
func (h *HealthHandler) HealthChecks(c echo.Context) error {
	items := h.checks.ListChecks(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]any{"checks": items})
}
