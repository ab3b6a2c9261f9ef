package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/waporthq/waport/internal/store"
)

// ReplyStager stages reply tasks on stored messages. Satisfied by
// store.MessageStore.
type ReplyStager interface {
	SetAutoReply(ctx context.Context, id, text string) error
}

// MessagesHandler exposes the operational reply-staging endpoint. Replies
// staged here flow through the change feed like any other task.
type MessagesHandler struct {
	logger   *slog.Logger
	messages ReplyStager
	validate *validator.Validate
}

func NewMessagesHandler(log *slog.Logger, messages ReplyStager) *MessagesHandler {
	if log == nil {
		log = slog.Default()
	}
	return &MessagesHandler{
		logger:   log.With(slog.String("handler", "messages")),
		messages: messages,
		validate: validator.New(),
	}
}

func (h *MessagesHandler) Register(e *echo.Echo) {
	e.POST("/messages/:id/reply", h.StageReply)
}

type stageReplyRequest struct {
	ID   string `param:"id" validate:"required,uuid4"`
	Text string `json:"text" validate:"required,min=1,max=4096"`
}

// StageReply marks a stored message as awaiting the given reply text. The
// row update fires the reply-task trigger, so delivery needs no extra nudge.
func (h *MessagesHandler) StageReply(c echo.Context) error {
	var req stageReplyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := h.validate.Struct(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := h.messages.SetAutoReply(c.Request().Context(), req.ID, req.Text); err != nil {
		if errors.Is(err, store.ErrMessageNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "message not found")
		}
		h.logger.Error("stage reply failed",
			slog.String("id", req.ID), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to stage reply")
	}
	h.logger.Info("reply staged", slog.String("id", req.ID))
	return c.NoContent(http.StatusAccepted)
}
