package handler

import (
	"log/slog"
	"net/http"

	"github.com/chronotask/chronotask/internal/usecase"
	"github.com/gin-gonic/gin"
)

type EventHandler struct {
	uc     *usecase.EventUsecase
	logger *slog.Logger
}

func NewEventHandler(uc *usecase.EventUsecase, logger *slog.Logger) *EventHandler {
	return &EventHandler{uc: uc, logger: logger.With("component", "event_handler")}
}

type publishEventRequest struct {
	Topic   string         `json:"topic"   binding:"required,max=256"`
	Payload map[string]any `json:"payload"`
}

func (h *EventHandler) Publish(ctx *gin.Context) {
	var req publishEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.uc.PublishEvent(ctx.Request.Context(), req.Topic, req.Payload)
	if err != nil {
		h.logger.Error("publish event", "topic", req.Topic, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"event_id": id})
}
