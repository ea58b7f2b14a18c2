package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/usecase"
	"github.com/gin-gonic/gin"
)

type RunHandler struct {
	uc     *usecase.RunUsecase
	logger *slog.Logger
}

func NewRunHandler(uc *usecase.RunUsecase, logger *slog.Logger) *RunHandler {
	return &RunHandler{uc: uc, logger: logger.With("component", "run_handler")}
}

func (h *RunHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	r, err := h.uc.GetRun(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrRunNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errRunNotFound})
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, r)
}

func (h *RunHandler) ListByTask(ctx *gin.Context) {
	id := ctx.Param("id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	runs, err := h.uc.ListRuns(ctx.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("list runs", "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *RunHandler) ListDueWork(ctx *gin.Context) {
	id := ctx.Param("id")
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	work, err := h.uc.ListDueWork(ctx.Request.Context(), id, limit)
	if err != nil {
		h.logger.Error("list due-work", "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"work": work})
}
