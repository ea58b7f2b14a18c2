package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/chronotask/chronotask/internal/domain"
	"github.com/chronotask/chronotask/internal/repository"
	"github.com/chronotask/chronotask/internal/usecase"
	"github.com/gin-gonic/gin"
)

type TaskHandler struct {
	uc     *usecase.TaskUsecase
	logger *slog.Logger
}

func NewTaskHandler(uc *usecase.TaskUsecase, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{uc: uc, logger: logger.With("component", "task_handler")}
}

type stepRequest struct {
	ID      string         `json:"id"      binding:"required"`
	Uses    string         `json:"uses"    binding:"required"`
	With    map[string]any `json:"with"`
	SaveAs  string         `json:"save_as"`
	If      string         `json:"if"`
	Timeout int            `json:"timeout_seconds" binding:"omitempty,min=1,max=3600"`
	Retry   *retryRequest  `json:"retry"`
}

type retryRequest struct {
	MaxAttempts int     `json:"max_attempts" binding:"omitempty,min=1,max=20"`
	BaseDelayMS int     `json:"base_delay_ms" binding:"omitempty,min=1"`
	MaxDelayMS  int     `json:"max_delay_ms" binding:"omitempty,min=1"`
	JitterRatio float64 `json:"jitter_ratio" binding:"omitempty,min=0,max=1"`
}

type createTaskRequest struct {
	AgentID       string         `json:"agent_id"       binding:"required,max=256"`
	Title         string         `json:"title"          binding:"required,max=256"`
	Description   string         `json:"description"    binding:"max=4096"`
	ScheduleKind  string         `json:"schedule_kind"  binding:"required,oneof=cron rrule once event manual"`
	ScheduleExpr  string         `json:"schedule_expr"`
	Timezone      string         `json:"timezone"`
	Steps         []stepRequest  `json:"steps"          binding:"required,min=1"`
	Params        map[string]any `json:"params"`
	Priority      int            `json:"priority"`
	CatchupPolicy string         `json:"catchup_policy" binding:"omitempty,oneof=fire_all_missed fire_latest_only skip_all"`
	MaxAttempts   int            `json:"max_attempts"   binding:"omitempty,min=1,max=20"`
}

type taskResponse struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	ScheduleKind  string         `json:"schedule_kind"`
	ScheduleExpr  string         `json:"schedule_expr"`
	Timezone      string         `json:"timezone"`
	Status        string         `json:"status"`
	Priority      int            `json:"priority"`
	Version       int            `json:"version"`
	CatchupPolicy string         `json:"catchup_policy"`
	LastFire      *time.Time     `json:"last_fire,omitempty"`
	NextFire      *time.Time     `json:"next_fire,omitempty"`
	Pipeline      domain.Pipeline `json:"pipeline"`
	CreatedAt     time.Time      `json:"created_at"`
}

func toTaskResponse(t *domain.Task) taskResponse {
	return taskResponse{
		ID:            t.ID,
		AgentID:       t.AgentID,
		Title:         t.Title,
		Description:   t.Description,
		ScheduleKind:  string(t.ScheduleKind),
		ScheduleExpr:  t.ScheduleExpr,
		Timezone:      t.Timezone,
		Status:        string(t.Status),
		Priority:      t.Priority,
		Version:       t.Version,
		CatchupPolicy: string(t.CatchupPolicy),
		LastFire:      t.LastFire,
		NextFire:      t.NextFire,
		Pipeline:      t.Pipeline,
		CreatedAt:     t.CreatedAt,
	}
}

func (h *TaskHandler) Create(ctx *gin.Context) {
	var req createTaskRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	steps := make([]domain.Step, len(req.Steps))
	for i, s := range req.Steps {
		step := domain.Step{
			ID:      s.ID,
			Uses:    s.Uses,
			With:    s.With,
			SaveAs:  s.SaveAs,
			If:      s.If,
			Timeout: time.Duration(s.Timeout) * time.Second,
		}
		if s.Retry != nil {
			step.Retry = &domain.RetryPolicy{
				MaxAttempts: s.Retry.MaxAttempts,
				BaseDelay:   time.Duration(s.Retry.BaseDelayMS) * time.Millisecond,
				MaxDelay:    time.Duration(s.Retry.MaxDelayMS) * time.Millisecond,
				JitterRatio: s.Retry.JitterRatio,
			}
		}
		steps[i] = step
	}

	t, err := h.uc.CreateTask(ctx.Request.Context(), usecase.CreateTaskInput{
		AgentID:       req.AgentID,
		Title:         req.Title,
		Description:   req.Description,
		ScheduleKind:  domain.ScheduleKind(req.ScheduleKind),
		ScheduleExpr:  req.ScheduleExpr,
		Timezone:      req.Timezone,
		Pipeline:      domain.Pipeline{Steps: steps},
		Params:        req.Params,
		Priority:      req.Priority,
		CatchupPolicy: domain.CatchupPolicy(req.CatchupPolicy),
		MaxAttempts:   req.MaxAttempts,
	})
	if err != nil {
		var parseErr *domain.ScheduleParseError
		switch {
		case errors.As(err, &parseErr),
			errors.Is(err, domain.ErrInvalidPipeline),
			errors.Is(err, domain.ErrUnknownTimezone):
			ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			h.logger.Error("create task", "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusCreated, toTaskResponse(t))
}

func (h *TaskHandler) List(ctx *gin.Context) {
	limit, _ := strconv.Atoi(ctx.Query("limit"))

	tasks, err := h.uc.ListTasks(ctx.Request.Context(), repository.ListTasksInput{
		AgentID: ctx.Query("agent_id"),
		Status:  domain.TaskStatus(ctx.Query("status")),
		Limit:   limit,
	})
	if err != nil {
		h.logger.Error("list tasks", "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	items := make([]taskResponse, len(tasks))
	for i, t := range tasks {
		items[i] = toTaskResponse(t)
	}
	ctx.JSON(http.StatusOK, gin.H{"tasks": items})
}

func (h *TaskHandler) GetByID(ctx *gin.Context) {
	id := ctx.Param("id")

	t, err := h.uc.GetTask(ctx.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
			return
		}
		h.logger.Error("get task", "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.JSON(http.StatusOK, toTaskResponse(t))
}

func (h *TaskHandler) RunNow(ctx *gin.Context) {
	id := ctx.Param("id")

	w, err := h.uc.RunNow(ctx.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrTaskArchived):
			ctx.JSON(http.StatusConflict, gin.H{"error": errTaskArchived})
		default:
			h.logger.Error("run now", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.JSON(http.StatusAccepted, gin.H{"due_work_id": w.ID})
}

type snoozeRequest struct {
	Until time.Time `json:"until" binding:"required"`
}

func (h *TaskHandler) Snooze(ctx *gin.Context) {
	id := ctx.Param("id")

	var req snoozeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.uc.Snooze(ctx.Request.Context(), id, req.Until); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
			return
		}
		h.logger.Error("snooze task", "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TaskHandler) Pause(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.Pause(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrTaskAlreadyPaused):
			ctx.JSON(http.StatusConflict, gin.H{"error": errAlreadyPaused})
		case errors.Is(err, domain.ErrTaskArchived):
			ctx.JSON(http.StatusConflict, gin.H{"error": errTaskArchived})
		default:
			h.logger.Error("pause task", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TaskHandler) Resume(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.Resume(ctx.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, domain.ErrTaskNotFound):
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
		case errors.Is(err, domain.ErrTaskNotPaused):
			ctx.JSON(http.StatusConflict, gin.H{"error": errNotPaused})
		default:
			h.logger.Error("resume task", "task_id", id, "error", err)
			ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		}
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TaskHandler) Archive(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.Archive(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrTaskNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errTaskNotFound})
			return
		}
		h.logger.Error("archive task", "task_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}

func (h *TaskHandler) CancelRun(ctx *gin.Context) {
	id := ctx.Param("id")

	if err := h.uc.CancelRun(ctx.Request.Context(), id); err != nil {
		if errors.Is(err, domain.ErrDueWorkNotFound) {
			ctx.JSON(http.StatusNotFound, gin.H{"error": errDueWorkNotFound})
			return
		}
		h.logger.Error("cancel run", "due_work_id", id, "error", err)
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}

	ctx.Status(http.StatusNoContent)
}
