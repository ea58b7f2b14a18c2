package httptransport

import (
	"log/slog"

	"github.com/chronotask/chronotask/internal/transport/http/handler"
	"github.com/chronotask/chronotask/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, taskHandler *handler.TaskHandler, runHandler *handler.RunHandler, eventHandler *handler.EventHandler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(sloggin.New(logger.With("component", "http")))
	r.Use(middleware.Metrics())

	tasks := r.Group("/tasks")
	tasks.POST("", taskHandler.Create)
	tasks.GET("", taskHandler.List)
	tasks.GET("/:id", taskHandler.GetByID)
	tasks.POST("/:id/run", taskHandler.RunNow)
	tasks.POST("/:id/snooze", taskHandler.Snooze)
	tasks.POST("/:id/pause", taskHandler.Pause)
	tasks.POST("/:id/resume", taskHandler.Resume)
	tasks.DELETE("/:id", taskHandler.Archive)
	tasks.GET("/:id/runs", runHandler.ListByTask)
	tasks.GET("/:id/work", runHandler.ListDueWork)

	r.GET("/runs/:id", runHandler.GetByID)
	r.POST("/work/:id/cancel", taskHandler.CancelRun)

	r.POST("/events", eventHandler.Publish)

	return r
}
