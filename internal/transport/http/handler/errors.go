package handler

const (
	errInternalServer   = "Internal server error"
	errTaskNotFound     = "Task not found"
	errRunNotFound      = "Run not found"
	errDueWorkNotFound  = "Due-work not found"
	errTaskArchived     = "Task is archived"
	errAlreadyPaused    = "Task is already paused"
	errNotPaused        = "Task is not paused"
)
