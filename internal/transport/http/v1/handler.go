// Package v1 provides the /v1 HTTP handlers.
package v1

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/roundtable/internal/domain"
	"github.com/xiaot623/roundtable/internal/hub"
	"github.com/xiaot623/roundtable/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	hub      *hub.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new handler. A nil hub disables the watch endpoint.
func NewHandler(service *service.Service, h *hub.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service: service,
		hub:     h,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run control
	e.POST("/v1/runs", h.CreateRun)
	e.POST("/v1/runs/:run_id/tick", h.TickRun)
	e.POST("/v1/runs/:run_id/run", h.RunRounds)
	e.POST("/v1/runs/:run_id/clear_stop", h.ClearStop)
	e.POST("/v1/runs/:run_id/messages", h.PostUserMessage)
	e.POST("/v1/runs/:run_id/objective", h.UpdateObjective)
	e.DELETE("/v1/runs/:run_id", h.PurgeRun)

	// Queries
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.GET("/v1/runs/:run_id/transcript", h.GetTranscript)
	e.GET("/v1/runs/:run_id/snapshot", h.GetSnapshot)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/threads", h.ListThreads)
	e.GET("/v1/presets", h.ListPresets)

	// Live stream
	e.GET("/v1/runs/:run_id/watch", h.WatchRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorJSON maps service errors to status codes.
func errorJSON(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidPreset),
		errors.Is(err, domain.ErrInvalidRunID),
		errors.Is(err, domain.ErrUnknownParticipant),
		errors.Is(err, domain.ErrUnknownScheduler):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrRunExists),
		errors.Is(err, domain.ErrRunBusy),
		errors.Is(err, domain.ErrRunNotRunning):
		status = http.StatusConflict
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
