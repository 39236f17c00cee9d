// Package http provides the HTTP server of the roundtable service.
package http

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/xiaot623/roundtable/internal/hub"
	"github.com/xiaot623/roundtable/internal/service"
	v1 "github.com/xiaot623/roundtable/internal/transport/http/v1"
)

// NewServer creates and configures the HTTP server: run control, queries
// and the websocket watch endpoint.
func NewServer(svc *service.Service, h *hub.Hub, logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// Handlers
	v1Handler := v1.NewHandler(svc, h, logger)

	// Register Routes
	v1Handler.RegisterRoutes(e)

	return e
}
