package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/guardian/internal/logging"
)

// Server owns the echo listener hosting the gateway.
type Server struct {
	Echo       *echo.Echo
	Controller *Controller
	logger     *slog.Logger
}

// NewServer builds the echo instance, controller and routes.
func NewServer(controller *Controller) *Server {
	return &Server{
		Echo:       controller.Echo,
		Controller: controller,
		logger:     logging.ForService("http"),
	}
}

// Start listens on addr until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.logger.Info("gateway listening", "addr", addr)
	if err := s.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains SSE clients and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Controller.Shutdown()
	return s.Echo.Shutdown(ctx)
}
