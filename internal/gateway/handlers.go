package gateway

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/liteclaw/clawgate/internal/channels"
	"github.com/liteclaw/clawgate/internal/delivery"
	"github.com/liteclaw/clawgate/internal/routing"
)

// setupMiddleware configures Echo middleware.
func (s *Server) setupMiddleware() {
	// Request logging
	s.echo.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug().
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Msg("request")
			return nil
		},
	}))

	s.echo.Use(middleware.Recover())
	s.echo.Use(s.RateLimitMiddleware())

	origins := s.cfg.Gateway.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
	}))
}

// setupRoutes configures HTTP routes.
func (s *Server) setupRoutes() {
	s.echo.GET("/health", s.httpHealth)

	// Root: WebSocket upgrade or server info
	s.echo.GET("/", func(c echo.Context) error {
		if websocket.IsWebSocketUpgrade(c.Request()) {
			return s.handleWebSocket(c)
		}
		return s.httpRoot(c)
	})
	s.echo.GET("/ws", s.handleWebSocket)

	api := s.echo.Group("/api", s.AuthMiddleware)
	api.GET("/status", s.httpStatus, RequireScope(ScopeRead))
	api.GET("/routes", s.httpRoutes, RequireScope(ScopeRead))
	api.POST("/channels/:id/inbound", s.httpInbound, RequireScope(ScopeWrite))
	api.GET("/delivery/:id", s.httpDeliveryStatus, RequireScope(ScopeRead))
}

// httpHealth handles GET /health
func (s *Server) httpHealth(c echo.Context) error {
	status := "ok"
	if !s.conns.Accepting() {
		status = "shutting_down"
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":   status,
		"clients":  s.conns.Count(),
		"uptimeMs": s.Uptime().Milliseconds(),
	})
}

// httpRoot handles GET /
func (s *Server) httpRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"name":    "clawgate",
		"version": s.services.Info.Version,
		"status":  "running",
	})
}

// httpStatus handles GET /api/status
func (s *Server) httpStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, statusSnapshot(s.services))
}

// httpRoutes handles GET /api/routes
func (s *Server) httpRoutes(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"defaultAgent": s.router.DefaultAgent(),
		"rules":        s.router.Rules(),
	})
}

// httpInbound handles POST /api/channels/:id/inbound
func (s *Server) httpInbound(c echo.Context) error {
	var msg channels.InboundMessage
	if err := c.Bind(&msg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message body")
	}
	msg.Channel = c.Param("id")
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if err := c.Validate(&msg); err != nil {
		return err
	}

	result, err := s.dispatchInbound(c.Request().Context(), &msg)
	if err != nil {
		if errors.Is(err, routing.ErrNoRoute) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		if errors.Is(err, delivery.ErrQueueFull) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"id":     msg.ID,
		"result": result,
	})
}

// httpDeliveryStatus handles GET /api/delivery/:id
func (s *Server) httpDeliveryStatus(c echo.Context) error {
	m, err := s.queue.Status(c.Param("id"))
	if err != nil {
		if errors.Is(err, delivery.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "delivery not found")
		}
		return err
	}
	return c.JSON(http.StatusOK, m)
}
