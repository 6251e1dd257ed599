// Package api is the ops HTTP surface that runs alongside the trading
// loop: a health check, a prometheus scrape endpoint, and the render hub's
// websocket upgrade.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config bundles the ops server's tunables.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// Server is the status/metrics HTTP surface.
type Server struct {
	cfg  Config
	echo *echo.Echo
	log  zerolog.Logger
}

// NewServer builds the ops server. wsHandler serves the render hub's
// websocket upgrade at /ws; pass nil to omit it.
func NewServer(cfg Config, log zerolog.Logger, wsHandler http.Handler) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMiddleware.Recover())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	if wsHandler != nil {
		e.GET("/ws", echo.WrapHandler(wsHandler))
	}

	return &Server{cfg: cfg, echo: e, log: log}
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("starting ops HTTP server")
	err := s.echo.Start(s.cfg.Addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.echo.Shutdown(ctx)
}
