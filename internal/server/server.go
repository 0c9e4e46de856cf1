package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"medilink-signal/config"
	"medilink-signal/internal/handler"
	"medilink-signal/internal/middleware"
	"medilink-signal/internal/transport/httpdto"
	"medilink-signal/pkg/logger"
)

type Server struct {
	httpServer *http.Server
	engine     *gin.Engine
	config     *config.Config
	logger     *logger.Logger
}

var (
	ReleaseMode = "release"
	DebugMode   = "debug"
	TestMode    = "test"
)

const shutdownGrace = 5 * time.Second

type Handlers struct {
	Calls    *handler.CallHandler
	Sessions *handler.SessionHandler
}

// Deps are the cross-cutting pieces routes are wired with. Limiter and
// Health may be nil.
type Deps struct {
	Verifier middleware.TokenVerifier
	Limiter  middleware.Limiter
	Health   func(ctx context.Context) error
}

func New(cfg *config.Config, l *logger.Logger) *Server {
	if cfg.AppMode == ReleaseMode {
		gin.SetMode(gin.ReleaseMode)
	} else if cfg.AppMode == TestMode {
		gin.SetMode(gin.TestMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	if l == nil {
		l = logger.GetGlobalLogger()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		httpServer: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.AppPort),
			Handler: engine,
		},
		engine: engine,
		config: cfg,
		logger: l,
	}
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) SetupRoutes(handlers *Handlers, deps Deps) {
	s.engine.Use(middleware.RequestIDMiddleware())
	s.engine.Use(middleware.Metrics())
	s.engine.Use(middleware.LoggingMiddleware(s.logger))
	s.engine.Use(middleware.ErrorHandler(s.logger))

	s.engine.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"message": "pong"}))
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, httpdto.NewErrorResponse(err.Error(), "unhealthy"))
				return
			}
		}
		c.JSON(http.StatusOK, httpdto.NewSuccessResponse(gin.H{"status": "healthy"}))
	})

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authed := middleware.AuthMiddleware(deps.Verifier)
	callLimit := passThrough
	sessionLimit := passThrough
	if deps.Limiter != nil {
		callLimit = middleware.CallRateLimitMiddleware(deps.Limiter)
		sessionLimit = middleware.SessionRateLimitMiddleware(deps.Limiter)
	}

	calls := s.engine.Group("/v1/calls", authed)
	{
		calls.POST("", callLimit, handlers.Calls.Create)
		calls.POST("/:id/start", callLimit, handlers.Calls.Start)
		calls.POST("/:id/mute", handlers.Calls.ToggleMute)
		calls.POST("/:id/video", handlers.Calls.ToggleVideo)
		calls.POST("/:id/end", handlers.Calls.End)
		calls.GET("/:id/status", handlers.Calls.Status)
		calls.GET("/:id/quality", handlers.Calls.Quality)
		calls.POST("/:id/messages", handlers.Calls.SendMessage)
		calls.GET("/:id/events", handlers.Calls.Events)
	}

	sessions := s.engine.Group("/v1/sessions", authed)
	{
		sessions.POST("/refresh", sessionLimit, handlers.Sessions.Refresh)
		sessions.GET("", handlers.Sessions.List)
		sessions.DELETE("/:id", handlers.Sessions.Revoke)
		sessions.POST("/revoke-others", handlers.Sessions.RevokeOthers)
		sessions.POST("/visible", handlers.Sessions.Visible)
		sessions.POST("/logout", handlers.Sessions.Logout)
	}
}

func passThrough(c *gin.Context) { c.Next() }

// Start serves until SIGTERM or SIGINT, then runs onShutdown hooks and drains
// the HTTP server within a short grace period.
func (s *Server) Start(onShutdown ...func(ctx context.Context) error) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting the server on port %s...", s.config.AppPort)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("Error in starting the server: %s", err)
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}
	s.logger.Infof("Quitting signal received, shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	var errs error
	for _, hook := range onShutdown {
		errs = multierr.Append(errs, hook(ctx))
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warnf("Error in the graceful shutdown of the server: %s", err)
		errs = multierr.Append(errs, err)
	}
	s.logger.Infof("Server stopped")
	return errs
}
