package api

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/codetime/internal/health"
	"github.com/p-blackswan/codetime/internal/metrics"
)

// DefaultListenAddr keeps the API on the loopback interface.
const DefaultListenAddr = "127.0.0.1:8091"

// ServerConfig holds configuration for the local API server.
type ServerConfig struct {
	ListenAddr string
	Token      string
}

// Server is the local API Fiber application.
type Server struct {
	app    *fiber.App
	logger zerolog.Logger
	config ServerConfig
}

// NewServer creates and configures the local API server.
func NewServer(
	cfg ServerConfig,
	svc Service,
	checker *health.Checker,
	metricsCollector *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})

	s := &Server{
		app:    app,
		logger: logger.With().Str("component", "api_server").Logger(),
		config: cfg,
	}

	s.setupMiddleware(cfg)
	s.setupRoutes(NewHandlers(svc, checker, logger), metricsCollector)
	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.New().String()
		}
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	s.app.Use(NewAuthMiddleware(cfg.Token, s.logger))

	s.app.Use(func(c *fiber.Ctx) error {
		if isProbe(c.Path()) {
			return c.Next()
		}
		s.logger.Debug().
			Str("method", c.Method()).
			Str("path", c.Path()).
			Interface("request_id", c.Locals("request_id")).
			Msg("api request")
		return c.Next()
	})
}

func (s *Server) setupRoutes(h *Handlers, metricsCollector *metrics.Metrics) {
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metricsCollector != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metricsCollector.Handler()))
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/status", h.Status)
	v1.Get("/today", h.Today)
	v1.Get("/projects/:name", h.Project)
	v1.Get("/activity", h.Activity)
	v1.Get("/remote/daily", h.RemoteDaily)

	v1.Post("/sync", h.Sync)
	v1.Put("/api-key", h.SetAPIKey)
	v1.Post("/collection/resume", h.ResumeCollection)

	events := v1.Group("/events")
	events.Post("/active", h.EventActive)
	events.Post("/lines", h.EventLines)
	events.Post("/branch", h.EventBranch)
	events.Post("/commit", h.EventCommit)
	events.Post("/focus-lost", h.EventFocusLost)
	events.Post("/project-closing", h.EventProjectClosing)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = DefaultListenAddr
	}
	s.logger.Info().Str("addr", addr).Msg("local API server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("local API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		errType := "request_error"
		ev := logger.Warn()
		if code >= fiber.StatusInternalServerError {
			errType = "internal_error"
			ev = logger.Error()
		}
		ev.Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    utils.StatusMessage(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
