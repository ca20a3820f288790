package mgmt

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/agents"
	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/health"
	"github.com/p-blackswan/storyforge/internal/metrics"
	"github.com/p-blackswan/storyforge/internal/requestid"
	"github.com/p-blackswan/storyforge/internal/runner"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Deps are the collaborators the handlers operate on.
type Deps struct {
	Store    *store.Store
	Registry *build.Registry
	Runner   *runner.Runner
	Repos    *vcs.Opener
	Agents   *agents.Catalog
	Checker  *health.Checker
	Metrics  *metrics.Metrics
}

// Server is the management API Fiber application.
type Server struct {
	app     *fiber.App
	limiter *rateLimiter
	logger  zerolog.Logger
	config  ServerConfig
}

// NewServer creates and configures a new management API server.
func NewServer(cfg ServerConfig, deps Deps, logger zerolog.Logger) *Server {
	logger = logger.With().Str("component", "mgmt_server").Logger()

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:    app,
		logger: logger,
		config: cfg,
	}

	s.setupMiddleware(cfg, deps, logger)
	s.setupRoutes(NewHandlers(deps, logger), deps.Metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, deps Deps, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID: keep a sane inbound id, otherwise mint one
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := requestid.Generate(c.Get(requestid.Header))
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, time.Now)
		s.app.Use(s.limiter.middleware())
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))
	s.app.Use(auditMiddleware(deps.Store, deps.Metrics, logger))
}

func (s *Server) setupRoutes(h *Handlers, m *metrics.Metrics) {
	// Probe endpoints (auth skipped in the auth middleware)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if m != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")
	v1.Get("/health", h.HealthDetail)
	v1.Get("/agents", h.ListAgents)
	v1.Get("/agents/detect", h.DetectAgents)
	v1.Get("/audit", requireRole(RoleAdmin), h.ListAudit)

	operator := requireRole(RoleOperator)

	pg := v1.Group("/projects")
	pg.Post("/", operator, h.RegisterProject)
	pg.Get("/", h.ListProjects)
	pg.Get("/:id", h.GetProject)
	pg.Delete("/:id", requireRole(RoleAdmin), h.DeleteProject)

	pg.Get("/:id/state", h.GetState)
	pg.Post("/:id/build/start", operator, h.StartBuild)
	pg.Post("/:id/build/pause", operator, h.PauseBuild)
	pg.Post("/:id/build/resume", operator, h.ResumeBuild)
	pg.Post("/:id/build/cancel", operator, h.CancelBuild)
	pg.Post("/:id/build/reset", operator, h.ResetBuild)

	pg.Put("/:id/stories/order", operator, h.ReorderStories)
	pg.Post("/:id/stories/:story/retry", operator, h.RetryStory)
	pg.Post("/:id/stories/:story/rollback", operator, h.RollbackStory)
	pg.Get("/:id/stories/:story/diff", h.StoryDiff)

	pg.Get("/:id/logs", h.GetLogs)
	pg.Delete("/:id/logs", operator, h.ClearLogs)
	pg.Get("/:id/dependencies", h.Dependencies)
	pg.Get("/:id/history", h.History)

	pg.Get("/:id/branches", h.ListBranches)
	pg.Post("/:id/branches/:name/checkout", operator, h.CheckoutBranch)
	pg.Post("/:id/branches/:name/merge", operator, h.MergeBranch)
	pg.Delete("/:id/branches/:name", operator, h.DeleteBranch)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = "127.0.0.1:8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	if s.limiter != nil {
		s.limiter.stop()
	}
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

// auditMiddleware logs every API request and writes mutating calls to the
// audit table once the handler has run.
func auditMiddleware(st *store.Store, m *metrics.Metrics, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if isProbe(path) {
			return c.Next()
		}

		reqID, _ := c.Locals("request_id").(string)
		logger.Info().
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Str("request_id", reqID).
			Msg("mgmt api request")

		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		m.RecordRequest(c.Route().Path, strconv.Itoa(status))

		if st != nil && c.Method() != fiber.MethodGet && c.Method() != fiber.MethodHead {
			result := "success"
			if status >= 400 {
				result = "failure"
			}
			action := c.Method() + " " + c.Route().Path
			if aerr := st.LogAudit(c.UserContext(), principal(c), action, path, result, reqID); aerr != nil {
				logger.Error().Err(aerr).Str("action", action).Msg("failed to write audit log")
			}
		}
		return err
	}
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		// Don't leak internal details
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    statusTitle(code),
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
