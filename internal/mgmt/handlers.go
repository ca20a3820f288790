package mgmt

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/agents"
	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/health"
	"github.com/p-blackswan/storyforge/internal/runner"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store     *store.Store
	registry  *build.Registry
	runner    *runner.Runner
	repos     *vcs.Opener
	agents    *agents.Catalog
	checker   *health.Checker
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Deps, logger zerolog.Logger) *Handlers {
	return &Handlers{
		store:     deps.Store,
		registry:  deps.Registry,
		runner:    deps.Runner,
		repos:     deps.Repos,
		agents:    deps.Agents,
		checker:   deps.Checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	if h.checker == nil {
		return c.JSON(fiber.Map{"status": "ready"})
	}
	report := h.checker.Report(c.UserContext())
	if !report.Ready {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "not_ready",
			"checks": report.Checks,
		})
	}
	return c.JSON(fiber.Map{"status": "ready", "checks": report.Checks})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	resp := fiber.Map{
		"uptime":       time.Since(h.startTime).Round(time.Second).String(),
		"active_loops": h.runner.ActiveCount(),
	}
	if h.checker != nil {
		resp["checks"] = h.checker.Cached()
	}
	if size, err := h.store.DBSizeBytes(); err == nil {
		resp["db_size_bytes"] = size
	}
	return c.JSON(resp)
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(c *fiber.Ctx) error {
	list := h.agents.List()
	return c.JSON(fiber.Map{"agents": list, "total": len(list)})
}

// DetectAgents handles GET /api/v1/agents/detect.
func (h *Handlers) DetectAgents(c *fiber.Ctx) error {
	statuses := h.agents.Detect(c.UserContext())
	return c.JSON(fiber.Map{"agents": statuses, "total": len(statuses)})
}

// ListAudit handles GET /api/v1/audit.
func (h *Handlers) ListAudit(c *fiber.Ctx) error {
	entries, err := h.store.RecentAudit(c.UserContext(), c.QueryInt("limit", 100))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"entries": entries, "total": len(entries)})
}

// projectRef resolves the :id route param to a registered project and makes
// sure its saved build state is loaded.
func (h *Handlers) projectRef(c *fiber.Ctx) (runner.ProjectRef, *store.Project, error) {
	p, err := h.store.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return runner.ProjectRef{}, nil, err
	}
	ref := runner.ProjectRef{ID: p.ID, Path: p.Path, AgentID: p.AgentID}
	h.runner.Rehydrate(c.UserContext(), ref)
	return ref, p, nil
}

// repo opens the project's repository through the shared cache.
func (h *Handlers) repo(ref runner.ProjectRef) (*vcs.Repo, error) {
	return h.repos.Open(ref.Path)
}

// baseBranch picks the branch story branches are compared with: the base
// query param, otherwise the checked out branch unless it is a story branch.
func (h *Handlers) baseBranch(ctx context.Context, c *fiber.Ctx, repo *vcs.Repo) (string, error) {
	if base := c.Query("base"); base != "" {
		return base, nil
	}
	current, err := repo.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if vcs.IsStoryBranch(current) {
		return "", fmt.Errorf("%s is a story branch, pass ?base=: %w", current, perrors.ErrInvalidInput)
	}
	return current, nil
}

// buildRunning reports whether a loop is active and not paused.
func (h *Handlers) buildRunning(projectID string) bool {
	return h.registry.IsBuildLoopActive(projectID) &&
		h.registry.Status(projectID) == build.StatusRunning
}
