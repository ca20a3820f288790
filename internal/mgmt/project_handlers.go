package mgmt

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/storyforge/internal/store"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// RegisterProject handles POST /api/v1/projects. Registering an existing id
// updates its path and agent.
func (h *Handlers) RegisterProject(c *fiber.Ctx) error {
	var req RegisterProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}
	if !projectIDPattern.MatchString(req.ID) {
		return badRequest(c, "invalid_id",
			"id must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		return badRequest(c, "invalid_path", "path must be an absolute directory path")
	}
	info, err := os.Stat(req.Path)
	if err != nil || !info.IsDir() {
		return badRequest(c, "invalid_path", "path does not exist or is not a directory")
	}
	if req.Agent != "" {
		if _, err := h.agents.Get(req.Agent); err != nil {
			return badRequest(c, "unknown_agent", err.Error())
		}
	}

	ctx := c.UserContext()
	if prev, err := h.store.GetProject(ctx, req.ID); err == nil {
		if h.registry.IsBuildLoopActive(prev.ID) && prev.Path != filepath.Clean(req.Path) {
			return problemResponse(c, fiber.StatusConflict, "build_active", "Conflict",
				"cannot move a project while its build loop is active")
		}
		h.repos.Forget(prev.Path)
	}

	p := &store.Project{ID: req.ID, Path: filepath.Clean(req.Path), AgentID: req.Agent}
	if err := h.store.SaveProject(ctx, p); err != nil {
		return errorResponse(c, err)
	}

	h.logger.Info().Str("project_id", p.ID).Str("path", p.Path).Msg("project registered")
	return c.Status(fiber.StatusCreated).JSON(p)
}

// ListProjects handles GET /api/v1/projects.
func (h *Handlers) ListProjects(c *fiber.Ctx) error {
	projects, err := h.store.ListProjects(c.UserContext())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"projects": projects, "total": len(projects)})
}

// GetProject handles GET /api/v1/projects/:id.
func (h *Handlers) GetProject(c *fiber.Ctx) error {
	p, err := h.store.GetProject(c.UserContext(), c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(p)
}

// DeleteProject handles DELETE /api/v1/projects/:id. The project's files,
// checkpoint and history are kept.
func (h *Handlers) DeleteProject(c *fiber.Ctx) error {
	ctx := c.UserContext()
	p, err := h.store.GetProject(ctx, c.Params("id"))
	if err != nil {
		return errorResponse(c, err)
	}
	if h.registry.IsBuildLoopActive(p.ID) {
		return problemResponse(c, fiber.StatusConflict, "build_active", "Conflict",
			"cancel the build before removing the project")
	}
	if err := h.store.DeleteProject(ctx, p.ID); err != nil {
		return errorResponse(c, err)
	}
	h.repos.Forget(p.Path)
	return c.SendStatus(fiber.StatusNoContent)
}
