package mgmt

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/runner"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// GetState handles GET /api/v1/projects/:id/state.
func (h *Handlers) GetState(c *fiber.Ctx) error {
	ref, p, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}

	state := h.registry.State(ref.ID)
	resp := StateResponse{
		Project:         *p,
		State:           state,
		BuildLoopActive: h.registry.IsBuildLoopActive(ref.ID),
		Stories:         []StoryView{},
	}

	doc, err := prd.Load(ref.Path)
	switch {
	case errors.Is(err, perrors.ErrNotFound):
		return c.JSON(resp)
	case err != nil:
		return errorResponse(c, err)
	}

	for _, s := range prd.ByPriority(doc.UserStories) {
		_, hasSnap := state.StorySnapshots[s.ID]
		resp.Stories = append(resp.Stories, StoryView{
			Story:       s,
			BuildStatus: state.EffectiveStatus(s.ID, s.Passes),
			RetryCount:  state.StoryRetries[s.ID].RetryCount,
			HasSnapshot: hasSnap,
		})
	}
	return c.JSON(resp)
}

// StartBuild handles POST /api/v1/projects/:id/build/start.
func (h *Handlers) StartBuild(c *fiber.Ctx) error {
	ref, err := h.buildRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Start(c.UserContext(), ref); err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(h.registry.State(ref.ID))
}

// PauseBuild handles POST /api/v1/projects/:id/build/pause.
func (h *Handlers) PauseBuild(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Pause(c.UserContext(), ref); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.registry.State(ref.ID))
}

// ResumeBuild handles POST /api/v1/projects/:id/build/resume.
func (h *Handlers) ResumeBuild(c *fiber.Ctx) error {
	ref, err := h.buildRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Resume(c.UserContext(), ref); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.registry.State(ref.ID))
}

// CancelBuild handles POST /api/v1/projects/:id/build/cancel.
func (h *Handlers) CancelBuild(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	h.runner.Cancel(c.UserContext(), ref)
	return c.JSON(h.registry.State(ref.ID))
}

// ResetBuild handles POST /api/v1/projects/:id/build/reset.
func (h *Handlers) ResetBuild(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Reset(c.UserContext(), ref); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.registry.State(ref.ID))
}

// buildRef resolves the project and applies the optional start body.
func (h *Handlers) buildRef(c *fiber.Ctx) (runner.ProjectRef, error) {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return ref, err
	}
	if len(c.Body()) == 0 {
		return ref, nil
	}

	var req StartBuildRequest
	if err := c.BodyParser(&req); err != nil {
		return ref, fmt.Errorf("invalid request body: %v: %w", err, perrors.ErrInvalidInput)
	}
	if req.Agent != "" {
		if _, err := h.agents.Get(req.Agent); err != nil {
			return ref, fmt.Errorf("agent %s: %w", req.Agent, perrors.ErrInvalidInput)
		}
		ref.AgentID = req.Agent
	}
	ref.Model = req.Model
	ref.BaseBranch = req.BaseBranch
	return ref, nil
}

// RetryStory handles POST /api/v1/projects/:id/stories/:story/retry.
func (h *Handlers) RetryStory(c *fiber.Ctx) error {
	ref, storyID, err := h.storyRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Retry(c.UserContext(), ref, storyID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.registry.State(ref.ID))
}

// RollbackStory handles POST /api/v1/projects/:id/stories/:story/rollback.
func (h *Handlers) RollbackStory(c *fiber.Ctx) error {
	ref, storyID, err := h.storyRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := h.runner.Rollback(c.UserContext(), ref, storyID); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(h.registry.State(ref.ID))
}

// StoryDiff handles GET /api/v1/projects/:id/stories/:story/diff.
func (h *Handlers) StoryDiff(c *fiber.Ctx) error {
	ref, storyID, err := h.storyRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	repo, err := h.repo(ref)
	if err != nil {
		return errorResponse(c, err)
	}
	ctx := c.UserContext()
	base, err := h.baseBranch(ctx, c, repo)
	if err != nil {
		return errorResponse(c, err)
	}

	branch := vcs.BranchName(storyID)
	files, err := repo.StoryDiff(ctx, base, branch)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"base": base, "branch": branch, "files": files})
}

// storyRef resolves the project and checks :story exists in its PRD.
func (h *Handlers) storyRef(c *fiber.Ctx) (runner.ProjectRef, string, error) {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return ref, "", err
	}
	doc, err := prd.Load(ref.Path)
	if err != nil {
		return ref, "", err
	}
	storyID := c.Params("story")
	if _, ok := doc.Find(storyID); !ok {
		return ref, "", fmt.Errorf("story %s: %w", storyID, perrors.ErrNotFound)
	}
	return ref, storyID, nil
}

// ReorderStories handles PUT /api/v1/projects/:id/stories/order. Priorities
// are renumbered densely in the new order.
func (h *Handlers) ReorderStories(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}

	var req ReorderRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid_body", "Invalid request body: "+err.Error())
	}
	if req.From == nil || req.To == nil {
		return badRequest(c, "missing_fields", "from and to are required")
	}
	// the loop writes the PRD when a story passes
	if h.buildRunning(ref.ID) {
		return errorResponse(c, fmt.Errorf("pause the build before reordering: %w", perrors.ErrBuildActive))
	}

	doc, err := prd.Load(ref.Path)
	if err != nil {
		return errorResponse(c, err)
	}
	stories, err := prd.Reorder(prd.ByPriority(doc.UserStories), *req.From, *req.To)
	if err != nil {
		return errorResponse(c, err)
	}
	doc.UserStories = stories
	if err := prd.Save(ref.Path, doc); err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"stories": stories})
}

// GetLogs handles GET /api/v1/projects/:id/logs?offset=N.
func (h *Handlers) GetLogs(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	logs := h.registry.Logs(ref.ID, offset)
	next := offset + len(logs)
	// the buffer was cleared since the caller last read it
	if total := h.registry.LogCount(ref.ID); len(logs) == 0 && total < offset {
		next = total
	}
	return c.JSON(LogsResponse{Logs: logs, NextOffset: next})
}

// ClearLogs handles DELETE /api/v1/projects/:id/logs.
func (h *Handlers) ClearLogs(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	h.registry.ClearLogs(ref.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

// Dependencies handles GET /api/v1/projects/:id/dependencies.
func (h *Handlers) Dependencies(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	doc, err := prd.Load(ref.Path)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"dependencies": prd.AnalyzeDependencies(doc.UserStories)})
}

// History handles GET /api/v1/projects/:id/history.
func (h *Handlers) History(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	entries, err := h.store.ProcessHistory(c.UserContext(), ref.ID, c.QueryInt("limit", 50))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(fiber.Map{"history": entries, "total": len(entries)})
}
