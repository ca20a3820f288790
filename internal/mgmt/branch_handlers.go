package mgmt

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// ListBranches handles GET /api/v1/projects/:id/branches. Branches the
// registry tracks as conflicted are reported as such.
func (h *Handlers) ListBranches(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
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

	branches, err := repo.ListStoryBranches(ctx, base)
	if err != nil {
		return errorResponse(c, err)
	}
	for i := range branches {
		if h.registry.IsBranchConflicted(ref.ID, branches[i].BranchName) {
			branches[i].Status = vcs.BranchConflicted
		}
	}
	return c.JSON(BranchesResponse{Base: base, Branches: branches})
}

// CheckoutBranch handles POST /api/v1/projects/:id/branches/:name/checkout.
func (h *Handlers) CheckoutBranch(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name, err := branchParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if h.buildRunning(ref.ID) {
		return errorResponse(c, fmt.Errorf("pause the build before switching branches: %w", perrors.ErrBuildActive))
	}

	repo, err := h.repo(ref)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := repo.CheckoutBranch(c.UserContext(), name); err != nil {
		return errorResponse(c, err)
	}
	h.registry.AppendLog(ref.ID, build.LogSystem, "Checked out "+name, "")
	return c.JSON(fiber.Map{"branch": name})
}

// MergeBranch handles POST /api/v1/projects/:id/branches/:name/merge?force=.
// A refused merge marks the branch conflicted; a successful one clears it.
func (h *Handlers) MergeBranch(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name, err := branchParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if h.buildRunning(ref.ID) {
		return errorResponse(c, fmt.Errorf("pause the build before merging: %w", perrors.ErrBuildActive))
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

	force := c.QueryBool("force", false)
	res, err := repo.MergeBranch(ctx, base, name, force)
	if errors.Is(err, perrors.ErrMergeConflict) {
		h.registry.AddConflictedBranch(ref.ID, h.conflictFor(ref.Path, name))
	}
	if err != nil {
		return errorResponse(c, err)
	}

	h.registry.RemoveConflictedBranch(ref.ID, name)
	msg := fmt.Sprintf("Merged %s into %s", name, base)
	if force {
		msg += " (forced)"
	}
	h.registry.AppendLog(ref.ID, build.LogSystem, msg, "")
	return c.JSON(res)
}

// DeleteBranch handles DELETE /api/v1/projects/:id/branches/:name.
func (h *Handlers) DeleteBranch(c *fiber.Ctx) error {
	ref, _, err := h.projectRef(c)
	if err != nil {
		return errorResponse(c, err)
	}
	name, err := branchParam(c)
	if err != nil {
		return errorResponse(c, err)
	}
	if cur := h.registry.CurrentStory(ref.ID); cur != "" && h.buildRunning(ref.ID) && vcs.BranchName(cur) == name {
		return errorResponse(c, fmt.Errorf("%s belongs to the running story: %w", name, perrors.ErrBuildActive))
	}

	repo, err := h.repo(ref)
	if err != nil {
		return errorResponse(c, err)
	}
	if err := repo.DeleteBranch(c.UserContext(), name); err != nil {
		return errorResponse(c, err)
	}
	h.registry.RemoveConflictedBranch(ref.ID, name)
	return c.SendStatus(fiber.StatusNoContent)
}

// conflictFor describes a conflicted branch, taking the story title from
// the PRD when the branch belongs to a known story.
func (h *Handlers) conflictFor(projectPath, branch string) build.ConflictedBranch {
	conflict := build.ConflictedBranch{
		StoryID:    strings.TrimPrefix(branch, vcs.BranchPrefix),
		BranchName: branch,
	}
	doc, err := prd.Load(projectPath)
	if err != nil {
		return conflict
	}
	for _, s := range doc.UserStories {
		if vcs.BranchName(s.ID) == branch {
			conflict.StoryID = s.ID
			conflict.StoryTitle = s.Title
			break
		}
	}
	return conflict
}

// branchParam reads :name. Branch names contain '/', so clients send them
// path-escaped.
func branchParam(c *fiber.Ctx) (string, error) {
	name, err := url.PathUnescape(c.Params("name"))
	if err != nil || name == "" {
		return "", fmt.Errorf("branch name %q: %w", c.Params("name"), perrors.ErrInvalidInput)
	}
	return name, nil
}
