// Package mgmt is the management API: build control, story operations,
// branches and logs for registered projects.
package mgmt

import (
	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// ProblemDetail is an RFC 7807 error body.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

// RegisterProjectRequest is the body of POST /api/v1/projects.
type RegisterProjectRequest struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Agent string `json:"agent"`
}

// StartBuildRequest is the optional body of the build start and resume calls.
type StartBuildRequest struct {
	Agent      string `json:"agent"`
	Model      string `json:"model"`
	BaseBranch string `json:"baseBranch"`
}

// ReorderRequest moves the story at index From to index To in priority order.
type ReorderRequest struct {
	From *int `json:"from"`
	To   *int `json:"to"`
}

// StoryView is a PRD story with its effective build status.
type StoryView struct {
	prd.Story
	BuildStatus build.StoryStatus `json:"buildStatus"`
	RetryCount  int               `json:"retryCount"`
	HasSnapshot bool              `json:"hasSnapshot"`
}

// StateResponse is the body of GET /api/v1/projects/:id/state.
type StateResponse struct {
	Project         store.Project           `json:"project"`
	State           build.ProjectBuildState `json:"state"`
	BuildLoopActive bool                    `json:"buildLoopActive"`
	Stories         []StoryView             `json:"stories"`
}

// LogsResponse is the body of GET /api/v1/projects/:id/logs.
type LogsResponse struct {
	Logs       []build.LogEntry `json:"logs"`
	NextOffset int              `json:"nextOffset"`
}

// BranchesResponse lists story branches relative to a base branch.
type BranchesResponse struct {
	Base     string            `json:"base"`
	Branches []vcs.StoryBranch `json:"branches"`
}
