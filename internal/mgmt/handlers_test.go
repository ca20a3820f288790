package mgmt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

func TestRegisterProject(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := t.TempDir()

	resp := env.do(t, "POST", "/api/v1/projects", fmt.Sprintf(`{"id":"shop","path":%q,"agent":"codex"}`, dir))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p store.Project
	decode(t, resp, &p)
	assert.Equal(t, "shop", p.ID)
	assert.Equal(t, "codex", p.AgentID)

	resp = env.do(t, "GET", "/api/v1/projects", "")
	var list struct {
		Projects []store.Project `json:"projects"`
		Total    int             `json:"total"`
	}
	decode(t, resp, &list)
	assert.Equal(t, 1, list.Total)

	resp = env.do(t, "GET", "/api/v1/projects/shop", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "DELETE", "/api/v1/projects/shop", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, "GET", "/api/v1/projects/shop", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterProject_Validation(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))

	tests := []struct {
		name string
		body string
		typ  string
	}{
		{"bad json", `{`, "invalid_body"},
		{"missing id", fmt.Sprintf(`{"path":%q}`, dir), "invalid_id"},
		{"bad id", fmt.Sprintf(`{"id":"../x","path":%q}`, dir), "invalid_id"},
		{"relative path", `{"id":"p","path":"some/dir"}`, "invalid_path"},
		{"not a dir", fmt.Sprintf(`{"id":"p","path":%q}`, file), "invalid_path"},
		{"unknown agent", fmt.Sprintf(`{"id":"p","path":%q,"agent":"nope"}`, dir), "unknown_agent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/api/v1/projects", tt.body)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var problem ProblemDetail
			decode(t, resp, &problem)
			assert.Equal(t, tt.typ, problem.Type)
		})
	}
}

func TestGetState_EffectiveStatuses(t *testing.T) {
	env := newTestEnv(t, "none", "")
	stories := twoStories()
	stories[1].Passes = true
	stories[0].Priority = 5
	env.project(t, "p1", stories...)
	env.registry.SetStoryStatus("p1", "US-1", build.StoryFailed)
	env.registry.SetStoryStatus("p1", "US-2", build.StoryFailed)

	resp := env.do(t, "GET", "/api/v1/projects/p1/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateResponse
	decode(t, resp, &state)

	require.Len(t, state.Stories, 2)
	// sorted by priority
	assert.Equal(t, "US-2", state.Stories[0].ID)
	assert.Equal(t, build.StoryComplete, state.Stories[0].BuildStatus)
	assert.Equal(t, build.StoryFailed, state.Stories[1].BuildStatus)
	assert.Equal(t, build.StatusIdle, state.State.Status)
	assert.False(t, state.BuildLoopActive)
}

func TestGetState_NoPRD(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := t.TempDir()
	require.NoError(t, env.store.SaveProject(context.Background(), &store.Project{ID: "p1", Path: dir}))

	resp := env.do(t, "GET", "/api/v1/projects/p1/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateResponse
	decode(t, resp, &state)
	assert.Empty(t, state.Stories)
}

func TestGetState_RehydratesSavedState(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := env.project(t, "p1", twoStories()...)
	current := "US-2"
	require.NoError(t, env.store.SaveProjectState(context.Background(), dir, build.PersistedState{
		CurrentStoryID: &current,
		StoryStatuses:  map[string]string{"US-1": "failed"},
		StoryRetries:   map[string]build.PersistedRetry{"US-1": {RetryCount: 2}},
		BuildPhase:     "running",
	}))

	resp := env.do(t, "GET", "/api/v1/projects/p1/state", "")
	var state StateResponse
	decode(t, resp, &state)
	assert.Equal(t, build.StatusPaused, state.State.Status)
	assert.Equal(t, build.StoryFailed, state.Stories[0].BuildStatus)
	assert.Equal(t, 2, state.Stories[0].RetryCount)
	assert.Equal(t, build.StoryInProgress, state.Stories[1].BuildStatus)
}

func TestBuild_RunsToCompletion(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := env.project(t, "p1", twoStories()...)
	env.commands.set("US-1", "echo one > one.txt")
	env.commands.set("US-2", "echo two > two.txt")

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	env.waitIdle(t, "p1")

	resp = env.do(t, "GET", "/api/v1/projects/p1/state", "")
	var state StateResponse
	decode(t, resp, &state)
	assert.Equal(t, build.StatusIdle, state.State.Status)
	for _, s := range state.Stories {
		assert.True(t, s.Passes, s.ID)
		assert.Equal(t, build.StoryComplete, s.BuildStatus, s.ID)
	}
	assert.FileExists(t, filepath.Join(dir, "one.txt"))
	assert.FileExists(t, filepath.Join(dir, "two.txt"))

	resp = env.do(t, "GET", "/api/v1/projects/p1/history", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hist struct {
		History []store.ProcessHistoryEntry `json:"history"`
		Total   int                         `json:"total"`
	}
	decode(t, resp, &hist)
	assert.Equal(t, 2, hist.Total)
	for _, e := range hist.History {
		assert.True(t, e.Success)
		assert.Equal(t, "p1", e.ProjectID)
	}

	resp = env.do(t, "GET", "/api/v1/projects/p1/branches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var branches BranchesResponse
	decode(t, resp, &branches)
	assert.Equal(t, "main", branches.Base)
	require.Len(t, branches.Branches, 2)
	for _, b := range branches.Branches {
		assert.Equal(t, vcs.BranchMerged, b.Status)
	}
}

func TestBuild_SecondStartConflictsAndCancel(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)
	env.commands.set("US-1", "sleep 30")

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/projects/p1/build/start", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem ProblemDetail
	decode(t, resp, &problem)
	assert.Equal(t, "build_active", problem.Type)

	resp = env.do(t, "POST", "/api/v1/projects/p1/build/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitIdle(t, "p1")

	state := env.registry.State("p1")
	assert.Equal(t, build.StatusIdle, state.Status)
	assert.Empty(t, state.CurrentProcessID)
}

func TestBuild_StartBodyValidation(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/start", `{"agent":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, env.registry.IsBuildLoopActive("p1"))
}

func TestBuild_PauseWithoutBuild(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/pause", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBuild_FailureThenRetry(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)
	env.commands.set("US-1", "exit 1")

	env.do(t, "POST", "/api/v1/projects/p1/build/start", "")
	env.waitIdle(t, "p1")
	assert.Equal(t, build.StatusPaused, env.registry.State("p1").Status)
	assert.Equal(t, build.StoryFailed, env.registry.State("p1").StoryStatuses["US-1"])

	env.commands.set("US-1", "true")
	resp := env.do(t, "POST", "/api/v1/projects/p1/stories/US-1/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.waitIdle(t, "p1")

	state := env.registry.State("p1")
	assert.Equal(t, build.StatusIdle, state.Status)
	assert.Equal(t, 1, state.StoryRetries["US-1"].RetryCount)

	doc, err := prd.Load(env.mustProjectPath(t, "p1"))
	require.NoError(t, err)
	for _, s := range doc.UserStories {
		assert.True(t, s.Passes, s.ID)
	}
}

func TestStories_UnknownStory(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)

	for _, path := range []string{
		"/api/v1/projects/p1/stories/US-9/retry",
		"/api/v1/projects/p1/stories/US-9/rollback",
	} {
		resp := env.do(t, "POST", path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
	resp := env.do(t, "GET", "/api/v1/projects/p1/stories/US-9/diff", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStories_RollbackResetsStatus(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)
	env.registry.SetStoryStatus("p1", "US-1", build.StoryFailed)

	resp := env.do(t, "POST", "/api/v1/projects/p1/stories/US-1/rollback", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, build.StoryPending, env.registry.State("p1").StoryStatuses["US-1"])
}

func TestStories_Reorder(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := env.project(t, "p1",
		prd.Story{ID: "A", Title: "a", Priority: 1},
		prd.Story{ID: "B", Title: "b", Priority: 2},
		prd.Story{ID: "C", Title: "c", Priority: 7},
	)

	resp := env.do(t, "PUT", "/api/v1/projects/p1/stories/order", `{"from":2,"to":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	doc, err := prd.Load(dir)
	require.NoError(t, err)
	ordered := prd.ByPriority(doc.UserStories)
	require.Len(t, ordered, 3)
	assert.Equal(t, []string{"C", "A", "B"}, []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
	assert.Equal(t, []int{1, 2, 3}, []int{ordered[0].Priority, ordered[1].Priority, ordered[2].Priority})

	resp = env.do(t, "PUT", "/api/v1/projects/p1/stories/order", `{"from":0,"to":9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, "PUT", "/api/v1/projects/p1/stories/order", `{"from":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogs_OffsetAndClear(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)
	for i := 0; i < 3; i++ {
		env.registry.AppendLog("p1", build.LogStdout, fmt.Sprintf("line %d", i), "")
	}

	resp := env.do(t, "GET", "/api/v1/projects/p1/logs?offset=1", "")
	var logs LogsResponse
	decode(t, resp, &logs)
	require.Len(t, logs.Logs, 2)
	assert.Equal(t, "line 1", logs.Logs[0].Content)
	assert.Equal(t, 3, logs.NextOffset)

	resp = env.do(t, "DELETE", "/api/v1/projects/p1/logs", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, "GET", "/api/v1/projects/p1/logs?offset=3", "")
	decode(t, resp, &logs)
	assert.Empty(t, logs.Logs)
	assert.Equal(t, 0, logs.NextOffset)
}

func TestDependencies(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)

	resp := env.do(t, "GET", "/api/v1/projects/p1/dependencies", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Dependencies prd.Graph `json:"dependencies"`
	}
	decode(t, resp, &body)
	assert.Equal(t, []string{"US-1"}, body.Dependencies["US-2"].Prerequisites)
}

func TestBranches_ConflictThenForceMerge(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := env.project(t, "p1", twoStories()...)
	ctx := context.Background()

	repo, err := env.opener.Open(dir)
	require.NoError(t, err)
	branch, base, err := repo.PrepareStoryBranch(ctx, "US-1")
	require.NoError(t, err)
	require.Equal(t, "main", base)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("story\n"), 0o644))
	_, _, err = repo.CommitAll(ctx, "Story US-1: First")
	require.NoError(t, err)
	require.NoError(t, repo.CheckoutBranch(ctx, "main"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("main\n"), 0o644))
	_, _, err = repo.CommitAll(ctx, "diverge")
	require.NoError(t, err)

	escaped := url.PathEscape(branch)

	resp := env.do(t, "GET", "/api/v1/projects/p1/stories/US-1/diff", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var diff struct {
		Branch string           `json:"branch"`
		Files  []vcs.FileChange `json:"files"`
	}
	decode(t, resp, &diff)
	assert.Equal(t, branch, diff.Branch)
	require.Len(t, diff.Files, 1)
	assert.Equal(t, "README.md", diff.Files[0].Path)

	resp = env.do(t, "POST", "/api/v1/projects/p1/branches/"+escaped+"/merge", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.True(t, env.registry.IsBranchConflicted("p1", branch))

	resp = env.do(t, "GET", "/api/v1/projects/p1/branches", "")
	var list BranchesResponse
	decode(t, resp, &list)
	require.Len(t, list.Branches, 1)
	assert.Equal(t, vcs.BranchConflicted, list.Branches[0].Status)

	conflicts := env.registry.State("p1").ConflictedBranches
	require.Len(t, conflicts, 1)
	assert.Equal(t, "US-1", conflicts[0].StoryID)
	assert.Equal(t, "First", conflicts[0].StoryTitle)

	resp = env.do(t, "POST", "/api/v1/projects/p1/branches/"+escaped+"/merge?force=true", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, env.registry.IsBranchConflicted("p1", branch))
	content, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "story\n", string(content))

	resp = env.do(t, "DELETE", "/api/v1/projects/p1/branches/"+escaped, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = env.do(t, "GET", "/api/v1/projects/p1/branches", "")
	decode(t, resp, &list)
	assert.Empty(t, list.Branches)
}

func TestBranches_Checkout(t *testing.T) {
	env := newTestEnv(t, "none", "")
	dir := env.project(t, "p1", twoStories()...)
	ctx := context.Background()

	repo, err := env.opener.Open(dir)
	require.NoError(t, err)
	branch, _, err := repo.PrepareStoryBranch(ctx, "US-1")
	require.NoError(t, err)

	// listing from a story branch needs an explicit base
	resp := env.do(t, "GET", "/api/v1/projects/p1/branches", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, "GET", "/api/v1/projects/p1/branches?base=main", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/projects/p1/branches/main/checkout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	current, err := repo.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "main", current)

	resp = env.do(t, "POST", "/api/v1/projects/p1/branches/"+url.PathEscape(branch)+"/checkout", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/api/v1/projects/p1/branches/nope/checkout", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgents(t *testing.T) {
	env := newTestEnv(t, "none", "")

	resp := env.do(t, "GET", "/api/v1/agents", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Total int `json:"total"`
	}
	decode(t, resp, &body)
	assert.Equal(t, 8, body.Total)
}

func TestHealthDetail(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.do(t, "GET", "/readyz", "")

	resp := env.do(t, "GET", "/api/v1/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]any
	decode(t, resp, &body)
	assert.Equal(t, map[string]any{"store": "ok"}, body["checks"])
	assert.EqualValues(t, 0, body["active_loops"])
}

func (e *testEnv) mustProjectPath(t *testing.T, id string) string {
	t.Helper()
	p, err := e.store.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p.Path
}

func TestBuild_Reset(t *testing.T) {
	env := newTestEnv(t, "none", "")
	stories := twoStories()
	stories[1].Passes = true
	env.project(t, "p1", stories...)
	env.registry.SetStoryStatus("p1", "US-1", build.StoryComplete)
	env.registry.SetStoryStatus("p1", "US-2", build.StoryPending)
	env.registry.AddConflictedBranch("p1", build.ConflictedBranch{StoryID: "US-1", BranchName: "story/us-1"})
	env.registry.AppendLog("p1", build.LogStdout, "old output", "")

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/reset", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, "GET", "/api/v1/projects/p1/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateResponse
	decode(t, resp, &state)

	require.Len(t, state.Stories, 2)
	assert.Equal(t, build.StoryPending, state.Stories[0].BuildStatus)
	// a persisted passes flag survives the reset
	assert.Equal(t, build.StoryComplete, state.Stories[1].BuildStatus)
	assert.Empty(t, state.State.StoryStatuses)
	assert.Empty(t, state.State.ConflictedBranches)
	require.Len(t, state.State.Logs, 1)
	assert.Equal(t, "Build reset", state.State.Logs[0].Content)
}

func TestBuild_ResetRefusedWhileRunning(t *testing.T) {
	env := newTestEnv(t, "none", "")
	env.project(t, "p1", twoStories()...)
	env.commands.set("US-1", "sleep 30")

	resp := env.do(t, "POST", "/api/v1/projects/p1/build/start", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, "POST", "/api/v1/projects/p1/build/reset", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	var problem ProblemDetail
	decode(t, resp, &problem)
	assert.Equal(t, "build_active", problem.Type)

	resp = env.do(t, "POST", "/api/v1/projects/p1/build/cancel", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	env.waitIdle(t, "p1")
}
