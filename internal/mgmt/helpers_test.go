package mgmt

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/storyforge/internal/agentproc"
	"github.com/p-blackswan/storyforge/internal/agents"
	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/health"
	"github.com/p-blackswan/storyforge/internal/metrics"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/retry"
	"github.com/p-blackswan/storyforge/internal/runner"
	"github.com/p-blackswan/storyforge/internal/store"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// scriptCommands runs a shell script per story instead of a real agent.
type scriptCommands struct {
	mu      sync.Mutex
	scripts map[string]string
}

func (s *scriptCommands) set(storyID, script string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[storyID] = script
}

func (s *scriptCommands) Command(agentID, model, prompt, workDir string) (agentproc.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	script := "true"
	for id, sc := range s.scripts {
		if strings.Contains(prompt, "Story "+id+":") {
			script = sc
		}
	}
	return agentproc.Command{Executable: "sh", Args: []string{"-c", script}, WorkDir: workDir, AgentID: agentID}, nil
}

type testEnv struct {
	app      *fiber.App
	store    *store.Store
	registry *build.Registry
	runner   *runner.Runner
	opener   *vcs.Opener
	commands *scriptCommands
	metrics  *metrics.Metrics
	checker  *health.Checker
}

func newTestEnv(t *testing.T, authMode, apiKey string, opts ...func(*ServerConfig)) *testEnv {
	t.Helper()
	logger := zerolog.Nop()

	st, err := store.New(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()
	reg := build.NewRegistry(logger, build.WithMetrics(m))
	cp := build.NewCheckpointer(reg, st, retry.Config{MaxAttempts: 1}, m, logger)
	sup := agentproc.New(reg, logger, agentproc.WithHistory(st), agentproc.WithKillTimeout(200*time.Millisecond))
	catalog, err := agents.Builtin()
	require.NoError(t, err)
	cmds := &scriptCommands{scripts: map[string]string{}}
	opener := vcs.NewOpener(4, logger)
	repos := func(path string) (runner.Repo, error) { return opener.Open(path) }
	r := runner.New(reg, cp, sup, cmds, repos, logger, runner.WithPollInterval(10*time.Millisecond))

	checker := health.NewChecker(logger)
	checker.Register("store", health.PingCheck(st))

	cfg := ServerConfig{AuthConfig: AuthConfig{Mode: authMode, APIKey: apiKey}}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv := NewServer(cfg, Deps{
		Store:    st,
		Registry: reg,
		Runner:   r,
		Repos:    opener,
		Agents:   catalog,
		Checker:  checker,
		Metrics:  m,
	}, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
		_ = sup.KillAll(ctx)
		_ = srv.Shutdown()
	})

	return &testEnv{
		app:      srv.App(),
		store:    st,
		registry: reg,
		runner:   r,
		opener:   opener,
		commands: cmds,
		metrics:  m,
		checker:  checker,
	}
}

func testApp(t *testing.T, authMode, apiKey string) *fiber.App {
	return newTestEnv(t, authMode, apiKey).app
}

// project creates a git repository with a PRD and registers it as id.
func (e *testEnv) project(t *testing.T, id string, stories ...prd.Story) string {
	t.Helper()
	dir := t.TempDir()
	initRepo(t, dir)
	name := "demo"
	require.NoError(t, prd.Save(dir, &prd.PRD{Project: &name, UserStories: stories}))
	require.NoError(t, e.store.SaveProject(context.Background(), &store.Project{ID: id, Path: dir}))
	return dir
}

func (e *testEnv) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, path, r)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (e *testEnv) waitIdle(t *testing.T, projectID string) {
	t.Helper()
	select {
	case <-e.runner.Done(projectID):
	case <-time.After(20 * time.Second):
		t.Fatal("build loop did not exit")
	}
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func initRepo(t *testing.T, dir string) {
	t.Helper()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func twoStories() []prd.Story {
	return []prd.Story{
		{ID: "US-1", Title: "First", Priority: 1},
		{ID: "US-2", Title: "Second", Priority: 2, Description: "Builds on US-1"},
	}
}
