// Package runner drives story-by-story builds. A Runner admits at most one
// loop per project through the build registry, and each loop picks the next
// pending story, runs an agent on its own branch and merges the result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/agentproc"
	"github.com/p-blackswan/storyforge/internal/agents"
	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/metrics"
	"github.com/p-blackswan/storyforge/internal/prd"
	"github.com/p-blackswan/storyforge/internal/vcs"
)

// DefaultPollInterval is how often a paused loop checks whether it was resumed.
const DefaultPollInterval = 500 * time.Millisecond

// ProjectRef identifies the project a build runs for.
type ProjectRef struct {
	ID   string
	Path string
	// AgentID selects the catalog entry; empty uses the runner default.
	AgentID string
	Model   string
	// BaseBranch receives finished stories; empty uses the checked out branch.
	BaseBranch string
}

// Supervisor spawns and kills agent processes. *agentproc.Supervisor
// satisfies it.
type Supervisor interface {
	NewProcessID() string
	Spawn(ctx context.Context, projectID string, cmd agentproc.Command) (*agentproc.Handle, error)
	Kill(processID string) error
}

// Commands builds agent commands. *agents.Catalog satisfies it.
type Commands interface {
	Command(agentID, model, prompt, workDir string) (agentproc.Command, error)
}

// Repo is the version-control surface the loop needs. *vcs.Repo satisfies it.
type Repo interface {
	CurrentBranch(ctx context.Context) (string, error)
	CreateSnapshot(ctx context.Context) (build.Snapshot, error)
	Rollback(ctx context.Context, snap build.Snapshot) error
	PrepareStoryBranch(ctx context.Context, storyID string) (branch, base string, err error)
	CommitAll(ctx context.Context, message string) (string, bool, error)
	CheckoutBranch(ctx context.Context, name string) error
	MergeBranch(ctx context.Context, base, branch string, force bool) (vcs.MergeResult, error)
}

// RepoOpener opens the repository at path.
type RepoOpener func(path string) (Repo, error)

// Option configures a Runner.
type Option func(*Runner)

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

// WithDefaultAgent sets the agent used when a ProjectRef names none.
func WithDefaultAgent(id string) Option {
	return func(r *Runner) { r.defaultAgent = id }
}

// WithMetrics attaches a Prometheus collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

type loop struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Runner owns the build loops of every project.
type Runner struct {
	registry   *build.Registry
	checkpoint *build.Checkpointer
	supervisor Supervisor
	commands   Commands
	repos      RepoOpener
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	pollInterval time.Duration
	defaultAgent string

	mu    sync.Mutex
	loops map[string]*loop
	// bases remembers the base branch of each project's last loop.
	bases map[string]string
}

// New creates a Runner.
func New(registry *build.Registry, checkpoint *build.Checkpointer, supervisor Supervisor, commands Commands, repos RepoOpener, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		registry:     registry,
		checkpoint:   checkpoint,
		supervisor:   supervisor,
		commands:     commands,
		repos:        repos,
		logger:       logger.With().Str("component", "runner").Logger(),
		pollInterval: DefaultPollInterval,
		defaultAgent: "claude-code",
		loops:        make(map[string]*loop),
		bases:        make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start rehydrates the project's saved state and starts its build loop. It
// returns ErrBuildActive when a loop is already running for the project.
func (r *Runner) Start(ctx context.Context, ref ProjectRef) error {
	if ref.ID == "" || ref.Path == "" {
		return fmt.Errorf("project id and path are required: %w", perrors.ErrInvalidInput)
	}
	r.checkpoint.Rehydrate(ctx, ref.ID, ref.Path)

	if !r.registry.TryStartBuild(ref.ID) {
		return fmt.Errorf("project %s: %w", ref.ID, perrors.ErrBuildActive)
	}

	repo, base, err := r.prepare(ctx, ref)
	if err != nil {
		r.registry.ReleaseBuildLoop(ref.ID)
		return err
	}
	if ref.AgentID == "" {
		ref.AgentID = r.defaultAgent
	}
	ref.BaseBranch = base

	r.registry.StartBuild(ref.ID)
	r.registry.AppendLog(ref.ID, build.LogSystem,
		fmt.Sprintf("Build started on %s with %s", base, ref.AgentID), "")

	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{ctx: loopCtx, cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.loops[ref.ID] = l
	r.bases[ref.ID] = base
	r.mu.Unlock()

	r.logger.Info().Str("project_id", ref.ID).Str("base", base).Str("agent", ref.AgentID).Msg("build loop started")
	go r.run(loopCtx, ref, repo, l)
	return nil
}

// prepare opens the repository and resolves the base branch. A loop that
// died on a story branch leaves its work there; it is committed and the
// base branch checked out again. Without an explicit base the previous
// loop's base is used.
func (r *Runner) prepare(ctx context.Context, ref ProjectRef) (Repo, string, error) {
	if _, err := prd.Load(ref.Path); err != nil {
		return nil, "", err
	}
	repo, err := r.repos(ref.Path)
	if err != nil {
		return nil, "", err
	}
	current, err := repo.CurrentBranch(ctx)
	if err != nil {
		return nil, "", err
	}

	if !vcs.IsStoryBranch(current) {
		if ref.BaseBranch != "" && ref.BaseBranch != current {
			if err := repo.CheckoutBranch(ctx, ref.BaseBranch); err != nil {
				return nil, "", err
			}
			return repo, ref.BaseBranch, nil
		}
		return repo, current, nil
	}

	if ref.BaseBranch == "" {
		r.mu.Lock()
		ref.BaseBranch = r.bases[ref.ID]
		r.mu.Unlock()
	}
	if ref.BaseBranch == "" {
		return nil, "", fmt.Errorf("%s is a story branch, a base branch is required: %w", current, perrors.ErrInvalidInput)
	}
	if _, _, err := repo.CommitAll(ctx, "Work in progress on "+current); err != nil {
		return nil, "", err
	}
	if err := repo.CheckoutBranch(ctx, ref.BaseBranch); err != nil {
		return nil, "", err
	}
	return repo, ref.BaseBranch, nil
}

func (r *Runner) run(ctx context.Context, ref ProjectRef, repo Repo, l *loop) {
	defer func() {
		r.registry.ReleaseBuildLoop(ref.ID)
		r.mu.Lock()
		if r.loops[ref.ID] == l {
			delete(r.loops, ref.ID)
		}
		r.mu.Unlock()
		r.checkpoint.Save(context.Background(), ref.ID, ref.Path)
		close(l.done)
		r.logger.Info().Str("project_id", ref.ID).Msg("build loop exited")
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		switch r.registry.Status(ref.ID) {
		case build.StatusIdle:
			return
		case build.StatusPaused:
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollInterval):
			}
			continue
		}

		doc, err := prd.Load(ref.Path)
		if err != nil {
			r.halt(ref.ID, fmt.Sprintf("Failed to load PRD: %v", err))
			return
		}
		story, ok := prd.NextPending(doc.UserStories, r.registry.Overview(ref.ID))
		if !ok {
			r.registry.AppendLog(ref.ID, build.LogSystem, "All stories complete", "")
			r.registry.CancelBuild(ref.ID)
			return
		}
		if !r.runStory(ctx, ref, repo, projectName(doc), story) {
			return
		}
	}
}

// runStory runs one story to completion. It reports whether the loop should
// continue with the next story.
func (r *Runner) runStory(ctx context.Context, ref ProjectRef, repo Repo, project string, story prd.Story) bool {
	started := time.Now()
	log := r.logger.With().Str("project_id", ref.ID).Str("story_id", story.ID).Logger()

	if snap, err := repo.CreateSnapshot(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to snapshot before story")
		r.registry.AppendLog(ref.ID, build.LogSystem, fmt.Sprintf("No rollback point for %s: %v", story.ID, err), "")
	} else {
		r.registry.SetStorySnapshot(ref.ID, story.ID, snap)
	}

	branch, _, err := repo.PrepareStoryBranch(ctx, story.ID)
	if err != nil {
		r.halt(ref.ID, fmt.Sprintf("Failed to prepare branch for %s: %v", story.ID, err))
		return false
	}

	r.registry.SetCurrentStory(ref.ID, story.ID, story.Title)
	r.registry.SetStoryStatus(ref.ID, story.ID, build.StoryInProgress)
	r.registry.AppendLog(ref.ID, build.LogSystem, fmt.Sprintf("Starting story %s: %s", story.ID, story.Title), "")

	info, ok := r.execute(ctx, ref, project, story)
	if !ok {
		return false
	}
	if r.registry.Status(ref.ID) == build.StatusIdle {
		// cancelled while the agent ran
		return false
	}

	if !info.Success {
		r.metrics.ObserveStoryDuration("failure", time.Since(started).Seconds())
		if _, _, err := repo.CommitAll(ctx, fmt.Sprintf("Story %s: Incomplete attempt", story.ID)); err != nil {
			log.Warn().Err(err).Msg("failed to commit failed attempt")
		}
		if err := repo.CheckoutBranch(ctx, ref.BaseBranch); err != nil {
			log.Warn().Err(err).Msg("failed to return to base branch")
		}
		r.halt(ref.ID, fmt.Sprintf("Story %s failed, build paused", story.ID))
		return false
	}

	r.metrics.ObserveStoryDuration("success", time.Since(started).Seconds())
	if _, _, err := repo.CommitAll(ctx, fmt.Sprintf("Story %s: %s", story.ID, story.Title)); err != nil {
		r.halt(ref.ID, fmt.Sprintf("Failed to commit %s: %v", story.ID, err))
		return false
	}
	r.merge(ctx, ref, repo, story, branch)
	r.registry.ClearStorySnapshot(ref.ID, story.ID)

	if err := markPassed(ref.Path, story.ID); err != nil {
		log.Error().Err(err).Msg("failed to mark story as passing")
		r.registry.AppendLog(ref.ID, build.LogSystem, fmt.Sprintf("Failed to update PRD for %s: %v", story.ID, err), "")
	}
	r.registry.AppendLog(ref.ID, build.LogSystem, fmt.Sprintf("Story %s complete", story.ID), "")
	return true
}

// execute spawns the agent for story and waits for it to exit. It returns
// false when the loop was cancelled first. A spawn failure is delivered as a
// failed exit so the story goes through the normal failure path.
func (r *Runner) execute(ctx context.Context, ref ProjectRef, project string, story prd.Story) (build.ExitInfo, bool) {
	processID := r.supervisor.NewProcessID()
	r.registry.SetCurrentProcess(ref.ID, processID)

	failed := func(msg string) (build.ExitInfo, bool) {
		r.registry.AppendLog(ref.ID, build.LogSystem, msg, processID)
		info := build.ExitInfo{ProcessID: processID}
		r.registry.HandleProcessExit(ref.ID, info)
		return info, true
	}

	prompt, err := agents.StoryPrompt(project, story)
	if err != nil {
		return failed(err.Error())
	}
	cmd, err := r.commands.Command(ref.AgentID, ref.Model, prompt, ref.Path)
	if err != nil {
		return failed(fmt.Sprintf("Failed to build agent command: %v", err))
	}
	cmd.ProcessID = processID
	cmd.ProcessType = "build"
	cmd.Label = fmt.Sprintf("%s: %s", story.ID, story.Title)

	h, err := r.supervisor.Spawn(ctx, ref.ID, cmd)
	if err != nil {
		if ctx.Err() != nil {
			return build.ExitInfo{}, false
		}
		return failed(fmt.Sprintf("Failed to start agent: %v", err))
	}

	info, err := h.Wait(ctx)
	if err != nil {
		if r.registry.Status(ref.ID) == build.StatusIdle {
			// cancelled before Cancel could see this process
			_ = r.supervisor.Kill(h.ID)
		}
		return build.ExitInfo{}, false
	}
	return info, true
}

// merge folds the story branch into base. A diverged base records the
// branch as conflicted and leaves it for manual resolution.
func (r *Runner) merge(ctx context.Context, ref ProjectRef, repo Repo, story prd.Story, branch string) {
	res, err := repo.MergeBranch(ctx, ref.BaseBranch, branch, false)
	if err == nil {
		r.registry.AppendLog(ref.ID, build.LogSystem,
			fmt.Sprintf("Merged %s into %s (%s)", branch, ref.BaseBranch, shortHash(res.Commit)), "")
		return
	}

	if errors.Is(err, perrors.ErrMergeConflict) {
		r.registry.AddConflictedBranch(ref.ID, build.ConflictedBranch{
			StoryID:    story.ID,
			StoryTitle: story.Title,
			BranchName: branch,
		})
		r.registry.AppendLog(ref.ID, build.LogSystem,
			fmt.Sprintf("Branch %s conflicts with %s and needs a manual merge", branch, ref.BaseBranch), "")
	} else {
		r.logger.Error().Err(err).Str("project_id", ref.ID).Str("branch", branch).Msg("merge failed")
		r.registry.AppendLog(ref.ID, build.LogSystem, fmt.Sprintf("Failed to merge %s: %v", branch, err), "")
	}
	if err := repo.CheckoutBranch(ctx, ref.BaseBranch); err != nil {
		r.logger.Warn().Err(err).Str("project_id", ref.ID).Msg("failed to return to base branch")
	}
}

// halt logs msg and pauses the build so the user can step in.
func (r *Runner) halt(projectID, msg string) {
	r.registry.AppendLog(projectID, build.LogSystem, msg, "")
	r.registry.PauseBuild(projectID)
	r.logger.Warn().Str("project_id", projectID).Msg(msg)
}

func markPassed(projectPath, storyID string) error {
	doc, err := prd.Load(projectPath)
	if err != nil {
		return err
	}
	if !doc.MarkPassed(storyID, true) {
		return fmt.Errorf("story %s: %w", storyID, perrors.ErrNotFound)
	}
	return prd.Save(projectPath, doc)
}

func projectName(doc *prd.PRD) string {
	if doc.Project == nil {
		return ""
	}
	return *doc.Project
}

func shortHash(h string) string {
	if len(h) > 7 {
		return h[:7]
	}
	return h
}
