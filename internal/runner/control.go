package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

// Pause stops the loop from picking up another story. The running agent, if
// any, finishes its story first.
func (r *Runner) Pause(ctx context.Context, ref ProjectRef) error {
	if r.registry.Status(ref.ID) != build.StatusRunning {
		return fmt.Errorf("project %s has no running build: %w", ref.ID, perrors.ErrInvalidInput)
	}
	r.registry.PauseBuild(ref.ID)
	r.registry.AppendLog(ref.ID, build.LogSystem, "Build paused", "")
	r.checkpoint.Save(ctx, ref.ID, ref.Path)
	return nil
}

// Resume continues a paused build, starting a new loop if the previous one
// has exited. A loop that was cancelled or went idle still holds the gate
// until it returns, so Resume waits for it and starts a fresh one.
func (r *Runner) Resume(ctx context.Context, ref ProjectRef) error {
	if err := r.waitExiting(ctx, ref.ID); err != nil {
		return err
	}
	if r.registry.IsBuildLoopActive(ref.ID) {
		r.registry.ResumeBuild(ref.ID)
		r.registry.AppendLog(ref.ID, build.LogSystem, "Build resumed", "")
		return nil
	}
	err := r.Start(ctx, ref)
	if errors.Is(err, perrors.ErrBuildActive) {
		// a loop started between the check and Start
		r.registry.ResumeBuild(ref.ID)
		return nil
	}
	return err
}

// waitExiting blocks until the project's loop has returned if it is on its
// way out.
func (r *Runner) waitExiting(ctx context.Context, projectID string) error {
	r.mu.Lock()
	l := r.loops[projectID]
	r.mu.Unlock()
	if l == nil {
		return nil
	}
	if l.ctx.Err() == nil && r.registry.Status(projectID) != build.StatusIdle {
		return nil
	}
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the build: the project goes idle, the current agent is killed
// and the loop exits. The killed agent's exit is stale and changes nothing.
func (r *Runner) Cancel(ctx context.Context, ref ProjectRef) {
	processID := r.registry.CurrentProcess(ref.ID)
	r.registry.CancelBuild(ref.ID)

	if processID != "" {
		if err := r.supervisor.Kill(processID); err != nil && !errors.Is(err, perrors.ErrNotFound) {
			r.logger.Warn().Err(err).Str("project_id", ref.ID).Str("process_id", processID).Msg("failed to kill agent")
		}
	}

	r.mu.Lock()
	l := r.loops[ref.ID]
	r.mu.Unlock()
	if l != nil {
		l.cancel()
	}

	r.registry.AppendLog(ref.ID, build.LogSystem, "Build cancelled", "")
	r.checkpoint.Save(ctx, ref.ID, ref.Path)
}

// Retry resets a failed story to pending and restarts the build if no loop
// is running.
func (r *Runner) Retry(ctx context.Context, ref ProjectRef, storyID string) error {
	r.registry.RetryStory(ref.ID, storyID)
	info, _ := r.registry.RetryInfo(ref.ID, storyID)
	r.registry.AppendLog(ref.ID, build.LogSystem,
		fmt.Sprintf("Retrying story %s (attempt %d)", storyID, info.RetryCount+1), "")

	if r.registry.IsBuildLoopActive(ref.ID) {
		return nil
	}
	return r.Resume(ctx, ref)
}

// Rollback restores the working tree to the snapshot taken before storyID
// ran and resets the story to pending. Without a snapshot only the status
// is reset. It refuses while the project's loop is running.
func (r *Runner) Rollback(ctx context.Context, ref ProjectRef, storyID string) error {
	if r.registry.IsBuildLoopActive(ref.ID) && r.registry.Status(ref.ID) == build.StatusRunning {
		return fmt.Errorf("pause the build before rolling back: %w", perrors.ErrBuildActive)
	}

	if snap, ok := r.registry.GetStorySnapshot(ref.ID, storyID); ok {
		repo, err := r.repos(ref.Path)
		if err != nil {
			return err
		}
		if err := repo.Rollback(ctx, snap); err != nil {
			return err
		}
		r.registry.ClearStorySnapshot(ref.ID, storyID)
		r.registry.AppendLog(ref.ID, build.LogSystem,
			fmt.Sprintf("Rolled back story %s to %s", storyID, shortHash(snap.Ref)), "")
	}

	r.registry.SetStoryStatus(ref.ID, storyID, build.StoryPending)
	r.checkpoint.Save(ctx, ref.ID, ref.Path)
	return nil
}

// Reset starts the project over: the build goes idle and story statuses,
// conflicted branches and logs are cleared. Retry counts and snapshots are
// kept. It refuses while a loop is active.
func (r *Runner) Reset(ctx context.Context, ref ProjectRef) error {
	if err := r.waitExiting(ctx, ref.ID); err != nil {
		return err
	}
	if r.registry.IsBuildLoopActive(ref.ID) {
		return fmt.Errorf("cancel the build before resetting: %w", perrors.ErrBuildActive)
	}
	r.registry.CancelBuild(ref.ID)
	r.registry.ResetStoryStatuses(ref.ID)
	r.registry.ClearConflictedBranches(ref.ID)
	r.registry.ClearLogs(ref.ID)
	r.registry.AppendLog(ref.ID, build.LogSystem, "Build reset", "")
	r.checkpoint.Save(ctx, ref.ID, ref.Path)
	r.logger.Info().Str("project_id", ref.ID).Msg("build reset")
	return nil
}

// Rehydrate loads the project's saved build state into the registry. It
// only reads the store the first time it sees a project path.
func (r *Runner) Rehydrate(ctx context.Context, ref ProjectRef) bool {
	return r.checkpoint.Rehydrate(ctx, ref.ID, ref.Path)
}

// Done returns a channel closed when the project's loop exits. It is
// already closed when no loop runs.
func (r *Runner) Done(projectID string) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.loops[projectID]; ok {
		return l.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// ActiveCount returns the number of running loops.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loops)
}

// Shutdown pauses every loop and waits for them to exit. Running agents are
// detached first so their stories stay in progress and resume on the next
// start; killing them is the supervisor's job.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	loops := make(map[string]*loop, len(r.loops))
	for id, l := range r.loops {
		loops[id] = l
	}
	r.mu.Unlock()

	for id, l := range loops {
		r.registry.PauseBuild(id)
		r.registry.SetCurrentProcess(id, "")
		l.cancel()
	}
	for _, l := range loops {
		select {
		case <-l.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
