package vcs

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/p-blackswan/storyforge/internal/build"
	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

// CreateSnapshot records HEAD as the rollback point for the next story.
// Uncommitted changes are not part of the snapshot.
func (r *Repo) CreateSnapshot(ctx context.Context) (build.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return build.Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		return build.Snapshot{}, gitErr("snapshot", "failed to get HEAD reference", err)
	}
	return build.Snapshot{Ref: head.Hash().String(), Type: build.SnapshotCommit}, nil
}

// Rollback hard-resets the checked out branch to a snapshot. Untracked files
// are left alone. Stash snapshots are not supported by this adapter.
func (r *Repo) Rollback(ctx context.Context, snap build.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.Type != build.SnapshotCommit {
		return fmt.Errorf("rollback to %s snapshot: %w", snap.Type, perrors.ErrUnsupported)
	}
	if !plumbing.IsHash(snap.Ref) {
		return fmt.Errorf("snapshot ref %q: %w", snap.Ref, perrors.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	hash := plumbing.NewHash(snap.Ref)
	if _, err := r.repo.CommitObject(hash); err != nil {
		return fmt.Errorf("snapshot commit %s: %w", snap.Ref, perrors.ErrNotFound)
	}
	if err := r.resetTo(&git.ResetOptions{Commit: hash, Mode: git.HardReset}); err != nil {
		return gitErr("rollback", "failed to reset worktree", err)
	}

	r.logger.Info().Str("commit", snap.Ref).Msg("rolled back to snapshot")
	return nil
}
