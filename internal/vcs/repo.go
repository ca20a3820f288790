// Package vcs is the version-control collaborator of the build loop. It runs
// each story on its own branch in the project's working tree, merges finished
// branches back, reports per-story diffs and records rollback points.
//
// All operations go through go-git, so no git binary is needed.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/storyforge/internal/errors"
	"github.com/p-blackswan/storyforge/internal/prd"
)

// BranchPrefix namespaces story branches.
const BranchPrefix = "story/"

// BranchName returns the branch used for a story: the id with anything other
// than letters, digits, '-' and '_' replaced by '-', lower-cased.
func BranchName(storyID string) string {
	var b strings.Builder
	for _, r := range storyID {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	return BranchPrefix + strings.ToLower(b.String())
}

// IsStoryBranch reports whether name is in the story branch namespace.
func IsStoryBranch(name string) bool {
	return strings.HasPrefix(name, BranchPrefix)
}

// Repo wraps one project's repository. go-git repositories are not safe for
// concurrent use, so every operation holds mu.
type Repo struct {
	path     string
	repo     *git.Repository
	worktree *git.Worktree
	author   object.Signature
	logger   zerolog.Logger
	mu       sync.Mutex
}

// Open opens the repository at path.
func Open(path string, logger zerolog.Logger) (*Repo, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("no git repository at %s: %w", path, perrors.ErrNotFound)
		}
		return nil, gitErr("open", "failed to open repository", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, gitErr("open", "failed to get worktree", err)
	}
	return &Repo{
		path:     path,
		repo:     repo,
		worktree: wt,
		author:   object.Signature{Name: "storyforge", Email: "storyforge@localhost"},
		logger:   logger.With().Str("component", "vcs").Str("repo", path).Logger(),
	}, nil
}

// Path returns the repository root.
func (r *Repo) Path() string { return r.path }

// CurrentBranch returns the checked out branch, or ErrInvalidInput when HEAD
// is detached.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentBranch()
}

func (r *Repo) currentBranch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", gitErr("head", "failed to get HEAD reference", err)
	}
	if !head.Name().IsBranch() {
		return "", fmt.Errorf("HEAD is detached: %w", perrors.ErrInvalidInput)
	}
	return head.Name().Short(), nil
}

// IsClean reports whether the working tree has no uncommitted changes.
// Untracked files and the control directory are ignored.
func (r *Repo) IsClean(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isClean()
}

func (r *Repo) isClean() (bool, error) {
	status, err := r.worktree.Status()
	if err != nil {
		return false, gitErr("status", "failed to read worktree status", err)
	}
	for path, s := range status {
		if isControlPath(path) || (s.Worktree == git.Untracked && s.Staging == git.Untracked) {
			continue
		}
		if s.Worktree != git.Unmodified || s.Staging != git.Unmodified {
			return false, nil
		}
	}
	return true, nil
}

// PrepareStoryBranch (re)creates the story's branch at HEAD and checks it
// out. It returns the branch name and the branch it was created from.
func (r *Repo) PrepareStoryBranch(ctx context.Context, storyID string) (branch, base string, err error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	base, err = r.currentBranch()
	if err != nil {
		return "", "", err
	}
	branch = BranchName(storyID)
	if base == branch {
		return "", "", fmt.Errorf("already on %s: %w", branch, perrors.ErrInvalidInput)
	}

	head, err := r.repo.Head()
	if err != nil {
		return "", "", gitErr("prepare", "failed to get HEAD reference", err)
	}

	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(branch), head.Hash())
	if err := r.repo.Storer.SetReference(ref); err != nil {
		return "", "", gitErr("prepare", "failed to create branch reference", err)
	}
	if err := r.switchTo(&git.CheckoutOptions{Branch: ref.Name()}); err != nil {
		return "", "", gitErr("prepare", "failed to checkout story branch", err)
	}

	r.logger.Info().Str("branch", branch).Str("base", base).Msg("story branch prepared")
	return branch, base, nil
}

// CommitAll stages every change, including untracked files, and commits it.
// Files under the project's control directory are never staged. It reports
// false when there was nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	status, err := r.worktree.Status()
	if err != nil {
		return "", false, gitErr("commit", "failed to read worktree status", err)
	}
	staged := 0
	for path, s := range status {
		if isControlPath(path) {
			continue
		}
		switch {
		case s.Worktree == git.Deleted:
			if _, err := r.worktree.Remove(path); err != nil {
				return "", false, gitErr("commit", "failed to stage removal of "+path, err)
			}
		case s.Worktree != git.Unmodified:
			if _, err := r.worktree.Add(path); err != nil {
				return "", false, gitErr("commit", "failed to stage "+path, err)
			}
		case s.Staging == git.Unmodified:
			continue
		}
		staged++
	}
	if staged == 0 {
		return "", false, nil
	}

	hash, err := r.worktree.Commit(message, &git.CommitOptions{Author: r.signature()})
	if err != nil {
		return "", false, gitErr("commit", "failed to commit", err)
	}
	return hash.String(), true, nil
}

// CheckoutBranch switches to an existing branch. Uncommitted changes to
// tracked files make the checkout fail.
func (r *Repo) CheckoutBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, true); err != nil {
		return fmt.Errorf("branch %s: %w", name, perrors.ErrNotFound)
	}
	if err := r.switchTo(&git.CheckoutOptions{Branch: refName}); err != nil {
		return gitErr("checkout", "failed to checkout branch", err)
	}
	return nil
}

// DeleteBranch removes a local branch. The checked out branch cannot be deleted.
func (r *Repo) DeleteBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	refName := plumbing.NewBranchReferenceName(name)
	if _, err := r.repo.Reference(refName, true); err != nil {
		return fmt.Errorf("branch %s: %w", name, perrors.ErrNotFound)
	}
	if current, err := r.currentBranch(); err == nil && current == name {
		return fmt.Errorf("cannot delete the checked out branch %s: %w", name, perrors.ErrInvalidInput)
	}
	if err := r.repo.Storer.RemoveReference(refName); err != nil {
		return gitErr("delete", "failed to delete branch", err)
	}
	r.logger.Info().Str("branch", name).Msg("branch deleted")
	return nil
}

func (r *Repo) branchCommit(name string) (*object.Commit, error) {
	ref, err := r.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return nil, fmt.Errorf("branch %s: %w", name, perrors.ErrNotFound)
	}
	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, gitErr("resolve", "failed to get commit object", err)
	}
	return commit, nil
}

func (r *Repo) signature() *object.Signature {
	sig := r.author
	sig.When = time.Now()
	return &sig
}

// isControlPath reports whether path belongs to the orchestrator's own files.
func isControlPath(path string) bool {
	return path == prd.Dir || strings.HasPrefix(path, prd.Dir+"/")
}

func gitErr(op, message string, err error) error {
	return perrors.NewCollaboratorError("git", op, message, err)
}
