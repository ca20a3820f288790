package vcs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	perrors "github.com/p-blackswan/storyforge/internal/errors"
)

// BranchStatus is the merge state of a story branch relative to a base.
type BranchStatus string

const (
	BranchMerged     BranchStatus = "merged"
	BranchUnmerged   BranchStatus = "unmerged"
	BranchConflicted BranchStatus = "conflicted"
)

// StoryBranch describes one story branch.
type StoryBranch struct {
	BranchName string       `json:"branchName"`
	StoryID    string       `json:"storyId"`
	Status     BranchStatus `json:"status"`
	IsCurrent  bool         `json:"isCurrent"`
	Head       string       `json:"head"`
}

// MergeResult reports how a merge was applied.
type MergeResult struct {
	Base          string `json:"base"`
	Branch        string `json:"branch"`
	Commit        string `json:"commit"`
	FastForward   bool   `json:"fastForward"`
	AlreadyMerged bool   `json:"alreadyMerged"`
}

// ListStoryBranches lists story branches sorted by name. Status is merged or
// unmerged relative to base; conflict tracking belongs to the caller.
// StoryID is the sanitized id taken from the branch name.
func (r *Repo) ListStoryBranches(ctx context.Context, base string) ([]StoryBranch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	baseCommit, err := r.branchCommit(base)
	if err != nil {
		return nil, err
	}
	current, _ := r.currentBranch()

	iter, err := r.repo.Branches()
	if err != nil {
		return nil, gitErr("list", "failed to list branches", err)
	}

	branches := []StoryBranch{}
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if !IsStoryBranch(name) {
			return nil
		}
		commit, err := r.repo.CommitObject(ref.Hash())
		if err != nil {
			return gitErr("list", "failed to get commit object", err)
		}
		merged, err := isAncestor(commit, baseCommit)
		if err != nil {
			return err
		}
		status := BranchUnmerged
		if merged {
			status = BranchMerged
		}
		branches = append(branches, StoryBranch{
			BranchName: name,
			StoryID:    strings.TrimPrefix(name, BranchPrefix),
			Status:     status,
			IsCurrent:  name == current,
			Head:       ref.Hash().String(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(branches, func(i, j int) bool { return branches[i].BranchName < branches[j].BranchName })
	return branches, nil
}

// MergeBranch merges branch into base and leaves base checked out. A
// fast-forward is applied when possible. Otherwise the merge fails with
// ErrMergeConflict unless force is set, in which case the branch's changes
// are merged with the branch winning every file both sides touched.
func (r *Repo) MergeBranch(ctx context.Context, base, branch string, force bool) (MergeResult, error) {
	if err := ctx.Err(); err != nil {
		return MergeResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	res := MergeResult{Base: base, Branch: branch}

	clean, err := r.isClean()
	if err != nil {
		return res, err
	}
	if !clean {
		return res, fmt.Errorf("working tree has uncommitted changes: %w", perrors.ErrInvalidInput)
	}

	baseCommit, err := r.branchCommit(base)
	if err != nil {
		return res, err
	}
	branchCommit, err := r.branchCommit(branch)
	if err != nil {
		return res, err
	}

	merged, err := isAncestor(branchCommit, baseCommit)
	if err != nil {
		return res, err
	}
	if merged {
		res.AlreadyMerged = true
		res.Commit = baseCommit.Hash.String()
		return res, r.checkout(base)
	}

	ff, err := isAncestor(baseCommit, branchCommit)
	if err != nil {
		return res, err
	}

	var target plumbing.Hash
	switch {
	case ff:
		res.FastForward = true
		target = branchCommit.Hash
		ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(base), target)
		if err := r.repo.Storer.SetReference(ref); err != nil {
			return res, gitErr("merge", "failed to update base branch", err)
		}
		if err := r.switchTo(&git.CheckoutOptions{Branch: ref.Name(), Force: true}); err != nil {
			return res, gitErr("merge", "failed to checkout base branch", err)
		}
	case !force:
		return res, fmt.Errorf("%s has diverged from %s: %w", branch, base, perrors.ErrMergeConflict)
	default:
		target, err = r.mergeFavoringBranch(ctx, base, branch, baseCommit, branchCommit)
		if err != nil {
			return res, err
		}
	}

	res.Commit = target.String()
	r.logger.Info().
		Str("base", base).
		Str("branch", branch).
		Bool("fast_forward", res.FastForward).
		Str("commit", res.Commit).
		Msg("branch merged")
	return res, nil
}

// mergeFavoringBranch checks out base, replays every file the branch changed
// since the fork point and commits the result with both heads as parents.
// Where both sides touched a file the branch's version wins.
func (r *Repo) mergeFavoringBranch(ctx context.Context, base, branch string, baseCommit, branchCommit *object.Commit) (plumbing.Hash, error) {
	bases, err := branchCommit.MergeBase(baseCommit)
	if err != nil || len(bases) == 0 {
		return plumbing.ZeroHash, fmt.Errorf("no common ancestor: %w", perrors.ErrMergeConflict)
	}
	forkTree, err := bases[0].Tree()
	if err != nil {
		return plumbing.ZeroHash, gitErr("merge", "failed to get tree", err)
	}
	branchTree, err := branchCommit.Tree()
	if err != nil {
		return plumbing.ZeroHash, gitErr("merge", "failed to get tree", err)
	}
	changes, err := forkTree.DiffContext(ctx, branchTree)
	if err != nil {
		return plumbing.ZeroHash, gitErr("merge", "failed to compute changes", err)
	}

	if err := r.checkout(base); err != nil {
		return plumbing.ZeroHash, err
	}

	hash, err := r.replay(changes, branchTree, fmt.Sprintf("Merge branch '%s' into %s", branch, base),
		[]plumbing.Hash{baseCommit.Hash, branchCommit.Hash})
	if err != nil {
		// leave base as it was
		_ = r.resetTo(&git.ResetOptions{Commit: baseCommit.Hash, Mode: git.HardReset})
		return plumbing.ZeroHash, err
	}
	return hash, nil
}

func (r *Repo) replay(changes object.Changes, from *object.Tree, message string, parents []plumbing.Hash) (plumbing.Hash, error) {
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return plumbing.ZeroHash, gitErr("merge", "failed to classify change", err)
		}

		if action == merkletrie.Delete {
			name := change.From.Name
			if _, err := os.Stat(filepath.Join(r.path, name)); os.IsNotExist(err) {
				continue
			}
			if _, err := r.worktree.Remove(name); err != nil {
				return plumbing.ZeroHash, gitErr("merge", "failed to remove "+name, err)
			}
			continue
		}

		name := change.To.Name
		f, err := from.File(name)
		if err != nil {
			return plumbing.ZeroHash, gitErr("merge", "failed to read "+name, err)
		}
		contents, err := f.Contents()
		if err != nil {
			return plumbing.ZeroHash, gitErr("merge", "failed to read "+name, err)
		}
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			mode = 0o644
		}

		path := filepath.Join(r.path, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(path, []byte(contents), mode.Perm()); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("failed to write %s: %w", name, err)
		}
		if _, err := r.worktree.Add(name); err != nil {
			return plumbing.ZeroHash, gitErr("merge", "failed to stage "+name, err)
		}
	}

	hash, err := r.worktree.Commit(message, &git.CommitOptions{
		Author:            r.signature(),
		Parents:           parents,
		AllowEmptyCommits: true,
	})
	if err != nil {
		return plumbing.ZeroHash, gitErr("merge", "failed to write merge commit", err)
	}
	return hash, nil
}

func (r *Repo) checkout(branch string) error {
	if current, err := r.currentBranch(); err == nil && current == branch {
		return nil
	}
	if err := r.switchTo(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch)}); err != nil {
		return gitErr("checkout", "failed to checkout branch", err)
	}
	return nil
}

// isAncestor reports whether a is b or one of b's ancestors.
func isAncestor(a, b *object.Commit) (bool, error) {
	if a.Hash == b.Hash {
		return true, nil
	}
	ok, err := a.IsAncestor(b)
	if err != nil {
		return false, gitErr("ancestry", "failed to walk history", err)
	}
	return ok, nil
}
