package vcs

import (
	"context"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

// FileChange is one file touched by a story branch.
type FileChange struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Status    string `json:"status"` // added, modified, deleted
}

// StoryDiff lists the files branch changed since it forked from base.
func (r *Repo) StoryDiff(ctx context.Context, base, branch string) ([]FileChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	baseCommit, err := r.branchCommit(base)
	if err != nil {
		return nil, err
	}
	branchCommit, err := r.branchCommit(branch)
	if err != nil {
		return nil, err
	}

	from := baseCommit
	if bases, err := branchCommit.MergeBase(baseCommit); err == nil && len(bases) > 0 {
		from = bases[0]
	}

	fromTree, err := from.Tree()
	if err != nil {
		return nil, gitErr("diff", "failed to get tree", err)
	}
	toTree, err := branchCommit.Tree()
	if err != nil {
		return nil, gitErr("diff", "failed to get tree", err)
	}

	changes, err := fromTree.DiffContext(ctx, toTree)
	if err != nil {
		return nil, gitErr("diff", "failed to compute changes", err)
	}

	files := make([]FileChange, 0, len(changes))
	for _, change := range changes {
		fc, err := describeChange(ctx, change)
		if err != nil {
			return nil, err
		}
		files = append(files, fc)
	}
	return files, nil
}

func describeChange(ctx context.Context, change *object.Change) (FileChange, error) {
	action, err := change.Action()
	if err != nil {
		return FileChange{}, gitErr("diff", "failed to classify change", err)
	}

	fc := FileChange{Path: change.To.Name}
	switch action {
	case merkletrie.Insert:
		fc.Status = "added"
	case merkletrie.Delete:
		fc.Status = "deleted"
		fc.Path = change.From.Name
	default:
		fc.Status = "modified"
	}

	patch, err := change.PatchContext(ctx)
	if err != nil {
		return FileChange{}, gitErr("diff", "failed to generate patch", err)
	}
	for _, stat := range patch.Stats() {
		fc.Additions += stat.Addition
		fc.Deletions += stat.Deletion
	}
	return fc, nil
}
