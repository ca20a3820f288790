package vcs

import (
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-git/v5"

	"github.com/p-blackswan/storyforge/internal/prd"
)

// switchTo checks out a branch without losing the control directory.
func (r *Repo) switchTo(opts *git.CheckoutOptions) error {
	return r.keepControlDir(func() error { return r.worktree.Checkout(opts) })
}

// resetTo resets the worktree without losing the control directory.
func (r *Repo) resetTo(opts *git.ResetOptions) error {
	return r.keepControlDir(func() error { return r.worktree.Reset(opts) })
}

// keepControlDir runs fn and restores control files it removed. Worktree
// resets treat untracked files as stale, and the control directory is
// untracked.
func (r *Repo) keepControlDir(fn func() error) error {
	root := filepath.Join(r.path, prd.Dir)
	saved := make(map[string][]byte)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if data, err := os.ReadFile(path); err == nil {
			saved[path] = data
		}
		return nil
	})

	err := fn()

	for path, data := range saved {
		if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
			continue
		}
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			r.logger.Error().Err(mkErr).Str("path", path).Msg("failed to restore control file")
			continue
		}
		if wErr := os.WriteFile(path, data, 0o644); wErr != nil {
			r.logger.Error().Err(wErr).Str("path", path).Msg("failed to restore control file")
		}
	}
	return err
}
