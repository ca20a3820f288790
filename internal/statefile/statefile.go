// Package statefile keeps build checkpoints next to the project in
// .ideate/state.json, so a checkout carries its own build progress.
package statefile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/storyforge/internal/build"
	"github.com/p-blackswan/storyforge/internal/prd"
)

// FileName is the checkpoint file inside the project's metadata directory.
const FileName = "state.json"

var _ build.StateStore = (*Store)(nil)

// Store reads and writes per-project state files.
type Store struct {
	logger zerolog.Logger
	mu     sync.Mutex
}

// New creates a file-backed state store.
func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger.With().Str("component", "statefile").Logger()}
}

// Path returns the state file location for a project directory.
func Path(projectPath string) string {
	return filepath.Join(projectPath, prd.Dir, FileName)
}

// LoadProjectState reads the checkpoint, or returns nil if the file does not exist.
func (s *Store) LoadProjectState(ctx context.Context, projectPath string) (*build.PersistedState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(Path(projectPath))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read state.json: %w", err)
	}

	var st build.PersistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse state.json: %w", err)
	}
	return &st, nil
}

// SaveProjectState writes the checkpoint, replacing the file atomically.
func (s *Store) SaveProjectState(ctx context.Context, projectPath string, state build.PersistedState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if state.StoryStatuses == nil {
		state.StoryStatuses = map[string]string{}
	}
	if state.StoryRetries == nil {
		state.StoryRetries = map[string]build.PersistedRetry{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(projectPath, prd.Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", prd.Dir, err)
	}

	tmp, err := os.CreateTemp(dir, FileName+".*")
	if err != nil {
		return fmt.Errorf("failed to write state.json: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state.json: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state.json: %w", err)
	}
	if err := os.Rename(tmp.Name(), Path(projectPath)); err != nil {
		return fmt.Errorf("failed to write state.json: %w", err)
	}

	s.logger.Debug().Str("path", projectPath).Str("phase", state.BuildPhase).Msg("state file written")
	return nil
}
