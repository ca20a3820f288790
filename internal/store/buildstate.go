package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/storyforge/internal/build"
)

var _ build.StateStore = (*Store)(nil)

// LoadProjectState returns the checkpoint saved for projectPath, or nil if
// none exists.
func (s *Store) LoadProjectState(ctx context.Context, projectPath string) (*build.PersistedState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM project_build_state WHERE project_path = ?`, projectPath,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load build state: %w", classify(err))
	}

	var st build.PersistedState
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("failed to decode build state: %w", err)
	}
	return &st, nil
}

// SaveProjectState replaces the checkpoint for projectPath.
func (s *Store) SaveProjectState(ctx context.Context, projectPath string, state build.PersistedState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode build state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
	INSERT INTO project_build_state (project_path, state, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(project_path) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, projectPath, string(data), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save build state: %w", classify(err))
	}
	return nil
}
