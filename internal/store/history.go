package store

import (
	"context"
	"database/sql"
	"fmt"
)

// ProcessHistoryEntry describes one finished agent process.
type ProcessHistoryEntry struct {
	ProcessID   string `json:"processId"`
	ProjectID   string `json:"projectId"`
	ProcessType string `json:"processType"` // build, setup, ...
	Label       string `json:"label"`
	AgentID     string `json:"agentId,omitempty"`
	Command     string `json:"command,omitempty"`
	StartedAt   int64  `json:"startedAt"`   // unix ms
	CompletedAt int64  `json:"completedAt"` // unix ms
	DurationMs  int64  `json:"durationMs"`
	ExitCode    *int   `json:"exitCode"`
	Success     bool   `json:"success"`
}

// RecordProcess stores a finished process and trims the project's history to
// the configured limit, dropping the oldest entries.
func (s *Store) RecordProcess(ctx context.Context, e ProcessHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var exitCode sql.NullInt64
	if e.ExitCode != nil {
		exitCode = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
	INSERT OR REPLACE INTO process_history (
		process_id, project_id, process_type, label, agent_id, command,
		started_at, completed_at, duration_ms, exit_code, success
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ProcessID, e.ProjectID, e.ProcessType, e.Label,
		sql.NullString{String: e.AgentID, Valid: e.AgentID != ""},
		sql.NullString{String: e.Command, Valid: e.Command != ""},
		e.StartedAt, e.CompletedAt, e.DurationMs, exitCode, e.Success,
	)
	if err != nil {
		return fmt.Errorf("failed to record process: %w", classify(err))
	}

	_, err = tx.ExecContext(ctx, `
	DELETE FROM process_history
	WHERE project_id = ? AND process_id NOT IN (
		SELECT process_id FROM process_history
		WHERE project_id = ?
		ORDER BY completed_at DESC, rowid DESC
		LIMIT ?
	)`, e.ProjectID, e.ProjectID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to trim process history: %w", classify(err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit process history: %w", classify(err))
	}
	return nil
}

// ProcessHistory returns a project's finished processes, most recent first.
func (s *Store) ProcessHistory(ctx context.Context, projectID string, limit int) ([]ProcessHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}

	rows, err := s.db.QueryContext(ctx, `
	SELECT process_id, project_id, process_type, label, agent_id, command,
	       started_at, completed_at, duration_ms, exit_code, success
	FROM process_history
	WHERE project_id = ?
	ORDER BY completed_at DESC, rowid DESC
	LIMIT ?
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query process history: %w", classify(err))
	}
	defer rows.Close()

	entries := []ProcessHistoryEntry{}
	for rows.Next() {
		var (
			e                ProcessHistoryEntry
			agentID, command sql.NullString
			exitCode         sql.NullInt64
		)
		if err := rows.Scan(
			&e.ProcessID, &e.ProjectID, &e.ProcessType, &e.Label, &agentID, &command,
			&e.StartedAt, &e.CompletedAt, &e.DurationMs, &exitCode, &e.Success,
		); err != nil {
			return nil, fmt.Errorf("failed to scan process history: %w", err)
		}
		e.AgentID = agentID.String
		e.Command = command.String
		if exitCode.Valid {
			code := int(exitCode.Int64)
			e.ExitCode = &code
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
