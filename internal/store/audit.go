package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// AuditEntry is one management action.
type AuditEntry struct {
	ID        int64  `json:"id"`
	UserID    string `json:"userId"`
	Action    string `json:"action"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result"`
	Details   string `json:"details,omitempty"`
	CreatedAt int64  `json:"createdAt"` // unix ms
}

// LogAudit writes to audit_log.
func (s *Store) LogAudit(ctx context.Context, userID, action, resource, result, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (user_id, action, resource, result, details, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		userID, action,
		sql.NullString{String: resource, Valid: resource != ""},
		result,
		sql.NullString{String: details, Valid: details != ""},
		time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write audit log: %w", classify(err))
	}
	return nil
}

// RecentAudit returns the newest audit entries first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, action, resource, result, details, created_at
	FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", classify(err))
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var (
			e                 AuditEntry
			resource, details sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &resource, &e.Result, &details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Resource = resource.String
		e.Details = details.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
