package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy sets how long rows are kept.
type RetentionPolicy struct {
	ProcessHistory time.Duration
	AuditLog       time.Duration
}

// DefaultRetention keeps process history for 30 days and audit logs for 90.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		ProcessHistory: 30 * 24 * time.Hour,
		AuditLog:       90 * 24 * time.Hour,
	}
}

// RunRetention cleans up old data according to retention policies.
// Build-state checkpoints and project registrations are never expired.
func (s *Store) RunRetention(ctx context.Context, policy RetentionPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	if policy.ProcessHistory > 0 {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM process_history WHERE completed_at < ?",
			now.Add(-policy.ProcessHistory).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to delete old process history: %w", classify(err))
		}
	}

	if policy.AuditLog > 0 {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM audit_log WHERE created_at < ?",
			now.Add(-policy.AuditLog).UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to delete old audit logs: %w", classify(err))
		}
	}

	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}

	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}

	return pageCount * pageSize, nil
}
