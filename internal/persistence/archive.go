package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ArchiveEntry is one archived transcript row.
type ArchiveEntry struct {
	ID            int64
	SessionID     string
	Role          string
	Content       string
	Reasoning     string
	AgentLabel    string
	Status        string
	CorrelationID string
	InsertedAt    time.Time
}

// EnsureArchiveSession creates the archive session row if it does not exist.
func (s *Store) EnsureArchiveSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return fmt.Errorf("invalid session_id: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_sessions (id, created_at)
		VALUES (?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO NOTHING;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("insert archive session: %w", err)
	}
	return nil
}

// AppendArchiveEntry persists one transcript entry under the session.
func (s *Store) AppendArchiveEntry(ctx context.Context, e ArchiveEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO archive_entries
			(session_id, role, content, reasoning, agent_label, status, correlation_id, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, e.SessionID, e.Role, e.Content, e.Reasoning, e.AgentLabel, e.Status, e.CorrelationID, e.InsertedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert archive entry: %w", err)
	}
	return nil
}

// ListArchiveEntries returns the archived entries for a session in insertion
// order, capped at limit (default 500).
func (s *Store) ListArchiveEntries(ctx context.Context, sessionID string, limit int) ([]ArchiveEntry, error) {
	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content,
			COALESCE(reasoning, ''), COALESCE(agent_label, ''),
			COALESCE(status, ''), COALESCE(correlation_id, ''), inserted_at
		FROM archive_entries
		WHERE session_id = ?
		ORDER BY id ASC
		LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Role, &e.Content,
			&e.Reasoning, &e.AgentLabel, &e.Status, &e.CorrelationID, &e.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan archive entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list archive entries: iterate: %w", err)
	}
	return out, nil
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEntries  int64
	PurgedSessions int64
}

// RunRetention deletes archived entries older than transcriptDays and any
// sessions left empty afterwards. Idempotent; 0 days disables the purge.
func (s *Store) RunRetention(ctx context.Context, transcriptDays int) (RetentionResult, error) {
	var result RetentionResult
	if transcriptDays <= 0 {
		return result, nil
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -transcriptDays)

	res, err := s.db.ExecContext(ctx, `DELETE FROM archive_entries WHERE inserted_at < ?;`, cutoff)
	if err != nil {
		return result, fmt.Errorf("purge archive_entries: %w", err)
	}
	result.PurgedEntries, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM archive_sessions
		WHERE id NOT IN (SELECT DISTINCT session_id FROM archive_entries);
	`)
	if err != nil {
		return result, fmt.Errorf("purge archive_sessions: %w", err)
	}
	result.PurgedSessions, _ = res.RowsAffected()

	return result, nil
}
