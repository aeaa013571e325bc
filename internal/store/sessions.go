package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-experts/internal/session"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = fmt.Errorf("not found")

// CreateSession inserts a task session header.
func (s *Store) CreateSession(ctx context.Context, rec session.SessionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO task_sessions (id, thread_id, user_id, query, strategy, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			strategy = EXCLUDED.strategy,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.ThreadID, rec.UserID, rec.Query, rec.Strategy, string(rec.Status), rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

// SetSessionStatus updates the lifecycle status of a session.
func (s *Store) SetSessionStatus(ctx context.Context, sessionID string, status session.SessionStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE task_sessions SET status = $2, updated_at = now() WHERE id = $1`,
		sessionID, string(status))
	if err != nil {
		return fmt.Errorf("set session %s status: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set session %s status: %w", sessionID, ErrNotFound)
	}
	return nil
}

// GetSession loads one session header.
func (s *Store) GetSession(ctx context.Context, sessionID string) (session.SessionRecord, error) {
	var rec session.SessionRecord
	var status string
	err := s.db.QueryRow(ctx, `
		SELECT id::text, thread_id, user_id, query, strategy, status, created_at
		FROM task_sessions WHERE id = $1`, sessionID,
	).Scan(&rec.ID, &rec.ThreadID, &rec.UserID, &rec.Query, &rec.Strategy, &status, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("get session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return rec, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	rec.Status = session.SessionStatus(status)
	return rec, nil
}

// AppendMessage stores one conversation message.
func (s *Store) AppendMessage(ctx context.Context, m session.MessageRecord) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO messages (id, thread_id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET content = EXCLUDED.content`,
		m.ID, m.ThreadID, nullable(m.SessionID), m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns the most recent messages of a thread, oldest first.
func (s *Store) Messages(ctx context.Context, threadID string, limit int) ([]session.MessageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT id::text, thread_id, COALESCE(session_id::text, ''), role, content, created_at
		FROM (
			SELECT * FROM messages WHERE thread_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var out []session.MessageRecord
	for rows.Next() {
		var m session.MessageRecord
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// nullable maps "" to SQL NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
