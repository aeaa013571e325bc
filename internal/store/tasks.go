package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-experts/internal/session"
)

const upsertTask = `
	INSERT INTO tasks (id, session_id, short_id, expert_type, description, input_data,
		depends_on, status, output_result, started_at, completed_at, sort_order)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		short_id = EXCLUDED.short_id,
		expert_type = EXCLUDED.expert_type,
		description = EXCLUDED.description,
		input_data = EXCLUDED.input_data,
		depends_on = EXCLUDED.depends_on,
		status = EXCLUDED.status,
		output_result = EXCLUDED.output_result,
		started_at = EXCLUDED.started_at,
		completed_at = EXCLUDED.completed_at,
		sort_order = EXCLUDED.sort_order`

func taskArgs(sessionID string, t session.Task) ([]interface{}, error) {
	var input, output []byte
	var err error
	if t.InputData != nil {
		if input, err = json.Marshal(t.InputData); err != nil {
			return nil, fmt.Errorf("marshal input_data: %w", err)
		}
	}
	if t.OutputResult != nil {
		if output, err = json.Marshal(t.OutputResult); err != nil {
			return nil, fmt.Errorf("marshal output_result: %w", err)
		}
	}
	deps := t.DependsOn
	if deps == nil {
		deps = []string{}
	}
	return []interface{}{
		t.ID, sessionID, t.ShortID, t.ExpertType, t.Description, input,
		deps, string(t.Status), output, t.StartedAt, t.CompletedAt, t.SortOrder,
	}, nil
}

// SaveTasks replaces the session's task list in one transaction. Tasks not in
// the list are removed, which is how an edited plan supersedes the old one.
func (s *Store) SaveTasks(ctx context.Context, sessionID string, tasks []session.Task) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		ids := make([]string, len(tasks))
		batch := &pgx.Batch{}
		for i, t := range tasks {
			args, err := taskArgs(sessionID, t)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.ID, err)
			}
			ids[i] = t.ID
			batch.Queue(upsertTask, args...)
		}
		batch.Queue(`DELETE FROM tasks WHERE session_id = $1 AND NOT (id::text = ANY($2))`, sessionID, ids)
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("save tasks for %s: %w", sessionID, err)
		}
		return nil
	})
}

// UpdateTask writes one task's status and output.
func (s *Store) UpdateTask(ctx context.Context, sessionID string, t session.Task) error {
	args, err := taskArgs(sessionID, t)
	if err != nil {
		return fmt.Errorf("task %s: %w", t.ID, err)
	}
	if _, err := s.db.Exec(ctx, upsertTask, args...); err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	return nil
}

// Tasks lists a session's tasks in plan order.
func (s *Store) Tasks(ctx context.Context, sessionID string) ([]session.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, short_id, expert_type, description, input_data, depends_on,
		       status, output_result, started_at, completed_at, sort_order
		FROM tasks WHERE session_id = $1 ORDER BY sort_order`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []session.Task
	for rows.Next() {
		var t session.Task
		var status string
		var input, output []byte
		if err := rows.Scan(&t.ID, &t.ShortID, &t.ExpertType, &t.Description, &input, &t.DependsOn,
			&status, &output, &t.StartedAt, &t.CompletedAt, &t.SortOrder); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = session.Status(status)
		if len(input) > 0 {
			if err := json.Unmarshal(input, &t.InputData); err != nil {
				return nil, fmt.Errorf("decode input_data of %s: %w", t.ID, err)
			}
		}
		if len(output) > 0 {
			t.OutputResult = &session.TaskOutput{}
			if err := json.Unmarshal(output, t.OutputResult); err != nil {
				return nil, fmt.Errorf("decode output_result of %s: %w", t.ID, err)
			}
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveArtifacts inserts artifacts in one batch.
func (s *Store) SaveArtifacts(ctx context.Context, sessionID string, artifacts []session.Artifact) error {
	if len(artifacts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range artifacts {
		batch.Queue(`
			INSERT INTO artifacts (id, session_id, task_id, type, title, content, language, sort_order)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO UPDATE SET
				content = EXCLUDED.content,
				type = EXCLUDED.type,
				title = EXCLUDED.title`,
			a.ID, sessionID, nullable(a.TaskID), string(a.Type), a.Title, a.Content, nullable(a.Language), a.SortOrder)
	}
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save artifacts for %s: %w", sessionID, err)
	}
	return nil
}

// Artifacts lists a session's artifacts.
func (s *Store) Artifacts(ctx context.Context, sessionID string) ([]session.Artifact, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id::text, COALESCE(task_id::text, ''), type, title, content, COALESCE(language, ''), sort_order
		FROM artifacts WHERE session_id = $1 ORDER BY sort_order, created_at`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []session.Artifact
	for rows.Next() {
		var a session.Artifact
		var typ string
		if err := rows.Scan(&a.ID, &a.TaskID, &typ, &a.Title, &a.Content, &a.Language, &a.SortOrder); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Type = session.ArtifactType(typ)
		out = append(out, a)
	}
	return out, rows.Err()
}

var _ session.Repository = (*Store)(nil)
