package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/nuka-experts/internal/expert"
)

// ListExperts returns every stored expert config.
func (s *Store) ListExperts(ctx context.Context) ([]expert.Config, error) {
	rows, err := s.db.Query(ctx, `
		SELECT key, name, description, system_instructions, model, temperature, provider, planable
		FROM expert_configs ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list experts: %w", err)
	}
	defer rows.Close()

	var out []expert.Config
	for rows.Next() {
		var c expert.Config
		if err := rows.Scan(&c.Key, &c.Name, &c.Description, &c.SystemInstructions,
			&c.Model, &c.Temperature, &c.Provider, &c.Planable); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetExpert loads one expert config.
func (s *Store) GetExpert(ctx context.Context, key string) (expert.Config, error) {
	var c expert.Config
	err := s.db.QueryRow(ctx, `
		SELECT key, name, description, system_instructions, model, temperature, provider, planable
		FROM expert_configs WHERE key = $1`, key,
	).Scan(&c.Key, &c.Name, &c.Description, &c.SystemInstructions, &c.Model, &c.Temperature, &c.Provider, &c.Planable)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, fmt.Errorf("get expert %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("get expert %s: %w", key, err)
	}
	return c, nil
}

// SaveExpert upserts an expert config.
func (s *Store) SaveExpert(ctx context.Context, c expert.Config) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO expert_configs (key, name, description, system_instructions, model, temperature, provider, planable, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			system_instructions = EXCLUDED.system_instructions,
			model = EXCLUDED.model,
			temperature = EXCLUDED.temperature,
			provider = EXCLUDED.provider,
			planable = EXCLUDED.planable,
			updated_at = EXCLUDED.updated_at`,
		c.Key, c.Name, c.Description, c.SystemInstructions, c.Model, c.Temperature, c.Provider, c.Planable)
	if err != nil {
		return fmt.Errorf("save expert %s: %w", c.Key, err)
	}
	return nil
}

// DeleteExpert removes a stored config; the built-in default, if any, applies
// again after the next refresh.
func (s *Store) DeleteExpert(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM expert_configs WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("delete expert %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete expert %s: %w", key, ErrNotFound)
	}
	return nil
}

var _ expert.Source = (*Store)(nil)
