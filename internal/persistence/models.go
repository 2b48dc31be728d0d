package persistence

import (
	"context"
	"fmt"
	"time"
)

// ModelRecord is one row of the model catalog.
type ModelRecord struct {
	ID              string  `json:"id" yaml:"id"`
	Provider        string  `json:"provider" yaml:"provider"`
	ModelID         string  `json:"model_id" yaml:"model_id"`
	DisplayName     string  `json:"display_name" yaml:"display_name"`
	ContextWindow   int     `json:"context_window" yaml:"context_window"`
	InputCostPer1K  float64 `json:"input_cost_per_1k" yaml:"input_cost_per_1k"`
	OutputCostPer1K float64 `json:"output_cost_per_1k" yaml:"output_cost_per_1k"`
	Active          bool    `json:"active" yaml:"active"`
	Premium         bool    `json:"premium" yaml:"premium"`
	SortOrder       int     `json:"sort_order" yaml:"sort_order"`
}

// ListModels returns the catalog in display order.
func (s *Store) ListModels(ctx context.Context) ([]ModelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider, model_id, display_name, context_window, input_cost_per_1k,
			output_cost_per_1k, active, premium, sort_order
		FROM models ORDER BY sort_order ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	var out []ModelRecord
	for rows.Next() {
		var m ModelRecord
		var active, premium int
		if err := rows.Scan(&m.ID, &m.Provider, &m.ModelID, &m.DisplayName, &m.ContextWindow,
			&m.InputCostPer1K, &m.OutputCostPer1K, &active, &premium, &m.SortOrder); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		m.Active, m.Premium = active != 0, premium != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertModels replaces catalog rows by id in one transaction.
func (s *Store) UpsertModels(ctx context.Context, models []ModelRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin catalog tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, m := range models {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO models (id, provider, model_id, display_name, context_window, input_cost_per_1k,
				output_cost_per_1k, active, premium, sort_order)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				provider = excluded.provider, model_id = excluded.model_id,
				display_name = excluded.display_name, context_window = excluded.context_window,
				input_cost_per_1k = excluded.input_cost_per_1k, output_cost_per_1k = excluded.output_cost_per_1k,
				active = excluded.active, premium = excluded.premium, sort_order = excluded.sort_order;
		`, m.ID, m.Provider, m.ModelID, m.DisplayName, m.ContextWindow, m.InputCostPer1K,
			m.OutputCostPer1K, boolToInt(m.Active), boolToInt(m.Premium), m.SortOrder); err != nil {
			return fmt.Errorf("upsert model %s: %w", m.ID, err)
		}
	}
	return tx.Commit()
}

// SetModelPreference records an owner's preferred model for a task type.
func (s *Store) SetModelPreference(ctx context.Context, owner, taskType, modelID string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO model_preferences (owner, task_type, model_id, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, task_type) DO UPDATE SET model_id = excluded.model_id, updated_at = excluded.updated_at;
	`, owner, taskType, modelID, time.Now().UTC()); err != nil {
		return fmt.Errorf("set model preference: %w", err)
	}
	return nil
}

// ModelPreferences returns task type -> model id for owner.
func (s *Store) ModelPreferences(ctx context.Context, owner string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT task_type, model_id FROM model_preferences WHERE owner = ?;`, owner)
	if err != nil {
		return nil, fmt.Errorf("model preferences: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var tt, id string
		if err := rows.Scan(&tt, &id); err != nil {
			return nil, fmt.Errorf("scan model preference: %w", err)
		}
		out[tt] = id
	}
	return out, rows.Err()
}
