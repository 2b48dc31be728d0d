package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/agentcore/internal/bus"
)

type Plugin struct {
	ID          string          `json:"id"`
	Owner       string          `json:"owner"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Runtime     string          `json:"runtime"`
	Code        string          `json:"code"`
	Entrypoint  string          `json:"entrypoint"`
	Config      json.RawMessage `json:"config"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PluginExecution is the immutable record of one plugin run. Result is nil
// when the plugin returned nothing serializable or failed.
type PluginExecution struct {
	ID         string          `json:"id"`
	PluginID   string          `json:"plugin_id"`
	Owner      string          `json:"owner"`
	Success    bool            `json:"success"`
	DurationMS int64           `json:"duration_ms"`
	Result     json.RawMessage `json:"result"`
	Error      string          `json:"error,omitempty"`
	Logs       []string        `json:"logs"`
	CreatedAt  time.Time       `json:"created_at"`
}

const pluginColumns = `id, owner, name, description, runtime, code, entrypoint, config, enabled, created_at, updated_at`

func scanPlugin(row interface{ Scan(...any) error }) (Plugin, error) {
	var (
		p       Plugin
		config  string
		enabled int
	)
	if err := row.Scan(&p.ID, &p.Owner, &p.Name, &p.Description, &p.Runtime, &p.Code, &p.Entrypoint,
		&config, &enabled, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Plugin{}, err
	}
	p.Config = json.RawMessage(config)
	p.Enabled = enabled != 0
	return p, nil
}

func (s *Store) CreatePlugin(ctx context.Context, p *Plugin) error {
	if p.ID == "" {
		p.ID = newID()
	}
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO plugins (`+pluginColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, p.ID, p.Owner, p.Name, p.Description, p.Runtime, p.Code, p.Entrypoint, payloadText(p.Config),
		boolToInt(p.Enabled), now, now); err != nil {
		return fmt.Errorf("create plugin: %w", err)
	}
	return nil
}

// GetPlugin returns an owner's plugin, or nil if not found.
func (s *Store) GetPlugin(ctx context.Context, owner, id string) (*Plugin, error) {
	p, err := scanPlugin(s.db.QueryRowContext(ctx, `
		SELECT `+pluginColumns+` FROM plugins WHERE id = ? AND owner = ?;
	`, id, owner))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get plugin: %w", err)
	}
	return &p, nil
}

func (s *Store) ListPlugins(ctx context.Context, owner string) ([]Plugin, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pluginColumns+` FROM plugins WHERE owner = ? ORDER BY name ASC;
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()
	var out []Plugin
	for rows.Next() {
		p, err := scanPlugin(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetPluginEnabled(ctx context.Context, owner, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugins SET enabled = ?, updated_at = ? WHERE id = ? AND owner = ?;
	`, boolToInt(enabled), time.Now().UTC(), id, owner)
	if err != nil {
		return fmt.Errorf("set plugin enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeletePlugin removes the plugin; its executions stay as audit history.
func (s *Store) DeletePlugin(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM plugins WHERE id = ? AND owner = ?;`, id, owner)
	if err != nil {
		return fmt.Errorf("delete plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("plugin %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) InsertPluginExecution(ctx context.Context, e *PluginExecution) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	logs, err := json.Marshal(e.Logs)
	if err != nil {
		return fmt.Errorf("encode plugin logs: %w", err)
	}
	if e.Logs == nil {
		logs = []byte("[]")
	}
	var result sql.NullString
	if len(e.Result) > 0 {
		result = sql.NullString{String: string(e.Result), Valid: true}
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO plugin_executions (id, plugin_id, owner, success, duration_ms, result, error, logs, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.PluginID, e.Owner, boolToInt(e.Success), e.DurationMS, result, e.Error, string(logs), e.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert plugin execution: %w", err)
	}
	s.publish(bus.TopicPluginExecuted, bus.PluginExecutedEvent{
		ExecutionID: e.ID, PluginID: e.PluginID, Owner: e.Owner, Success: e.Success, DurationMS: e.DurationMS,
	})
	return nil
}

// ListPluginExecutions returns a plugin's runs, newest first.
func (s *Store) ListPluginExecutions(ctx context.Context, owner, pluginID string, limit int) ([]PluginExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plugin_id, owner, success, duration_ms, result, error, logs, created_at
		FROM plugin_executions WHERE owner = ? AND plugin_id = ?
		ORDER BY created_at DESC LIMIT ?;
	`, owner, pluginID, limit)
	if err != nil {
		return nil, fmt.Errorf("list plugin executions: %w", err)
	}
	defer rows.Close()
	var out []PluginExecution
	for rows.Next() {
		var (
			e       PluginExecution
			success int
			result  sql.NullString
			logs    string
		)
		if err := rows.Scan(&e.ID, &e.PluginID, &e.Owner, &success, &e.DurationMS, &result, &e.Error, &logs, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin execution: %w", err)
		}
		e.Success = success != 0
		if result.Valid {
			e.Result = json.RawMessage(result.String)
		}
		if err := json.Unmarshal([]byte(logs), &e.Logs); err != nil {
			return nil, fmt.Errorf("decode plugin logs: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
