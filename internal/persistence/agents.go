package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/bus"
)

type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentActive    AgentStatus = "active"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentPaused    AgentStatus = "paused"
)

// Terminal reports whether no further steps will run for the status.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// Turn is one entry of an agent's conversation history.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// AgentMemory is persisted as JSON in agents.memory.
type AgentMemory struct {
	History               []Turn         `json:"history"`
	Focus                 string         `json:"focus,omitempty"`
	MissionID             string         `json:"mission_id,omitempty"`
	TaskType              string         `json:"task_type,omitempty"`
	MissingEnvelopeStreak int            `json:"missing_envelope_streak,omitempty"`
	Fields                map[string]any `json:"fields,omitempty"`
}

type Agent struct {
	ID          string      `json:"id"`
	Owner       string      `json:"owner"`
	ParentID    string      `json:"parent_id,omitempty"`
	Task        string      `json:"task"`
	Status      AgentStatus `json:"status"`
	Memory      AgentMemory `json:"memory"`
	Result      string      `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

const agentColumns = `id, owner, parent_id, task, status, memory, result, created_at, updated_at, completed_at`

func scanAgent(row interface{ Scan(...any) error }) (Agent, error) {
	var (
		a         Agent
		memoryRaw string
		completed sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.Owner, &a.ParentID, &a.Task, &a.Status, &memoryRaw, &a.Result,
		&a.CreatedAt, &a.UpdatedAt, &completed); err != nil {
		return Agent{}, err
	}
	if memoryRaw != "" {
		if err := json.Unmarshal([]byte(memoryRaw), &a.Memory); err != nil {
			return Agent{}, fmt.Errorf("decode agent memory: %w", err)
		}
	}
	a.CompletedAt = timePtr(completed)
	return a, nil
}

// CreateAgent inserts a new agent. ID and timestamps are filled if empty.
func (s *Store) CreateAgent(ctx context.Context, a *Agent) error {
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = a.CreatedAt
	mem, err := json.Marshal(a.Memory)
	if err != nil {
		return fmt.Errorf("encode agent memory: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (`+agentColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL);
		`, a.ID, a.Owner, a.ParentID, a.Task, a.Status, string(mem), a.Result, a.CreatedAt, a.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// GetAgent returns the agent, or nil if not found.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns an owner's agents, newest first. An empty status list
// returns every status.
func (s *Store) ListAgents(ctx context.Context, owner string, statuses ...AgentStatus) ([]Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM agents WHERE owner = ?`
	args := []any{owner}
	if len(statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	q += ` ORDER BY created_at DESC;`
	return s.queryAgents(ctx, q, args...)
}

// CountLiveAgents counts an owner's agents that are not completed or failed.
func (s *Store) CountLiveAgents(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM agents WHERE owner = ? AND status NOT IN (?, ?);
	`, owner, AgentCompleted, AgentFailed).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return n, nil
}

// RunnableAgents returns up to limit pending/active agents for owner,
// least recently updated first.
func (s *Store) RunnableAgents(ctx context.Context, owner string, limit int) ([]Agent, error) {
	return s.queryAgents(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE owner = ? AND status IN (?, ?)
		ORDER BY updated_at ASC, created_at ASC
		LIMIT ?;
	`, owner, AgentPending, AgentActive, limit)
}

// OwnersWithRunnableAgents lists owners that have pending or active agents.
func (s *Store) OwnersWithRunnableAgents(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT owner FROM agents WHERE status IN (?, ?) ORDER BY owner;
	`, AgentPending, AgentActive)
	if err != nil {
		return nil, fmt.Errorf("list runnable owners: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) queryAgents(ctx context.Context, q string, args ...any) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// UpdateAgentStatus moves an agent to status if it is currently in one of
// from (any status when from is empty). It reports whether a row changed.
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, from ...AgentStatus) (bool, error) {
	now := time.Now().UTC()
	q := `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{status, now, id}
	if len(from) > 0 {
		q += ` AND status IN (` + placeholders(len(from)) + `)`
		for _, f := range from {
			args = append(args, f)
		}
	}
	var prev AgentStatus
	var owner string
	_ = s.db.QueryRowContext(ctx, `SELECT status, owner FROM agents WHERE id = ?;`, id).Scan(&prev, &owner)

	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, q+`;`, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("update agent status: %w", err)
	}
	if n > 0 && prev != status {
		s.publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: id, Owner: owner, OldStatus: string(prev), NewStatus: string(status)})
	}
	return n > 0, nil
}

// SaveAgentStep persists memory, status and result after a step. Terminal
// statuses also stamp completed_at. The row is only written while it is
// still pending or active; otherwise the stored state wins and
// ErrNotRunnable is returned.
func (s *Store) SaveAgentStep(ctx context.Context, a *Agent) error {
	mem, err := json.Marshal(a.Memory)
	if err != nil {
		return fmt.Errorf("encode agent memory: %w", err)
	}
	var prev AgentStatus
	_ = s.db.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, a.ID).Scan(&prev)

	a.UpdatedAt = time.Now().UTC()
	if a.Status.Terminal() && a.CompletedAt == nil {
		t := a.UpdatedAt
		a.CompletedAt = &t
	}
	var n int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, memory = ?, result = ?, updated_at = ?, completed_at = ?
			WHERE id = ? AND status IN (?, ?);
		`, a.Status, string(mem), a.Result, a.UpdatedAt, nullTime(a.CompletedAt), a.ID, AgentPending, AgentActive)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	if n == 0 {
		var cur AgentStatus
		if err := s.db.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, a.ID).Scan(&cur); err != nil {
			return fmt.Errorf("save agent %s: %w", a.ID, ErrNotFound)
		}
		return fmt.Errorf("save agent %s (now %s): %w", a.ID, cur, ErrNotRunnable)
	}
	if prev != a.Status {
		s.publish(bus.TopicAgentStatus, bus.AgentStatusEvent{AgentID: a.ID, Owner: a.Owner, OldStatus: string(prev), NewStatus: string(a.Status)})
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
