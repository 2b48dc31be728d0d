package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ActionType is the closed set of actions a ScheduledTask can dispatch.
type ActionType string

const (
	ActionDetectContradictions     ActionType = "detect_contradictions"
	ActionExpireUnverifiedMemories ActionType = "expire_unverified_memories"
	ActionCleanupStaleSessions     ActionType = "cleanup_stale_sessions"
	ActionProcessAgentQueue        ActionType = "process_agent_queue"
	ActionToolCall                 ActionType = "tool_call"
	ActionAISummary                ActionType = "ai_summary"
	ActionAIMessage                ActionType = "ai_message"
	ActionRunPlugin                ActionType = "run_plugin"
	ActionNotification             ActionType = "notification"
)

// AllActions lists every ActionType in declaration order.
var AllActions = []ActionType{
	ActionDetectContradictions,
	ActionExpireUnverifiedMemories,
	ActionCleanupStaleSessions,
	ActionProcessAgentQueue,
	ActionToolCall,
	ActionAISummary,
	ActionAIMessage,
	ActionRunPlugin,
	ActionNotification,
}

func (a ActionType) Valid() bool {
	for _, known := range AllActions {
		if a == known {
			return true
		}
	}
	return false
}

const (
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

type ScheduledTask struct {
	ID            string          `json:"id"`
	Owner         string          `json:"owner"`
	Name          string          `json:"name"`
	Action        ActionType      `json:"action"`
	Payload       json.RawMessage `json:"payload"`
	CronExpr      string          `json:"cron_expr"`
	Enabled       bool            `json:"enabled"`
	MaxRetries    int             `json:"max_retries"`
	RetryCount    int             `json:"retry_count"`
	LastRunAt     *time.Time      `json:"last_run_at,omitempty"`
	LastRunStatus string          `json:"last_run_status,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// TaskExecution is the immutable record of one action run. TaskID is empty
// for ad hoc triggers.
type TaskExecution struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id,omitempty"`
	Owner      string     `json:"owner"`
	Action     ActionType `json:"action"`
	Success    bool       `json:"success"`
	DurationMS int64      `json:"duration_ms"`
	Output     string     `json:"output,omitempty"`
	Error      string     `json:"error,omitempty"`
	Attempt    int        `json:"attempt"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduledTaskColumns = `id, owner, name, action, payload, cron_expr, enabled, max_retries, retry_count,
	last_run_at, last_run_status, created_at, updated_at`

func scanScheduledTask(row interface{ Scan(...any) error }) (ScheduledTask, error) {
	var (
		t       ScheduledTask
		payload string
		enabled int
		lastRun sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.Owner, &t.Name, &t.Action, &payload, &t.CronExpr, &enabled,
		&t.MaxRetries, &t.RetryCount, &lastRun, &t.LastRunStatus, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return ScheduledTask{}, err
	}
	t.Payload = json.RawMessage(payload)
	t.Enabled = enabled != 0
	t.LastRunAt = timePtr(lastRun)
	return t, nil
}

func payloadText(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

// CreateScheduledTask inserts a task. (owner, name) is unique.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (`+scheduledTaskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, '', ?, ?);
		`, t.ID, t.Owner, t.Name, t.Action, payloadText(t.Payload), t.CronExpr, boolToInt(t.Enabled),
			t.MaxRetries, t.RetryCount, now, now)
		return err
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("scheduled task %q: %w", t.Name, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

// EnsureScheduledTask creates the task unless one with the same (owner, name)
// exists; either way the stored task is returned.
func (s *Store) EnsureScheduledTask(ctx context.Context, t ScheduledTask) (*ScheduledTask, bool, error) {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now().UTC()
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO scheduled_tasks (`+scheduledTaskColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, '', ?, ?)
			ON CONFLICT(owner, name) DO NOTHING;
		`, t.ID, t.Owner, t.Name, t.Action, payloadText(t.Payload), t.CronExpr, boolToInt(t.Enabled),
			t.MaxRetries, now, now)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("ensure scheduled task: %w", err)
	}
	got, err := scanScheduledTask(s.db.QueryRowContext(ctx, `
		SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE owner = ? AND name = ?;
	`, t.Owner, t.Name))
	if err != nil {
		return nil, false, fmt.Errorf("ensure scheduled task: reload: %w", err)
	}
	return &got, n > 0, nil
}

// GetScheduledTask returns the task, or nil if not found.
func (s *Store) GetScheduledTask(ctx context.Context, id string) (*ScheduledTask, error) {
	t, err := scanScheduledTask(s.db.QueryRowContext(ctx, `SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return &t, nil
}

// ListEnabledScheduledTasks returns every enabled task across owners.
func (s *Store) ListEnabledScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	return s.queryScheduledTasks(ctx, `
		SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE enabled = 1 ORDER BY created_at ASC;
	`)
}

// ListScheduledTasks returns an owner's tasks.
func (s *Store) ListScheduledTasks(ctx context.Context, owner string) ([]ScheduledTask, error) {
	return s.queryScheduledTasks(ctx, `
		SELECT `+scheduledTaskColumns+` FROM scheduled_tasks WHERE owner = ? ORDER BY created_at ASC;
	`, owner)
}

func (s *Store) queryScheduledTasks(ctx context.Context, q string, args ...any) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetScheduledTaskEnabled toggles a task. Missing ids return ErrNotFound.
func (s *Store) SetScheduledTaskEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET enabled = ?, updated_at = ? WHERE id = ?;
	`, boolToInt(enabled), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set scheduled task enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteScheduledTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("scheduled task %s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordTaskRun stamps last_run_at/last_run_status/retry_count after a run.
func (s *Store) RecordTaskRun(ctx context.Context, id string, at time.Time, status string, retryCount int) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE scheduled_tasks
			SET last_run_at = ?, last_run_status = ?, retry_count = ?, updated_at = ?
			WHERE id = ?;
		`, at.UTC(), status, retryCount, time.Now().UTC(), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("record task run: %w", err)
	}
	return nil
}

// InsertTaskExecution appends an execution row.
func (s *Store) InsertTaskExecution(ctx context.Context, e *TaskExecution) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Attempt == 0 {
		e.Attempt = 1
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO task_executions (id, task_id, owner, action, success, duration_ms, output, error, attempt, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.ID, e.TaskID, e.Owner, e.Action, boolToInt(e.Success), e.DurationMS, e.Output, e.Error, e.Attempt, e.CreatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert task execution: %w", err)
	}
	return nil
}

// ListTaskExecutions returns executions for a task id (or ad hoc runs for
// an owner when taskID is empty), newest first.
func (s *Store) ListTaskExecutions(ctx context.Context, owner, taskID string, limit int) ([]TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, owner, action, success, duration_ms, output, error, attempt, created_at
		FROM task_executions WHERE owner = ? AND task_id = ?
		ORDER BY created_at DESC LIMIT ?;
	`, owner, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task executions: %w", err)
	}
	defer rows.Close()
	var out []TaskExecution
	for rows.Next() {
		var e TaskExecution
		var success int
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Owner, &e.Action, &success, &e.DurationMS, &e.Output,
			&e.Error, &e.Attempt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task execution: %w", err)
		}
		e.Success = success != 0
		out = append(out, e)
	}
	return out, rows.Err()
}
