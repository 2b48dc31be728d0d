package persistence

import (
	"context"
	"fmt"
	"time"
)

// Evaluation records how a mission-bound agent ended.
type Evaluation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	AgentID   string    `json:"agent_id"`
	MissionID string    `json:"mission_id"`
	Outcome   string    `json:"outcome"`
	Score     float64   `json:"score"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) InsertEvaluation(ctx context.Context, e *Evaluation) error {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO evaluations (id, owner, agent_id, mission_id, outcome, score, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, e.ID, e.Owner, e.AgentID, e.MissionID, e.Outcome, e.Score, e.Notes, e.CreatedAt); err != nil {
		return fmt.Errorf("insert evaluation: %w", err)
	}
	return nil
}

func (s *Store) ListEvaluations(ctx context.Context, missionID string) ([]Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, agent_id, mission_id, outcome, score, notes, created_at
		FROM evaluations WHERE mission_id = ? ORDER BY created_at ASC;
	`, missionID)
	if err != nil {
		return nil, fmt.Errorf("list evaluations: %w", err)
	}
	defer rows.Close()
	var out []Evaluation
	for rows.Next() {
		var e Evaluation
		if err := rows.Scan(&e.ID, &e.Owner, &e.AgentID, &e.MissionID, &e.Outcome, &e.Score, &e.Notes, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
