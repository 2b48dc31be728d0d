package persistence

import (
	"context"
	"fmt"
	"time"
)

type Message struct {
	ID        int64     `json:"id"`
	Owner     string    `json:"owner"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ModelID   string    `json:"model_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessages inserts msgs in one transaction, preserving order.
func (s *Store) AppendMessages(ctx context.Context, msgs ...Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		now := time.Now().UTC()
		for _, m := range msgs {
			at := m.CreatedAt
			if at.IsZero() {
				at = now
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (owner, session_id, role, content, model_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, m.Owner, m.SessionID, m.Role, m.Content, m.ModelID, at); err != nil {
				return fmt.Errorf("append message: %w", err)
			}
		}
		return tx.Commit()
	})
}

// RecentMessages returns the last limit messages of a session in
// chronological order.
func (s *Store) RecentMessages(ctx context.Context, owner, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, session_id, role, content, model_id, created_at FROM (
			SELECT * FROM messages WHERE owner = ? AND session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC;
	`, owner, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Owner, &m.SessionID, &m.Role, &m.Content, &m.ModelID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteStaleSessions removes every message of an owner's sessions whose
// newest message is older than cutoff. An empty owner applies to all owners.
func (s *Store) DeleteStaleSessions(ctx context.Context, owner string, cutoff time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM messages WHERE (owner, session_id) IN (
				SELECT owner, session_id FROM messages
				WHERE (? = '' OR owner = ?)
				GROUP BY owner, session_id
				HAVING MAX(created_at) < ?
			);
		`, owner, owner, cutoff.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete stale sessions: %w", err)
	}
	return n, nil
}
