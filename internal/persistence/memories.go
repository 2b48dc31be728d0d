package persistence

import (
	"context"
	"fmt"
	"time"
)

// Memory is a remembered fact about an owner. Unverified memories expire;
// memories sharing a key with a different value are contradictions.
type Memory struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	Key          string    `json:"key"`
	Value        string    `json:"value"`
	Verified     bool      `json:"verified"`
	Contradicted bool      `json:"contradicted"`
	CreatedAt    time.Time `json:"created_at"`
}

func (s *Store) InsertMemory(ctx context.Context, m *Memory) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (id, owner, key, value, verified, contradicted, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?);
	`, m.ID, m.Owner, m.Key, m.Value, boolToInt(m.Verified), m.CreatedAt); err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

func (s *Store) ListMemories(ctx context.Context, owner string) ([]Memory, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, key, value, verified, contradicted, created_at
		FROM memories WHERE owner = ? ORDER BY key ASC, created_at ASC;
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		var m Memory
		var verified, contradicted int
		if err := rows.Scan(&m.ID, &m.Owner, &m.Key, &m.Value, &verified, &contradicted, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.Verified, m.Contradicted = verified != 0, contradicted != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// FlagContradictions marks every memory of owner whose key carries more
// than one distinct value. It returns the number of rows newly flagged.
func (s *Store) FlagContradictions(ctx context.Context, owner string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memories SET contradicted = 1
		WHERE owner = ? AND contradicted = 0 AND key IN (
			SELECT key FROM memories WHERE owner = ?
			GROUP BY key HAVING COUNT(DISTINCT value) > 1
		);
	`, owner, owner)
	if err != nil {
		return 0, fmt.Errorf("flag contradictions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ExpireUnverifiedMemories deletes owner's unverified memories created
// before cutoff.
func (s *Store) ExpireUnverifiedMemories(ctx context.Context, owner string, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memories WHERE owner = ? AND verified = 0 AND created_at < ?;
	`, owner, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire unverified memories: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
