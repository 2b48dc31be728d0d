package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// ErrAlreadyResolved is returned when a permission request was already
// approved or denied.
var ErrAlreadyResolved = errors.New("permission request already resolved")

// PermissionScope narrows a grant. A dimension the request names must match
// an entry in the corresponding list, so an empty list denies it. Dimensions
// the request leaves unset are not checked.
type PermissionScope struct {
	AllowedPaths []string `json:"allowed_paths,omitempty"`
	NotebookIDs  []string `json:"notebook_ids,omitempty"`
	EmailLabels  []string `json:"email_labels,omitempty"`
	VPSIDs       []string `json:"vps_ids,omitempty"`
	Commands     []string `json:"commands,omitempty"`
}

// Canonical returns a copy with every list sorted and de-duplicated, so two
// semantically equal scopes encode identically.
func (sc PermissionScope) Canonical() PermissionScope {
	return PermissionScope{
		AllowedPaths: canonicalList(sc.AllowedPaths),
		NotebookIDs:  canonicalList(sc.NotebookIDs),
		EmailLabels:  canonicalList(sc.EmailLabels),
		VPSIDs:       canonicalList(sc.VPSIDs),
		Commands:     canonicalList(sc.Commands),
	}
}

func canonicalList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}

type Permission struct {
	ID        string          `json:"id"`
	Owner     string          `json:"owner"`
	Resource  string          `json:"resource"`
	Actions   []string        `json:"actions"`
	Scope     PermissionScope `json:"scope"`
	GrantedAt time.Time       `json:"granted_at"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	RevokedAt *time.Time      `json:"revoked_at,omitempty"`
}

// ActiveAt reports whether the grant is in force at t.
func (p Permission) ActiveAt(t time.Time) bool {
	if p.RevokedAt != nil {
		return false
	}
	return p.ExpiresAt == nil || p.ExpiresAt.After(t)
}

const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestDenied   = "denied"
)

type PermissionRequest struct {
	ID           string          `json:"id"`
	Owner        string          `json:"owner"`
	Resource     string          `json:"resource"`
	Actions      []string        `json:"actions"`
	Scope        PermissionScope `json:"scope"`
	Reason       string          `json:"reason,omitempty"`
	Status       string          `json:"status"`
	PermissionID string          `json:"permission_id,omitempty"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

func encodeGrant(actions []string, scope PermissionScope) (string, string, error) {
	a, err := json.Marshal(canonicalList(actions))
	if err != nil {
		return "", "", fmt.Errorf("encode actions: %w", err)
	}
	sc, err := json.Marshal(scope.Canonical())
	if err != nil {
		return "", "", fmt.Errorf("encode scope: %w", err)
	}
	return string(a), string(sc), nil
}

const permissionColumns = `id, owner, resource, actions, scope, granted_at, expires_at, revoked_at`

func scanPermission(row interface{ Scan(...any) error }) (Permission, error) {
	var (
		p                  Permission
		actions, scope     string
		expires, revokedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.Owner, &p.Resource, &actions, &scope, &p.GrantedAt, &expires, &revokedAt); err != nil {
		return Permission{}, err
	}
	if err := json.Unmarshal([]byte(actions), &p.Actions); err != nil {
		return Permission{}, fmt.Errorf("decode actions: %w", err)
	}
	if err := json.Unmarshal([]byte(scope), &p.Scope); err != nil {
		return Permission{}, fmt.Errorf("decode scope: %w", err)
	}
	p.ExpiresAt = timePtr(expires)
	p.RevokedAt = timePtr(revokedAt)
	return p, nil
}

// UpsertPermission inserts p, or, if an active grant with the same owner,
// resource, action set and scope exists, refreshes that grant's expiry and
// returns it instead. The boolean reports whether a new row was created.
func (s *Store) UpsertPermission(ctx context.Context, p *Permission) (bool, error) {
	actions, scope, err := encodeGrant(p.Actions, p.Scope)
	if err != nil {
		return false, err
	}
	p.Actions = canonicalList(p.Actions)
	p.Scope = p.Scope.Canonical()
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin grant tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existingID string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM permissions
		WHERE owner = ? AND resource = ? AND actions = ? AND scope = ?
		  AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY granted_at DESC LIMIT 1;
	`, p.Owner, p.Resource, actions, scope, now).Scan(&existingID)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx, `UPDATE permissions SET expires_at = ? WHERE id = ?;`,
			nullTime(p.ExpiresAt), existingID); err != nil {
			return false, fmt.Errorf("refresh grant: %w", err)
		}
		row := tx.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ?;`, existingID)
		got, err := scanPermission(row)
		if err != nil {
			return false, fmt.Errorf("reload grant: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return false, fmt.Errorf("commit grant: %w", err)
		}
		*p = got
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("find identical grant: %w", err)
	}

	if err := insertPermission(ctx, tx, p, actions, scope, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit grant: %w", err)
	}
	return true, nil
}

func insertPermission(ctx context.Context, tx *sql.Tx, p *Permission, actions, scope string, now time.Time) error {
	if p.ID == "" {
		p.ID = newID()
	}
	if p.GrantedAt.IsZero() {
		p.GrantedAt = now
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO permissions (`+permissionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL);
	`, p.ID, p.Owner, p.Resource, actions, scope, p.GrantedAt, nullTime(p.ExpiresAt)); err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// GetPermission returns the grant, or nil if not found.
func (s *Store) GetPermission(ctx context.Context, id string) (*Permission, error) {
	p, err := scanPermission(s.db.QueryRowContext(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get permission: %w", err)
	}
	return &p, nil
}

// PermissionsFor returns every grant for (owner, resource), including
// revoked and expired history.
func (s *Store) PermissionsFor(ctx context.Context, owner, resource string) ([]Permission, error) {
	return s.queryPermissions(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		WHERE owner = ? AND resource = ? ORDER BY granted_at DESC;
	`, owner, resource)
}

// ListPermissions returns an owner's grants, optionally only active ones.
func (s *Store) ListPermissions(ctx context.Context, owner string, activeOnly bool) ([]Permission, error) {
	if activeOnly {
		return s.queryPermissions(ctx, `
			SELECT `+permissionColumns+` FROM permissions
			WHERE owner = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
			ORDER BY granted_at DESC;
		`, owner, time.Now().UTC())
	}
	return s.queryPermissions(ctx, `
		SELECT `+permissionColumns+` FROM permissions WHERE owner = ? ORDER BY granted_at DESC;
	`, owner)
}

func (s *Store) queryPermissions(ctx context.Context, q string, args ...any) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list permissions: %w", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RevokePermission stamps revoked_at once. A second revoke is a no-op.
func (s *Store) RevokePermission(ctx context.Context, owner, id string) error {
	var revoked sql.NullTime
	err := s.db.QueryRowContext(ctx, `SELECT revoked_at FROM permissions WHERE id = ? AND owner = ?;`, id, owner).Scan(&revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("permission %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	if revoked.Valid {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE permissions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL;
	`, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("revoke permission: %w", err)
	}
	return nil
}

// RevokeExpiredPermissions revokes every grant whose expiry has passed and
// that is not already revoked.
func (s *Store) RevokeExpiredPermissions(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE permissions SET revoked_at = ?
			WHERE revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?;
		`, now.UTC(), now.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("revoke expired permissions: %w", err)
	}
	return n, nil
}

// CreatePermissionRequest stores a pending request.
func (s *Store) CreatePermissionRequest(ctx context.Context, r *PermissionRequest) error {
	actions, scope, err := encodeGrant(r.Actions, r.Scope)
	if err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID()
	}
	r.Status = RequestPending
	r.CreatedAt = time.Now().UTC()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO permission_requests (id, owner, resource, actions, scope, reason, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, r.ID, r.Owner, r.Resource, actions, scope, r.Reason, r.Status, r.CreatedAt); err != nil {
		return fmt.Errorf("create permission request: %w", err)
	}
	return nil
}

const requestColumns = `id, owner, resource, actions, scope, reason, status, permission_id, note, created_at, resolved_at`

func scanRequest(row interface{ Scan(...any) error }) (PermissionRequest, error) {
	var (
		r              PermissionRequest
		actions, scope string
		resolved       sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Owner, &r.Resource, &actions, &scope, &r.Reason, &r.Status,
		&r.PermissionID, &r.Note, &r.CreatedAt, &resolved); err != nil {
		return PermissionRequest{}, err
	}
	if err := json.Unmarshal([]byte(actions), &r.Actions); err != nil {
		return PermissionRequest{}, fmt.Errorf("decode actions: %w", err)
	}
	if err := json.Unmarshal([]byte(scope), &r.Scope); err != nil {
		return PermissionRequest{}, fmt.Errorf("decode scope: %w", err)
	}
	r.ResolvedAt = timePtr(resolved)
	return r, nil
}

// GetPermissionRequest returns the request, or nil if not found.
func (s *Store) GetPermissionRequest(ctx context.Context, id string) (*PermissionRequest, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM permission_requests WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get permission request: %w", err)
	}
	return &r, nil
}

// ListPendingPermissionRequests returns an owner's unresolved requests.
func (s *Store) ListPendingPermissionRequests(ctx context.Context, owner string) ([]PermissionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestColumns+` FROM permission_requests
		WHERE owner = ? AND status = ? ORDER BY created_at ASC;
	`, owner, RequestPending)
	if err != nil {
		return nil, fmt.Errorf("list permission requests: %w", err)
	}
	defer rows.Close()
	var out []PermissionRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan permission request: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ResolvePermissionRequest moves a pending request to approved (inserting
// grant in the same transaction) or denied. grant must be nil for a denial.
func (s *Store) ResolvePermissionRequest(ctx context.Context, id string, grant *Permission, note string) (*PermissionRequest, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	req, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM permission_requests WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("permission request %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load permission request: %w", err)
	}
	if req.Status != RequestPending {
		return nil, ErrAlreadyResolved
	}

	now := time.Now().UTC()
	status := RequestDenied
	if grant != nil {
		status = RequestApproved
		grant.Owner, grant.Resource = req.Owner, req.Resource
		grant.Actions, grant.Scope = canonicalList(req.Actions), req.Scope.Canonical()
		actions, scope, err := encodeGrant(grant.Actions, grant.Scope)
		if err != nil {
			return nil, err
		}
		if err := insertPermission(ctx, tx, grant, actions, scope, now); err != nil {
			return nil, err
		}
		req.PermissionID = grant.ID
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE permission_requests SET status = ?, permission_id = ?, note = ?, resolved_at = ?
		WHERE id = ? AND status = ?;
	`, status, req.PermissionID, note, now, id, RequestPending)
	if err != nil {
		return nil, fmt.Errorf("resolve permission request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrAlreadyResolved
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit resolve: %w", err)
	}
	req.Status, req.Note, req.ResolvedAt = status, note, &now
	return &req, nil
}

// Connection marks an external account (email, calendar, vps) as linked.
type Connection struct {
	Owner       string    `json:"owner"`
	Resource    string    `json:"resource"`
	Account     string    `json:"account,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

func (s *Store) SetConnection(ctx context.Context, c Connection) error {
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (owner, resource, account, connected_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner, resource) DO UPDATE SET account = excluded.account, connected_at = excluded.connected_at;
	`, c.Owner, c.Resource, c.Account, c.ConnectedAt); err != nil {
		return fmt.Errorf("set connection: %w", err)
	}
	return nil
}

func (s *Store) DeleteConnection(ctx context.Context, owner, resource string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE owner = ? AND resource = ?;`, owner, resource); err != nil {
		return fmt.Errorf("delete connection: %w", err)
	}
	return nil
}

// IsConnected reports whether owner has linked an account for resource.
func (s *Store) IsConnected(ctx context.Context, owner, resource string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM connections WHERE owner = ? AND resource = ?;
	`, owner, resource).Scan(&n); err != nil {
		return false, fmt.Errorf("check connection: %w", err)
	}
	return n > 0, nil
}
