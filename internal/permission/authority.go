// Package permission is the authority deciding whether an owner may act on
// a resource. Grants are time-bounded, scope-narrowed and revocable, and
// every check fails closed.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/basket/agentcore/internal/audit"
	"github.com/basket/agentcore/internal/bus"
	"github.com/basket/agentcore/internal/persistence"
	"github.com/basket/agentcore/internal/telemetry"
)

const (
	DefaultTTL             = 30 * 24 * time.Hour
	DefaultCleanupInterval = time.Hour
)

// Resources is the closed whitelist of grantable resources.
var Resources = []string{"files", "shell", "notebooks", "email", "calendar", "vps", "web", "plugins"}

// Actions is the closed set of grantable actions.
var Actions = []string{"read", "write", "execute", "delete"}

// connectedResources need a linked external account before any grant counts.
var connectedResources = map[string]bool{"email": true, "calendar": true, "vps": true}

type (
	Permission = persistence.Permission
	Request    = persistence.PermissionRequest
)

// Connections reports whether an owner has linked the account a resource
// depends on.
type Connections interface {
	IsConnected(ctx context.Context, owner, resource string) (bool, error)
}

type Config struct {
	Store           *persistence.Store
	Connections     Connections // optional
	Bus             *bus.Bus    // optional
	Logger          *slog.Logger
	DefaultTTL      time.Duration
	CleanupInterval time.Duration
	Now             func() time.Time
}

type Authority struct {
	store    *persistence.Store
	conns    Connections
	bus      *bus.Bus
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func New(cfg Config) *Authority {
	a := &Authority{
		store:    cfg.Store,
		conns:    cfg.Connections,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		ttl:      cfg.DefaultTTL,
		interval: cfg.CleanupInterval,
		now:      cfg.Now,
	}
	if a.logger == nil {
		a.logger = telemetry.Discard()
	}
	a.logger = a.logger.With("component", "permission")
	if a.ttl <= 0 {
		a.ttl = DefaultTTL
	}
	if a.interval <= 0 {
		a.interval = DefaultCleanupInterval
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func validResource(r string) bool { return slices.Contains(Resources, r) }
func validAction(a string) bool   { return slices.Contains(Actions, a) }

func validate(resource string, actions []string) error {
	if !validResource(resource) {
		return &ValidationError{Field: "resource", Reason: fmt.Sprintf("%q is not one of %s", resource, strings.Join(Resources, ", "))}
	}
	if len(actions) == 0 {
		return &ValidationError{Field: "actions", Reason: "at least one action is required"}
	}
	for _, act := range actions {
		if !validAction(act) {
			return &ValidationError{Field: "actions", Reason: fmt.Sprintf("%q is not one of %s", act, strings.Join(Actions, ", "))}
		}
	}
	return nil
}

// Grant creates a grant, or refreshes the expiry of an identical active one.
// A nil expiresAt means now + the default TTL.
func (a *Authority) Grant(ctx context.Context, owner, resource string, actions []string, scope Scope, expiresAt *time.Time) (Permission, error) {
	if strings.TrimSpace(owner) == "" {
		return Permission{}, &ValidationError{Field: "owner", Reason: "required"}
	}
	if err := validate(resource, actions); err != nil {
		return Permission{}, err
	}
	if expiresAt == nil {
		t := a.now().UTC().Add(a.ttl)
		expiresAt = &t
	} else if !expiresAt.After(a.now()) {
		return Permission{}, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	p := &Permission{Owner: owner, Resource: resource, Actions: actions, Scope: scope, ExpiresAt: expiresAt}
	created, err := a.store.UpsertPermission(ctx, p)
	if err != nil {
		return Permission{}, fmt.Errorf("grant %s: %w", resource, err)
	}
	a.logger.Info("permission granted", "owner", owner, "resource", resource,
		"actions", strings.Join(p.Actions, ","), "permission_id", p.ID, "refreshed", !created)
	audit.Record(ctx, owner, "permission.grant", audit.DecisionAllow, resource, p.ID)
	return *p, nil
}

// Check is Decide reduced to a boolean.
func (a *Authority) Check(ctx context.Context, owner, resource, action string, target Target) bool {
	return a.Decide(ctx, owner, resource, action, target).Allowed
}

// Decide evaluates owner's grants for (resource, action, target). It never
// returns an error: internal failures deny with ReasonInternalError.
func (a *Authority) Decide(ctx context.Context, owner, resource, action string, target Target) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("permission check panicked", "owner", owner, "resource", resource, "panic", r)
			d = Decision{Reason: ReasonInternalError}
		}
		a.record(ctx, owner, resource, action, target, d)
	}()

	if owner == "" || !validResource(resource) || !validAction(action) {
		return Decision{Reason: ReasonInvalidRequest}
	}
	if connectedResources[resource] && a.conns != nil {
		ok, err := a.conns.IsConnected(ctx, owner, resource)
		if err != nil {
			a.logger.Warn("connection lookup failed", "owner", owner, "resource", resource, "error", err)
			return Decision{Reason: ReasonInternalError}
		}
		if !ok {
			return Decision{Reason: ReasonNotConnected}
		}
	}

	grants, err := a.store.PermissionsFor(ctx, owner, resource)
	if err != nil {
		a.logger.Warn("grant lookup failed", "owner", owner, "resource", resource, "error", err)
		return Decision{Reason: ReasonInternalError}
	}

	now := a.now()
	var sawActive, sawExpired bool
	for _, g := range grants {
		if !slices.Contains(g.Actions, action) {
			continue
		}
		if !g.ActiveAt(now) {
			if g.RevokedAt == nil {
				sawExpired = true
			}
			continue
		}
		sawActive = true
		if scopeAllows(g.Scope, target) {
			return Decision{Allowed: true, Reason: ReasonAllowed, PermissionID: g.ID}
		}
	}
	switch {
	case sawActive:
		return Decision{Reason: ReasonScopeMismatch}
	case sawExpired:
		return Decision{Reason: ReasonExpired}
	default:
		return Decision{Reason: ReasonNoGrant}
	}
}

// Require returns a *DeniedError unless Decide allows the action.
func (a *Authority) Require(ctx context.Context, owner, resource, action string, target Target) error {
	d := a.Decide(ctx, owner, resource, action, target)
	if d.Allowed {
		return nil
	}
	return &DeniedError{Resource: resource, Action: action, Reason: d.Reason}
}

func (a *Authority) record(ctx context.Context, owner, resource, action string, target Target, d Decision) {
	decision := audit.DecisionDeny
	if d.Allowed {
		decision = audit.DecisionAllow
	} else {
		a.logger.Debug("permission denied", "owner", owner, "resource", resource, "action", action, "reason", d.Reason)
	}
	audit.Record(ctx, owner, resource+"."+action, decision, string(d.Reason), target.String())
	if a.bus != nil {
		a.bus.Publish(bus.TopicPermissionDecision, bus.PermissionDecisionEvent{
			Owner: owner, Resource: resource, Action: action, Allowed: d.Allowed, Reason: string(d.Reason),
		})
	}
}

// Revoke ends a grant. Revoking twice is a no-op; unknown ids are ErrNotFound.
func (a *Authority) Revoke(ctx context.Context, owner, permissionID string) error {
	if err := a.store.RevokePermission(ctx, owner, permissionID); err != nil {
		return err
	}
	audit.Record(ctx, owner, "permission.revoke", audit.DecisionAllow, "revoked", permissionID)
	return nil
}

// List returns an owner's grants; includeInactive adds revoked and expired history.
func (a *Authority) List(ctx context.Context, owner string, includeInactive bool) ([]Permission, error) {
	return a.store.ListPermissions(ctx, owner, !includeInactive)
}

// RequestPermission records a pending proposal for the owner to resolve.
func (a *Authority) RequestPermission(ctx context.Context, owner, resource string, actions []string, scope Scope, reason string) (Request, error) {
	if strings.TrimSpace(owner) == "" {
		return Request{}, &ValidationError{Field: "owner", Reason: "required"}
	}
	if err := validate(resource, actions); err != nil {
		return Request{}, err
	}
	r := &Request{Owner: owner, Resource: resource, Actions: actions, Scope: scope, Reason: reason}
	if err := a.store.CreatePermissionRequest(ctx, r); err != nil {
		return Request{}, err
	}
	a.logger.Info("permission requested", "owner", owner, "resource", resource, "request_id", r.ID)
	return *r, nil
}

// PendingRequests lists an owner's unresolved requests.
func (a *Authority) PendingRequests(ctx context.Context, owner string) ([]Request, error) {
	return a.store.ListPendingPermissionRequests(ctx, owner)
}

// ApproveRequest resolves a pending request into a real grant.
func (a *Authority) ApproveRequest(ctx context.Context, requestID string, expiresAt *time.Time) (Permission, error) {
	if expiresAt == nil {
		t := a.now().UTC().Add(a.ttl)
		expiresAt = &t
	} else if !expiresAt.After(a.now()) {
		return Permission{}, &ValidationError{Field: "expires_at", Reason: "must be in the future"}
	}
	grant := &Permission{ExpiresAt: expiresAt}
	req, err := a.store.ResolvePermissionRequest(ctx, requestID, grant, "")
	if err != nil {
		return Permission{}, err
	}
	audit.Record(ctx, req.Owner, "permission.approve", audit.DecisionAllow, req.Resource, grant.ID)
	return *grant, nil
}

// DenyRequest resolves a pending request as denied.
func (a *Authority) DenyRequest(ctx context.Context, requestID, note string) (Request, error) {
	req, err := a.store.ResolvePermissionRequest(ctx, requestID, nil, note)
	if err != nil {
		return Request{}, err
	}
	audit.Record(ctx, req.Owner, "permission.deny_request", audit.DecisionDeny, req.Resource, note)
	return *req, nil
}

// CleanupExpiredPermissions revokes grants past expiry. Safe to repeat.
func (a *Authority) CleanupExpiredPermissions(ctx context.Context) (int64, error) {
	n, err := a.store.RevokeExpiredPermissions(ctx, a.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		a.logger.Info("expired permissions revoked", "count", n)
	}
	return n, nil
}

// Run performs cleanup every interval until ctx is done.
func (a *Authority) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if _, err := a.CleanupExpiredPermissions(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("permission cleanup failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
