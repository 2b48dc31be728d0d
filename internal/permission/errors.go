package permission

import (
	"errors"
	"fmt"

	"github.com/basket/agentcore/internal/persistence"
)

var (
	ErrNotFound        = persistence.ErrNotFound
	ErrAlreadyResolved = persistence.ErrAlreadyResolved
)

// ValidationError rejects malformed grant or request input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// Reason is a stable code explaining a permission decision.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonNotConnected   Reason = "not_connected"
	ReasonNoGrant        Reason = "no_grant"
	ReasonScopeMismatch  Reason = "scope_mismatch"
	ReasonExpired        Reason = "expired"
	ReasonInvalidRequest Reason = "invalid_request"
	ReasonInternalError  Reason = "internal_error"
)

// Decision is the outcome of Decide.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	Reason       Reason `json:"reason"`
	PermissionID string `json:"permission_id,omitempty"`
}

// DeniedError carries a denial's reason for callers that return errors.
type DeniedError struct {
	Resource string
	Action   string
	Reason   Reason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s.%s (%s)", e.Resource, e.Action, e.Reason)
}
