// Package rbac holds the per-repository role model shared by the HTTP
// mutation handlers and the realtime subscription layer.
package rbac

import (
	"context"
	"errors"
	"fmt"
)

type Role string

const (
	RoleRead  Role = "read"
	RoleWrite Role = "write"
	RoleAdmin Role = "admin"
)

var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrRepoNotSpecified = errors.New("repository not specified")
	ErrAccessDenied     = errors.New("access denied to repository")
)

// InsufficientPermissionError means a grant exists but is below the required
// level. Distinct from ErrAccessDenied, which means no grant at all.
type InsufficientPermissionError struct {
	Required Role
	Actual   Role
}

func (e *InsufficientPermissionError) Error() string {
	return fmt.Sprintf("requires %s role, have %s", e.Required, e.Actual)
}

// Level returns the position of the role in the total order
// read < write < admin. Unknown roles rank below read.
func (r Role) Level() int {
	switch r {
	case RoleRead:
		return 1
	case RoleWrite:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

func (r Role) Satisfies(required Role) bool {
	return r.Level() >= required.Level()
}

func Normalize(role string) (Role, bool) {
	switch Role(role) {
	case RoleRead, RoleWrite, RoleAdmin:
		return Role(role), true
	default:
		return "", false
	}
}

// GrantSource answers the highest role granted to a user on a repository.
// The second return is false when no grant row exists. Implementations may be
// remote; callers must not hold locks across this call.
type GrantSource interface {
	RoleFor(ctx context.Context, userID, repo string) (Role, bool, error)
}

// CheckRole re-reads the grant on every call so a revocation takes effect on
// the next action. Store failures are returned as-is for the caller to surface
// as a generic failure; this layer does not retry.
func CheckRole(ctx context.Context, grants GrantSource, userID, repo string, required Role) error {
	if userID == "" {
		return ErrUnauthenticated
	}
	if repo == "" {
		return ErrRepoNotSpecified
	}
	role, ok, err := grants.RoleFor(ctx, userID, repo)
	if err != nil {
		return fmt.Errorf("lookup role for %s: %w", repo, err)
	}
	if !ok {
		return ErrAccessDenied
	}
	if !role.Satisfies(required) {
		return &InsufficientPermissionError{Required: required, Actual: role}
	}
	return nil
}
