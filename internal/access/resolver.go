// Package access maps an authenticated caller to a permission level for a
// given account-owned resource.
package access

import (
	"context"
	"errors"
	"strings"

	"paydesk.org/internal/auth"
)

// ErrForbidden indicates the caller may not touch the resource.
var ErrForbidden = errors.New("access: forbidden")

// Role is the coarse role model used by the settlement path. Anything not
// recognised collapses to RoleNone.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleNone  Role = ""
)

// Identity is the resolved caller: an opaque username equality key plus a
// single effective role.
type Identity struct {
	Username string
	Role     Role
}

// FromClaims maps token claims to an identity. Pure; the fallthrough is
// explicit: admin wins over user, anything else resolves to RoleNone.
func FromClaims(claims *auth.Claims) Identity {
	if claims == nil {
		return Identity{}
	}
	return FromRoles(claims.Subject, claims.Roles)
}

// FromRoles maps a username and a flat role list to an identity.
func FromRoles(username string, roles []string) Identity {
	id := Identity{Username: strings.TrimSpace(username), Role: RoleNone}
	for _, role := range roles {
		switch Role(role) {
		case RoleAdmin:
			return Identity{Username: id.Username, Role: RoleAdmin}
		case RoleUser:
			id.Role = RoleUser
		}
	}
	return id
}

// FromContext resolves the identity stored by the authentication middleware.
func FromContext(ctx context.Context) Identity {
	username, _ := auth.UsernameFromContext(ctx)
	return FromRoles(username, auth.RolesFromContext(ctx))
}

// Level is the permission level granted for one resource.
type Level int

const (
	Denied Level = iota
	Owner
	Privileged
)

// Resolve returns the caller's level for a resource owned by ownerUsername.
// Admins are privileged regardless of ownership; everyone else must match
// the owner exactly.
func Resolve(id Identity, ownerUsername string) Level {
	if id.Role == RoleAdmin {
		return Privileged
	}
	if id.Username != "" && id.Username == ownerUsername {
		return Owner
	}
	return Denied
}
