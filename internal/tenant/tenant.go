// Package tenant normalizes the caller identity into the principal every
// component authorizes against. Authentication itself is external; the
// HTTP layer projects the verified claims into a Principal before any
// business logic runs.
package tenant

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/paintops/crewclock/pkg/apperr"
)

type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleWorker  Role = "worker"
)

// ValidRole reports whether raw names a known role.
func ValidRole(raw string) bool {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAdmin, RoleManager, RoleStaff, RoleWorker:
		return true
	}
	return false
}

// Principal is the normalized caller: identity, company binding and role.
type Principal struct {
	UID       string
	CompanyID snowflake.ID
	Role      Role
}

func (p Principal) IsAuthed() bool {
	return p.UID != "" && p.CompanyID != 0
}

func (p Principal) InCompany(companyID snowflake.ID) bool {
	return p.CompanyID != 0 && p.CompanyID == companyID
}

func (p Principal) HasAnyRole(roles ...Role) bool {
	for _, role := range roles {
		if p.Role == role {
			return true
		}
	}
	return false
}

func (p Principal) IsSelf(uid string) bool {
	return p.UID != "" && p.UID == uid
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Require returns the authenticated principal or unauthenticated.
func Require(ctx context.Context) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok || !p.IsAuthed() {
		return Principal{}, apperr.Unauthenticated("no valid principal")
	}
	return p, nil
}

// RequireCompany asserts the principal is bound to companyID. Mismatches
// are the canonical cross-tenant violation.
func RequireCompany(ctx context.Context, companyID snowflake.ID) (Principal, error) {
	p, err := Require(ctx)
	if err != nil {
		return Principal{}, err
	}
	if !p.InCompany(companyID) {
		return p, apperr.PermissionDenied("cross_tenant", "target belongs to another company")
	}
	return p, nil
}

// RequireRole asserts company binding plus one of the given roles.
func RequireRole(ctx context.Context, companyID snowflake.ID, roles ...Role) (Principal, error) {
	p, err := RequireCompany(ctx, companyID)
	if err != nil {
		return p, err
	}
	if !p.HasAnyRole(roles...) {
		return p, apperr.PermissionDenied("insufficient_role", "role not permitted for this operation")
	}
	return p, nil
}
