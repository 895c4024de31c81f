package relaygraph

import (
	"context"
	"fmt"
)

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
	// RoleAdmin is granted across tenants and replaces a separate list of
	// privileged identities.
	RoleAdmin Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleEditor:
		return 2
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 4
	default:
		return 0
	}
}

// AtLeast reports whether r carries at least the privileges of other.
func (r Role) AtLeast(other Role) bool {
	return r.rank() >= other.rank()
}

func ParseRole(raw string) (Role, error) {
	role := Role(raw)
	if role.rank() == 0 {
		return RoleNone, invalidf("unknown role %q", raw)
	}
	return role, nil
}

// Grants reports whether the role allows perm.
func (r Role) Grants(perm Permission) bool {
	switch perm {
	case PermissionRead:
		return r.AtLeast(RoleViewer)
	case PermissionWrite:
		return r.AtLeast(RoleEditor)
	default:
		return false
	}
}

type AccessDecision struct {
	Allowed bool
	Role    Role
}

// AccessGate answers allow/deny plus role for a subject on a tenant.
type AccessGate interface {
	Check(ctx context.Context, subject, graphID string, perm Permission) (AccessDecision, error)
}

// Require returns ErrAccessDenied unless the gate allows perm with at least
// minRole.
func Require(ctx context.Context, gate AccessGate, subject, graphID string, perm Permission, minRole Role) (AccessDecision, error) {
	if gate == nil {
		return AccessDecision{}, fmt.Errorf("%w: no access gate configured", ErrAccessDenied)
	}
	decision, err := gate.Check(ctx, subject, graphID, perm)
	if err != nil {
		return AccessDecision{}, err
	}
	if !decision.Allowed || !decision.Role.AtLeast(minRole) {
		return decision, ErrAccessDenied
	}
	return decision, nil
}

// RepairAuthorizer gates destructive repairs: owner-level write access, and
// for committed runs a confirmation token equal to the configured one.
type RepairAuthorizer struct {
	gate         AccessGate
	confirmToken string
}

func NewRepairAuthorizer(gate AccessGate, confirmToken string) (*RepairAuthorizer, error) {
	if gate == nil {
		return nil, invalidf("access gate is required")
	}
	if confirmToken == "" {
		return nil, invalidf("confirmation token must not be empty")
	}
	return &RepairAuthorizer{gate: gate, confirmToken: confirmToken}, nil
}

func (a *RepairAuthorizer) Authorize(ctx context.Context, subject, graphID string, dryRun bool, confirm string) error {
	if _, err := Require(ctx, a.gate, subject, graphID, PermissionWrite, RoleOwner); err != nil {
		return err
	}
	if !dryRun && confirm != a.confirmToken {
		return ErrConfirmationRequired
	}
	return nil
}
