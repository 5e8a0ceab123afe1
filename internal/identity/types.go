// Package identity owns the account lifecycle, credential and two-factor
// authentication, and role-to-capability resolution for the portal.
package identity

import (
	"fmt"
	"strings"
	"time"
)

// Role is the closed set of account roles. Call sites never compare raw
// strings; they go through the capability matrix.
type Role string

const (
	RolePatient    Role = "patient"
	RoleProvider   Role = "provider"
	RoleResearcher Role = "researcher"
	RolePharmco    Role = "pharmco"
	RoleCaregiver  Role = "caregiver"
	RoleCompliance Role = "compliance"
	RoleAdmin      Role = "admin"
	RoleSuperadmin Role = "superadmin"
)

// Roles lists every enumerated role.
func Roles() []Role {
	return []Role{
		RolePatient, RoleProvider, RoleResearcher, RolePharmco,
		RoleCaregiver, RoleCompliance, RoleAdmin, RoleSuperadmin,
	}
}

// ParseRole validates a wire-supplied role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Roles() {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, s)
}

// Status is the account lifecycle state. Transitions follow a fixed graph
// enforced by Lifecycle; nothing else writes the status column.
type Status string

const (
	StatusUnverified      Status = "unverified"
	StatusPendingApproval Status = "pending_approval"
	StatusActive          Status = "active"
	StatusRejected        Status = "rejected"
	StatusLocked          Status = "locked"
	StatusDeactivated     Status = "deactivated"
)

// Account is the identity record. Mutated only through Lifecycle transition
// operations and the credential setters on Store.
type Account struct {
	ID                     string     `json:"id"`
	Email                  string     `json:"email"`
	PasswordHash           string     `json:"-"`
	Role                   Role       `json:"role"`
	Status                 Status     `json:"status"`
	FailedLoginAttempts    int        `json:"failed_login_attempts"`
	LastFailedLoginAt      *time.Time `json:"-"`
	TwoFactorEnabled       bool       `json:"two_factor_enabled"`
	TwoFactorSecret        string     `json:"-"`
	PendingTwoFactorSecret string     `json:"-"`
	CredentialsVerified    bool       `json:"credentials_verified"`
	ConsentRenewedAt       time.Time  `json:"consent_renewed_at"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
	LastLoginAt            *time.Time `json:"last_login_at,omitempty"`
}

// ApprovalPolicy decides which roles need manual approval after email
// verification. The mapping is deployment configuration, not code: the
// source systems disagreed on which roles are vetted, so the answer lives
// with the system owner.
type ApprovalPolicy map[Role]bool

// NewApprovalPolicy builds a policy from configured role names, ignoring
// unknown entries.
func NewApprovalPolicy(roles []string) ApprovalPolicy {
	p := ApprovalPolicy{}
	for _, s := range roles {
		if r, err := ParseRole(s); err == nil {
			p[r] = true
		}
	}
	return p
}

// RequiresApproval reports whether the role is manually vetted.
func (p ApprovalPolicy) RequiresApproval(r Role) bool {
	return p[r]
}
