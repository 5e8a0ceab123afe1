package identity

import (
	"encoding/json"
	"fmt"
	"os"
)

// Capability is a single named permission a role may hold.
type Capability string

const (
	CapUserManagement    Capability = "user_management"
	CapAuditAccess       Capability = "audit_access"
	CapAuditExport       Capability = "audit_export"
	CapSystemSettings    Capability = "system_settings"
	CapComplianceReports Capability = "compliance_reports"
	CapEmergencyAccess   Capability = "emergency_access"
	CapClinicalRead      Capability = "clinical_read"
)

// CapabilityMatrix is the versioned role-to-capability mapping, loaded once
// at process start. It is the only place in the codebase where a role means
// anything; no call site re-derives permissions from role names.
type CapabilityMatrix struct {
	Version int                   `json:"version"`
	Grants  map[Role][]Capability `json:"grants"`

	sets map[Role]map[Capability]struct{}
}

// DefaultCapabilityMatrix is the compiled-in mapping used when no override
// file is configured.
func DefaultCapabilityMatrix() *CapabilityMatrix {
	m := &CapabilityMatrix{
		Version: 1,
		Grants: map[Role][]Capability{
			RolePatient:    {CapClinicalRead},
			RoleCaregiver:  {CapClinicalRead},
			RoleProvider:   {CapClinicalRead, CapEmergencyAccess},
			RoleResearcher: {CapClinicalRead},
			RolePharmco:    {CapClinicalRead},
			RoleCompliance: {CapAuditAccess, CapAuditExport, CapComplianceReports},
			RoleAdmin:      {CapUserManagement, CapAuditAccess, CapAuditExport, CapComplianceReports},
			RoleSuperadmin: {CapUserManagement, CapAuditAccess, CapAuditExport, CapComplianceReports, CapSystemSettings, CapEmergencyAccess, CapClinicalRead},
		},
	}
	m.compile()
	return m
}

// LoadCapabilityMatrix reads a matrix override from a JSON file.
func LoadCapabilityMatrix(path string) (*CapabilityMatrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("identity: read capability matrix: %w", err)
	}
	var m CapabilityMatrix
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("identity: parse capability matrix: %w", err)
	}
	for role := range m.Grants {
		if _, err := ParseRole(string(role)); err != nil {
			return nil, err
		}
	}
	m.compile()
	return &m, nil
}

func (m *CapabilityMatrix) compile() {
	m.sets = make(map[Role]map[Capability]struct{}, len(m.Grants))
	for role, caps := range m.Grants {
		set := make(map[Capability]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		m.sets[role] = set
	}
}

func (m *CapabilityMatrix) grants(role Role, cap Capability) bool {
	set, ok := m.sets[role]
	if !ok {
		return false
	}
	_, ok = set[cap]
	return ok
}

// Resolver answers capability questions for accounts. It is evaluated per
// call and never caches: role or status may change between requests.
type Resolver struct {
	matrix *CapabilityMatrix
}

// NewResolver builds a Resolver over the given matrix.
func NewResolver(matrix *CapabilityMatrix) *Resolver {
	if matrix == nil {
		matrix = DefaultCapabilityMatrix()
	}
	return &Resolver{matrix: matrix}
}

// HasCapability reports whether the account holds the capability. An
// account that is not Active has no capabilities regardless of role.
func (r *Resolver) HasCapability(acct *Account, cap Capability) bool {
	if acct == nil || acct.Status != StatusActive {
		return false
	}
	return r.matrix.grants(acct.Role, cap)
}

// Require returns ErrPermissionDenied unless the account holds the
// capability.
func (r *Resolver) Require(acct *Account, cap Capability) error {
	if !r.HasCapability(acct, cap) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, cap)
	}
	return nil
}
