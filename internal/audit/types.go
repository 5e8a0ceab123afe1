// Package audit implements the append-only audit trail: event recording,
// filtered querying, asynchronous export and emergency-access review. No
// update or delete operation on recorded events exists anywhere in the
// package; the only mutable record is the reviewed flag on an
// EmergencyAccess row, never the paired event itself.
package audit

import "time"

// EventType classifies an audit event.
type EventType string

const (
	EventLoginSuccess        EventType = "login_success"
	EventLoginFailure        EventType = "login_failure"
	EventLoginPartial        EventType = "login_partial"
	EventLogout              EventType = "logout"
	EventUserApproval        EventType = "user_approval"
	EventUserRejection       EventType = "user_rejection"
	EventAccountLock         EventType = "account_lock"
	EventAccountUnlock       EventType = "account_unlock"
	EventAccountDeactivated  EventType = "account_deactivated"
	EventAccountReactivated  EventType = "account_reactivated"
	EventAccountRegistered   EventType = "account_registered"
	EventEmailVerified       EventType = "email_verified"
	EventTwoFactorSetup      EventType = "two_factor_setup"
	EventTwoFactorDisabled   EventType = "two_factor_disabled"
	EventPasswordChange      EventType = "password_change"
	EventPasswordReset       EventType = "password_reset"
	EventAccess              EventType = "access"
	EventExport              EventType = "export"
	EventConfigurationChange EventType = "configuration_change"
	EventEmergencyAccess     EventType = "emergency_access"
)

// Severity grades an event for triage and reporting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is a single immutable audit record. ID and Timestamp are assigned by
// the recorder; values supplied by callers are discarded.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         EventType      `json:"event_type"`
	Actor        string         `json:"actor_id,omitempty"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IP           string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Severity     Severity       `json:"severity"`
}

// EmergencyAccess records a break-glass override of normal access rules. The
// reviewed flag is the only field any later operation may change.
type EmergencyAccess struct {
	ID         string        `json:"id"`
	AccountID  string        `json:"account_id"`
	Reason     string        `json:"reason"`
	Duration   time.Duration `json:"duration"`
	Reviewed   bool          `json:"reviewed"`
	ReviewerID string        `json:"reviewer_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}
