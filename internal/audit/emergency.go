package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EmergencyLog records break-glass access overrides and tracks their human
// review. Every recorded override is paired with an emergency_access audit
// event written fail-closed: no review record exists without its event.
type EmergencyLog struct {
	store Store
	rec   *Recorder
	now   func() time.Time
}

// EmergencyOption configures an EmergencyLog.
type EmergencyOption func(*EmergencyLog)

// WithEmergencyClock overrides the time source, for tests.
func WithEmergencyClock(fn func() time.Time) EmergencyOption {
	return func(l *EmergencyLog) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewEmergencyLog constructs an EmergencyLog.
func NewEmergencyLog(store Store, rec *Recorder, opts ...EmergencyOption) *EmergencyLog {
	l := &EmergencyLog{store: store, rec: rec, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordOverride logs an emergency access by accountID with its stated
// reason and expected duration. The record starts unreviewed.
func (l *EmergencyLog) RecordOverride(ctx context.Context, accountID, reason string, duration time.Duration) (*EmergencyAccess, error) {
	if accountID == "" || reason == "" {
		return nil, errors.New("audit: account id and reason are required")
	}
	rec := &EmergencyAccess{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Reason:    reason,
		Duration:  duration,
		CreatedAt: l.now().UTC(),
	}
	if _, err := l.rec.Append(ctx, Event{
		Type:         EventEmergencyAccess,
		Actor:        accountID,
		ResourceType: "emergency_access",
		ResourceID:   rec.ID,
		Severity:     SeverityCritical,
		Details: map[string]any{
			"reason":   reason,
			"duration": duration.String(),
		},
	}); err != nil {
		return nil, err
	}
	if err := l.store.CreateEmergencyAccess(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Review marks an override as reviewed by reviewerID. The reviewed flag is
// the only mutation the audit subsystem permits anywhere.
func (l *EmergencyLog) Review(ctx context.Context, id, reviewerID string) error {
	if id == "" || reviewerID == "" {
		return errors.New("audit: record id and reviewer id are required")
	}
	return l.store.MarkEmergencyReviewed(ctx, id, reviewerID)
}

// Pending lists overrides still awaiting review.
func (l *EmergencyLog) Pending(ctx context.Context) ([]EmergencyAccess, error) {
	return l.store.ListEmergencyAccess(ctx, true)
}
