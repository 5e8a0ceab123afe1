package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/ids"
	"carebridge.org/internal/obs"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutWindow    = 15 * time.Minute
)

// Lifecycle owns the account status state machine. Every transition uses an
// expected-status precondition so two concurrent admin actions cannot both
// win: the loser gets ErrConflict and the stored state reflects exactly one
// outcome.
type Lifecycle struct {
	store  Store
	rec    *audit.Recorder
	policy ApprovalPolicy

	lockThreshold int
	lockWindow    time.Duration
	now           func() time.Time
}

// LifecycleOption configures a Lifecycle.
type LifecycleOption func(*Lifecycle)

// WithLockoutThreshold sets the failed-login count that triggers an
// automatic lock.
func WithLockoutThreshold(n int) LifecycleOption {
	return func(l *Lifecycle) {
		if n > 0 {
			l.lockThreshold = n
		}
	}
}

// WithLockoutWindow sets the rolling window for failed-login counting.
func WithLockoutWindow(d time.Duration) LifecycleOption {
	return func(l *Lifecycle) {
		if d > 0 {
			l.lockWindow = d
		}
	}
}

// WithLifecycleClock overrides the time source, for tests.
func WithLifecycleClock(fn func() time.Time) LifecycleOption {
	return func(l *Lifecycle) {
		if fn != nil {
			l.now = fn
		}
	}
}

// NewLifecycle constructs the lifecycle manager.
func NewLifecycle(store Store, rec *audit.Recorder, policy ApprovalPolicy, opts ...LifecycleOption) *Lifecycle {
	l := &Lifecycle{
		store:         store,
		rec:           rec,
		policy:        policy,
		lockThreshold: defaultLockoutThreshold,
		lockWindow:    defaultLockoutWindow,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Register creates an account in Unverified. The caller is responsible for
// delivering the email-verification message; VerifyEmail advances the state.
func (l *Lifecycle) Register(ctx context.Context, role Role, email, password string) (*Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: valid email is required", ErrInvalidInput)
	}
	if _, err := ParseRole(string(role)); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	now := l.now().UTC()
	acct := &Account{
		ID:               ids.New(),
		Email:            email,
		PasswordHash:     hash,
		Role:             role,
		Status:           StatusUnverified,
		ConsentRenewedAt: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	if _, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountRegistered,
		ResourceType: "account",
		ResourceID:   acct.ID,
		Details:      map[string]any{"role": string(role)},
	}); err != nil {
		return nil, err
	}
	return acct, nil
}

// VerifyEmail moves an Unverified account forward: to PendingApproval for
// manually vetted roles, straight to Active for self-service roles.
func (l *Lifecycle) VerifyEmail(ctx context.Context, id string) (*Account, error) {
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	target := StatusActive
	if l.policy.RequiresApproval(acct.Role) {
		target = StatusPendingApproval
	}
	if _, err := l.transition(ctx, id, StatusUnverified, target); err != nil {
		return nil, err
	}
	if _, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventEmailVerified,
		ResourceType: "account",
		ResourceID:   id,
		Details:      map[string]any{"status": string(target)},
	}); err != nil {
		return nil, err
	}
	return l.store.GetAccount(ctx, id)
}

// Approve activates a pending account and marks its professional
// credentials verified.
func (l *Lifecycle) Approve(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusPendingApproval, StatusActive); err != nil {
		return err
	}
	if err := l.store.SetCredentialsVerified(ctx, id, true); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventUserApproval,
		ResourceType: "account",
		ResourceID:   id,
	})
	return err
}

// Reject moves a pending account to the terminal Rejected state.
func (l *Lifecycle) Reject(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusPendingApproval, StatusRejected); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventUserRejection,
		ResourceType: "account",
		ResourceID:   id,
		Severity:     audit.SeverityWarning,
	})
	return err
}

// Lock suspends an Active account (admin action).
func (l *Lifecycle) Lock(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusActive, StatusLocked); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountLock,
		ResourceType: "account",
		ResourceID:   id,
		Severity:     audit.SeverityWarning,
		Details:      map[string]any{"reason": "manual"},
	})
	return err
}

// Unlock reopens a Locked account and clears its failed-login counter.
func (l *Lifecycle) Unlock(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusLocked, StatusActive); err != nil {
		return err
	}
	if err := l.store.ResetFailedLogins(ctx, id); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountUnlock,
		ResourceType: "account",
		ResourceID:   id,
	})
	return err
}

// Deactivate retires an Active account.
func (l *Lifecycle) Deactivate(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusActive, StatusDeactivated); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountDeactivated,
		ResourceType: "account",
		ResourceID:   id,
	})
	return err
}

// Reactivate re-enters Active directly: the account was already approved
// once, so it does not pass through PendingApproval again.
func (l *Lifecycle) Reactivate(ctx context.Context, id string) error {
	if _, err := l.transition(ctx, id, StatusDeactivated, StatusActive); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountReactivated,
		ResourceType: "account",
		ResourceID:   id,
	})
	return err
}

// RecordFailedLogin bumps the rolling-window counter and locks the account
// when the threshold is reached. The lock event carries reason "threshold"
// to distinguish it from admin locks.
func (l *Lifecycle) RecordFailedLogin(ctx context.Context, id string) (locked bool, err error) {
	now := l.now().UTC()
	count, err := l.store.IncrementFailedLogins(ctx, id, now.Add(-l.lockWindow), now)
	if err != nil {
		return false, err
	}
	if count < l.lockThreshold {
		return false, nil
	}

	applied, err := l.store.UpdateStatus(ctx, id, StatusActive, StatusLocked)
	if err != nil {
		return false, err
	}
	if !applied {
		// Already locked (or not Active for another reason); nothing to do.
		return true, nil
	}
	obs.AccountLockouts.Inc()
	if _, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventAccountLock,
		ResourceType: "account",
		ResourceID:   id,
		Severity:     audit.SeverityCritical,
		Details:      map[string]any{"reason": "threshold", "attempts": count},
	}); err != nil {
		return true, err
	}
	return true, nil
}

// RenewConsent re-dates the account's consent to now.
func (l *Lifecycle) RenewConsent(ctx context.Context, id string) error {
	if err := l.store.RenewConsent(ctx, id, l.now().UTC()); err != nil {
		return err
	}
	_, err := l.rec.Append(ctx, audit.Event{
		Type:         audit.EventConfigurationChange,
		ResourceType: "account",
		ResourceID:   id,
		Details:      map[string]any{"change": "consent_renewed"},
	})
	return err
}

// transition applies expected to target. A no-op against an account already
// in target succeeds; any other mismatch is ErrConflict.
func (l *Lifecycle) transition(ctx context.Context, id string, expected, target Status) (changed bool, err error) {
	applied, err := l.store.UpdateStatus(ctx, id, expected, target)
	if err != nil {
		return false, err
	}
	if applied {
		return true, nil
	}
	acct, err := l.store.GetAccount(ctx, id)
	if err != nil {
		return false, err
	}
	if acct.Status == target {
		return false, nil
	}
	return false, fmt.Errorf("%w: expected %s, have %s", ErrConflict, expected, acct.Status)
}
