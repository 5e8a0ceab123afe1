package identity

import (
	"context"
	"time"
)

// Store describes persistence for accounts. UpdateStatus is the optimistic
// write the whole lifecycle is built on: it applies only when the stored
// status matches the caller's expectation, and reports whether it did.
type Store interface {
	CreateAccount(ctx context.Context, acct *Account) error
	GetAccount(ctx context.Context, id string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)

	// UpdateStatus transitions id from expected to next. Returns false with
	// a nil error when the precondition did not hold; the caller decides
	// whether that is a conflict or an idempotent no-op.
	UpdateStatus(ctx context.Context, id string, expected, next Status) (bool, error)

	// IncrementFailedLogins bumps the rolling-window counter: attempts
	// older than windowStart reset the count to 1. Returns the new count.
	IncrementFailedLogins(ctx context.Context, id string, windowStart, now time.Time) (int, error)
	ResetFailedLogins(ctx context.Context, id string) error

	SetPassword(ctx context.Context, id, passwordHash string) error
	SetPendingTwoFactorSecret(ctx context.Context, id, secret string) error
	SetTwoFactor(ctx context.Context, id string, enabled bool, secret string) error
	SetCredentialsVerified(ctx context.Context, id string, verified bool) error
	TouchLastLogin(ctx context.Context, id string, at time.Time) error
	RenewConsent(ctx context.Context, id string, at time.Time) error

	// Read-only aggregates for compliance reporting.
	CountByRole(ctx context.Context) (map[Role]int, error)
	CountByStatus(ctx context.Context, s Status) (int, error)
	CountTwoFactorEnabled(ctx context.Context) (int, error)
	CountPendingSince(ctx context.Context, before time.Time) (int, error)
	CountConsentOverdue(ctx context.Context, renewedBefore time.Time) (int, error)
	SumFailedLoginAttempts(ctx context.Context) (int, error)
}
