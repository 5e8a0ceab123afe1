package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/session"
)

// TwoFactor manages TOTP enrollment and verification. A secret generated by
// Setup stays pending until Confirm proves the user's authenticator produces
// matching codes; only then does the account require a second factor.
type TwoFactor struct {
	store      Store
	challenges *session.ChallengeStore
	rec        *audit.Recorder
	issuer     string
	now        func() time.Time
}

// TwoFactorOption configures a TwoFactor manager.
type TwoFactorOption func(*TwoFactor)

// WithTwoFactorClock overrides the time source, for tests.
func WithTwoFactorClock(fn func() time.Time) TwoFactorOption {
	return func(t *TwoFactor) {
		if fn != nil {
			t.now = fn
		}
	}
}

// NewTwoFactor constructs the manager. issuer labels provisioning URIs in
// authenticator apps.
func NewTwoFactor(store Store, challenges *session.ChallengeStore, rec *audit.Recorder, issuer string, opts ...TwoFactorOption) *TwoFactor {
	t := &TwoFactor{
		store:      store,
		challenges: challenges,
		rec:        rec,
		issuer:     issuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Setup generates a pending secret and returns it with the otpauth
// provisioning URI. The account's two-factor flag is untouched until
// Confirm succeeds.
func (t *TwoFactor) Setup(ctx context.Context, accountID string) (secret, uri string, err error) {
	acct, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", "", err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: acct.Email,
	})
	if err != nil {
		return "", "", err
	}
	if err := t.store.SetPendingTwoFactorSecret(ctx, accountID, key.Secret()); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// Confirm validates a code against the pending secret and, on success,
// enables the second factor.
func (t *TwoFactor) Confirm(ctx context.Context, accountID, code string) error {
	acct, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if acct.PendingTwoFactorSecret == "" {
		return fmt.Errorf("%w: no pending two-factor setup", ErrInvalidInput)
	}
	if !t.validate(code, acct.PendingTwoFactorSecret) {
		return ErrTwoFactorInvalid
	}
	if err := t.store.SetTwoFactor(ctx, accountID, true, acct.PendingTwoFactorSecret); err != nil {
		return err
	}
	_, err = t.rec.Append(ctx, audit.Event{
		Type:         audit.EventTwoFactorSetup,
		ResourceType: "account",
		ResourceID:   accountID,
	})
	return err
}

// Verify checks a code against the challenge's account secret. The
// challenge is consumed on first success: a replay of the same token fails
// with session.ErrChallengeExpired even when the code is correct. On a wrong
// code the per-challenge attempt count is returned so the caller can decide
// about locking the account.
func (t *TwoFactor) Verify(ctx context.Context, challengeToken, code string) (accountID string, attempts int, err error) {
	ch, err := t.challenges.Get(ctx, challengeToken)
	if err != nil {
		return "", 0, err
	}
	acct, err := t.store.GetAccount(ctx, ch.AccountID)
	if err != nil {
		return "", 0, err
	}
	if !acct.TwoFactorEnabled || acct.TwoFactorSecret == "" {
		return "", 0, session.ErrChallengeExpired
	}
	if !t.validate(code, acct.TwoFactorSecret) {
		n, cerr := t.challenges.RecordFailure(ctx, challengeToken)
		if cerr != nil {
			return "", 0, cerr
		}
		return "", n, ErrTwoFactorInvalid
	}
	if _, err := t.challenges.Consume(ctx, challengeToken); err != nil {
		// Lost the race with a concurrent verification of the same token.
		return "", 0, err
	}
	return acct.ID, 0, nil
}

// Disable removes the second factor. It demands the account's primary
// credential, never a code: an attacker holding only the second-factor
// channel must not be able to strip it.
func (t *TwoFactor) Disable(ctx context.Context, accountID, password string) error {
	acct, err := t.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		return ErrAuthentication
	}
	if err := t.store.SetTwoFactor(ctx, accountID, false, ""); err != nil {
		return err
	}
	_, err = t.rec.Append(ctx, audit.Event{
		Type:         audit.EventTwoFactorDisabled,
		ResourceType: "account",
		ResourceID:   accountID,
		Severity:     audit.SeverityWarning,
	})
	return err
}

// validate accepts codes within one time step either side of the clock.
func (t *TwoFactor) validate(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, t.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
