package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/session"
)

type serviceFixture struct {
	svc       *Service
	lifecycle *Lifecycle
	store     *fakeStore
	sink      *auditSink
	sessions  *session.Store
}

func newServiceFixture(t *testing.T, opts ...ServiceOption) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newFakeStore()
	sink := &auditSink{}
	rec := audit.NewRecorder(sink)
	rec.Start()
	t.Cleanup(rec.Close)

	sessions := session.NewStore(rdb)
	challenges := session.NewChallengeStore(rdb, 5*time.Minute)
	policy := NewApprovalPolicy(nil)
	lifecycle := NewLifecycle(store, rec, policy, WithLockoutThreshold(5))
	twoFactor := NewTwoFactor(store, challenges, rec, "CareBridge")
	svcOpts := append([]ServiceOption{
		WithSessionTTL(time.Hour),
		WithResetSecret("test-reset-secret"),
	}, opts...)
	svc := NewService(store, sessions, challenges, twoFactor, lifecycle, rec, svcOpts...)
	return &serviceFixture{svc: svc, lifecycle: lifecycle, store: store, sink: sink, sessions: sessions}
}

func (f *serviceFixture) activeAccount(t *testing.T, email, password string) *Account {
	t.Helper()
	acct, err := f.lifecycle.Register(context.Background(), RolePatient, email, password)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := f.lifecycle.VerifyEmail(context.Background(), acct.ID); err != nil {
		t.Fatalf("VerifyEmail: %v", err)
	}
	got, err := f.store.GetAccount(context.Background(), acct.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	return got
}

func TestLoginIssuesSession(t *testing.T) {
	f := newServiceFixture(t)
	acct := f.activeAccount(t, "p@example.org", "correct-horse-battery")

	res, err := f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if res.Token == "" || res.TwoFactorRequired {
		t.Fatalf("expected full session, got %+v", res)
	}

	got, err := f.svc.ValidateSession(context.Background(), res.Token)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if got.ID != acct.ID {
		t.Fatalf("wrong account: %s", got.ID)
	}

	stored, _ := f.store.GetAccount(context.Background(), acct.ID)
	if stored.LastLoginAt == nil {
		t.Fatal("expected last login timestamp")
	}
}

func TestLoginUnknownEmailAndWrongPasswordLookAlike(t *testing.T) {
	f := newServiceFixture(t)
	f.activeAccount(t, "p@example.org", "correct-horse-battery")

	_, errUnknown := f.svc.Login(context.Background(), "ghost@example.org", "whatever-password")
	_, errWrong := f.svc.Login(context.Background(), "p@example.org", "wrong-password-here")

	if !errors.Is(errUnknown, ErrAuthentication) || !errors.Is(errWrong, ErrAuthentication) {
		t.Fatalf("both failures must be ErrAuthentication: %v / %v", errUnknown, errWrong)
	}
	if errUnknown.Error() != errWrong.Error() {
		t.Fatalf("failure messages must not differ: %q vs %q", errUnknown, errWrong)
	}
}

func TestLoginStrikesOnlyRealAccounts(t *testing.T) {
	f := newServiceFixture(t)
	acct := f.activeAccount(t, "p@example.org", "correct-horse-battery")

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Login(context.Background(), "ghost@example.org", "wrong")
	}
	stored, _ := f.store.GetAccount(context.Background(), acct.ID)
	if stored.FailedLoginAttempts != 0 {
		t.Fatalf("unknown-email attempts must not strike: %d", stored.FailedLoginAttempts)
	}

	if _, err := f.svc.Login(context.Background(), "p@example.org", "wrong-password-here"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	stored, _ = f.store.GetAccount(context.Background(), acct.ID)
	if stored.FailedLoginAttempts != 1 {
		t.Fatalf("expected one strike, got %d", stored.FailedLoginAttempts)
	}
}

func TestLoginLocksAfterThreshold(t *testing.T) {
	f := newServiceFixture(t)
	acct := f.activeAccount(t, "p@example.org", "correct-horse-battery")

	for i := 0; i < 5; i++ {
		if _, err := f.svc.Login(context.Background(), "p@example.org", "wrong-password-here"); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("attempt %d: expected ErrAuthentication, got %v", i+1, err)
		}
	}

	stored, _ := f.store.GetAccount(context.Background(), acct.ID)
	if stored.Status != StatusLocked {
		t.Fatalf("expected locked after threshold, got %s", stored.Status)
	}

	// The sixth attempt, even with the right password, reports the lock.
	_, err := f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	var notActive *AccountNotActiveError
	if !errors.As(err, &notActive) {
		t.Fatalf("expected AccountNotActiveError, got %v", err)
	}
	if notActive.Status != StatusLocked {
		t.Fatalf("expected locked substatus, got %s", notActive.Status)
	}
}

func TestLoginNonActiveCostsNoStrike(t *testing.T) {
	f := newServiceFixture(t)
	acct, err := f.lifecycle.Register(context.Background(), RolePatient, "p@example.org", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	_, err = f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	var notActive *AccountNotActiveError
	if !errors.As(err, &notActive) || notActive.Status != StatusUnverified {
		t.Fatalf("expected unverified rejection, got %v", err)
	}
	stored, _ := f.store.GetAccount(context.Background(), acct.ID)
	if stored.FailedLoginAttempts != 0 {
		t.Fatalf("status rejection must not strike: %d", stored.FailedLoginAttempts)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newServiceFixture(t)
	f.activeAccount(t, "p@example.org", "correct-horse-battery")

	res, err := f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.svc.Logout(context.Background(), res.Token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := f.svc.ValidateSession(context.Background(), res.Token); !errors.Is(err, session.ErrInvalid) {
		t.Fatalf("expected invalid session, got %v", err)
	}
}

func TestValidateSessionRejectsNonActiveAccount(t *testing.T) {
	f := newServiceFixture(t)
	acct := f.activeAccount(t, "p@example.org", "correct-horse-battery")

	res, err := f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := f.lifecycle.Deactivate(context.Background(), acct.ID); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	if _, err := f.svc.ValidateSession(context.Background(), res.Token); !errors.Is(err, session.ErrInvalid) {
		t.Fatalf("deactivated account must invalidate sessions, got %v", err)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	f := newServiceFixture(t)
	acct := f.activeAccount(t, "p@example.org", "correct-horse-battery")

	res, err := f.svc.Login(context.Background(), "p@example.org", "correct-horse-battery")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if err := f.svc.ChangePassword(context.Background(), acct.ID, "wrong-password-here", "next-password-123"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
	if err := f.svc.ChangePassword(context.Background(), acct.ID, "correct-horse-battery", "next-password-123"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}

	if _, err := f.svc.ValidateSession(context.Background(), res.Token); !errors.Is(err, session.ErrInvalid) {
		t.Fatalf("old session must be revoked, got %v", err)
	}
	if _, err := f.svc.Login(context.Background(), "p@example.org", "next-password-123"); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestForgotAndResetPassword(t *testing.T) {
	f := newServiceFixture(t)
	f.activeAccount(t, "p@example.org", "correct-horse-battery")

	// Unknown email yields no token and no error.
	token, err := f.svc.ForgotPassword(context.Background(), "ghost@example.org")
	if err != nil || token != "" {
		t.Fatalf("unknown email must be silent: %q, %v", token, err)
	}

	token, err = f.svc.ForgotPassword(context.Background(), "p@example.org")
	if err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if token == "" {
		t.Fatal("expected reset token")
	}

	if err := f.svc.ResetPassword(context.Background(), token, "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
	if _, err := f.svc.Login(context.Background(), "p@example.org", "brand-new-password"); err != nil {
		t.Fatalf("login with reset password: %v", err)
	}

	if err := f.svc.ResetPassword(context.Background(), "not-a-token", "another-password-1"); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication for bad token, got %v", err)
	}
}

func TestForgotPasswordDeliversToken(t *testing.T) {
	var (
		deliveredTo    string
		deliveredToken string
		calls          int
	)
	f := newServiceFixture(t, WithResetDelivery(func(_ context.Context, email, token string) error {
		deliveredTo, deliveredToken = email, token
		calls++
		return nil
	}))
	f.activeAccount(t, "p@example.org", "correct-horse-battery")

	// Unknown email: silent, and nothing leaves the service.
	if _, err := f.svc.ForgotPassword(context.Background(), "ghost@example.org"); err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if calls != 0 {
		t.Fatalf("delivery called %d times for unknown email", calls)
	}

	token, err := f.svc.ForgotPassword(context.Background(), "P@Example.ORG")
	if err != nil {
		t.Fatalf("ForgotPassword: %v", err)
	}
	if calls != 1 || deliveredTo != "p@example.org" || deliveredToken != token {
		t.Fatalf("delivery = (%q, %q) x%d, token = %q", deliveredTo, deliveredToken, calls, token)
	}

	// The delivered token is redeemable.
	if err := f.svc.ResetPassword(context.Background(), deliveredToken, "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
}

func TestForgotPasswordFailsWhenDeliveryFails(t *testing.T) {
	f := newServiceFixture(t, WithResetDelivery(func(context.Context, string, string) error {
		return errors.New("smtp down")
	}))
	f.activeAccount(t, "p@example.org", "correct-horse-battery")

	if _, err := f.svc.ForgotPassword(context.Background(), "p@example.org"); err == nil {
		t.Fatal("want error when delivery fails")
	}
}
