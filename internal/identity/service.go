package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"carebridge.org/internal/audit"
	"carebridge.org/internal/obs"
	"carebridge.org/internal/session"
)

const (
	defaultSessionTTL = 8 * time.Hour
	defaultResetTTL   = 30 * time.Minute

	resetTokenPurpose = "password_reset"
	resetTokenIssuer  = "carebridge"
)

// Service orchestrates authentication: credential check, account status,
// second factor, session issuance. Every outcome is audited.
type Service struct {
	store      Store
	sessions   *session.Store
	challenges *session.ChallengeStore
	twoFactor  *TwoFactor
	lifecycle  *Lifecycle
	rec        *audit.Recorder

	sessionTTL   time.Duration
	resetSecret  []byte
	resetTTL     time.Duration
	deliverReset ResetTokenDelivery
	now          func() time.Time
}

// ResetTokenDelivery hands a freshly issued reset token to an out-of-band
// channel (mail, SMS, a dev log). It runs inside ForgotPassword; a delivery
// error fails the request.
type ResetTokenDelivery func(ctx context.Context, email, token string) error

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithSessionTTL sets the lifetime of issued session tokens. There is no
// refresh: when the token expires the user logs in again.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
	}
}

// WithResetSecret enables password-reset tokens signed with the secret.
func WithResetSecret(secret string) ServiceOption {
	return func(s *Service) {
		if strings.TrimSpace(secret) != "" {
			s.resetSecret = []byte(secret)
		}
	}
}

// WithResetTTL sets the password-reset token lifetime.
func WithResetTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.resetTTL = ttl
		}
	}
}

// WithResetDelivery sets the channel that carries reset tokens to users.
func WithResetDelivery(fn ResetTokenDelivery) ServiceOption {
	return func(s *Service) {
		s.deliverReset = fn
	}
}

// WithServiceClock overrides the time source, for tests.
func WithServiceClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the authentication orchestrator.
func NewService(store Store, sessions *session.Store, challenges *session.ChallengeStore, twoFactor *TwoFactor, lifecycle *Lifecycle, rec *audit.Recorder, opts ...ServiceOption) *Service {
	s := &Service{
		store:      store,
		sessions:   sessions,
		challenges: challenges,
		twoFactor:  twoFactor,
		lifecycle:  lifecycle,
		rec:        rec,
		sessionTTL: defaultSessionTTL,
		resetTTL:   defaultResetTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginResult is what a successful (or partially successful) login returns.
// Either Token is set, or TwoFactorRequired is true and ChallengeToken
// carries the reference for CompleteTwoFactor.
type LoginResult struct {
	Token             string    `json:"token,omitempty"`
	ExpiresAt         time.Time `json:"expires_at,omitempty"`
	TwoFactorRequired bool      `json:"two_factor_required"`
	ChallengeToken    string    `json:"challenge_token,omitempty"`
	Account           *Account  `json:"account,omitempty"`
}

// Login authenticates by email and password. Unknown email and wrong
// password are indistinguishable to the caller; a non-Active account is
// reported with its substatus and costs no failed-login strike.
func (s *Service) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			obs.LoginAttempts.WithLabelValues("failure").Inc()
			s.rec.Record(ctx, audit.Event{
				Type:         audit.EventLoginFailure,
				ResourceType: "account",
				Severity:     audit.SeverityWarning,
				Details:      map[string]any{"reason": "unknown_email"},
			})
			return nil, ErrAuthentication
		}
		return nil, err
	}

	if err := VerifyPassword(acct.PasswordHash, password); err != nil {
		if _, lerr := s.lifecycle.RecordFailedLogin(ctx, acct.ID); lerr != nil {
			return nil, lerr
		}
		obs.LoginAttempts.WithLabelValues("failure").Inc()
		s.rec.Record(ctx, audit.Event{
			Type:         audit.EventLoginFailure,
			ResourceType: "account",
			ResourceID:   acct.ID,
			Severity:     audit.SeverityWarning,
			Details:      map[string]any{"reason": "bad_credentials"},
		})
		return nil, ErrAuthentication
	}

	if acct.Status != StatusActive {
		obs.LoginAttempts.WithLabelValues("not_active").Inc()
		s.rec.Record(ctx, audit.Event{
			Type:         audit.EventLoginFailure,
			ResourceType: "account",
			ResourceID:   acct.ID,
			Severity:     audit.SeverityWarning,
			Details:      map[string]any{"reason": "not_active", "status": string(acct.Status)},
		})
		return nil, NotActive(acct.Status)
	}

	if acct.TwoFactorEnabled {
		ch, err := s.challenges.Create(ctx, acct.ID)
		if err != nil {
			return nil, err
		}
		obs.LoginAttempts.WithLabelValues("partial").Inc()
		s.rec.Record(ctx, audit.Event{
			Type:         audit.EventLoginPartial,
			Actor:        acct.ID,
			ResourceType: "account",
			ResourceID:   acct.ID,
		})
		return &LoginResult{TwoFactorRequired: true, ChallengeToken: ch.ID}, nil
	}

	return s.establishSession(ctx, acct)
}

// CompleteTwoFactor finishes a login that required a second factor. Too many
// wrong codes lock the account through the lifecycle manager, on a counter
// independent from failed passwords.
func (s *Service) CompleteTwoFactor(ctx context.Context, challengeToken, code string) (*LoginResult, error) {
	accountID, attempts, err := s.twoFactor.Verify(ctx, challengeToken, code)
	if err != nil {
		if errors.Is(err, ErrTwoFactorInvalid) {
			obs.LoginAttempts.WithLabelValues("failure").Inc()
			s.rec.Record(ctx, audit.Event{
				Type:         audit.EventLoginFailure,
				ResourceType: "account",
				Severity:     audit.SeverityWarning,
				Details:      map[string]any{"reason": "bad_totp_code", "attempts": attempts},
			})
			if attempts >= s.lifecycle.lockThreshold {
				ch, gerr := s.challenges.Get(ctx, challengeToken)
				if gerr == nil {
					if _, lerr := s.challenges.Consume(ctx, challengeToken); lerr == nil {
						if lckErr := s.lifecycle.Lock(ctx, ch.AccountID); lckErr != nil && !errors.Is(lckErr, ErrConflict) {
							return nil, lckErr
						}
					}
				}
			}
		}
		return nil, err
	}

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != StatusActive {
		return nil, NotActive(acct.Status)
	}
	return s.establishSession(ctx, acct)
}

// establishSession issues the token and records the successful login. The
// login_success event is written fail-closed: no audit record, no session.
func (s *Service) establishSession(ctx context.Context, acct *Account) (*LoginResult, error) {
	token, claims, err := s.sessions.Issue(ctx, acct.ID, s.sessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchLastLogin(ctx, acct.ID, s.now().UTC()); err != nil {
		return nil, err
	}
	if err := s.store.ResetFailedLogins(ctx, acct.ID); err != nil {
		return nil, err
	}
	if _, err := s.rec.Append(ctx, audit.Event{
		Type:         audit.EventLoginSuccess,
		Actor:        acct.ID,
		ResourceType: "account",
		ResourceID:   acct.ID,
	}); err != nil {
		_ = s.sessions.Revoke(ctx, token)
		return nil, err
	}
	obs.LoginAttempts.WithLabelValues("success").Inc()
	return &LoginResult{Token: token, ExpiresAt: claims.ExpiresAt, Account: acct}, nil
}

// ValidateSession resolves a bearer token to its account. A token is valid
// only while its account stays Active.
func (s *Service) ValidateSession(ctx context.Context, token string) (*Account, error) {
	claims, err := s.sessions.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	acct, err := s.store.GetAccount(ctx, claims.AccountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, session.ErrInvalid
		}
		return nil, err
	}
	if acct.Status != StatusActive {
		return nil, session.ErrInvalid
	}
	return acct, nil
}

// Account fetches an account by id.
func (s *Service) Account(ctx context.Context, id string) (*Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Logout revokes the session token.
func (s *Service) Logout(ctx context.Context, token string) error {
	if err := s.sessions.Revoke(ctx, token); err != nil {
		return err
	}
	s.rec.Record(ctx, audit.Event{
		Type:         audit.EventLogout,
		ResourceType: "session",
	})
	return nil
}

// ChangePassword re-asserts the current password rather than trusting
// session age, then rotates the credential and revokes every other session.
func (s *Service) ChangePassword(ctx context.Context, accountID, current, next string) error {
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(acct.PasswordHash, current); err != nil {
		return ErrAuthentication
	}
	hash, err := HashPassword(next)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.SetPassword(ctx, accountID, hash); err != nil {
		return err
	}
	if err := s.sessions.RevokeAccount(ctx, accountID); err != nil {
		return err
	}
	_, err = s.rec.Append(ctx, audit.Event{
		Type:         audit.EventPasswordChange,
		Actor:        accountID,
		ResourceType: "account",
		ResourceID:   accountID,
	})
	return err
}

// ForgotPassword issues a signed single-purpose reset token and hands it to
// the configured delivery channel. It never discloses whether the email
// exists: unknown addresses get an empty token, no delivery and a nil error.
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	if len(s.resetSecret) == 0 {
		return "", errors.New("identity: password reset is not configured")
	}
	email = strings.TrimSpace(strings.ToLower(email))
	acct, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	now := s.now().UTC()
	claims := jwt.MapClaims{
		"iss":     resetTokenIssuer,
		"sub":     acct.ID,
		"purpose": resetTokenPurpose,
		"iat":     now.Unix(),
		"exp":     now.Add(s.resetTTL).Unix(),
		"jti":     uuid.NewString(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.resetSecret)
	if err != nil {
		return "", err
	}
	if s.deliverReset != nil {
		if err := s.deliverReset(ctx, email, token); err != nil {
			return "", fmt.Errorf("identity: deliver reset token: %w", err)
		}
	}
	s.rec.Record(ctx, audit.Event{
		Type:         audit.EventPasswordReset,
		ResourceType: "account",
		ResourceID:   acct.ID,
		Details:      map[string]any{"stage": "requested"},
	})
	return token, nil
}

// ResetPassword redeems a reset token, rotates the credential and revokes
// every session of the account.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	accountID, err := s.parseResetToken(token)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := s.store.SetPassword(ctx, accountID, hash); err != nil {
		return err
	}
	if err := s.store.ResetFailedLogins(ctx, accountID); err != nil {
		return err
	}
	if err := s.sessions.RevokeAccount(ctx, accountID); err != nil {
		return err
	}
	_, err = s.rec.Append(ctx, audit.Event{
		Type:         audit.EventPasswordReset,
		ResourceType: "account",
		ResourceID:   accountID,
		Details:      map[string]any{"stage": "completed"},
	})
	return err
}

func (s *Service) parseResetToken(token string) (string, error) {
	if len(s.resetSecret) == 0 {
		return "", errors.New("identity: password reset is not configured")
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrAuthentication
		}
		return s.resetSecret, nil
	}, jwt.WithIssuer(resetTokenIssuer), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil || !parsed.Valid {
		return "", ErrAuthentication
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrAuthentication
	}
	if purpose, _ := claims["purpose"].(string); purpose != resetTokenPurpose {
		return "", ErrAuthentication
	}
	sub, _ := claims["sub"].(string)
	if strings.TrimSpace(sub) == "" {
		return "", ErrAuthentication
	}
	return sub, nil
}
