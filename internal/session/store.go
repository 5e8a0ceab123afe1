// Package session keeps short-lived authentication state in Redis: opaque
// session tokens and single-use two-factor challenges. Tokens are validated
// by lookup, never by decoding.
package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"carebridge.org/internal/ids"
)

var (
	// ErrInvalid is returned when a token is unknown, expired or revoked.
	// Callers must not distinguish the three cases.
	ErrInvalid = errors.New("session: token invalid or expired")
)

const (
	sessionKeyPrefix = "sess:"
	accountSetPrefix = "sess:acct:"
	tokenSecretBytes = 32
)

// Claims is what a validated token resolves to.
type Claims struct {
	AccountID string    `json:"account_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type record struct {
	AccountID  string    `json:"account_id"`
	SecretHash string    `json:"secret_hash"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Revoked    bool      `json:"revoked"`
}

// Store issues and validates opaque session tokens. A token is the pair
// "<id>.<secret>"; only a SHA-256 hash of the secret is kept server-side, so
// a leaked Redis snapshot cannot be replayed as live tokens.
type Store struct {
	rdb *redis.Client
	now func() time.Time
}

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStore constructs a session store on top of the given Redis client.
func NewStore(rdb *redis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue creates a session for the account and returns the opaque token.
func (s *Store) Issue(ctx context.Context, accountID string, ttl time.Duration) (string, Claims, error) {
	if accountID == "" || ttl <= 0 {
		return "", Claims{}, errors.New("session: account id and positive ttl are required")
	}

	secretRaw := make([]byte, tokenSecretBytes)
	if _, err := rand.Read(secretRaw); err != nil {
		return "", Claims{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretRaw)
	id := ids.New()

	now := s.now().UTC()
	rec := record{
		AccountID:  accountID,
		SecretHash: hashSecret(secret),
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return "", Claims{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKeyPrefix+id, payload, ttl)
	pipe.SAdd(ctx, accountSetPrefix+accountID, id)
	pipe.Expire(ctx, accountSetPrefix+accountID, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", Claims{}, err
	}

	claims := Claims{AccountID: accountID, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}
	return id + "." + secret, claims, nil
}

// Validate resolves a token to its claims. Expired, revoked and unknown
// tokens all fail with ErrInvalid.
func (s *Store) Validate(ctx context.Context, token string) (Claims, error) {
	id, secret, err := splitToken(token)
	if err != nil {
		return Claims{}, ErrInvalid
	}

	rec, err := s.load(ctx, id)
	if err != nil {
		return Claims{}, err
	}
	if rec.Revoked || s.now().After(rec.ExpiresAt) {
		return Claims{}, ErrInvalid
	}
	if subtle.ConstantTimeCompare([]byte(rec.SecretHash), []byte(hashSecret(secret))) != 1 {
		return Claims{}, ErrInvalid
	}
	return Claims{AccountID: rec.AccountID, IssuedAt: rec.IssuedAt, ExpiresAt: rec.ExpiresAt}, nil
}

// Revoke invalidates a single token (logout). Revoking an unknown token is
// not an error.
func (s *Store) Revoke(ctx context.Context, token string) error {
	id, _, err := splitToken(token)
	if err != nil {
		return nil
	}
	return s.markRevoked(ctx, id)
}

// RevokeAccount invalidates every live session for the account. Used on
// password change/reset and when an account leaves the Active status.
func (s *Store) RevokeAccount(ctx context.Context, accountID string) error {
	members, err := s.rdb.SMembers(ctx, accountSetPrefix+accountID).Result()
	if err != nil {
		return err
	}
	for _, id := range members {
		if err := s.markRevoked(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) load(ctx context.Context, id string) (record, error) {
	data, err := s.rdb.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return record{}, ErrInvalid
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, ErrInvalid
	}
	return rec, nil
}

// markRevoked flips the revoked flag in place; the record keeps its TTL so it
// ages out of Redis with the session it belonged to.
func (s *Store) markRevoked(ctx context.Context, id string) error {
	rec, err := s.load(ctx, id)
	if errors.Is(err, ErrInvalid) {
		return nil
	}
	if err != nil {
		return err
	}
	rec.Revoked = true
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, sessionKeyPrefix+id, payload, redis.KeepTTL).Err()
}

func splitToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("session: malformed token")
	}
	return parts[0], parts[1], nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
