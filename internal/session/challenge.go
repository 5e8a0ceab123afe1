package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrChallengeExpired is returned when a two-factor challenge is unknown,
// expired or already consumed. A consumed challenge is indistinguishable from
// an expired one on purpose: the token is single-use.
var ErrChallengeExpired = errors.New("session: two-factor challenge expired")

const (
	challengeKeyPrefix  = "2fa:"
	challengeAttemptKey = "2fa:attempts:"
)

// Challenge is the server-side state behind a pending second factor.
type Challenge struct {
	ID        string    `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ChallengeStore keeps pending two-factor challenges with a short TTL.
type ChallengeStore struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

// ChallengeOption configures a ChallengeStore.
type ChallengeOption func(*ChallengeStore)

// WithChallengeClock overrides the time source, for tests.
func WithChallengeClock(fn func() time.Time) ChallengeOption {
	return func(s *ChallengeStore) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewChallengeStore constructs a challenge store. ttl bounds how long a
// partially authenticated login may wait for its second factor.
func NewChallengeStore(rdb *redis.Client, ttl time.Duration, opts ...ChallengeOption) *ChallengeStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	s := &ChallengeStore{rdb: rdb, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a fresh challenge for the account and returns its token.
func (s *ChallengeStore) Create(ctx context.Context, accountID string) (Challenge, error) {
	if accountID == "" {
		return Challenge{}, errors.New("session: account id is required")
	}
	now := s.now().UTC()
	ch := Challenge{
		ID:        uuid.NewString(),
		AccountID: accountID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	payload, err := json.Marshal(ch)
	if err != nil {
		return Challenge{}, err
	}
	if err := s.rdb.Set(ctx, challengeKeyPrefix+ch.ID, payload, s.ttl).Err(); err != nil {
		return Challenge{}, err
	}
	return ch, nil
}

// Get returns the challenge without consuming it.
func (s *ChallengeStore) Get(ctx context.Context, token string) (Challenge, error) {
	data, err := s.rdb.Get(ctx, challengeKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeExpired
	}
	if err != nil {
		return Challenge{}, err
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return Challenge{}, ErrChallengeExpired
	}
	return ch, nil
}

// Consume atomically removes the challenge and returns it. A second Consume
// of the same token fails with ErrChallengeExpired, which is what makes the
// challenge single-use under concurrent verification attempts.
func (s *ChallengeStore) Consume(ctx context.Context, token string) (Challenge, error) {
	data, err := s.rdb.GetDel(ctx, challengeKeyPrefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Challenge{}, ErrChallengeExpired
	}
	if err != nil {
		return Challenge{}, err
	}
	var ch Challenge
	if err := json.Unmarshal(data, &ch); err != nil {
		return Challenge{}, ErrChallengeExpired
	}
	s.rdb.Del(ctx, challengeAttemptKey+token)
	return ch, nil
}

// RecordFailure bumps the failed-attempt counter for the challenge and
// returns the new count. The counter lives and dies with the challenge TTL
// and is independent from the account's failed-login counter.
func (s *ChallengeStore) RecordFailure(ctx context.Context, token string) (int, error) {
	key := challengeAttemptKey + token
	count, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		s.rdb.Expire(ctx, key, s.ttl)
	}
	return int(count), nil
}
