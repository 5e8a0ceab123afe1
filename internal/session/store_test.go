package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, opts...), mr
}

func TestIssueAndValidate(t *testing.T) {
	s, _ := testStore(t)

	token, claims, err := s.Issue(context.Background(), "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !strings.Contains(token, ".") {
		t.Fatalf("token must be id.secret, got %q", token)
	}
	if claims.AccountID != "acct-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	got, err := s.Validate(context.Background(), token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.AccountID != "acct-1" || !got.ExpiresAt.Equal(claims.ExpiresAt) {
		t.Fatalf("claims mismatch: %+v vs %+v", got, claims)
	}
}

func TestValidateRejectsTamperedSecret(t *testing.T) {
	s, _ := testStore(t)

	token, _, err := s.Issue(context.Background(), "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	id := strings.SplitN(token, ".", 2)[0]

	for _, bad := range []string{
		id + ".wrong-secret",
		"unknown-id.secret",
		"no-separator",
		"",
	} {
		if _, err := s.Validate(context.Background(), bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("token %q: expected ErrInvalid, got %v", bad, err)
		}
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	current := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	s, _ := testStore(t, WithClock(func() time.Time { return current }))

	token, _, err := s.Issue(context.Background(), "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	current = current.Add(2 * time.Hour)
	if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after expiry, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	s, _ := testStore(t)

	token, _, err := s.Issue(context.Background(), "acct-1", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if err := s.Revoke(context.Background(), token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrInvalid after revoke, got %v", err)
	}

	// Revoking garbage or an already revoked token is not an error.
	if err := s.Revoke(context.Background(), token); err != nil {
		t.Fatalf("repeat Revoke: %v", err)
	}
	if err := s.Revoke(context.Background(), "not-a-token"); err != nil {
		t.Fatalf("Revoke garbage: %v", err)
	}
}

func TestRevokeAccountKillsAllSessions(t *testing.T) {
	s, _ := testStore(t)

	var tokens []string
	for i := 0; i < 3; i++ {
		token, _, err := s.Issue(context.Background(), "acct-1", time.Hour)
		if err != nil {
			t.Fatalf("Issue %d: %v", i, err)
		}
		tokens = append(tokens, token)
	}
	other, _, err := s.Issue(context.Background(), "acct-2", time.Hour)
	if err != nil {
		t.Fatalf("Issue other: %v", err)
	}

	if err := s.RevokeAccount(context.Background(), "acct-1"); err != nil {
		t.Fatalf("RevokeAccount: %v", err)
	}
	for _, token := range tokens {
		if _, err := s.Validate(context.Background(), token); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected session revoked, got %v", err)
		}
	}
	if _, err := s.Validate(context.Background(), other); err != nil {
		t.Fatalf("other account's session must survive: %v", err)
	}
}

func TestChallengeSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cs := NewChallengeStore(rdb, 5*time.Minute)

	ch, err := cs.Create(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := cs.Get(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.AccountID != "acct-1" {
		t.Fatalf("unexpected challenge: %+v", got)
	}

	if _, err := cs.Consume(context.Background(), ch.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := cs.Consume(context.Background(), ch.ID); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired on second consume, got %v", err)
	}
	if _, err := cs.Get(context.Background(), ch.ID); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("consumed challenge must be gone, got %v", err)
	}
}

func TestChallengeExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cs := NewChallengeStore(rdb, time.Minute)

	ch, err := cs.Create(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := cs.Get(context.Background(), ch.ID); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestChallengeAttemptCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cs := NewChallengeStore(rdb, time.Minute)

	ch, err := cs.Create(context.Background(), "acct-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for want := 1; want <= 3; want++ {
		n, err := cs.RecordFailure(context.Background(), ch.ID)
		if err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
		if n != want {
			t.Fatalf("expected count %d, got %d", want, n)
		}
	}

	// Consuming the challenge clears the counter with it.
	if _, err := cs.Consume(context.Background(), ch.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if mr.Exists("2fa:attempts:" + ch.ID) {
		t.Fatal("attempt counter must be deleted on consume")
	}
}
