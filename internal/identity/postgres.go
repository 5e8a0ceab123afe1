package identity

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

const accountColumns = `id, email, password_hash, role, status, failed_login_attempts,
	last_failed_login_at, two_factor_enabled, coalesce(two_factor_secret,''),
	coalesce(pending_two_factor_secret,''), credentials_verified, consent_renewed_at,
	created_at, updated_at, last_login_at`

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	db *sql.DB
}

// NewPGStore wraps an open database handle.
func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) CreateAccount(ctx context.Context, acct *Account) error {
	_, err := s.db.ExecContext(ctx, `
		insert into accounts(id, email, password_hash, role, status, failed_login_attempts,
			two_factor_enabled, credentials_verified, consent_renewed_at, created_at, updated_at)
		values ($1,$2,$3,$4,$5,0,false,false,$6,$7,$7)
	`, acct.ID, acct.Email, acct.PasswordHash, string(acct.Role), string(acct.Status), acct.ConsentRenewedAt, acct.CreatedAt)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PGStore) GetAccount(ctx context.Context, id string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where id = $1`, id)
	return scanAccount(row)
}

func (s *PGStore) GetAccountByEmail(ctx context.Context, email string) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `select `+accountColumns+` from accounts where email = $1`, email)
	return scanAccount(row)
}

func (s *PGStore) UpdateStatus(ctx context.Context, id string, expected, next Status) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update accounts set status = $3, updated_at = now()
		where id = $1 and status = $2
	`, id, string(expected), string(next))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IncrementFailedLogins applies the rolling window in one statement so two
// concurrent failures cannot both read a stale counter.
func (s *PGStore) IncrementFailedLogins(ctx context.Context, id string, windowStart, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		update accounts set
			failed_login_attempts = case
				when last_failed_login_at is null or last_failed_login_at < $2 then 1
				else failed_login_attempts + 1
			end,
			last_failed_login_at = $3,
			updated_at = now()
		where id = $1
		returning failed_login_attempts
	`, id, windowStart, now).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

func (s *PGStore) ResetFailedLogins(ctx context.Context, id string) error {
	return s.exec(ctx, `
		update accounts set failed_login_attempts = 0, last_failed_login_at = null, updated_at = now()
		where id = $1
	`, id)
}

func (s *PGStore) SetPassword(ctx context.Context, id, passwordHash string) error {
	return s.exec(ctx, `
		update accounts set password_hash = $2, updated_at = now()
		where id = $1
	`, id, passwordHash)
}

func (s *PGStore) SetPendingTwoFactorSecret(ctx context.Context, id, secret string) error {
	return s.exec(ctx, `
		update accounts set pending_two_factor_secret = nullif($2,''), updated_at = now()
		where id = $1
	`, id, secret)
}

func (s *PGStore) SetTwoFactor(ctx context.Context, id string, enabled bool, secret string) error {
	return s.exec(ctx, `
		update accounts set two_factor_enabled = $2, two_factor_secret = nullif($3,''),
			pending_two_factor_secret = null, updated_at = now()
		where id = $1
	`, id, enabled, secret)
}

func (s *PGStore) SetCredentialsVerified(ctx context.Context, id string, verified bool) error {
	return s.exec(ctx, `
		update accounts set credentials_verified = $2, updated_at = now()
		where id = $1
	`, id, verified)
}

func (s *PGStore) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `
		update accounts set last_login_at = $2, updated_at = now()
		where id = $1
	`, id, at)
}

func (s *PGStore) RenewConsent(ctx context.Context, id string, at time.Time) error {
	return s.exec(ctx, `
		update accounts set consent_renewed_at = $2, updated_at = now()
		where id = $1
	`, id, at)
}

func (s *PGStore) CountByRole(ctx context.Context) (map[Role]int, error) {
	rows, err := s.db.QueryContext(ctx, `select role, count(*) from accounts group by role`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Role]int{}
	for rows.Next() {
		var role string
		var n int
		if err := rows.Scan(&role, &n); err != nil {
			return nil, err
		}
		out[Role(role)] = n
	}
	return out, rows.Err()
}

func (s *PGStore) CountByStatus(ctx context.Context, st Status) (int, error) {
	return s.count(ctx, `select count(*) from accounts where status = $1`, string(st))
}

func (s *PGStore) CountTwoFactorEnabled(ctx context.Context) (int, error) {
	return s.count(ctx, `select count(*) from accounts where two_factor_enabled`)
}

func (s *PGStore) CountPendingSince(ctx context.Context, before time.Time) (int, error) {
	return s.count(ctx, `select count(*) from accounts where status = $1 and updated_at < $2`, string(StatusPendingApproval), before)
}

func (s *PGStore) CountConsentOverdue(ctx context.Context, renewedBefore time.Time) (int, error) {
	return s.count(ctx, `select count(*) from accounts where consent_renewed_at < $1`, renewedBefore)
}

func (s *PGStore) SumFailedLoginAttempts(ctx context.Context) (int, error) {
	return s.count(ctx, `select coalesce(sum(failed_login_attempts),0) from accounts`)
}

func (s *PGStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) count(ctx context.Context, query string, args ...any) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

func scanAccount(row *sql.Row) (*Account, error) {
	var a Account
	var role, status string
	var lastFailed, lastLogin sql.NullTime
	err := row.Scan(
		&a.ID, &a.Email, &a.PasswordHash, &role, &status, &a.FailedLoginAttempts,
		&lastFailed, &a.TwoFactorEnabled, &a.TwoFactorSecret,
		&a.PendingTwoFactorSecret, &a.CredentialsVerified, &a.ConsentRenewedAt,
		&a.CreatedAt, &a.UpdatedAt, &lastLogin,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Role = Role(role)
	a.Status = Status(status)
	if lastFailed.Valid {
		t := lastFailed.Time
		a.LastFailedLoginAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		a.LastLoginAt = &t
	}
	return &a, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
