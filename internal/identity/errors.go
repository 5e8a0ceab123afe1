package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication covers both unknown email and wrong password; the
	// two must stay indistinguishable to callers.
	ErrAuthentication = errors.New("identity: authentication failed")

	// ErrTwoFactorInvalid is returned for a wrong or malformed code.
	ErrTwoFactorInvalid = errors.New("identity: two-factor code invalid")

	// ErrPermissionDenied is returned when a capability check fails.
	ErrPermissionDenied = errors.New("identity: permission denied")

	// ErrConflict signals an optimistic-concurrency precondition mismatch:
	// the account's current status is not what the caller expected.
	ErrConflict = errors.New("identity: status precondition failed")

	ErrNotFound      = errors.New("identity: account not found")
	ErrAlreadyExists = errors.New("identity: account already exists")
	ErrInvalidInput  = errors.New("identity: invalid input")
)

// AccountNotActiveError reports a status-based login rejection. Unlike a
// credential failure it names the substatus, and it never consumes a
// failed-login strike.
type AccountNotActiveError struct {
	Status Status
}

func (e *AccountNotActiveError) Error() string {
	return fmt.Sprintf("identity: account not active (%s)", e.Status)
}

// NotActive wraps a status into its rejection error.
func NotActive(s Status) error {
	return &AccountNotActiveError{Status: s}
}
