package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Error kinds shared by the ledger, the security guard and the offline engine.
// Callers match them with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("account not found")
	ErrDuplicateAccount    = errors.New("phone number already registered")
	ErrInvalidCredential   = errors.New("invalid credential")
	ErrSuspended           = errors.New("account suspended")
	ErrLocked              = errors.New("account locked")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSuspiciousRejected  = errors.New("transaction flagged for security review")
	ErrReservationExpired  = errors.New("reservation expired")
	ErrAlreadySettled      = errors.New("reservation already settled")
	ErrPersistenceFailure  = errors.New("persistence failure")
)

// InsufficientBalanceError reports the exact shortfall of a rejected debit.
type InsufficientBalanceError struct {
	Required  decimal.Decimal
	Fee       decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: need %s (including %s fee), have %s",
		e.Required.StringFixed(2), e.Fee.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how much more the account would need.
func (e *InsufficientBalanceError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

// LockedError is returned while a lockout is in force.
type LockedError struct {
	Remaining time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account locked, try again in %d minutes", e.MinutesRemaining())
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// MinutesRemaining rounds the remaining lock time up to whole minutes.
func (e *LockedError) MinutesRemaining() int {
	if e.Remaining <= 0 {
		return 0
	}
	return int(math.Ceil(e.Remaining.Minutes()))
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
