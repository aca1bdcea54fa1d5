package domain

import (
	"errors"
	"fmt"

	"github.com/example/ledger-core/internal/money"
)

// Business-rule rejections. These are terminal for a call and leave no
// partial state behind.
var (
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountClosed            = errors.New("account closed")
	ErrInvalidAccount           = errors.New("invalid account")
	ErrInvalidCard              = errors.New("invalid card")
	ErrCardVerificationFailed   = errors.New("card verification failed")
	ErrInvalidCardTransition    = errors.New("invalid card transition")
	ErrInvalidPaymentTransition = errors.New("invalid payment transition")
	ErrPaymentNotFound          = errors.New("payment not found")
	ErrBillNotFound             = errors.New("bill not found")
	ErrBillAlreadyPaid          = errors.New("bill already paid")
	ErrAccountNotEmpty          = errors.New("account balance is not zero")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrCurrencyMismatch         = money.ErrCurrencyMismatch
)

// Conflicts that callers may retry.
var (
	ErrVersionConflict = errors.New("version conflict")
	ErrLockTimeout     = errors.New("lock timeout")
	ErrTransient       = errors.New("transient failure")
)

// ErrDuplicateIdempotencyKey marks an operation whose key was already applied.
// The core turns it into a successful no-op; it never reaches the gateway.
var ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

// IsTransient reports whether err is a "retry later" failure rather than a
// rejection of the request itself.
func IsTransient(err error) bool {
	return errors.Is(err, ErrVersionConflict) ||
		errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrTransient)
}

// InsufficientFundsError carries the balances involved in a rejected debit.
type InsufficientFundsError struct {
	AccountID string
	Available money.Money
	Required  money.Money
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds in account %s: available=%s required=%s",
		e.AccountID, e.Available, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidTransitionError describes a rejected state machine move.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
	kind   error
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition from %s to %s for %s", e.Entity, e.From, e.To, e.ID)
}

func (e *InvalidTransitionError) Unwrap() error { return e.kind }

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidRequest }
