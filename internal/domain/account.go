package domain

import (
	"fmt"
	"time"

	"github.com/example/ledger-core/internal/money"
)

// AccountStatus is the lifecycle state of an account ledger.
type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountClosed AccountStatus = "CLOSED"
)

// Account is the authoritative balance record for one account. Values are
// snapshots; mutations produce a new Account that must be committed through
// the store's version compare-and-swap.
type Account struct {
	ID        string        `json:"id"`
	Balance   money.Money   `json:"balance"`
	Status    AccountStatus `json:"status"`
	Version   int64         `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Currency is the currency the account is denominated in.
func (a Account) Currency() string { return a.Balance.Currency() }

// ApplyDelta returns the account after adding the signed delta. It fails with
// ErrVersionConflict when expectedVersion is stale, ErrAccountClosed when the
// account no longer accepts mutations, ErrCurrencyMismatch for a foreign
// currency and ErrInsufficientFunds when the balance would go negative.
func (a Account) ApplyDelta(delta money.Money, expectedVersion int64) (Account, error) {
	if a.Version != expectedVersion {
		return Account{}, fmt.Errorf("%w: account %s at version %d, expected %d",
			ErrVersionConflict, a.ID, a.Version, expectedVersion)
	}
	if a.Status == AccountClosed {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountClosed, a.ID)
	}

	next, err := a.Balance.Add(delta)
	if err != nil {
		return Account{}, err
	}
	if next.IsNegative() {
		return Account{}, &InsufficientFundsError{
			AccountID: a.ID,
			Available: a.Balance,
			Required:  delta.Abs(),
		}
	}

	out := a
	out.Balance = next.Round()
	out.Version = a.Version + 1
	return out, nil
}

// Close returns the account in Closed status. Only empty active accounts can
// be closed.
func (a Account) Close(expectedVersion int64) (Account, error) {
	if a.Version != expectedVersion {
		return Account{}, fmt.Errorf("%w: account %s", ErrVersionConflict, a.ID)
	}
	if a.Status == AccountClosed {
		return Account{}, fmt.Errorf("%w: %s", ErrAccountClosed, a.ID)
	}
	if !a.Balance.IsZero() {
		return Account{}, fmt.Errorf("%w: %s holds %s", ErrAccountNotEmpty, a.ID, a.Balance)
	}
	out := a
	out.Status = AccountClosed
	out.Version = a.Version + 1
	return out, nil
}
