package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledger-core/internal/money"
)

func usd(s string) money.Money { return money.MustParse(s, "USD") }

func TestApplyDelta(t *testing.T) {
	acct := Account{ID: "A", Balance: usd("100.00"), Status: AccountActive, Version: 7}

	_, err := acct.ApplyDelta(usd("-150.00"), 7)
	var insufficient *InsufficientFundsError
	require.True(t, errors.As(err, &insufficient))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.Equal(t, "100.00 USD", insufficient.Available.String())

	next, err := acct.ApplyDelta(usd("-40.00"), 7)
	require.NoError(t, err)
	assert.Equal(t, "60.00 USD", next.Balance.String())
	assert.Equal(t, int64(8), next.Version)

	// the original snapshot is untouched
	assert.Equal(t, "100.00 USD", acct.Balance.String())
	assert.Equal(t, int64(7), acct.Version)
}

func TestApplyDeltaRejections(t *testing.T) {
	acct := Account{ID: "A", Balance: usd("10.00"), Status: AccountActive, Version: 1}

	_, err := acct.ApplyDelta(usd("1.00"), 0)
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.True(t, IsTransient(err))

	_, err = acct.ApplyDelta(money.MustParse("1.00", "EUR"), 1)
	assert.ErrorIs(t, err, ErrCurrencyMismatch)

	closed := acct
	closed.Status = AccountClosed
	_, err = closed.ApplyDelta(usd("1.00"), 1)
	assert.ErrorIs(t, err, ErrAccountClosed)
	assert.False(t, IsTransient(err))

	// draining to exactly zero is allowed
	empty, err := acct.ApplyDelta(usd("-10.00"), 1)
	require.NoError(t, err)
	assert.True(t, empty.Balance.IsZero())
}

func TestClose(t *testing.T) {
	acct := Account{ID: "A", Balance: usd("5.00"), Status: AccountActive, Version: 3}
	_, err := acct.Close(3)
	assert.ErrorIs(t, err, ErrAccountNotEmpty)

	acct.Balance = usd("0")
	closed, err := acct.Close(3)
	require.NoError(t, err)
	assert.Equal(t, AccountClosed, closed.Status)
	assert.Equal(t, int64(4), closed.Version)

	_, err = closed.Close(4)
	assert.ErrorIs(t, err, ErrAccountClosed)
}

func TestCardTransitions(t *testing.T) {
	assert.True(t, CanTransitionCard(CardIssued, CardActive))
	assert.True(t, CanTransitionCard(CardActive, CardBlocked))
	assert.True(t, CanTransitionCard(CardIssued, CardBlocked))
	assert.False(t, CanTransitionCard(CardBlocked, CardActive))
	assert.False(t, CanTransitionCard(CardActive, CardIssued))
	assert.Empty(t, AllowedCardTransitions()[CardBlocked])

	err := CardTransitionError("c1", CardBlocked, CardActive)
	assert.ErrorIs(t, err, ErrInvalidCardTransition)
}

func TestPaymentTransitions(t *testing.T) {
	allowed := AllowedPaymentTransitions()
	assert.ElementsMatch(t, []PaymentStatus{PaymentProcessing}, allowed[PaymentPending])
	assert.ElementsMatch(t,
		[]PaymentStatus{PaymentSucceeded, PaymentFailed, PaymentCancelled},
		allowed[PaymentProcessing])
	assert.ElementsMatch(t, []PaymentStatus{PaymentRefunded, PaymentDisputed}, allowed[PaymentSucceeded])

	for _, terminal := range []PaymentStatus{PaymentFailed, PaymentCancelled, PaymentRefunded, PaymentDisputed} {
		assert.Empty(t, allowed[terminal], terminal)
	}

	assert.False(t, CanTransitionPayment(PaymentPending, PaymentSucceeded))
	err := PaymentTransitionError("p1", PaymentPending, PaymentSucceeded)
	assert.ErrorIs(t, err, ErrInvalidPaymentTransition)

	assert.True(t, PaymentStatus("SUCCEEDED").Valid())
	assert.False(t, PaymentStatus("BOGUS").Valid())
}

func TestPaymentLedgerType(t *testing.T) {
	assert.Equal(t, TxCardCharge, Payment{CardID: "c1"}.LedgerType())
	assert.Equal(t, TxDeposit, Payment{}.LedgerType())
}
