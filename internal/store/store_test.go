package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
)

type storeFactory func(t *testing.T) Store

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(context.Background(), ":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func credit(t *testing.T, s Store, acct *domain.Account, amount string) *domain.Account {
	t.Helper()
	delta := money.MustParse(amount, acct.Currency())
	next, err := acct.ApplyDelta(delta, acct.Version)
	require.NoError(t, err)
	tx := domain.Transaction{
		ID:               uuid.NewString(),
		AccountID:        acct.ID,
		Type:             domain.TxDeposit,
		Amount:           delta,
		CreatedAt:        time.Now().UTC(),
		ResultingBalance: next.Balance,
	}
	require.NoError(t, s.Commit(context.Background(), &Batch{
		Accounts:     []AccountUpdate{{Next: next, ExpectedVersion: acct.Version}},
		Transactions: []domain.Transaction{tx},
	}))
	out, err := s.GetAccount(context.Background(), acct.ID)
	require.NoError(t, err)
	return out
}

func TestCreateAndGetAccount(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct, err := s.CreateAccount(ctx, "acct-1", "USD")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", acct.ID)
		assert.True(t, acct.Balance.IsZero())
		assert.Equal(t, domain.AccountActive, acct.Status)
		assert.Equal(t, int64(0), acct.Version)

		_, err = s.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrInvalidAccount)

		_, err = s.CreateAccount(ctx, "", "usd")
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})
}

func TestCommitAppliesBatch(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct, err := s.CreateAccount(ctx, "acct-1", "USD")
		require.NoError(t, err)

		acct = credit(t, s, acct, "100.00")
		assert.Equal(t, "100.00 USD", acct.Balance.String())
		assert.Equal(t, int64(1), acct.Version)

		txs, err := s.ListTransactions(ctx, acct.ID)
		require.NoError(t, err)
		require.Len(t, txs, 1)
		assert.Equal(t, "100.00", txs[0].Amount.StringFixed())
		assert.Equal(t, "100.00", txs[0].ResultingBalance.StringFixed())

		got, err := s.GetTransaction(ctx, txs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, domain.TxDeposit, got.Type)
	})
}

func TestCommitRejectsStaleVersion(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct, err := s.CreateAccount(ctx, "acct-1", "USD")
		require.NoError(t, err)
		stale := *acct

		credit(t, s, acct, "10.00")

		next, err := stale.ApplyDelta(money.MustParse("5.00", "USD"), stale.Version)
		require.NoError(t, err)
		err = s.Commit(ctx, &Batch{
			Accounts: []AccountUpdate{{Next: next, ExpectedVersion: stale.Version}},
			Transactions: []domain.Transaction{{
				ID: uuid.NewString(), AccountID: acct.ID, Type: domain.TxDeposit,
				Amount: money.MustParse("5.00", "USD"), CreatedAt: time.Now(), ResultingBalance: next.Balance,
			}},
		})
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		// nothing from the failed batch is visible
		txs, err := s.ListTransactions(ctx, acct.ID)
		require.NoError(t, err)
		assert.Len(t, txs, 1)
		cur, err := s.GetAccount(ctx, acct.ID)
		require.NoError(t, err)
		assert.Equal(t, "10.00", cur.Balance.StringFixed())
	})
}

func TestTransactionsByGroupPreservesOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateAccount(ctx, "A", "USD")
		require.NoError(t, err)
		b, err := s.CreateAccount(ctx, "B", "USD")
		require.NoError(t, err)
		a = credit(t, s, a, "100.00")

		amount := money.MustParse("30.00", "USD")
		nextA, err := a.ApplyDelta(amount.Neg(), a.Version)
		require.NoError(t, err)
		nextB, err := b.ApplyDelta(amount, b.Version)
		require.NoError(t, err)
		group := uuid.NewString()
		now := time.Now().UTC()
		require.NoError(t, s.Commit(ctx, &Batch{
			Accounts: []AccountUpdate{
				{Next: nextA, ExpectedVersion: a.Version},
				{Next: nextB, ExpectedVersion: b.Version},
			},
			Transactions: []domain.Transaction{
				{ID: "debit", AccountID: "A", CounterpartyAccountID: "B", Type: domain.TxTransfer,
					Amount: amount.Neg(), CreatedAt: now, ResultingBalance: nextA.Balance, TransferGroupID: group},
				{ID: "credit", AccountID: "B", CounterpartyAccountID: "A", Type: domain.TxTransfer,
					Amount: amount, CreatedAt: now, ResultingBalance: nextB.Balance, TransferGroupID: group},
			},
		}))

		legs, err := s.TransactionsByGroup(ctx, group)
		require.NoError(t, err)
		require.Len(t, legs, 2)
		assert.Equal(t, "debit", legs[0].ID)
		assert.Equal(t, "-30.00", legs[0].Amount.StringFixed())
		assert.Equal(t, "credit", legs[1].ID)

		empty, err := s.TransactionsByGroup(ctx, "")
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestCardStatusCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "acct-1", "USD")
		require.NoError(t, err)
		now := time.Now().UTC()
		require.NoError(t, s.CreateCard(ctx, &domain.Card{
			ID: "card-1", AccountID: "acct-1", Type: domain.CardVirtual, Status: domain.CardIssued,
			LastFourDigits: "4242", Expiry: "10/30", EncryptedPAN: []byte{1, 2, 3}, PANNonce: []byte{4},
			PANKey: []byte{5}, KeyID: "k1", CreatedAt: now, UpdatedAt: now,
		}))

		require.NoError(t, s.Commit(ctx, &Batch{Cards: []CardUpdate{{ID: "card-1", From: domain.CardIssued, To: domain.CardActive}}}))
		err = s.Commit(ctx, &Batch{Cards: []CardUpdate{{ID: "card-1", From: domain.CardIssued, To: domain.CardBlocked}}})
		assert.ErrorIs(t, err, domain.ErrVersionConflict)

		require.NoError(t, s.Commit(ctx, &Batch{Cards: []CardUpdate{{ID: "card-1", From: domain.CardActive, To: domain.CardBlocked, Reason: "lost"}}}))
		card, err := s.GetCard(ctx, "card-1")
		require.NoError(t, err)
		assert.Equal(t, domain.CardBlocked, card.Status)
		assert.Equal(t, "lost", card.BlockReason)
		assert.Equal(t, []byte{1, 2, 3}, card.EncryptedPAN)

		_, err = s.GetCard(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrInvalidCard)
	})
}

func TestPaymentsAndIdempotencyKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.CreateAccount(ctx, "acct-1", "EUR")
		require.NoError(t, err)
		now := time.Now().UTC()
		p := &domain.Payment{
			ID: "pay-1", AccountID: "acct-1", Status: domain.PaymentPending,
			Amount: money.MustParse("12.50", "EUR"), IdempotencyKey: "key-1", CreatedAt: now, UpdatedAt: now,
		}
		require.NoError(t, s.CreatePayment(ctx, p))

		dup := *p
		dup.ID = "pay-2"
		assert.ErrorIs(t, s.CreatePayment(ctx, &dup), domain.ErrDuplicateIdempotencyKey)

		byKey, err := s.GetPaymentByKey(ctx, "key-1")
		require.NoError(t, err)
		assert.Equal(t, "pay-1", byKey.ID)
		assert.Equal(t, "12.50 EUR", byKey.Amount.String())

		require.NoError(t, s.SetGatewayReference(ctx, "pay-1", "gw-77"))
		assert.ErrorIs(t, s.SetGatewayReference(ctx, "pay-x", "gw"), domain.ErrPaymentNotFound)

		require.NoError(t, s.Commit(ctx, &Batch{
			Payments:      []PaymentUpdate{{ID: "pay-1", From: domain.PaymentPending, To: domain.PaymentProcessing}},
			ProcessedKeys: []domain.ProcessedKey{{Key: "key-1:PROCESSING", Ref: "pay-1"}},
		}))

		err = s.Commit(ctx, &Batch{
			Payments:      []PaymentUpdate{{ID: "pay-1", From: domain.PaymentProcessing, To: domain.PaymentFailed}},
			ProcessedKeys: []domain.ProcessedKey{{Key: "key-1:PROCESSING", Ref: "pay-1"}},
		})
		assert.ErrorIs(t, err, domain.ErrDuplicateIdempotencyKey)

		got, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PaymentProcessing, got.Status)
		assert.Equal(t, "gw-77", got.GatewayReference)

		pk, err := s.GetProcessedKey(ctx, "key-1:PROCESSING")
		require.NoError(t, err)
		require.NotNil(t, pk)
		assert.Equal(t, "pay-1", pk.Ref)

		missing, err := s.GetProcessedKey(ctx, "other")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestBillCanOnlyBePaidOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateBill(ctx, &domain.Bill{
			ID: "bill-1", BillerReference: "ELEC-42", Amount: money.MustParse("45.10", "USD"), Status: domain.BillUnpaid,
		}))

		require.NoError(t, s.Commit(ctx, &Batch{Bills: []BillUpdate{{ID: "bill-1", TransactionID: "tx-1"}}}))
		err := s.Commit(ctx, &Batch{Bills: []BillUpdate{{ID: "bill-1", TransactionID: "tx-2"}}})
		assert.ErrorIs(t, err, domain.ErrBillAlreadyPaid)

		bill, err := s.GetBill(ctx, "bill-1")
		require.NoError(t, err)
		assert.Equal(t, domain.BillPaid, bill.Status)
		assert.Equal(t, "tx-1", bill.PaidByTransactionID)

		_, err = s.GetBill(ctx, "bill-x")
		assert.ErrorIs(t, err, domain.ErrBillNotFound)
	})
}

func TestPurgeProcessedKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		old := time.Now().Add(-100 * 24 * time.Hour).UTC()
		require.NoError(t, s.Commit(ctx, &Batch{ProcessedKeys: []domain.ProcessedKey{
			{Key: "old", Ref: "r1", ProcessedAt: old},
			{Key: "fresh", Ref: "r2"},
		}}))

		n, err := s.PurgeProcessedKeys(ctx, time.Now().Add(-90*24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		pk, err := s.GetProcessedKey(ctx, "old")
		require.NoError(t, err)
		assert.Nil(t, pk)
		pk, err = s.GetProcessedKey(ctx, "fresh")
		require.NoError(t, err)
		assert.NotNil(t, pk)
	})
}

func TestListAccountsByStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, err := s.CreateAccount(ctx, "a", "USD")
		require.NoError(t, err)
		_, err = s.CreateAccount(ctx, "b", "USD")
		require.NoError(t, err)

		closed, err := a.Close(a.Version)
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, &Batch{Accounts: []AccountUpdate{{Next: closed, ExpectedVersion: a.Version}}}))

		active, err := s.ListAccounts(ctx, domain.AccountActive)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, "b", active[0].ID)

		all, err := s.ListAccounts(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}
