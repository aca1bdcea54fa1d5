// Package store persists accounts, transactions, cards, payments, bills and
// processed idempotency keys. Every adapter commits a Batch atomically and
// guards account rows with a compare-and-swap on their version.
package store

import (
	"context"
	"time"

	"github.com/example/ledger-core/internal/domain"
)

// Store is the persistence boundary consumed by the core.
type Store interface {
	CreateAccount(ctx context.Context, id, currency string) (*domain.Account, error)
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	ListAccounts(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error)

	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
	TransactionsByGroup(ctx context.Context, groupID string) ([]domain.Transaction, error)

	CreateCard(ctx context.Context, card *domain.Card) error
	GetCard(ctx context.Context, id string) (*domain.Card, error)

	CreatePayment(ctx context.Context, p *domain.Payment) error
	GetPayment(ctx context.Context, id string) (*domain.Payment, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*domain.Payment, error)
	SetGatewayReference(ctx context.Context, paymentID, reference string) error

	CreateBill(ctx context.Context, bill *domain.Bill) error
	GetBill(ctx context.Context, id string) (*domain.Bill, error)

	// GetProcessedKey returns nil, nil when the key has not been applied.
	GetProcessedKey(ctx context.Context, key string) (*domain.ProcessedKey, error)
	PurgeProcessedKeys(ctx context.Context, before time.Time) (int64, error)

	// Commit applies every row of the batch or none of them.
	Commit(ctx context.Context, b *Batch) error

	Close() error
}

// AccountUpdate replaces an account row if it is still at ExpectedVersion.
type AccountUpdate struct {
	Next            domain.Account
	ExpectedVersion int64
}

// CardUpdate moves a card from From to To.
type CardUpdate struct {
	ID     string
	From   domain.CardStatus
	To     domain.CardStatus
	Reason string
}

// PaymentUpdate moves a payment from From to To.
type PaymentUpdate struct {
	ID   string
	From domain.PaymentStatus
	To   domain.PaymentStatus
}

// BillUpdate marks an unpaid bill as paid by TransactionID.
type BillUpdate struct {
	ID            string
	TransactionID string
}

// Batch is one atomic multi-row commit.
type Batch struct {
	Accounts      []AccountUpdate
	Transactions  []domain.Transaction
	Cards         []CardUpdate
	Payments      []PaymentUpdate
	Bills         []BillUpdate
	ProcessedKeys []domain.ProcessedKey
}

// Empty reports whether the batch carries no rows.
func (b *Batch) Empty() bool {
	return len(b.Accounts) == 0 && len(b.Transactions) == 0 && len(b.Cards) == 0 &&
		len(b.Payments) == 0 && len(b.Bills) == 0 && len(b.ProcessedKeys) == 0
}
