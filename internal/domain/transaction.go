package domain

import (
	"time"

	"github.com/example/ledger-core/internal/money"
)

// TransactionType selects the per-type rules applied by the processor.
type TransactionType string

const (
	TxDeposit        TransactionType = "DEPOSIT"
	TxWithdrawal     TransactionType = "WITHDRAWAL"
	TxTransfer       TransactionType = "TRANSFER"
	TxBillPayment    TransactionType = "BILL_PAYMENT"
	TxInterestCredit TransactionType = "INTEREST_CREDIT"
	TxFee            TransactionType = "FEE"
	TxRefund         TransactionType = "REFUND"
	TxCardCharge     TransactionType = "CARD_CHARGE"
)

// TransactionTypes lists every supported type.
func TransactionTypes() []TransactionType {
	return []TransactionType{
		TxDeposit, TxWithdrawal, TxTransfer, TxBillPayment,
		TxInterestCredit, TxFee, TxRefund, TxCardCharge,
	}
}

// IsCredit reports whether the type adds funds to the requesting account.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxDeposit, TxInterestCredit, TxRefund:
		return true
	}
	return false
}

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	for _, known := range TransactionTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Transaction is an immutable ledger record. Amount is signed: negative for
// debits, positive for credits.
type Transaction struct {
	ID                    string          `json:"id"`
	AccountID             string          `json:"account_id"`
	CounterpartyAccountID string          `json:"counterparty_account_id,omitempty"`
	Type                  TransactionType `json:"type"`
	Amount                money.Money     `json:"amount"`
	Description           string          `json:"description"`
	CreatedAt             time.Time       `json:"created_at"`
	ResultingBalance      money.Money     `json:"resulting_balance"`
	TransferGroupID       string          `json:"transfer_group_id,omitempty"`
	Reference             string          `json:"reference,omitempty"`
}

// ProcessedKey is the durable record of an applied idempotency key.
type ProcessedKey struct {
	Key         string    `json:"key"`
	Ref         string    `json:"ref"`
	ProcessedAt time.Time `json:"processed_at"`
}
