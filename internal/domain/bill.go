package domain

import "github.com/example/ledger-core/internal/money"

// BillStatus tracks whether an external bill has been settled.
type BillStatus string

const (
	BillUnpaid BillStatus = "UNPAID"
	BillPaid   BillStatus = "PAID"
)

// Bill is an external obligation settled by a BillPayment transaction.
type Bill struct {
	ID                  string      `json:"id"`
	BillerReference     string      `json:"biller_reference"`
	Amount              money.Money `json:"amount"`
	Status              BillStatus  `json:"status"`
	PaidByTransactionID string      `json:"paid_by_transaction_id,omitempty"`
}
