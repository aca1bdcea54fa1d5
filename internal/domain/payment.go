package domain

import (
	"time"

	"github.com/example/ledger-core/internal/money"
)

// PaymentStatus is the gateway-tracked lifecycle of an external payment.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "PENDING"
	PaymentProcessing PaymentStatus = "PROCESSING"
	PaymentSucceeded  PaymentStatus = "SUCCEEDED"
	PaymentFailed     PaymentStatus = "FAILED"
	PaymentCancelled  PaymentStatus = "CANCELLED"
	PaymentRefunded   PaymentStatus = "REFUNDED"
	PaymentDisputed   PaymentStatus = "DISPUTED"
)

// Valid reports whether s is a known status.
func (s PaymentStatus) Valid() bool {
	_, ok := AllowedPaymentTransitions()[s]
	return ok
}

// Payment is a gateway payment tracked by the core. When CardID is set the
// payment is a card charge against the account; otherwise it is an inbound
// collection credited on success.
type Payment struct {
	ID               string        `json:"id"`
	AccountID        string        `json:"account_id"`
	CardID           string        `json:"card_id,omitempty"`
	Status           PaymentStatus `json:"status"`
	GatewayReference string        `json:"gateway_reference"`
	Amount           money.Money   `json:"amount"`
	IdempotencyKey   string        `json:"idempotency_key"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// LedgerType is the transaction type booked when the payment succeeds.
func (p Payment) LedgerType() TransactionType {
	if p.CardID != "" {
		return TxCardCharge
	}
	return TxDeposit
}

// AllowedPaymentTransitions defines valid payment state transitions.
func AllowedPaymentTransitions() map[PaymentStatus][]PaymentStatus {
	return map[PaymentStatus][]PaymentStatus{
		PaymentPending:    {PaymentProcessing},
		PaymentProcessing: {PaymentSucceeded, PaymentFailed, PaymentCancelled},
		PaymentSucceeded:  {PaymentRefunded, PaymentDisputed},
		PaymentFailed:     {},
		PaymentCancelled:  {},
		PaymentRefunded:   {},
		PaymentDisputed:   {},
	}
}

// CanTransitionPayment reports whether from -> to is allowed.
func CanTransitionPayment(from, to PaymentStatus) bool {
	for _, s := range AllowedPaymentTransitions()[from] {
		if s == to {
			return true
		}
	}
	return false
}

// PaymentTransitionError builds the error for a rejected payment move.
func PaymentTransitionError(paymentID string, from, to PaymentStatus) error {
	return &InvalidTransitionError{
		Entity: "payment",
		ID:     paymentID,
		From:   string(from),
		To:     string(to),
		kind:   ErrInvalidPaymentTransition,
	}
}
