// Package notify delivers post-commit events. Delivery is best effort: a
// failing sink is logged and never affects the committed state.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/example/ledger-core/internal/domain"
)

type EventType string

const (
	EventTransactionCommitted EventType = "transaction.committed"
	EventTransactionDeclined  EventType = "transaction.declined"
	EventCardStatusChanged    EventType = "card.status_changed"
	EventPaymentStatusChanged EventType = "payment.status_changed"
	EventAccountClosed        EventType = "account.closed"
)

// Event describes one committed change. Exactly one of the detail pointers
// is set, matching Type.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	AccountID  string    `json:"account_id"`
	OccurredAt time.Time `json:"occurred_at"`

	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Linked      *domain.Transaction `json:"linked,omitempty"`
	Decline     *Decline            `json:"decline,omitempty"`
	Card        *CardChange         `json:"card,omitempty"`
	Payment     *PaymentChange      `json:"payment,omitempty"`
}

// Decline records a rejected transaction request.
type Decline struct {
	Type   domain.TransactionType `json:"type"`
	CardID string                 `json:"card_id,omitempty"`
	Reason string                 `json:"reason"`
}

type CardChange struct {
	CardID string            `json:"card_id"`
	From   domain.CardStatus `json:"from"`
	To     domain.CardStatus `json:"to"`
	Reason string            `json:"reason,omitempty"`
}

type PaymentChange struct {
	PaymentID string               `json:"payment_id"`
	From      domain.PaymentStatus `json:"from"`
	To        domain.PaymentStatus `json:"to"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
}

// Notifier receives events after they are durable.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

func (f NotifierFunc) Notify(ctx context.Context, e Event) error { return f(ctx, e) }

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
