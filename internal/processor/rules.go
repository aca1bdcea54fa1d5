package processor

import (
	"context"
	"fmt"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/store"
)

// rule is the per-type precondition applied to a single-ledger request after
// the account has been loaded. It returns the reference to stamp on the
// transaction and any bill to mark paid. A rule with ownsReference set
// derives the reference itself and a caller may not supply one.
type rule struct {
	credit        bool
	ownsReference bool
	check         func(ctx context.Context, st store.Store, req Request, acct *domain.Account) (string, *store.BillUpdate, error)
}

func noCheck(context.Context, store.Store, Request, *domain.Account) (string, *store.BillUpdate, error) {
	return "", nil, nil
}

var rules = map[domain.TransactionType]rule{
	domain.TxDeposit:        {credit: true, check: noCheck},
	domain.TxWithdrawal:     {credit: false, check: noCheck},
	domain.TxFee:            {credit: false, check: noCheck},
	domain.TxInterestCredit: {credit: true, check: checkInterest},
	domain.TxBillPayment:    {credit: false, ownsReference: true, check: checkBill},
	domain.TxRefund:         {credit: true, ownsReference: true, check: checkRefund},
	domain.TxCardCharge:     {credit: false, ownsReference: true, check: checkCard},
}

func checkInterest(_ context.Context, _ store.Store, req Request, _ *domain.Account) (string, *store.BillUpdate, error) {
	if !req.SystemInitiated {
		return "", nil, &domain.ValidationError{Field: "system_initiated", Message: "interest credit can only be system-initiated"}
	}
	return "", nil, nil
}

func checkBill(ctx context.Context, st store.Store, req Request, _ *domain.Account) (string, *store.BillUpdate, error) {
	if req.BillID == "" {
		return "", nil, &domain.ValidationError{Field: "bill_id", Message: "required for bill payment"}
	}
	bill, err := st.GetBill(ctx, req.BillID)
	if err != nil {
		return "", nil, err
	}
	if bill.Status != domain.BillUnpaid {
		return "", nil, fmt.Errorf("%w: %s", domain.ErrBillAlreadyPaid, bill.ID)
	}
	cmp, err := req.Amount.Cmp(bill.Amount)
	if err != nil {
		return "", nil, err
	}
	if cmp != 0 {
		return "", nil, &domain.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("must equal bill amount %s", bill.Amount),
		}
	}
	return bill.ID, &store.BillUpdate{ID: bill.ID}, nil
}

// checkRefund caps the refund at what is left of the original payment after
// earlier refunds against it. Only card payments debited the account, so
// only they can be refunded back into it.
func checkRefund(ctx context.Context, st store.Store, req Request, acct *domain.Account) (string, *store.BillUpdate, error) {
	if req.OriginalPaymentID == "" {
		return "", nil, &domain.ValidationError{Field: "original_payment_id", Message: "required for refund"}
	}
	p, err := st.GetPayment(ctx, req.OriginalPaymentID)
	if err != nil {
		return "", nil, err
	}
	if p.AccountID != acct.ID {
		return "", nil, &domain.ValidationError{Field: "original_payment_id", Message: "payment belongs to another account"}
	}
	if p.Status != domain.PaymentSucceeded {
		return "", nil, &domain.ValidationError{
			Field:   "original_payment_id",
			Message: fmt.Sprintf("payment is %s, only succeeded payments can be refunded", p.Status),
		}
	}
	if p.LedgerType() != domain.TxCardCharge {
		return "", nil, &domain.ValidationError{
			Field:   "original_payment_id",
			Message: "payment credited the account, only card payments can be refunded",
		}
	}

	history, err := st.ListTransactions(ctx, acct.ID)
	if err != nil {
		return "", nil, err
	}
	refunded := money.Zero(p.Amount.Currency())
	for _, tx := range history {
		if tx.Type == domain.TxRefund && tx.Reference == p.ID {
			if refunded, err = refunded.Add(tx.Amount); err != nil {
				return "", nil, err
			}
		}
	}
	remaining, err := p.Amount.Sub(refunded)
	if err != nil {
		return "", nil, err
	}
	cmp, err := req.Amount.Cmp(remaining)
	if err != nil {
		return "", nil, err
	}
	if cmp > 0 {
		return "", nil, &domain.ValidationError{
			Field:   "amount",
			Message: fmt.Sprintf("exceeds refundable amount %s", remaining),
		}
	}
	return p.ID, nil, nil
}

func checkCard(ctx context.Context, st store.Store, req Request, acct *domain.Account) (string, *store.BillUpdate, error) {
	if req.CardID == "" {
		return "", nil, &domain.ValidationError{Field: "card_id", Message: "required for card charge"}
	}
	card, err := st.GetCard(ctx, req.CardID)
	if err != nil {
		return "", nil, err
	}
	if card.AccountID != acct.ID {
		return "", nil, fmt.Errorf("%w: card %s does not belong to account %s", domain.ErrInvalidCard, card.ID, acct.ID)
	}
	if card.Status != domain.CardActive {
		return "", nil, fmt.Errorf("%w: card %s is %s", domain.ErrInvalidCard, card.ID, card.Status)
	}
	return card.ID, nil, nil
}

// validateShape rejects malformed requests before any lock is taken.
func validateShape(req Request) error {
	if !req.Type.Valid() {
		return &domain.ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", req.Type)}
	}
	if req.AccountID == "" {
		return &domain.ValidationError{Field: "account_id", Message: "required"}
	}
	if !money.ValidCurrency(req.Amount.Currency()) {
		return &domain.ValidationError{Field: "amount", Message: "currency is required"}
	}
	if !req.Amount.IsPositive() {
		return &domain.ValidationError{Field: "amount", Message: "must be positive"}
	}
	if req.Reference != "" && rules[req.Type].ownsReference {
		return &domain.ValidationError{Field: "reference", Message: fmt.Sprintf("not allowed for %s", req.Type)}
	}
	if req.Type == domain.TxTransfer {
		if req.CounterpartyAccountID == "" {
			return &domain.ValidationError{Field: "counterparty_account_id", Message: "required for transfer"}
		}
		if req.CounterpartyAccountID == req.AccountID {
			return &domain.ValidationError{Field: "counterparty_account_id", Message: "must differ from account_id"}
		}
	}
	return nil
}
