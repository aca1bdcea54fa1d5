package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/resilience"
	"github.com/example/ledger-core/internal/store"
)

// OpenAccount creates an empty active account. An empty id gets a generated one.
func (p *Processor) OpenAccount(ctx context.Context, id, currency string) (*domain.Account, error) {
	acct, err := p.store.CreateAccount(ctx, id, currency)
	if err != nil {
		return nil, err
	}
	p.logger.Info("account opened", zap.String("account_id", acct.ID), zap.String("currency", currency))
	return acct, nil
}

// Balance returns the committed balance of an account.
func (p *Processor) Balance(ctx context.Context, accountID string) (money.Money, error) {
	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return money.Money{}, err
	}
	return acct.Balance, nil
}

// CloseAccount closes an account whose balance is zero. Closed accounts
// reject every later mutation.
func (p *Processor) CloseAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	var closed domain.Account
	err := resilience.RetryWithBackoff(ctx, p.retry, func() error {
		release, err := p.locks.Acquire(ctx, accountID)
		if err != nil {
			return err
		}
		defer release()

		acct, err := p.store.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		next, err := acct.Close(acct.Version)
		if err != nil {
			return err
		}
		if err := p.store.Commit(ctx, &store.Batch{
			Accounts: []store.AccountUpdate{{Next: next, ExpectedVersion: acct.Version}},
		}); err != nil {
			return err
		}
		closed = next
		return nil
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if err != nil {
		return nil, err
	}

	p.logger.Info("account closed", zap.String("account_id", accountID))
	if nerr := p.notifier.Notify(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventAccountClosed,
		AccountID:  accountID,
		OccurredAt: p.now().UTC(),
	}); nerr != nil {
		p.logger.Warn("post-commit notification failed", zap.String("account_id", accountID), zap.Error(nerr))
	}
	return &closed, nil
}

// Reconciliation is the result of replaying an account's history against
// its stored balance.
type Reconciliation struct {
	AccountID    string      `json:"account_id"`
	Balance      money.Money `json:"balance"`
	Replayed     money.Money `json:"replayed"`
	Drift        money.Money `json:"drift"`
	Transactions int         `json:"transactions"`
	Consistent   bool        `json:"consistent"`

	// BrokenAt is the first transaction whose ResultingBalance does not
	// follow from the records before it.
	BrokenAt  string    `json:"broken_at,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Reconcile replays the signed amounts of every transaction on the account
// and compares the running total with each recorded resulting balance and
// with the stored balance. It holds the account's scope so the history and
// balance are read from the same state.
func (p *Processor) Reconcile(ctx context.Context, accountID string) (*Reconciliation, error) {
	release, err := p.locks.Acquire(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	acct, err := p.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	history, err := p.store.ListTransactions(ctx, accountID)
	if err != nil {
		return nil, err
	}

	rec := &Reconciliation{
		AccountID:    accountID,
		Balance:      acct.Balance,
		Transactions: len(history),
		CheckedAt:    p.now().UTC(),
	}
	running := money.Zero(acct.Currency())
	for _, tx := range history {
		if running, err = running.Add(tx.Amount); err != nil {
			return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
		}
		if rec.BrokenAt == "" && !running.Equal(tx.ResultingBalance) {
			rec.BrokenAt = tx.ID
		}
	}
	rec.Replayed = running
	if rec.Drift, err = acct.Balance.Sub(running); err != nil {
		return nil, err
	}
	rec.Consistent = rec.Drift.IsZero() && rec.BrokenAt == ""

	if !rec.Consistent {
		p.logger.Error("ledger drift detected",
			zap.String("account_id", accountID),
			zap.String("balance", acct.Balance.String()),
			zap.String("replayed", running.String()),
			zap.String("broken_at", rec.BrokenAt))
	}
	return rec, nil
}
