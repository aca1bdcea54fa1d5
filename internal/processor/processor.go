// Package processor applies transaction requests to account ledgers. Each
// request runs inside an exclusive scope over the accounts it touches, is
// validated against per-type rules and commits as one atomic batch.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/consistency"
	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/resilience"
	"github.com/example/ledger-core/internal/store"
)

var tracer = otel.Tracer("github.com/example/ledger-core/internal/processor")

const (
	DefaultMaxAttempts  = 5
	DefaultRetryBackoff = 5 * time.Millisecond
)

// Request asks for one ledger mutation. Amount is always positive; the type
// decides the sign.
type Request struct {
	Type                  domain.TransactionType
	AccountID             string
	CounterpartyAccountID string
	BillID                string
	CardID                string
	OriginalPaymentID     string
	Amount                money.Money
	Description           string

	// IdempotencyKey makes the request safe to resubmit. A repeat returns the
	// original receipt without touching any balance.
	IdempotencyKey string

	// Reference is stamped on the transaction. Bill payments, refunds and
	// card charges derive their own reference and reject this field.
	Reference string

	SystemInitiated bool
}

// Receipt is the outcome of a committed request. Linked holds the credit
// leg of a transfer.
type Receipt struct {
	Transaction *domain.Transaction
	Linked      *domain.Transaction
	Duplicate   bool
}

// Hook runs inside the held scope before the request is validated. It may
// add rows to the batch or abort the request by returning an error.
type Hook func(ctx context.Context, b *store.Batch) error

type callOptions struct {
	hooks []Hook
}

// Option adjusts a single Process call.
type Option func(*callOptions)

// WithCommitHook adds rows that must commit atomically with the request.
func WithCommitHook(h Hook) Option {
	return func(o *callOptions) { o.hooks = append(o.hooks, h) }
}

// Config carries the processor's collaborators and tuning.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	Notifier     notify.Notifier
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

// Processor is safe for concurrent use.
type Processor struct {
	store    store.Store
	locks    *consistency.Controller
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	retry    resilience.Config
	now      func() time.Time
}

func New(st store.Store, locks *consistency.Controller, cfg Config) *Processor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Processor{
		store:    st,
		locks:    locks,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		retry: resilience.Config{
			MaxRetries:     cfg.MaxAttempts - 1,
			InitialBackoff: cfg.RetryBackoff,
			MaxBackoff:     100 * cfg.RetryBackoff,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrVersionConflict)
			},
		},
		now: time.Now,
	}
}

// Process validates and commits req. Business rule failures are terminal and
// leave no trace. Version conflicts are retried; when attempts run out the
// error wraps domain.ErrTransient. A hook that reports
// domain.ErrDuplicateIdempotencyKey aborts the call with that error.
func (p *Processor) Process(ctx context.Context, req Request, opts ...Option) (*Receipt, error) {
	ctx, span := tracer.Start(ctx, "processor.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("tx.type", string(req.Type)),
		attribute.String("account.id", req.AccountID),
	)

	start := time.Now()
	var o callOptions
	for _, opt := range opts {
		opt(&o)
	}

	req.Amount = req.Amount.Round()
	if err := validateShape(req); err != nil {
		p.metrics.RecordTransaction(string(req.Type), "rejected", time.Since(start))
		return nil, err
	}

	var (
		receipt  *Receipt
		attempts int
		declined bool
	)
	err := resilience.RetryWithBackoff(ctx, p.retry, func() error {
		attempts++
		declined = false
		r, err := p.attempt(ctx, req, o, &declined)
		if errors.Is(err, domain.ErrVersionConflict) {
			p.metrics.IncrVersionConflict()
			p.logger.Debug("version conflict; retrying",
				zap.String("account_id", req.AccountID),
				zap.Int("attempt", attempts),
				zap.Error(err))
		}
		receipt = r
		return err
	})

	switch {
	case err == nil && receipt.Duplicate:
		p.metrics.RecordTransaction(string(req.Type), "duplicate", time.Since(start))
		p.metrics.IncrIdempotencyHit("request")
		span.SetAttributes(attribute.Bool("tx.duplicate", true))
		return receipt, nil

	case err == nil:
		p.metrics.RecordTransaction(string(req.Type), "committed", time.Since(start))
		span.SetAttributes(attribute.String("tx.id", receipt.Transaction.ID))
		p.notifyCommitted(ctx, receipt)
		return receipt, nil

	case errors.Is(err, domain.ErrVersionConflict):
		p.metrics.RecordTransaction(string(req.Type), "transient", time.Since(start))
		p.logger.Warn("gave up after version conflicts",
			zap.String("account_id", req.AccountID),
			zap.String("type", string(req.Type)),
			zap.Int("attempts", attempts))
		err = fmt.Errorf("%w: gave up after %d attempts: %w", domain.ErrTransient, attempts, err)

	case errors.Is(err, domain.ErrLockTimeout):
		p.metrics.IncrLockTimeout()
		p.metrics.RecordTransaction(string(req.Type), "transient", time.Since(start))

	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		p.metrics.RecordTransaction(string(req.Type), "duplicate", time.Since(start))

	case domain.IsTransient(err) || ctx.Err() != nil:
		p.metrics.RecordTransaction(string(req.Type), "transient", time.Since(start))

	default:
		p.metrics.RecordTransaction(string(req.Type), "rejected", time.Since(start))
		if declined {
			p.notifyDeclined(ctx, req, err)
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, err
}

// attempt runs one pass under the scope. declined is set when the request
// itself failed a business rule, as opposed to a hook or infrastructure error.
func (p *Processor) attempt(ctx context.Context, req Request, o callOptions, declined *bool) (*Receipt, error) {
	scope := []string{req.AccountID}
	if req.Type == domain.TxTransfer {
		scope = append(scope, req.CounterpartyAccountID)
	}
	release, err := p.locks.Acquire(ctx, scope...)
	if err != nil {
		return nil, err
	}
	defer release()

	key := requestKey(req.IdempotencyKey)
	if key != "" {
		if r, err := p.replay(ctx, key, req); r != nil || err != nil {
			return r, err
		}
	}

	batch := &store.Batch{}
	for _, h := range o.hooks {
		if err := h(ctx, batch); err != nil {
			return nil, err
		}
	}

	receipt, err := p.plan(ctx, req, batch)
	if err != nil {
		*declined = !domain.IsTransient(err)
		return nil, err
	}
	if key != "" {
		batch.ProcessedKeys = append(batch.ProcessedKeys, domain.ProcessedKey{
			Key: key,
			Ref: receipt.Transaction.ID,
		})
	}

	if err := p.store.Commit(ctx, batch); err != nil {
		if key != "" && errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			// another process committed the same key between our check and commit
			if r, rerr := p.replay(ctx, key, req); r != nil {
				return r, nil
			} else if rerr != nil {
				return nil, rerr
			}
		}
		if errors.Is(err, domain.ErrBillAlreadyPaid) {
			*declined = true
		}
		return nil, err
	}
	return receipt, nil
}

// plan validates req against current state and appends its rows to batch.
func (p *Processor) plan(ctx context.Context, req Request, batch *store.Batch) (*Receipt, error) {
	acct, err := p.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if req.Type == domain.TxTransfer {
		return p.planTransfer(ctx, req, acct, batch)
	}

	r := rules[req.Type]
	reference, bill, err := r.check(ctx, p.store, req, acct)
	if err != nil {
		return nil, err
	}
	if reference == "" {
		reference = req.Reference
	}

	delta := req.Amount
	if !r.credit {
		delta = delta.Neg()
	}
	next, err := acct.ApplyDelta(delta, acct.Version)
	if err != nil {
		return nil, err
	}

	tx := domain.Transaction{
		ID:               uuid.NewString(),
		AccountID:        acct.ID,
		Type:             req.Type,
		Amount:           delta,
		Description:      req.Description,
		CreatedAt:        p.now().UTC(),
		ResultingBalance: next.Balance,
		Reference:        reference,
	}
	batch.Accounts = append(batch.Accounts, store.AccountUpdate{Next: next, ExpectedVersion: acct.Version})
	batch.Transactions = append(batch.Transactions, tx)
	if bill != nil {
		bill.TransactionID = tx.ID
		batch.Bills = append(batch.Bills, *bill)
	}
	return &Receipt{Transaction: &tx}, nil
}

func (p *Processor) planTransfer(ctx context.Context, req Request, from *domain.Account, batch *store.Batch) (*Receipt, error) {
	to, err := p.store.GetAccount(ctx, req.CounterpartyAccountID)
	if err != nil {
		return nil, err
	}
	if to.Status == domain.AccountClosed {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountClosed, to.ID)
	}
	if from.Currency() != to.Currency() {
		return nil, fmt.Errorf("%w: %s holds %s, %s holds %s",
			domain.ErrCurrencyMismatch, from.ID, from.Currency(), to.ID, to.Currency())
	}

	nextFrom, err := from.ApplyDelta(req.Amount.Neg(), from.Version)
	if err != nil {
		return nil, err
	}
	nextTo, err := to.ApplyDelta(req.Amount, to.Version)
	if err != nil {
		return nil, err
	}

	group := uuid.NewString()
	now := p.now().UTC()
	debit := domain.Transaction{
		ID:                    uuid.NewString(),
		AccountID:             from.ID,
		CounterpartyAccountID: to.ID,
		Type:                  domain.TxTransfer,
		Amount:                req.Amount.Neg(),
		Description:           req.Description,
		CreatedAt:             now,
		ResultingBalance:      nextFrom.Balance,
		TransferGroupID:       group,
		Reference:             req.Reference,
	}
	credit := debit
	credit.ID = uuid.NewString()
	credit.AccountID = to.ID
	credit.CounterpartyAccountID = from.ID
	credit.Amount = req.Amount
	credit.ResultingBalance = nextTo.Balance

	batch.Accounts = append(batch.Accounts,
		store.AccountUpdate{Next: nextFrom, ExpectedVersion: from.Version},
		store.AccountUpdate{Next: nextTo, ExpectedVersion: to.Version},
	)
	batch.Transactions = append(batch.Transactions, debit, credit)
	return &Receipt{Transaction: &debit, Linked: &credit}, nil
}

// replay rebuilds the receipt of an already applied request key. It returns
// nil, nil when the key is unknown. A key first used on another account or
// for another transaction type is rejected.
func (p *Processor) replay(ctx context.Context, key string, req Request) (*Receipt, error) {
	pk, err := p.store.GetProcessedKey(ctx, key)
	if err != nil || pk == nil {
		return nil, err
	}
	tx, err := p.store.GetTransaction(ctx, pk.Ref)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction for key %s: %w", key, err)
	}
	if tx.AccountID != req.AccountID || tx.Type != req.Type {
		p.logger.Warn("idempotency key reused for a different request",
			zap.String("idempotency_key", req.IdempotencyKey),
			zap.String("account_id", req.AccountID),
			zap.String("original_transaction_id", tx.ID))
		return nil, &domain.ValidationError{
			Field:   "idempotency_key",
			Message: fmt.Sprintf("already used by transaction %s for a different request", tx.ID),
		}
	}
	receipt := &Receipt{Transaction: tx, Duplicate: true}
	if tx.TransferGroupID != "" {
		legs, err := p.store.TransactionsByGroup(ctx, tx.TransferGroupID)
		if err != nil {
			return nil, err
		}
		for i := range legs {
			if legs[i].ID != tx.ID {
				receipt.Linked = &legs[i]
			}
		}
	}
	return receipt, nil
}

func requestKey(idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	return "tx:" + idempotencyKey
}

func (p *Processor) notifyCommitted(ctx context.Context, r *Receipt) {
	err := p.notifier.Notify(ctx, notify.Event{
		ID:          uuid.NewString(),
		Type:        notify.EventTransactionCommitted,
		AccountID:   r.Transaction.AccountID,
		OccurredAt:  r.Transaction.CreatedAt,
		Transaction: r.Transaction,
		Linked:      r.Linked,
	})
	if err != nil {
		p.logger.Warn("post-commit notification failed",
			zap.String("transaction_id", r.Transaction.ID),
			zap.Error(err))
	}
}

func (p *Processor) notifyDeclined(ctx context.Context, req Request, cause error) {
	err := p.notifier.Notify(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventTransactionDeclined,
		AccountID:  req.AccountID,
		OccurredAt: p.now().UTC(),
		Decline: &notify.Decline{
			Type:   req.Type,
			CardID: req.CardID,
			Reason: cause.Error(),
		},
	})
	if err != nil {
		p.logger.Warn("decline notification failed",
			zap.String("account_id", req.AccountID),
			zap.Error(err))
	}
}
