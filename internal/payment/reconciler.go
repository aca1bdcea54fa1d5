// Package payment tracks gateway payments and applies the gateway's status
// events to the ledger. Every event is applied at most once: its key is
// recorded in the same batch as the status change it causes.
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/consistency"
	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/idempotency"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/processor"
	"github.com/example/ledger-core/internal/resilience"
	"github.com/example/ledger-core/internal/store"
)

var tracer = otel.Tracer("github.com/example/ledger-core/internal/payment")

type Config struct {
	// Gateway is optional; without it payments are registered but not
	// submitted.
	Gateway  Gateway
	Cache    idempotency.Cache
	Notifier notify.Notifier
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

type Reconciler struct {
	store    store.Store
	locks    *consistency.Controller
	proc     *processor.Processor
	gateway  Gateway
	cache    idempotency.Cache
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	retry    resilience.Config
	now      func() time.Time
}

func NewReconciler(st store.Store, locks *consistency.Controller, proc *processor.Processor, cfg Config) *Reconciler {
	if cfg.Cache == nil {
		cfg.Cache = idempotency.Nop{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reconciler{
		store:    st,
		locks:    locks,
		proc:     proc,
		gateway:  cfg.Gateway,
		cache:    cfg.Cache,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		retry: resilience.Config{
			MaxRetries:     processor.DefaultMaxAttempts - 1,
			InitialBackoff: processor.DefaultRetryBackoff,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrVersionConflict)
			},
		},
		now: time.Now,
	}
}

// PaymentRequest registers a payment. With CardID set the payment charges
// the card on success; otherwise it credits the account.
type PaymentRequest struct {
	AccountID      string
	CardID         string
	Amount         money.Money
	IdempotencyKey string
}

// CreatePayment registers a Pending payment and submits it to the gateway.
// A repeat with the same idempotency key returns the existing payment,
// resubmitting it if it never got a gateway reference. When submission fails
// the payment stays Pending and is returned with the error.
func (r *Reconciler) CreatePayment(ctx context.Context, req PaymentRequest) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "payment.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", req.AccountID))

	if req.IdempotencyKey == "" {
		return nil, &domain.ValidationError{Field: "idempotency_key", Message: "required"}
	}
	req.Amount = req.Amount.Round()
	if !req.Amount.IsPositive() {
		return nil, &domain.ValidationError{Field: "amount", Message: "must be positive"}
	}

	existing, err := r.store.GetPaymentByKey(ctx, req.IdempotencyKey)
	if err == nil {
		r.metrics.IncrIdempotencyHit("payment")
		if existing.GatewayReference == "" && existing.Status == domain.PaymentPending {
			return r.submit(ctx, existing)
		}
		return existing, nil
	}
	if !errors.Is(err, domain.ErrPaymentNotFound) {
		return nil, err
	}

	acct, err := r.store.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if acct.Status != domain.AccountActive {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountClosed, acct.ID)
	}
	if acct.Currency() != req.Amount.Currency() {
		return nil, fmt.Errorf("%w: account %s holds %s, payment is %s",
			domain.ErrCurrencyMismatch, acct.ID, acct.Currency(), req.Amount.Currency())
	}
	if req.CardID != "" {
		card, err := r.store.GetCard(ctx, req.CardID)
		if err != nil {
			return nil, err
		}
		if card.AccountID != acct.ID {
			return nil, fmt.Errorf("%w: card %s does not belong to account %s", domain.ErrInvalidCard, card.ID, acct.ID)
		}
	}

	now := r.now().UTC()
	p := &domain.Payment{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		CardID:         req.CardID,
		Status:         domain.PaymentPending,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreatePayment(ctx, p); err != nil {
		if errors.Is(err, domain.ErrDuplicateIdempotencyKey) {
			return r.store.GetPaymentByKey(ctx, req.IdempotencyKey)
		}
		return nil, err
	}
	r.logger.Info("payment registered",
		zap.String("payment_id", p.ID),
		zap.String("account_id", p.AccountID),
		zap.String("amount", p.Amount.String()))

	return r.submit(ctx, p)
}

// submit sends a Pending payment to the gateway and stores its reference.
func (r *Reconciler) submit(ctx context.Context, p *domain.Payment) (*domain.Payment, error) {
	if r.gateway == nil {
		return p, nil
	}
	ref, err := r.gateway.Submit(ctx, Submission{
		PaymentID:      p.ID,
		IdempotencyKey: p.IdempotencyKey,
		AccountID:      p.AccountID,
		CardID:         p.CardID,
		Amount:         p.Amount,
	})
	if err != nil {
		r.logger.Warn("gateway submission failed", zap.String("payment_id", p.ID), zap.Error(err))
		if errors.Is(err, ErrGatewayRejected) {
			return p, err
		}
		return p, fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if err := r.store.SetGatewayReference(ctx, p.ID, ref); err != nil {
		return p, err
	}
	p.GatewayReference = ref
	return p, nil
}

// GetPayment returns the stored payment.
func (r *Reconciler) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return r.store.GetPayment(ctx, id)
}

// RecordGatewayEvent applies a gateway status event for the payment
// registered under idempotencyKey. Redelivered events are acknowledged
// without effect. A Succeeded event books the payment on the ledger in the
// same commit as the status change.
func (r *Reconciler) RecordGatewayEvent(ctx context.Context, idempotencyKey string, target domain.PaymentStatus, payload json.RawMessage) error {
	ctx, span := tracer.Start(ctx, "payment.RecordGatewayEvent")
	defer span.End()
	span.SetAttributes(attribute.String("payment.status", string(target)))

	if !target.Valid() {
		return &domain.ValidationError{Field: "status", Message: fmt.Sprintf("unknown payment status %q", target)}
	}
	eventKey := idempotencyKey + ":" + string(target)

	seen, err := r.cache.Seen(ctx, eventKey)
	if err != nil {
		r.logger.Warn("idempotency cache unavailable", zap.Error(err))
	} else if seen {
		r.metrics.IncrIdempotencyHit("cache")
		r.metrics.IncrPaymentEvent(string(target), "duplicate")
		return nil
	}

	p, err := r.store.GetPaymentByKey(ctx, idempotencyKey)
	if err != nil {
		r.metrics.IncrPaymentEvent(string(target), "rejected")
		return err
	}
	span.SetAttributes(attribute.String("payment.id", p.ID))

	var from domain.PaymentStatus
	if target == domain.PaymentSucceeded {
		from, err = r.settle(ctx, p, eventKey)
	} else {
		from, err = r.advance(ctx, p, target, eventKey)
	}

	switch {
	case errors.Is(err, domain.ErrDuplicateIdempotencyKey):
		r.markSeen(ctx, eventKey)
		r.metrics.IncrIdempotencyHit("store")
		r.metrics.IncrPaymentEvent(string(target), "duplicate")
		r.logger.Debug("duplicate gateway event", zap.String("payment_id", p.ID), zap.String("status", string(target)))
		return nil
	case err != nil:
		outcome := "rejected"
		if domain.IsTransient(err) {
			outcome = "transient"
		}
		r.metrics.IncrPaymentEvent(string(target), outcome)
		r.logger.Warn("gateway event not applied",
			zap.String("payment_id", p.ID),
			zap.String("status", string(target)),
			zap.Error(err))
		return err
	}

	r.markSeen(ctx, eventKey)
	r.metrics.IncrPaymentEvent(string(target), "applied")
	r.logger.Info("payment status changed",
		zap.String("payment_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(target)))

	if nerr := r.notifier.Notify(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventPaymentStatusChanged,
		AccountID:  p.AccountID,
		OccurredAt: r.now().UTC(),
		Payment:    &notify.PaymentChange{PaymentID: p.ID, From: from, To: target, Payload: payload},
	}); nerr != nil {
		r.logger.Warn("post-commit notification failed", zap.String("payment_id", p.ID), zap.Error(nerr))
	}
	return nil
}

// settle books a succeeded payment through the processor. The commit hook
// runs inside the processor's scope, so the transition check, the ledger
// rows and the event key commit together.
func (r *Reconciler) settle(ctx context.Context, p *domain.Payment, eventKey string) (domain.PaymentStatus, error) {
	var from domain.PaymentStatus
	hook := func(ctx context.Context, b *store.Batch) error {
		cur, err := r.transitionCheck(ctx, p.ID, domain.PaymentSucceeded, eventKey)
		if err != nil {
			return err
		}
		from = cur.Status
		b.Payments = append(b.Payments, store.PaymentUpdate{ID: p.ID, From: cur.Status, To: domain.PaymentSucceeded})
		b.ProcessedKeys = append(b.ProcessedKeys, domain.ProcessedKey{Key: eventKeyRow(eventKey), Ref: p.ID})
		return nil
	}

	req := processor.Request{
		Type:            p.LedgerType(),
		AccountID:       p.AccountID,
		CardID:          p.CardID,
		Amount:          p.Amount,
		Description:     "gateway payment " + p.ID,
		SystemInitiated: true,
	}
	if p.CardID == "" {
		req.Reference = p.ID
	}
	if _, err := r.proc.Process(ctx, req, processor.WithCommitHook(hook)); err != nil {
		return "", err
	}
	return from, nil
}

// advance commits a status change that does not touch balances.
func (r *Reconciler) advance(ctx context.Context, p *domain.Payment, target domain.PaymentStatus, eventKey string) (domain.PaymentStatus, error) {
	var from domain.PaymentStatus
	err := resilience.RetryWithBackoff(ctx, r.retry, func() error {
		release, err := r.locks.Acquire(ctx, p.AccountID)
		if err != nil {
			return err
		}
		defer release()

		cur, err := r.transitionCheck(ctx, p.ID, target, eventKey)
		if err != nil {
			return err
		}
		from = cur.Status
		return r.store.Commit(ctx, &store.Batch{
			Payments:      []store.PaymentUpdate{{ID: p.ID, From: cur.Status, To: target}},
			ProcessedKeys: []domain.ProcessedKey{{Key: eventKeyRow(eventKey), Ref: p.ID}},
		})
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return "", fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	return from, err
}

// transitionCheck must run under the payment account's scope. It reports a
// duplicate when the event key is already durable.
func (r *Reconciler) transitionCheck(ctx context.Context, paymentID string, target domain.PaymentStatus, eventKey string) (*domain.Payment, error) {
	pk, err := r.store.GetProcessedKey(ctx, eventKeyRow(eventKey))
	if err != nil {
		return nil, err
	}
	if pk != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, eventKey)
	}
	cur, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !domain.CanTransitionPayment(cur.Status, target) {
		return nil, domain.PaymentTransitionError(cur.ID, cur.Status, target)
	}
	return cur, nil
}

func (r *Reconciler) markSeen(ctx context.Context, eventKey string) {
	if err := r.cache.Mark(ctx, eventKey); err != nil {
		r.logger.Warn("failed to cache event key", zap.String("key", eventKey), zap.Error(err))
	}
}

func eventKeyRow(eventKey string) string {
	return "evt:" + eventKey
}
