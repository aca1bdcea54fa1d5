// Package card issues payment cards and drives their status through
// Issued, Active and Blocked. Status changes run inside the owning account's
// scope so a concurrent card charge always sees a settled status.
package card

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/consistency"
	"github.com/example/ledger-core/internal/crypto"
	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/observability"
	"github.com/example/ledger-core/internal/resilience"
	"github.com/example/ledger-core/internal/store"
)

var tracer = otel.Tracer("github.com/example/ledger-core/internal/card")

// DefaultBIN is a test-range issuer prefix.
const DefaultBIN = "400000"

type Config struct {
	BIN      string
	Notifier notify.Notifier
	Logger   *zap.Logger
	Metrics  *observability.Metrics
}

type Service struct {
	store    store.Store
	locks    *consistency.Controller
	envelope *crypto.Envelope
	bin      string
	notifier notify.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	retry    resilience.Config
	now      func() time.Time
}

func NewService(st store.Store, locks *consistency.Controller, envelope *crypto.Envelope, cfg Config) (*Service, error) {
	if cfg.BIN == "" {
		cfg.BIN = DefaultBIN
	}
	if err := validateBIN(cfg.BIN); err != nil {
		return nil, err
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Service{
		store:    st,
		locks:    locks,
		envelope: envelope,
		bin:      cfg.BIN,
		notifier: cfg.Notifier,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		retry: resilience.Config{
			MaxRetries:     3,
			InitialBackoff: 5 * time.Millisecond,
			Retryable: func(err error) bool {
				return errors.Is(err, domain.ErrVersionConflict)
			},
		},
		now: time.Now,
	}, nil
}

// IssueCard creates a card in Issued status for an active account and
// returns its ID. Only the last four digits are kept in clear.
func (s *Service) IssueCard(ctx context.Context, accountID string, cardType domain.CardType) (string, error) {
	ctx, span := tracer.Start(ctx, "card.IssueCard")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", accountID))

	if !cardType.Valid() {
		return "", &domain.ValidationError{Field: "card_type", Message: fmt.Sprintf("unknown card type %q", cardType)}
	}

	release, err := s.locks.Acquire(ctx, accountID)
	if err != nil {
		return "", err
	}
	defer release()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.Status != domain.AccountActive {
		return "", fmt.Errorf("%w: %s", domain.ErrAccountClosed, accountID)
	}

	pan, err := generatePAN(s.bin)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	sealed, err := s.envelope.Seal(ctx, []byte(pan), []byte(id))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt PAN: %w", err)
	}

	now := s.now().UTC()
	c := &domain.Card{
		ID:             id,
		AccountID:      accountID,
		Type:           cardType,
		Status:         domain.CardIssued,
		LastFourDigits: pan[len(pan)-4:],
		Expiry:         expiryFor(now),
		EncryptedPAN:   sealed.Ciphertext,
		PANNonce:       sealed.Nonce,
		PANKey:         sealed.WrappedKey,
		KeyID:          sealed.KeyID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCard(ctx, c); err != nil {
		return "", err
	}

	s.logger.Info("card issued",
		zap.String("card_id", id),
		zap.String("account_id", accountID),
		zap.String("type", string(cardType)))
	s.metrics.IncrCardTransition(string(domain.CardIssued))
	s.notify(ctx, c, "", domain.CardIssued, "")
	return id, nil
}

// ActivateCard moves an Issued card to Active when verification matches the
// card's last four digits. A mismatch leaves the card Issued.
func (s *Service) ActivateCard(ctx context.Context, cardID, verification string) error {
	ctx, span := tracer.Start(ctx, "card.ActivateCard")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	return s.transition(ctx, cardID, domain.CardActive, "", func(c *domain.Card) error {
		if c.Status != domain.CardIssued {
			return domain.CardTransitionError(c.ID, c.Status, domain.CardActive)
		}
		if subtle.ConstantTimeCompare([]byte(c.LastFourDigits), []byte(verification)) != 1 {
			s.logger.Warn("card verification failed", zap.String("card_id", c.ID))
			return fmt.Errorf("%w: %s", domain.ErrCardVerificationFailed, c.ID)
		}
		return nil
	})
}

// BlockCard moves an Issued or Active card to Blocked. Blocked is terminal.
func (s *Service) BlockCard(ctx context.Context, cardID, reason string) error {
	ctx, span := tracer.Start(ctx, "card.BlockCard")
	defer span.End()
	span.SetAttributes(attribute.String("card.id", cardID))

	return s.transition(ctx, cardID, domain.CardBlocked, reason, func(c *domain.Card) error {
		if !domain.CanTransitionCard(c.Status, domain.CardBlocked) {
			return domain.CardTransitionError(c.ID, c.Status, domain.CardBlocked)
		}
		return nil
	})
}

// GetCard returns the stored card.
func (s *Service) GetCard(ctx context.Context, cardID string) (*domain.Card, error) {
	return s.store.GetCard(ctx, cardID)
}

// RevealPAN decrypts the full card number.
func (s *Service) RevealPAN(ctx context.Context, cardID string) (string, error) {
	c, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return "", err
	}
	pan, err := s.envelope.Open(ctx, &crypto.Sealed{
		Ciphertext: c.EncryptedPAN,
		WrappedKey: c.PANKey,
		Nonce:      c.PANNonce,
		KeyID:      c.KeyID,
	}, []byte(c.ID))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt PAN for card %s: %w", c.ID, err)
	}
	return string(pan), nil
}

// transition loads the card, takes its account's scope, re-reads the card
// under the scope, runs check and commits the status change.
func (s *Service) transition(ctx context.Context, cardID string, to domain.CardStatus, reason string, check func(*domain.Card) error) error {
	initial, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return err
	}

	var from domain.CardStatus
	var card *domain.Card
	err = resilience.RetryWithBackoff(ctx, s.retry, func() error {
		release, err := s.locks.Acquire(ctx, initial.AccountID)
		if err != nil {
			return err
		}
		defer release()

		card, err = s.store.GetCard(ctx, cardID)
		if err != nil {
			return err
		}
		if err := check(card); err != nil {
			return err
		}
		from = card.Status
		return s.store.Commit(ctx, &store.Batch{
			Cards: []store.CardUpdate{{ID: card.ID, From: from, To: to, Reason: reason}},
		})
	})
	if errors.Is(err, domain.ErrVersionConflict) {
		return fmt.Errorf("%w: %w", domain.ErrTransient, err)
	}
	if err != nil {
		return err
	}

	s.logger.Info("card status changed",
		zap.String("card_id", cardID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	s.metrics.IncrCardTransition(string(to))
	s.notify(ctx, card, from, to, reason)
	return nil
}

func (s *Service) notify(ctx context.Context, c *domain.Card, from, to domain.CardStatus, reason string) {
	err := s.notifier.Notify(ctx, notify.Event{
		ID:         uuid.NewString(),
		Type:       notify.EventCardStatusChanged,
		AccountID:  c.AccountID,
		OccurredAt: s.now().UTC(),
		Card:       &notify.CardChange{CardID: c.ID, From: from, To: to, Reason: reason},
	})
	if err != nil {
		s.logger.Warn("post-commit notification failed", zap.String("card_id", c.ID), zap.Error(err))
	}
}
