package card

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/notify"
)

// DefaultDeclineLimit is the number of consecutive declined charges after
// which a card is blocked.
const DefaultDeclineLimit = 3

const declineBlockReason = "repeated declines"

// Blocker is the part of Service the decline policy needs.
type Blocker interface {
	BlockCard(ctx context.Context, cardID, reason string) error
}

// DeclinePolicy blocks a card after Limit consecutive declined card charges.
// A committed charge on the card resets its count. It is wired as a
// notifier, so it acts only on committed outcomes.
type DeclinePolicy struct {
	blocker Blocker
	limit   int
	logger  *zap.Logger

	mu     sync.Mutex
	counts map[string]int
}

func NewDeclinePolicy(blocker Blocker, limit int, logger *zap.Logger) *DeclinePolicy {
	if limit <= 0 {
		limit = DefaultDeclineLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeclinePolicy{
		blocker: blocker,
		limit:   limit,
		logger:  logger,
		counts:  make(map[string]int),
	}
}

func (p *DeclinePolicy) Notify(ctx context.Context, e notify.Event) error {
	switch e.Type {
	case notify.EventTransactionCommitted:
		if e.Transaction != nil && e.Transaction.Type == domain.TxCardCharge {
			p.reset(e.Transaction.Reference)
		}
		return nil

	case notify.EventTransactionDeclined:
		if e.Decline == nil || e.Decline.Type != domain.TxCardCharge || e.Decline.CardID == "" {
			return nil
		}
		if !p.record(e.Decline.CardID) {
			return nil
		}
		err := p.blocker.BlockCard(ctx, e.Decline.CardID, declineBlockReason)
		if errors.Is(err, domain.ErrInvalidCardTransition) || errors.Is(err, domain.ErrInvalidCard) {
			return nil
		}
		if err != nil {
			return err
		}
		p.logger.Warn("card blocked after repeated declines",
			zap.String("card_id", e.Decline.CardID),
			zap.Int("limit", p.limit))
	}
	return nil
}

// record counts a decline and reports whether the limit was reached.
func (p *DeclinePolicy) record(cardID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counts[cardID]++
	if p.counts[cardID] < p.limit {
		return false
	}
	delete(p.counts, cardID)
	return true
}

func (p *DeclinePolicy) reset(cardID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.counts, cardID)
}
