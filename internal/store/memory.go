package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
)

// MemoryStore keeps everything in process memory. It honours the same
// atomicity and compare-and-swap rules as the SQL adapters.
type MemoryStore struct {
	mu           sync.RWMutex
	now          func() time.Time
	accounts     map[string]domain.Account
	transactions []domain.Transaction
	txIndex      map[string]int
	cards        map[string]domain.Card
	payments     map[string]domain.Payment
	paymentKeys  map[string]string
	bills        map[string]domain.Bill
	processed    map[string]domain.ProcessedKey
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		accounts:    make(map[string]domain.Account),
		txIndex:     make(map[string]int),
		cards:       make(map[string]domain.Card),
		payments:    make(map[string]domain.Payment),
		paymentKeys: make(map[string]string),
		bills:       make(map[string]domain.Bill),
		processed:   make(map[string]domain.ProcessedKey),
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, id, currency string) (*domain.Account, error) {
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: currency %q", domain.ErrInvalidRequest, currency)
	}
	if id == "" {
		id = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[id]; exists {
		return nil, fmt.Errorf("account %s already exists", id)
	}
	now := s.now().UTC()
	acct := domain.Account{
		ID:        id,
		Balance:   money.Zero(currency),
		Status:    domain.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.accounts[id] = acct
	return &acct, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s not found", domain.ErrInvalidAccount, id)
	}
	return &acct, nil
}

func (s *MemoryStore) ListAccounts(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		if status == "" || a.Status == status {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.txIndex[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s not found", id)
	}
	tx := s.transactions[i]
	return &tx, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) TransactionsByGroup(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Transaction
	for _, tx := range s.transactions {
		if groupID != "" && tx.TransferGroupID == groupID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateCard(ctx context.Context, card *domain.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.cards[card.ID]; exists {
		return fmt.Errorf("card %s already exists", card.ID)
	}
	s.cards[card.ID] = *card
	return nil
}

func (s *MemoryStore) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	card, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("%w: card %s not found", domain.ErrInvalidCard, id)
	}
	return &card, nil
}

func (s *MemoryStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.paymentKeys[p.IdempotencyKey]; exists {
		return fmt.Errorf("%w: payment %s", domain.ErrDuplicateIdempotencyKey, p.IdempotencyKey)
	}
	s.payments[p.ID] = *p
	s.paymentKeys[p.IdempotencyKey] = p.ID
	return nil
}

func (s *MemoryStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, id)
	}
	return &p, nil
}

func (s *MemoryStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*domain.Payment, error) {
	s.mu.RLock()
	id, ok := s.paymentKeys[idempotencyKey]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: key %s", domain.ErrPaymentNotFound, idempotencyKey)
	}
	return s.GetPayment(ctx, id)
}

func (s *MemoryStore) SetGatewayReference(ctx context.Context, paymentID, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[paymentID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	p.GatewayReference = reference
	p.UpdatedAt = s.now().UTC()
	s.payments[paymentID] = p
	return nil
}

func (s *MemoryStore) CreateBill(ctx context.Context, bill *domain.Bill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.bills[bill.ID]; exists {
		return fmt.Errorf("bill %s already exists", bill.ID)
	}
	s.bills[bill.ID] = *bill
	return nil
}

func (s *MemoryStore) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bill, ok := s.bills[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrBillNotFound, id)
	}
	return &bill, nil
}

func (s *MemoryStore) GetProcessedKey(ctx context.Context, key string) (*domain.ProcessedKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.processed[key]
	if !ok {
		return nil, nil
	}
	return &pk, nil
}

func (s *MemoryStore) PurgeProcessedKeys(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, pk := range s.processed {
		if pk.ProcessedAt.Before(before) {
			delete(s.processed, k)
			n++
		}
	}
	return n, nil
}

// Commit validates every compare-and-swap before applying anything, so a
// failing row leaves the store untouched.
func (s *MemoryStore) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range b.Accounts {
		cur, ok := s.accounts[u.Next.ID]
		if !ok {
			return fmt.Errorf("%w: account %s not found", domain.ErrInvalidAccount, u.Next.ID)
		}
		if cur.Version != u.ExpectedVersion {
			return fmt.Errorf("%w: account %s at version %d, expected %d",
				domain.ErrVersionConflict, cur.ID, cur.Version, u.ExpectedVersion)
		}
	}
	for _, u := range b.Cards {
		cur, ok := s.cards[u.ID]
		if !ok {
			return fmt.Errorf("%w: card %s not found", domain.ErrInvalidCard, u.ID)
		}
		if cur.Status != u.From {
			return fmt.Errorf("%w: card %s is %s, expected %s", domain.ErrVersionConflict, u.ID, cur.Status, u.From)
		}
	}
	for _, u := range b.Payments {
		cur, ok := s.payments[u.ID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, u.ID)
		}
		if cur.Status != u.From {
			return fmt.Errorf("%w: payment %s is %s, expected %s", domain.ErrVersionConflict, u.ID, cur.Status, u.From)
		}
	}
	for _, u := range b.Bills {
		cur, ok := s.bills[u.ID]
		if !ok {
			return fmt.Errorf("%w: %s", domain.ErrBillNotFound, u.ID)
		}
		if cur.Status != domain.BillUnpaid {
			return fmt.Errorf("%w: %s", domain.ErrBillAlreadyPaid, u.ID)
		}
	}
	seen := make(map[string]bool, len(b.ProcessedKeys))
	for _, pk := range b.ProcessedKeys {
		if _, exists := s.processed[pk.Key]; exists || seen[pk.Key] {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, pk.Key)
		}
		seen[pk.Key] = true
	}
	for _, tx := range b.Transactions {
		if _, exists := s.txIndex[tx.ID]; exists {
			return fmt.Errorf("transaction %s already exists", tx.ID)
		}
	}

	now := s.now().UTC()
	for _, u := range b.Accounts {
		next := u.Next
		next.UpdatedAt = now
		s.accounts[next.ID] = next
	}
	for _, tx := range b.Transactions {
		s.txIndex[tx.ID] = len(s.transactions)
		s.transactions = append(s.transactions, tx)
	}
	for _, u := range b.Cards {
		card := s.cards[u.ID]
		card.Status = u.To
		if u.Reason != "" {
			card.BlockReason = u.Reason
		}
		card.UpdatedAt = now
		s.cards[u.ID] = card
	}
	for _, u := range b.Payments {
		p := s.payments[u.ID]
		p.Status = u.To
		p.UpdatedAt = now
		s.payments[u.ID] = p
	}
	for _, u := range b.Bills {
		bill := s.bills[u.ID]
		bill.Status = domain.BillPaid
		bill.PaidByTransactionID = u.TransactionID
		s.bills[u.ID] = bill
	}
	for _, pk := range b.ProcessedKeys {
		if pk.ProcessedAt.IsZero() {
			pk.ProcessedAt = now
		}
		s.processed[pk.Key] = pk
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
