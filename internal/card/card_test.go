package card

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/ledger-core/internal/consistency"
	"github.com/example/ledger-core/internal/crypto"
	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
	"github.com/example/ledger-core/internal/notify"
	"github.com/example/ledger-core/internal/processor"
	"github.com/example/ledger-core/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, e notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) cardChanges() []notify.CardChange {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.CardChange
	for _, e := range n.events {
		if e.Card != nil {
			out = append(out, *e.Card)
		}
	}
	return out
}

func newService(t *testing.T) (*Service, *store.MemoryStore, *consistency.Controller, *recordingNotifier) {
	t.Helper()
	kms, err := crypto.NewFileKMS(t.TempDir(), "master-1")
	require.NoError(t, err)

	st := store.NewMemoryStore()
	locks := consistency.NewController()
	n := &recordingNotifier{}
	svc, err := NewService(st, locks, crypto.NewEnvelope(kms), Config{
		Notifier: n,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	_, err = st.CreateAccount(context.Background(), "acct-1", "USD")
	require.NoError(t, err)
	return svc, st, locks, n
}

func TestIssueCard(t *testing.T) {
	svc, _, _, n := newService(t)
	ctx := context.Background()

	id, err := svc.IssueCard(ctx, "acct-1", domain.CardVirtual)
	require.NoError(t, err)

	card, err := svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardIssued, card.Status)
	assert.Equal(t, "acct-1", card.AccountID)
	assert.Regexp(t, `^\d{2}/\d{2}$`, card.Expiry)
	assert.Equal(t, "master-1", card.KeyID)

	pan, err := svc.RevealPAN(ctx, id)
	require.NoError(t, err)
	assert.Len(t, pan, panLength)
	assert.True(t, strings.HasPrefix(pan, DefaultBIN))
	assert.True(t, luhnValid(pan))
	assert.Equal(t, pan[len(pan)-4:], card.LastFourDigits)
	assert.NotContains(t, string(card.EncryptedPAN), pan)

	changes := n.cardChanges()
	require.Len(t, changes, 1)
	assert.Equal(t, domain.CardIssued, changes[0].To)
}

func TestIssueCardRejections(t *testing.T) {
	svc, st, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.IssueCard(ctx, "acct-1", domain.CardType("PAPER"))
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = svc.IssueCard(ctx, "missing", domain.CardPhysical)
	assert.ErrorIs(t, err, domain.ErrInvalidAccount)

	acct, err := st.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	closed, err := acct.Close(acct.Version)
	require.NoError(t, err)
	require.NoError(t, st.Commit(ctx, &store.Batch{
		Accounts: []store.AccountUpdate{{Next: closed, ExpectedVersion: acct.Version}},
	}))

	_, err = svc.IssueCard(ctx, "acct-1", domain.CardPhysical)
	assert.ErrorIs(t, err, domain.ErrAccountClosed)
}

func TestActivateCard(t *testing.T) {
	svc, _, _, n := newService(t)
	ctx := context.Background()

	id, err := svc.IssueCard(ctx, "acct-1", domain.CardPhysical)
	require.NoError(t, err)
	card, err := svc.GetCard(ctx, id)
	require.NoError(t, err)

	wrong := "0000"
	if card.LastFourDigits == wrong {
		wrong = "9999"
	}
	err = svc.ActivateCard(ctx, id, wrong)
	assert.ErrorIs(t, err, domain.ErrCardVerificationFailed)
	card, err = svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardIssued, card.Status)

	require.NoError(t, svc.ActivateCard(ctx, id, card.LastFourDigits))
	card, err = svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardActive, card.Status)

	err = svc.ActivateCard(ctx, id, card.LastFourDigits)
	assert.ErrorIs(t, err, domain.ErrInvalidCardTransition)

	changes := n.cardChanges()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.CardIssued, changes[1].From)
	assert.Equal(t, domain.CardActive, changes[1].To)
}

func TestBlockCard(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	issued, err := svc.IssueCard(ctx, "acct-1", domain.CardVirtual)
	require.NoError(t, err)
	require.NoError(t, svc.BlockCard(ctx, issued, "lost"))

	card, err := svc.GetCard(ctx, issued)
	require.NoError(t, err)
	assert.Equal(t, domain.CardBlocked, card.Status)
	assert.Equal(t, "lost", card.BlockReason)

	err = svc.BlockCard(ctx, issued, "again")
	assert.ErrorIs(t, err, domain.ErrInvalidCardTransition)
	err = svc.ActivateCard(ctx, issued, card.LastFourDigits)
	assert.ErrorIs(t, err, domain.ErrInvalidCardTransition)

	active, err := svc.IssueCard(ctx, "acct-1", domain.CardVirtual)
	require.NoError(t, err)
	card, err = svc.GetCard(ctx, active)
	require.NoError(t, err)
	require.NoError(t, svc.ActivateCard(ctx, active, card.LastFourDigits))
	require.NoError(t, svc.BlockCard(ctx, active, "stolen"))
}

func TestUnknownCard(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	assert.ErrorIs(t, svc.ActivateCard(ctx, "nope", "1234"), domain.ErrInvalidCard)
	assert.ErrorIs(t, svc.BlockCard(ctx, "nope", "lost"), domain.ErrInvalidCard)
	_, err := svc.RevealPAN(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrInvalidCard)
}

func TestConcurrentBlockAndActivate(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	id, err := svc.IssueCard(ctx, "acct-1", domain.CardPhysical)
	require.NoError(t, err)
	card, err := svc.GetCard(ctx, id)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); errs[0] = svc.ActivateCard(ctx, id, card.LastFourDigits) }()
	go func() { defer wg.Done(); errs[1] = svc.BlockCard(ctx, id, "fraud") }()
	wg.Wait()

	require.NoError(t, errs[1])
	card, err = svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardBlocked, card.Status)
	if errs[0] != nil {
		assert.ErrorIs(t, errs[0], domain.ErrInvalidCardTransition)
	}
}

func TestNewServiceRejectsBadBIN(t *testing.T) {
	_, err := NewService(store.NewMemoryStore(), consistency.NewController(), nil, Config{BIN: "12ab"})
	assert.Error(t, err)
}

func TestDeclinePolicyBlocksAfterRepeatedDeclines(t *testing.T) {
	svc, st, locks, _ := newService(t)
	ctx := context.Background()

	policy := NewDeclinePolicy(svc, 3, zaptest.NewLogger(t))
	proc := processor.New(st, locks, processor.Config{
		RetryBackoff: time.Millisecond,
		Notifier:     policy,
		Logger:       zaptest.NewLogger(t),
	})
	_, err := proc.Process(ctx, processor.Request{
		Type: domain.TxDeposit, AccountID: "acct-1", Amount: money.MustParse("10.00", "USD"),
	})
	require.NoError(t, err)

	id, err := svc.IssueCard(ctx, "acct-1", domain.CardVirtual)
	require.NoError(t, err)
	card, err := svc.GetCard(ctx, id)
	require.NoError(t, err)
	require.NoError(t, svc.ActivateCard(ctx, id, card.LastFourDigits))

	charge := func(amount string) error {
		_, err := proc.Process(ctx, processor.Request{
			Type: domain.TxCardCharge, AccountID: "acct-1", CardID: id, Amount: money.MustParse(amount, "USD"),
		})
		return err
	}

	// two declines, then a success resets the count
	assert.ErrorIs(t, charge("50.00"), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, charge("50.00"), domain.ErrInsufficientFunds)
	require.NoError(t, charge("1.00"))
	assert.ErrorIs(t, charge("50.00"), domain.ErrInsufficientFunds)
	assert.ErrorIs(t, charge("50.00"), domain.ErrInsufficientFunds)

	card, err = svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardActive, card.Status)

	assert.ErrorIs(t, charge("50.00"), domain.ErrInsufficientFunds)
	card, err = svc.GetCard(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.CardBlocked, card.Status)
	assert.Equal(t, declineBlockReason, card.BlockReason)

	assert.ErrorIs(t, charge("1.00"), domain.ErrInvalidCard)
	bal, err := proc.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "9.00", bal.StringFixed())
}

func TestDeclinePolicyIgnoresOtherEvents(t *testing.T) {
	blocked := 0
	policy := NewDeclinePolicy(blockerFunc(func(context.Context, string, string) error {
		blocked++
		return nil
	}), 1, nil)
	ctx := context.Background()

	require.NoError(t, policy.Notify(ctx, notify.Event{
		Type:    notify.EventTransactionDeclined,
		Decline: &notify.Decline{Type: domain.TxWithdrawal, Reason: "insufficient funds"},
	}))
	require.NoError(t, policy.Notify(ctx, notify.Event{Type: notify.EventAccountClosed}))
	assert.Zero(t, blocked)

	require.NoError(t, policy.Notify(ctx, notify.Event{
		Type:    notify.EventTransactionDeclined,
		Decline: &notify.Decline{Type: domain.TxCardCharge, CardID: "c1"},
	}))
	assert.Equal(t, 1, blocked)
}

type blockerFunc func(ctx context.Context, cardID, reason string) error

func (f blockerFunc) BlockCard(ctx context.Context, cardID, reason string) error {
	return f(ctx, cardID, reason)
}

func TestLuhn(t *testing.T) {
	assert.True(t, luhnValid("4111111111111111"))
	assert.False(t, luhnValid("4111111111111112"))
	for i := 0; i < 20; i++ {
		pan, err := generatePAN("400000")
		require.NoError(t, err)
		assert.True(t, luhnValid(pan), pan)
	}
	assert.Error(t, validateBIN("12345"))
	assert.NoError(t, validateBIN("12345678"))
}
