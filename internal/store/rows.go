package store

import (
	"fmt"
	"time"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
)

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

const (
	accountColumns     = `id, currency, balance, status, version, created_at, updated_at`
	transactionColumns = `id, account_id, counterparty_account_id, type, amount, currency, description,
		created_at, resulting_balance, transfer_group_id, reference`
	cardColumns = `id, account_id, type, status, last4, expiry, encrypted_pan, pan_nonce, pan_key,
		key_id, block_reason, created_at, updated_at`
	paymentColumns = `id, account_id, card_id, status, gateway_reference, amount, currency,
		idempotency_key, created_at, updated_at`
	billColumns = `id, biller_reference, amount, currency, status, paid_by_transaction_id`
)

func scanAccount(rs rowScanner) (*domain.Account, error) {
	var (
		a        domain.Account
		currency string
		balance  string
		status   string
	)
	if err := rs.Scan(&a.ID, &currency, &balance, &status, &a.Version, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := money.Parse(balance, currency)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", a.ID, err)
	}
	a.Balance = m
	a.Status = domain.AccountStatus(status)
	return &a, nil
}

func scanTransaction(rs rowScanner) (*domain.Transaction, error) {
	var (
		tx        domain.Transaction
		txType    string
		amount    string
		currency  string
		resulting string
	)
	if err := rs.Scan(&tx.ID, &tx.AccountID, &tx.CounterpartyAccountID, &txType, &amount, &currency,
		&tx.Description, &tx.CreatedAt, &resulting, &tx.TransferGroupID, &tx.Reference); err != nil {
		return nil, err
	}
	var err error
	if tx.Amount, err = money.Parse(amount, currency); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	if tx.ResultingBalance, err = money.Parse(resulting, currency); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", tx.ID, err)
	}
	tx.Type = domain.TransactionType(txType)
	return &tx, nil
}

func scanCard(rs rowScanner) (*domain.Card, error) {
	var (
		c              domain.Card
		cardType, stat string
	)
	if err := rs.Scan(&c.ID, &c.AccountID, &cardType, &stat, &c.LastFourDigits, &c.Expiry,
		&c.EncryptedPAN, &c.PANNonce, &c.PANKey, &c.KeyID, &c.BlockReason, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Type = domain.CardType(cardType)
	c.Status = domain.CardStatus(stat)
	return &c, nil
}

func scanPayment(rs rowScanner) (*domain.Payment, error) {
	var (
		p                domain.Payment
		status           string
		amount, currency string
	)
	if err := rs.Scan(&p.ID, &p.AccountID, &p.CardID, &status, &p.GatewayReference, &amount, &currency,
		&p.IdempotencyKey, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	m, err := money.Parse(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("payment %s: %w", p.ID, err)
	}
	p.Amount = m
	p.Status = domain.PaymentStatus(status)
	return &p, nil
}

func scanBill(rs rowScanner) (*domain.Bill, error) {
	var (
		b                        domain.Bill
		amount, currency, status string
	)
	if err := rs.Scan(&b.ID, &b.BillerReference, &amount, &currency, &status, &b.PaidByTransactionID); err != nil {
		return nil, err
	}
	m, err := money.Parse(amount, currency)
	if err != nil {
		return nil, fmt.Errorf("bill %s: %w", b.ID, err)
	}
	b.Amount = m
	b.Status = domain.BillStatus(status)
	return &b, nil
}

func processedAt(pk domain.ProcessedKey, now time.Time) time.Time {
	if pk.ProcessedAt.IsZero() {
		return now
	}
	return pk.ProcessedAt.UTC()
}
