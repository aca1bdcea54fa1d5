package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    currency CHAR(3) NOT NULL,
    balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
    status TEXT NOT NULL,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transactions (
    seq BIGSERIAL PRIMARY KEY,
    id TEXT UNIQUE NOT NULL,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    counterparty_account_id TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL,
    amount NUMERIC(20,2) NOT NULL,
    currency CHAR(3) NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    resulting_balance NUMERIC(20,2) NOT NULL,
    transfer_group_id TEXT NOT NULL DEFAULT '',
    reference TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_group ON transactions(transfer_group_id) WHERE transfer_group_id <> '';

CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    type TEXT NOT NULL,
    status TEXT NOT NULL,
    last4 CHAR(4) NOT NULL,
    expiry TEXT NOT NULL,
    encrypted_pan BYTEA,
    pan_nonce BYTEA,
    pan_key BYTEA,
    key_id TEXT NOT NULL DEFAULT '',
    block_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL REFERENCES accounts(id),
    card_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    gateway_reference TEXT NOT NULL DEFAULT '',
    amount NUMERIC(20,2) NOT NULL,
    currency CHAR(3) NOT NULL,
    idempotency_key TEXT UNIQUE NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bills (
    id TEXT PRIMARY KEY,
    biller_reference TEXT NOT NULL,
    amount NUMERIC(20,2) NOT NULL,
    currency CHAR(3) NOT NULL,
    status TEXT NOT NULL,
    paid_by_transaction_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS processed_keys (
    key TEXT PRIMARY KEY,
    ref TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_processed_keys_processed_at ON processed_keys(processed_at);
`

// NUMERIC columns are read back as text so no precision passes through float64.
const (
	pgAccountColumns     = `id, currency, balance::text, status, version, created_at, updated_at`
	pgTransactionColumns = `id, account_id, counterparty_account_id, type, amount::text, currency, description,
		created_at, resulting_balance::text, transfer_group_id, reference`
	pgPaymentColumns = `id, account_id, card_id, status, gateway_reference, amount::text, currency,
		idempotency_key, created_at, updated_at`
	pgBillColumns = `id, biller_reference, amount::text, currency, status, paid_by_transaction_id`
)

// PostgresStore persists the ledger in PostgreSQL. Batches commit under
// SERIALIZABLE isolation.
type PostgresStore struct {
	Pool         *pgxpool.Pool
	QueryTimeout time.Duration
	now          func() time.Time
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{Pool: pool, QueryTimeout: 5 * time.Second, now: time.Now}
}

// OpenPostgres connects to dsn and runs migrations.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := NewPostgresStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Ping is used by readiness probes.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *PostgresStore) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.QueryTimeout)
}

func (s *PostgresStore) CreateAccount(ctx context.Context, id, currency string) (*domain.Account, error) {
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: currency %q", domain.ErrInvalidRequest, currency)
	}
	if id == "" {
		id = uuid.NewString()
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	now := s.now().UTC()
	_, err := s.Pool.Exec(qctx, `
        INSERT INTO accounts (id, currency, balance, status, version, created_at, updated_at)
        VALUES ($1, $2, 0, $3, 0, $4, $4)
    `, id, currency, string(domain.AccountActive), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return s.GetAccount(ctx, id)
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	acct, err := scanAccount(s.Pool.QueryRow(qctx, `SELECT `+pgAccountColumns+` FROM accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s not found", domain.ErrInvalidAccount, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	query := `SELECT ` + pgAccountColumns + ` FROM accounts`
	var args []any
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.Pool.Query(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, *acct)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tx, err := scanTransaction(s.Pool.QueryRow(qctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *PostgresStore) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE account_id = $1 ORDER BY seq`, accountID)
}

func (s *PostgresStore) TransactionsByGroup(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	if groupID == "" {
		return nil, nil
	}
	return s.queryTransactions(ctx, `SELECT `+pgTransactionColumns+` FROM transactions WHERE transfer_group_id = $1 ORDER BY seq`, groupID)
}

func (s *PostgresStore) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	rows, err := s.Pool.Query(qctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *tx)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateCard(ctx context.Context, c *domain.Card) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.Pool.Exec(qctx, `
        INSERT INTO cards (`+cardColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
    `, c.ID, c.AccountID, string(c.Type), string(c.Status), c.LastFourDigits, c.Expiry,
		c.EncryptedPAN, c.PANNonce, c.PANKey, c.KeyID, c.BlockReason, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	card, err := scanCard(s.Pool.QueryRow(qctx, `SELECT `+cardColumns+` FROM cards WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: card %s not found", domain.ErrInvalidCard, id)
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return card, nil
}

func (s *PostgresStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.Pool.Exec(qctx, `
        INSERT INTO payments (id, account_id, card_id, status, gateway_reference, amount, currency,
            idempotency_key, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
    `, p.ID, p.AccountID, p.CardID, string(p.Status), p.GatewayReference, p.Amount.StringFixed(),
		p.Amount.Currency(), p.IdempotencyKey, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if pgCode(err) == "23505" {
			return fmt.Errorf("%w: payment %s", domain.ErrDuplicateIdempotencyKey, p.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.getPayment(ctx, `SELECT `+pgPaymentColumns+` FROM payments WHERE id = $1`, id)
}

func (s *PostgresStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*domain.Payment, error) {
	return s.getPayment(ctx, `SELECT `+pgPaymentColumns+` FROM payments WHERE idempotency_key = $1`, idempotencyKey)
}

func (s *PostgresStore) getPayment(ctx context.Context, query, arg string) (*domain.Payment, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	p, err := scanPayment(s.Pool.QueryRow(qctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetGatewayReference(ctx context.Context, paymentID, reference string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	tag, err := s.Pool.Exec(qctx,
		`UPDATE payments SET gateway_reference = $1, updated_at = $2 WHERE id = $3`,
		reference, s.now().UTC(), paymentID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	return nil
}

func (s *PostgresStore) CreateBill(ctx context.Context, b *domain.Bill) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	_, err := s.Pool.Exec(qctx, `
        INSERT INTO bills (id, biller_reference, amount, currency, status, paid_by_transaction_id)
        VALUES ($1, $2, $3::numeric, $4, $5, $6)
    `, b.ID, b.BillerReference, b.Amount.StringFixed(), b.Amount.Currency(), string(b.Status), b.PaidByTransactionID)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	b, err := scanBill(s.Pool.QueryRow(qctx, `SELECT `+pgBillColumns+` FROM bills WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBillNotFound, id)
		}
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return b, nil
}

func (s *PostgresStore) GetProcessedKey(ctx context.Context, key string) (*domain.ProcessedKey, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var pk domain.ProcessedKey
	err := s.Pool.QueryRow(qctx,
		`SELECT key, ref, processed_at FROM processed_keys WHERE key = $1`, key,
	).Scan(&pk.Key, &pk.Ref, &pk.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get processed key: %w", err)
	}
	return &pk, nil
}

func (s *PostgresStore) PurgeProcessedKeys(ctx context.Context, before time.Time) (int64, error) {
	qctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	tag, err := s.Pool.Exec(qctx, `DELETE FROM processed_keys WHERE processed_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Commit writes the batch in one SERIALIZABLE transaction. Serialization
// failures and deadlocks surface as domain.ErrVersionConflict.
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()

	conn, err := s.Pool.Acquire(qctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.BeginTx(qctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(qctx)

	if err := s.writeBatch(qctx, tx, b); err != nil {
		return classifyPostgres(err)
	}
	if err := tx.Commit(qctx); err != nil {
		return classifyPostgres(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *PostgresStore) writeBatch(ctx context.Context, tx pgx.Tx, b *Batch) error {
	now := s.now().UTC()

	for _, u := range b.Accounts {
		tag, err := tx.Exec(ctx, `
            UPDATE accounts SET balance = $1::numeric, status = $2, version = $3, updated_at = $4
            WHERE id = $5 AND version = $6
        `, u.Next.Balance.StringFixed(), string(u.Next.Status), u.Next.Version, now, u.Next.ID, u.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update account %s: %w", u.Next.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: account %s moved past version %d", domain.ErrVersionConflict, u.Next.ID, u.ExpectedVersion)
		}
	}

	for _, t := range b.Transactions {
		_, err := tx.Exec(ctx, `
            INSERT INTO transactions (id, account_id, counterparty_account_id, type, amount, currency, description,
                created_at, resulting_balance, transfer_group_id, reference)
            VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9::numeric, $10, $11)
        `, t.ID, t.AccountID, t.CounterpartyAccountID, string(t.Type), t.Amount.StringFixed(), t.Amount.Currency(),
			t.Description, t.CreatedAt.UTC(), t.ResultingBalance.StringFixed(), t.TransferGroupID, t.Reference)
		if err != nil {
			return fmt.Errorf("failed to insert transaction %s: %w", t.ID, err)
		}
	}

	for _, u := range b.Cards {
		tag, err := tx.Exec(ctx, `
            UPDATE cards SET status = $1, block_reason = CASE WHEN $2 = '' THEN block_reason ELSE $2 END, updated_at = $3
            WHERE id = $4 AND status = $5
        `, string(u.To), u.Reason, now, u.ID, string(u.From))
		if err != nil {
			return fmt.Errorf("failed to update card %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: card %s is no longer %s", domain.ErrVersionConflict, u.ID, u.From)
		}
	}

	for _, u := range b.Payments {
		tag, err := tx.Exec(ctx,
			`UPDATE payments SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
			string(u.To), now, u.ID, string(u.From))
		if err != nil {
			return fmt.Errorf("failed to update payment %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: payment %s is no longer %s", domain.ErrVersionConflict, u.ID, u.From)
		}
	}

	for _, u := range b.Bills {
		tag, err := tx.Exec(ctx,
			`UPDATE bills SET status = $1, paid_by_transaction_id = $2 WHERE id = $3 AND status = $4`,
			string(domain.BillPaid), u.TransactionID, u.ID, string(domain.BillUnpaid))
		if err != nil {
			return fmt.Errorf("failed to update bill %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", domain.ErrBillAlreadyPaid, u.ID)
		}
	}

	for _, pk := range b.ProcessedKeys {
		_, err := tx.Exec(ctx,
			`INSERT INTO processed_keys (key, ref, processed_at) VALUES ($1, $2, $3)`,
			pk.Key, pk.Ref, processedAt(pk, now))
		if err != nil {
			return fmt.Errorf("failed to record key %s: %w", pk.Key, err)
		}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.Pool.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func classifyPostgres(err error) error {
	switch pgCode(err) {
	case "40001", "40P01":
		return fmt.Errorf("%w: %v", domain.ErrVersionConflict, err)
	case "23505":
		return fmt.Errorf("%w: %v", domain.ErrDuplicateIdempotencyKey, err)
	}
	return err
}
