package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/example/ledger-core/internal/domain"
	"github.com/example/ledger-core/internal/money"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS accounts (
	id TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	balance TEXT NOT NULL,
	status TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS transactions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT UNIQUE NOT NULL,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	counterparty_account_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	resulting_balance TEXT NOT NULL,
	transfer_group_id TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transactions_account ON transactions(account_id, seq);
CREATE INDEX IF NOT EXISTS idx_transactions_group ON transactions(transfer_group_id);

CREATE TABLE IF NOT EXISTS cards (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	last4 TEXT NOT NULL,
	expiry TEXT NOT NULL,
	encrypted_pan BLOB,
	pan_nonce BLOB,
	pan_key BLOB,
	key_id TEXT NOT NULL DEFAULT '',
	block_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS payments (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	card_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	gateway_reference TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	idempotency_key TEXT UNIQUE NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS bills (
	id TEXT PRIMARY KEY,
	biller_reference TEXT NOT NULL,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	paid_by_transaction_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS processed_keys (
	key TEXT PRIMARY KEY,
	ref TEXT NOT NULL,
	processed_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_keys_processed_at ON processed_keys(processed_at);
`

// SQLiteStore persists the ledger in SQLite through database/sql.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database. Call Migrate before first use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// OpenSQLite opens path (or ":memory:") with immediate write transactions and
// a single connection, which SQLite needs to serialise writers safely.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on", path)
	if path == ":memory:" {
		dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared&_txlock=immediate&_foreign_keys=on", uuid.NewString())
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := NewSQLiteStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, id, currency string) (*domain.Account, error) {
	if !money.ValidCurrency(currency) {
		return nil, fmt.Errorf("%w: currency %q", domain.ErrInvalidRequest, currency)
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, currency, balance, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, id, currency, money.Zero(currency).StringFixed(), string(domain.AccountActive), now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	return s.GetAccount(ctx, id)
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account %s not found", domain.ErrInvalidAccount, id)
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, status domain.AccountStatus) ([]domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transaction %s not found", id)
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

func (s *SQLiteStore) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE account_id = ? ORDER BY seq`, accountID)
}

func (s *SQLiteStore) TransactionsByGroup(ctx context.Context, groupID string) ([]domain.Transaction, error) {
	if groupID == "" {
		return nil, nil
	}
	return s.queryTransactions(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE transfer_group_id = ? ORDER BY seq`, groupID)
}

func (s *SQLiteStore) queryTransactions(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) CreateCard(ctx context.Context, c *domain.Card) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.AccountID, string(c.Type), string(c.Status), c.LastFourDigits, c.Expiry,
		c.EncryptedPAN, c.PANNonce, c.PANKey, c.KeyID, c.BlockReason, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert card: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCard(ctx context.Context, id string) (*domain.Card, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+cardColumns+` FROM cards WHERE id = ?`, id)
	card, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: card %s not found", domain.ErrInvalidCard, id)
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return card, nil
}

func (s *SQLiteStore) CreatePayment(ctx context.Context, p *domain.Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.AccountID, p.CardID, string(p.Status), p.GatewayReference, p.Amount.StringFixed(),
		p.Amount.Currency(), p.IdempotencyKey, p.CreatedAt.UTC(), p.UpdatedAt.UTC())
	if err != nil {
		if isSQLiteUnique(err) {
			return fmt.Errorf("%w: payment %s", domain.ErrDuplicateIdempotencyKey, p.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = ?`, id)
}

func (s *SQLiteStore) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*domain.Payment, error) {
	return s.getPayment(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, idempotencyKey)
}

func (s *SQLiteStore) getPayment(ctx context.Context, query, arg string) (*domain.Payment, error) {
	p, err := scanPayment(s.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, arg)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) SetGatewayReference(ctx context.Context, paymentID, reference string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET gateway_reference = ?, updated_at = ? WHERE id = ?`,
		reference, s.now().UTC(), paymentID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrPaymentNotFound, paymentID)
	}
	return nil
}

func (s *SQLiteStore) CreateBill(ctx context.Context, b *domain.Bill) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bills (`+billColumns+`) VALUES (?, ?, ?, ?, ?, ?)
	`, b.ID, b.BillerReference, b.Amount.StringFixed(), b.Amount.Currency(), string(b.Status), b.PaidByTransactionID)
	if err != nil {
		return fmt.Errorf("failed to insert bill: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetBill(ctx context.Context, id string) (*domain.Bill, error) {
	b, err := scanBill(s.db.QueryRowContext(ctx, `SELECT `+billColumns+` FROM bills WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrBillNotFound, id)
		}
		return nil, fmt.Errorf("failed to get bill: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) GetProcessedKey(ctx context.Context, key string) (*domain.ProcessedKey, error) {
	var pk domain.ProcessedKey
	err := s.db.QueryRowContext(ctx,
		`SELECT key, ref, processed_at FROM processed_keys WHERE key = ?`, key,
	).Scan(&pk.Key, &pk.Ref, &pk.ProcessedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get processed key: %w", err)
	}
	return &pk, nil
}

func (s *SQLiteStore) PurgeProcessedKeys(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM processed_keys WHERE processed_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed keys: %w", err)
	}
	return res.RowsAffected()
}

// Commit writes the batch inside one transaction. Account rows are updated
// only when their version still matches.
func (s *SQLiteStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLite(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	now := s.now().UTC()

	for _, u := range b.Accounts {
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts SET balance = ?, status = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?
		`, u.Next.Balance.StringFixed(), string(u.Next.Status), u.Next.Version, now, u.Next.ID, u.ExpectedVersion)
		if err != nil {
			return classifySQLite(fmt.Errorf("failed to update account %s: %w", u.Next.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: account %s moved past version %d", domain.ErrVersionConflict, u.Next.ID, u.ExpectedVersion)
		}
	}

	for _, t := range b.Transactions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO transactions (`+transactionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.ID, t.AccountID, t.CounterpartyAccountID, string(t.Type), t.Amount.StringFixed(), t.Amount.Currency(),
			t.Description, t.CreatedAt.UTC(), t.ResultingBalance.StringFixed(), t.TransferGroupID, t.Reference)
		if err != nil {
			return classifySQLite(fmt.Errorf("failed to insert transaction %s: %w", t.ID, err))
		}
	}

	for _, u := range b.Cards {
		res, err := tx.ExecContext(ctx, `
			UPDATE cards SET status = ?, block_reason = CASE WHEN ? = '' THEN block_reason ELSE ? END, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(u.To), u.Reason, u.Reason, now, u.ID, string(u.From))
		if err != nil {
			return classifySQLite(fmt.Errorf("failed to update card %s: %w", u.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: card %s is no longer %s", domain.ErrVersionConflict, u.ID, u.From)
		}
	}

	for _, u := range b.Payments {
		res, err := tx.ExecContext(ctx, `
			UPDATE payments SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`, string(u.To), now, u.ID, string(u.From))
		if err != nil {
			return classifySQLite(fmt.Errorf("failed to update payment %s: %w", u.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: payment %s is no longer %s", domain.ErrVersionConflict, u.ID, u.From)
		}
	}

	for _, u := range b.Bills {
		res, err := tx.ExecContext(ctx, `
			UPDATE bills SET status = ?, paid_by_transaction_id = ? WHERE id = ? AND status = ?
		`, string(domain.BillPaid), u.TransactionID, u.ID, string(domain.BillUnpaid))
		if err != nil {
			return classifySQLite(fmt.Errorf("failed to update bill %s: %w", u.ID, err))
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", domain.ErrBillAlreadyPaid, u.ID)
		}
	}

	for _, pk := range b.ProcessedKeys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO processed_keys (key, ref, processed_at) VALUES (?, ?, ?)`,
			pk.Key, pk.Ref, processedAt(pk, now))
		if err != nil {
			if isSQLiteUnique(err) {
				return fmt.Errorf("%w: %s", domain.ErrDuplicateIdempotencyKey, pk.Key)
			}
			return classifySQLite(fmt.Errorf("failed to record key %s: %w", pk.Key, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return classifySQLite(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// classifySQLite marks lock contention as a version conflict so the
// processor retries it.
func classifySQLite(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", domain.ErrVersionConflict, err)
	}
	return err
}
