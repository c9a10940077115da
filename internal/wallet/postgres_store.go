package wallet

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/pagination"
)

// PostgresStore persists wallet data in PostgreSQL.
//
// Balance mutations lock the wallet row (SELECT ... FOR UPDATE) and insert
// the log entry inside the same transaction. A CHECK constraint on
// balance >= 0 backstops the in-transaction sufficiency check.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	w := &Wallet{UserID: userID}
	var balance string
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, created_at, updated_at
		FROM wallets WHERE user_id = $1`, userID,
	).Scan(&balance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) Credit(ctx context.Context, entry *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := creditIn(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Debit(ctx context.Context, entry *Transaction) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := debitIn(ctx, tx, entry); err != nil {
		return err
	}
	return tx.Commit()
}

// CreditTx applies the credit inside the caller's transaction; commit and
// rollback stay with the caller.
func (p *PostgresStore) CreditTx(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	if tx == nil {
		return p.Credit(ctx, entry)
	}
	return creditIn(ctx, tx, entry)
}

// DebitTx applies the debit inside the caller's transaction.
func (p *PostgresStore) DebitTx(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	if tx == nil {
		return p.Debit(ctx, entry)
	}
	return debitIn(ctx, tx, entry)
}

func creditIn(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (user_id, balance, created_at, updated_at)
		VALUES ($1, $2::NUMERIC(12,2), NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			balance    = wallets.balance + $2::NUMERIC(12,2),
			updated_at = NOW()`,
		entry.UserID, entry.Amount.String(),
	)
	if err != nil {
		return err
	}
	return insertEntry(ctx, tx, entry)
}

func debitIn(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	// Lock the row and verify sufficiency in one atomic step.
	var balance string
	err := tx.QueryRowContext(ctx, `
		SELECT balance FROM wallets WHERE user_id = $1 FOR UPDATE`,
		entry.UserID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrInsufficientFunds
	}
	if err != nil {
		return err
	}
	current, err := decimal.NewFromString(balance)
	if err != nil {
		return err
	}
	if current.Cmp(entry.Amount) < 0 {
		return ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $2::NUMERIC(12,2),
			updated_at = NOW()
		WHERE user_id = $1`,
		entry.UserID, entry.Amount.String(),
	)
	if err != nil {
		// The CHECK constraint fires if a concurrent writer slipped past
		// the FOR UPDATE read, which cannot normally happen.
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "check_violation" {
			return ErrInsufficientFunds
		}
		return err
	}
	return insertEntry(ctx, tx, entry)
}

func (p *PostgresStore) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, type, reference, description, created_at
			FROM wallet_transactions
			WHERE user_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, userID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT id, user_id, amount, type, reference, description, created_at
			FROM wallet_transactions
			WHERE user_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, userID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		e := &Transaction{}
		var amount string
		var reference, description sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Type, &reference, &description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		e.Reference = reference.String
		e.Description = description.String
		result = append(result, e)
	}
	return result, rows.Err()
}

func (p *PostgresStore) HasReference(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM wallet_transactions WHERE reference = $1)`,
		reference,
	).Scan(&exists)
	return exists, err
}

func insertEntry(ctx context.Context, tx *sql.Tx, entry *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, user_id, amount, type, reference, description, created_at)
		VALUES ($1, $2, $3::NUMERIC(12,2), $4, $5, $6, $7)`,
		entry.ID, entry.UserID, entry.Amount.String(), entry.Type,
		nullString(entry.Reference), nullString(entry.Description), entry.CreatedAt,
	)
	return err
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
