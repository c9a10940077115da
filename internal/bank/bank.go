// Package bank stores seller bank account associations.
//
// A seller may or may not have a linked account: the association is an
// explicit optional lookup (ErrNoAccount), and settlement chooses between
// bank transfer and wallet credit based on it.
package bank

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

// ErrNoAccount is returned when a user has no linked bank account.
var ErrNoAccount = errors.New("no bank account linked")

// Account holds a seller's payout destination.
type Account struct {
	UserID        string `json:"userId"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	AccountName   string `json:"accountName"`
}

// Store persists bank account associations.
type Store interface {
	Get(ctx context.Context, userID string) (*Account, error)
	Put(ctx context.Context, acct *Account) error
}

// MemoryStore is an in-memory account store for demo/development mode.
type MemoryStore struct {
	accounts map[string]*Account
	mu       sync.RWMutex
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// NewMemoryStore creates a new in-memory account store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acct, ok := m.accounts[userID]
	if !ok {
		return nil, ErrNoAccount
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Put(ctx context.Context, acct *Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acct.UserID] = acct
	return nil
}

// PostgresStore persists bank accounts in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Get(ctx context.Context, userID string) (*Account, error) {
	acct := &Account{}
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, bank_code, account_number, account_name
		FROM bank_accounts WHERE user_id = $1`, userID,
	).Scan(&acct.UserID, &acct.BankCode, &acct.AccountNumber, &acct.AccountName)
	if err == sql.ErrNoRows {
		return nil, ErrNoAccount
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (p *PostgresStore) Put(ctx context.Context, acct *Account) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO bank_accounts (user_id, bank_code, account_number, account_name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			bank_code      = EXCLUDED.bank_code,
			account_number = EXCLUDED.account_number,
			account_name   = EXCLUDED.account_name`,
		acct.UserID, acct.BankCode, acct.AccountNumber, acct.AccountName,
	)
	return err
}

// Compile-time assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
