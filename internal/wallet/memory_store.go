package wallet

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/pagination"
)

// MemoryStore is an in-memory wallet store for demo/development mode.
type MemoryStore struct {
	wallets map[string]*Wallet
	entries []*Transaction
	mu      sync.Mutex
}

// NewMemoryStore creates a new in-memory wallet store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
	}
}

func (m *MemoryStore) Get(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreate(entry.UserID)
	w.Balance = w.Balance.Add(entry.Amount)
	w.UpdatedAt = time.Now()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, entry *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.getOrCreate(entry.UserID)
	if w.Balance.Cmp(entry.Amount) < 0 {
		return ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(entry.Amount)
	w.UpdatedAt = time.Now()
	m.entries = append(m.entries, entry)
	return nil
}

// CreditTx and DebitTx have no transaction to join; the mutation applies
// directly under the store mutex.
func (m *MemoryStore) CreditTx(ctx context.Context, _ *sql.Tx, entry *Transaction) error {
	return m.Credit(ctx, entry)
}

func (m *MemoryStore) DebitTx(ctx context.Context, _ *sql.Tx, entry *Transaction) error {
	return m.Debit(ctx, entry)
}

func (m *MemoryStore) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, e := range m.entries {
		if e.UserID != userID {
			continue
		}
		if cursor != nil {
			if e.CreatedAt.After(cursor.CreatedAt) {
				continue
			}
			if e.CreatedAt.Equal(cursor.CreatedAt) && e.ID >= cursor.ID {
				continue
			}
		}
		cp := *e
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) HasReference(ctx context.Context, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if strings.EqualFold(e.Reference, reference) {
			return true, nil
		}
	}
	return false, nil
}

// getOrCreate must be called with the lock held.
func (m *MemoryStore) getOrCreate(userID string) *Wallet {
	w, ok := m.wallets[userID]
	if !ok {
		now := time.Now()
		w = &Wallet{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}
		m.wallets[userID] = w
	}
	return w
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
