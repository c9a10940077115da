package escrow

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	txns     map[string]*Transaction
	byOrder  map[string]string
	disputes map[string][]*Dispute // keyed by escrow ID
	history  map[string][]*StatusChange
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:     make(map[string]*Transaction),
		byOrder:  make(map[string]string),
		disputes: make(map[string][]*Dispute),
		history:  make(map[string][]*StatusChange),
	}
}

func (m *MemoryStore) CreateTransaction(ctx context.Context, txn *Transaction, change *StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byOrder[txn.OrderID]; ok {
		return ErrAlreadyExists
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	m.byOrder[txn.OrderID] = txn.ID
	hc := *change
	m.history[txn.ID] = append(m.history[txn.ID], &hc)
	return nil
}

func (m *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *txn
	return &cp, nil
}

func (m *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOrder[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.txns[id]
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, txn *Transaction, from Status, change *StatusChange) error {
	return m.TransitionWithLedger(ctx, txn, from, change, nil)
}

// TransitionWithLedger checks the CAS before applying the effect, so a
// stale status never moves money. The in-memory ledger applies its
// mutation immediately; there is no rollback, but an effect error leaves
// the escrow status and history untouched.
func (m *MemoryStore) TransitionWithLedger(ctx context.Context, txn *Transaction, from Status, change *StatusChange, effect func(tx *sql.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.txns[txn.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStatusConflict
	}
	if effect != nil {
		if err := effect(nil); err != nil {
			return err
		}
	}
	cp := *txn
	m.txns[txn.ID] = &cp
	hc := *change
	m.history[txn.ID] = append(m.history[txn.ID], &hc)
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, userID string, asSeller bool, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, txn := range m.txns {
		if (asSeller && txn.SellerID == userID) || (!asSeller && txn.BuyerID == userID) {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, txn := range m.txns {
		if txn.Status == status {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Transaction
	for _, txn := range m.txns {
		if txn.Status == StatusDelivered && txn.AutoReleaseAt != nil && !txn.AutoReleaseAt.After(before) {
			cp := *txn
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AutoReleaseAt.Before(*out[j].AutoReleaseAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) History(ctx context.Context, escrowID string) ([]*StatusChange, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rows := m.history[escrowID]
	out := make([]*StatusChange, 0, len(rows))
	for _, r := range rows {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := &Stats{
		StatusCounts: make(map[Status]int64),
		HeldTotal:    decimal.Zero,
	}
	for _, txn := range m.txns {
		st.StatusCounts[txn.Status]++
		if txn.Status.Held() {
			st.HeldCount++
			st.HeldTotal = st.HeldTotal.Add(txn.TotalAmount)
		}
	}
	for _, list := range m.disputes {
		for _, d := range list {
			if d.Status.Open() {
				st.OpenDisputes++
			}
		}
	}
	return st, nil
}

func (m *MemoryStore) CreateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.disputes[d.EscrowID] {
		if existing.Status.Open() {
			return ErrOpenDispute
		}
	}
	cp := copyDispute(d)
	m.disputes[d.EscrowID] = append(m.disputes[d.EscrowID], cp)
	return nil
}

func (m *MemoryStore) OpenDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.disputes[escrowID] {
		if d.Status.Open() {
			return copyDispute(d), nil
		}
	}
	return nil, ErrNoOpenDispute
}

func (m *MemoryStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.disputes[d.EscrowID] {
		if existing.ID == d.ID {
			m.disputes[d.EscrowID][i] = copyDispute(d)
			return nil
		}
	}
	return ErrNoOpenDispute
}

func copyDispute(d *Dispute) *Dispute {
	cp := *d
	cp.BuyerEvidence = append([]string(nil), d.BuyerEvidence...)
	cp.SellerEvidence = append([]string(nil), d.SellerEvidence...)
	return &cp
}
