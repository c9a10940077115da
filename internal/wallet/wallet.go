// Package wallet tracks per-user stored balances.
//
// Every balance mutation is paired with an immutable WalletTransaction
// record inside the same atomic scope, so the ledger and its log never
// diverge. Credit always succeeds; Debit fails with ErrInsufficientFunds
// when the balance cannot cover the amount, leaving it unchanged.
package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/idgen"
	"github.com/techfy/escrowpay/internal/metrics"
	"github.com/techfy/escrowpay/internal/pagination"
)

var (
	ErrWalletNotFound    = errors.New("wallet not found")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Transaction types recorded in the wallet log.
const (
	TypeTopup          = "topup"
	TypeEscrowPayment  = "escrow_payment"
	TypeEscrowRelease  = "escrow_release"
	TypeEscrowRefund   = "escrow_refund"
	TypeOrderPayment   = "order_payment"
	TypeSellerPayout   = "seller_payout"
)

// Wallet represents a user's stored balance.
type Wallet struct {
	UserID    string          `json:"userId"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Transaction is an immutable wallet log entry.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Reference   string          `json:"reference,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store persists wallet balances and their transaction log.
//
// Credit and Debit must apply the balance change and append the log entry
// as one atomic unit, and mutations for a single wallet must be serialized
// (row lock or equivalent) so concurrent credit+debit cannot lose updates.
type Store interface {
	Get(ctx context.Context, userID string) (*Wallet, error)
	Credit(ctx context.Context, entry *Transaction) error
	Debit(ctx context.Context, entry *Transaction) error
	// CreditTx and DebitTx apply the mutation inside the caller's open
	// database transaction, so it commits or rolls back together with the
	// caller's other writes. Stores without SQL backing accept a nil tx
	// and apply the mutation directly.
	CreditTx(ctx context.Context, tx *sql.Tx, entry *Transaction) error
	DebitTx(ctx context.Context, tx *sql.Tx, entry *Transaction) error
	// History returns entries newest first. With a cursor, only entries
	// strictly older than the cursor position are returned.
	History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	HasReference(ctx context.Context, reference string) (bool, error)
}

// Service implements wallet business logic.
type Service struct {
	store Store
}

// NewService creates a new wallet service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns a user's wallet. A user with no recorded wallet has a zero
// balance rather than an error.
func (s *Service) Get(ctx context.Context, userID string) (*Wallet, error) {
	w, err := s.store.Get(ctx, userID)
	if errors.Is(err, ErrWalletNotFound) {
		now := time.Now()
		return &Wallet{UserID: userID, Balance: decimal.Zero, CreatedAt: now, UpdatedAt: now}, nil
	}
	return w, err
}

// Credit adds amount to a user's balance. Cannot fail for business reasons.
func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal, txType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := s.store.Credit(ctx, newEntry(userID, amount, txType, reference, description))
	metrics.WalletOperationsTotal.WithLabelValues(txType, opResult(err)).Inc()
	return err
}

// Debit removes amount from a user's balance. Returns ErrInsufficientFunds
// (a business error, not a system error) when the balance is short; the
// balance is left unchanged in that case.
func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal, txType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := s.store.Debit(ctx, newEntry(userID, amount, txType, reference, description))
	metrics.WalletOperationsTotal.WithLabelValues(txType, opResult(err)).Inc()
	return err
}

// CreditTx is Credit running inside the caller's database transaction.
// The balance change and log entry commit only if the caller commits.
func (s *Service) CreditTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := s.store.CreditTx(ctx, tx, newEntry(userID, amount, txType, reference, description))
	metrics.WalletOperationsTotal.WithLabelValues(txType, opResult(err)).Inc()
	return err
}

// DebitTx is Debit running inside the caller's database transaction.
func (s *Service) DebitTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType, reference, description string) error {
	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	err := s.store.DebitTx(ctx, tx, newEntry(userID, amount, txType, reference, description))
	metrics.WalletOperationsTotal.WithLabelValues(txType, opResult(err)).Inc()
	return err
}

func newEntry(userID string, amount decimal.Decimal, txType, reference, description string) *Transaction {
	return &Transaction{
		ID:          idgen.WithPrefix("wtx_"),
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Reference:   reference,
		Description: description,
		CreatedAt:   time.Now(),
	}
}

func opResult(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// CanDebit reports whether the user's balance covers amount.
func (s *Service) CanDebit(ctx context.Context, userID string, amount decimal.Decimal) (bool, error) {
	w, err := s.Get(ctx, userID)
	if err != nil {
		return false, err
	}
	return w.Balance.Cmp(amount) >= 0, nil
}

// History returns the most recent wallet log entries for a user.
func (s *Service) History(ctx context.Context, userID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.History(ctx, userID, cursor, limit)
}

// HasReference reports whether any log entry carries the given reference.
// Used by the webhook endpoint to keep top-up credits idempotent.
func (s *Service) HasReference(ctx context.Context, reference string) (bool, error) {
	return s.store.HasReference(ctx, reference)
}
