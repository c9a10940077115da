// Package escrow implements the settlement state machine for marketplace
// payments.
//
// Flow:
//  1. Checkout creates an Order → Initiate creates a transaction in
//     pending_payment holding amount + fee
//  2. Buyer pays via hosted checkout (or wallet) → in_escrow
//  3. Seller ships → shipped; buyer confirms → delivered (auto-release
//     timer starts)
//  4. Release (buyer, admin, or auto) → seller settled, completed
//  5. Dispute from in_escrow/shipped/delivered → admin resolves into a
//     release or a refund
//
// Every transition re-validates against the freshly persisted status,
// couples its money effect to the status change, and appends exactly one
// status-history row.
package escrow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/bank"
	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/idgen"
	"github.com/techfy/escrowpay/internal/metrics"
	"github.com/techfy/escrowpay/internal/money"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/order"
	"github.com/techfy/escrowpay/internal/syncutil"
)

var (
	ErrNotFound        = errors.New("escrow transaction not found")
	ErrInvalidStatus   = errors.New("invalid escrow status for this operation")
	ErrUnauthorized    = errors.New("not authorized for this escrow operation")
	ErrAlreadyExists   = errors.New("escrow already exists for this order")
	ErrStatusConflict  = errors.New("escrow status changed concurrently, re-fetch and retry")
	ErrAmountMismatch  = errors.New("verified payment amount does not match escrow total")
	ErrOpenDispute     = errors.New("an open dispute already exists for this escrow")
	ErrNoOpenDispute   = errors.New("no open dispute for this escrow")
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrNotParty        = errors.New("user is not a party to this escrow")
)

// Status represents the state of an escrow transaction.
type Status string

const (
	StatusPendingPayment Status = "pending_payment" // Created, awaiting buyer payment
	StatusInEscrow       Status = "in_escrow"       // Funds held, awaiting shipment
	StatusShipped        Status = "shipped"         // Seller shipped the order
	StatusDelivered      Status = "delivered"       // Buyer confirmed delivery, timer running
	StatusCompleted      Status = "completed"       // Funds released to seller
	StatusDisputed       Status = "disputed"        // Contested, awaiting adjudication
	StatusRefunded       Status = "refunded"        // Funds returned to buyer
	StatusCancelled      Status = "cancelled"       // Cancelled before payment
)

// Terminal returns true if no further transitions are allowed.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Held returns true if buyer funds are currently held in escrow.
func (s Status) Held() bool {
	switch s {
	case StatusInEscrow, StatusShipped, StatusDelivered, StatusDisputed:
		return true
	}
	return false
}

// Settlement methods recorded on release.
const (
	SettleBankTransfer = "bank_transfer"
	SettleWallet       = "wallet"
)

// Transaction is one escrow settlement record. Money fields are immutable
// after creation; status-triggered timestamps are each set exactly once.
type Transaction struct {
	ID               string          `json:"id"` // ESC-XXXXXXXXXXXX, external lookup key
	OrderID          string          `json:"orderId"`
	BuyerID          string          `json:"buyerId"`
	SellerID         string          `json:"sellerId"`
	Amount           decimal.Decimal `json:"amount"`
	EscrowFee        decimal.Decimal `json:"escrowFee"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Status           Status          `json:"status"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	SettlementMethod string          `json:"settlementMethod,omitempty"`
	AutoReleaseDays  int             `json:"autoReleaseDays"`
	AutoReleaseAt    *time.Time      `json:"autoReleaseAt,omitempty"`

	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	PaymentReceivedAt *time.Time `json:"paymentReceivedAt,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`

	BuyerNotes  string `json:"buyerNotes,omitempty"`
	SellerNotes string `json:"sellerNotes,omitempty"`
	AdminNotes  string `json:"adminNotes,omitempty"`
}

// StatusChange is one append-only audit row. Actor is empty for
// system-triggered transitions (auto-release).
type StatusChange struct {
	ID        string    `json:"id"`
	EscrowID  string    `json:"escrowId"`
	OldStatus Status    `json:"oldStatus"`
	NewStatus Status    `json:"newStatus"`
	Actor     string    `json:"actor,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stats aggregates the ledger-facing shape of the escrow book: how many
// transactions sit in each status and how much money is currently held.
type Stats struct {
	StatusCounts map[Status]int64 `json:"statusCounts"`
	HeldCount    int64            `json:"heldCount"`
	HeldTotal    decimal.Decimal  `json:"heldTotal"`
	OpenDisputes int64            `json:"openDisputes"`
}

// Actor identifies who is requesting a transition.
type Actor struct {
	ID    string
	Admin bool
}

// System is the zero actor used by the auto-release scheduler.
var System = Actor{}

// IsSystem reports whether the actor is the system itself.
func (a Actor) IsSystem() bool { return a.ID == "" && !a.Admin }

// Store persists escrow transactions, disputes, and status history.
//
// Transition must apply the updated transaction fields and append the
// history row in one atomic unit, guarded by a compare-and-swap on the
// persisted status: if the stored status no longer equals from, it
// returns ErrStatusConflict and writes nothing.
type Store interface {
	CreateTransaction(ctx context.Context, txn *Transaction, change *StatusChange) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByOrder(ctx context.Context, orderID string) (*Transaction, error)
	Transition(ctx context.Context, txn *Transaction, from Status, change *StatusChange) error
	// TransitionWithLedger is Transition with a ledger effect bound into
	// the same atomic unit as the status CAS and history append. SQL
	// stores hand effect their open transaction; stores without one pass
	// nil. A failed CAS means the effect is never applied.
	TransitionWithLedger(ctx context.Context, txn *Transaction, from Status, change *StatusChange, effect func(tx *sql.Tx) error) error
	ListByParty(ctx context.Context, userID string, asSeller bool, limit int) ([]*Transaction, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error)
	ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	History(ctx context.Context, escrowID string) ([]*StatusChange, error)
	Stats(ctx context.Context) (*Stats, error)

	// CreateDispute must reject with ErrOpenDispute when the escrow
	// already has a dispute in an open state.
	CreateDispute(ctx context.Context, d *Dispute) error
	OpenDispute(ctx context.Context, escrowID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute) error
}

// Ledger abstracts the wallet so escrow doesn't import its storage.
// Satisfied by wallet.Service.
type Ledger interface {
	Credit(ctx context.Context, userID string, amount decimal.Decimal, txType, reference, description string) error
	Debit(ctx context.Context, userID string, amount decimal.Decimal, txType, reference, description string) error
	// CreditTx and DebitTx run inside tx so the balance mutation commits
	// or rolls back with the caller's status change. A nil tx applies the
	// mutation directly.
	CreditTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType, reference, description string) error
	DebitTx(ctx context.Context, tx *sql.Tx, userID string, amount decimal.Decimal, txType, reference, description string) error
}

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   Ledger
	gw       gateway.Gateway
	orders   order.Store
	banks    bank.Store
	notifier notify.Notifier
	logger   *slog.Logger

	feeRate         decimal.Decimal
	autoReleaseDays int
	redirectURL     string

	// Serializes concurrent transitions in-process; the store's status
	// CAS guards across processes.
	locks syncutil.ShardedMutex
}

// Options configures policy values for the service.
type Options struct {
	FeeRate         decimal.Decimal // e.g. 0.025
	AutoReleaseDays int             // e.g. 7
	RedirectURL     string          // Where the gateway sends the buyer after checkout, unless the request overrides it
}

// NewService creates a new escrow service.
func NewService(store Store, ledger Ledger, gw gateway.Gateway, orders order.Store, banks bank.Store, notifier notify.Notifier, logger *slog.Logger, opts Options) *Service {
	if opts.AutoReleaseDays <= 0 {
		opts.AutoReleaseDays = 7
	}
	if opts.FeeRate.Sign() == 0 {
		opts.FeeRate, _ = decimal.NewFromString("0.025")
	}
	return &Service{
		store:           store,
		ledger:          ledger,
		gw:              gw,
		orders:          orders,
		banks:           banks,
		notifier:        notifier,
		logger:          logger,
		feeRate:         opts.FeeRate,
		autoReleaseDays: opts.AutoReleaseDays,
		redirectURL:     opts.RedirectURL,
	}
}

// Initiate creates an escrow transaction for an order at checkout.
// Exactly one escrow may exist per order.
func (s *Service) Initiate(ctx context.Context, orderID string, actor Actor) (*Transaction, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != o.BuyerID {
		return nil, ErrUnauthorized
	}
	if strings.EqualFold(o.BuyerID, o.SellerID) {
		return nil, order.ErrSameParties
	}
	if _, err := s.store.GetByOrder(ctx, orderID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	fee := money.Fee(o.TotalAmount, s.feeRate)
	now := time.Now()
	txn := &Transaction{
		ID:              idgen.Escrow(),
		OrderID:         o.ID,
		BuyerID:         o.BuyerID,
		SellerID:        o.SellerID,
		Amount:          o.TotalAmount,
		EscrowFee:       fee,
		TotalAmount:     o.TotalAmount.Add(fee),
		Status:          StatusPendingPayment,
		AutoReleaseDays: s.autoReleaseDays,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	change := s.change(txn.ID, "", StatusPendingPayment, actor, "Escrow transaction initiated")
	if err := s.store.CreateTransaction(ctx, txn, change); err != nil {
		return nil, err
	}
	s.afterTransition(txn)

	s.notifier.Notify(ctx, txn.BuyerID, notify.EventEscrowInitiated, s.eventData(txn))
	s.notifier.Notify(ctx, txn.SellerID, notify.EventEscrowInitiated, s.eventData(txn))
	return txn, nil
}

// PaymentLink opens a hosted checkout session for the escrow total and
// returns the link to redirect the buyer to.
func (s *Service) PaymentLink(ctx context.Context, id, email, redirectURL string, actor Actor) (string, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	if !actor.Admin && actor.ID != txn.BuyerID {
		return "", ErrUnauthorized
	}
	if txn.Status != StatusPendingPayment {
		return "", ErrInvalidStatus
	}
	if redirectURL == "" {
		redirectURL = s.redirectURL
	}

	res, err := s.gw.InitializePayment(ctx, gateway.InitializeRequest{
		TxRef:         txn.ID,
		Amount:        money.Format(txn.TotalAmount),
		CustomerEmail: email,
		RedirectURL:   redirectURL,
		Title:         "Escrow Payment",
		Description:   "Payment for order " + txn.OrderID,
		Meta: map[string]string{
			"escrow_id": txn.ID,
			"order_id":  txn.OrderID,
		},
	})
	if err != nil {
		return "", err
	}
	return res.CheckoutLink, nil
}

// Get returns a transaction by its external id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// GetByOrder returns the transaction settling an order.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	return s.store.GetByOrder(ctx, orderID)
}

// ListByParty returns transactions where the user is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, asSeller bool, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, asSeller, limit)
}

// ListByStatus returns transactions in a given state, oldest first.
// Admin surface for dispute queues and reconciliation.
func (s *Service) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByStatus(ctx, status, limit)
}

// History returns the append-only status trail for a transaction.
func (s *Service) History(ctx context.Context, id string) ([]*StatusChange, error) {
	if _, err := s.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return s.store.History(ctx, id)
}

// Stats returns book-level aggregates. Admin only.
func (s *Service) Stats(ctx context.Context, actor Actor) (*Stats, error) {
	if !actor.Admin {
		return nil, ErrUnauthorized
	}
	return s.store.Stats(ctx)
}

// afterTransition records transition metrics once a status change has
// been persisted.
func (s *Service) afterTransition(txn *Transaction) {
	metrics.TransitionsTotal.WithLabelValues(string(txn.Status)).Inc()
	if txn.Status.Terminal() {
		metrics.EscrowDuration.Observe(time.Since(txn.CreatedAt).Seconds())
	}
}

// change builds a history row.
func (s *Service) change(escrowID string, old, new Status, actor Actor, reason string) *StatusChange {
	return &StatusChange{
		ID:        idgen.WithPrefix("esh_"),
		EscrowID:  escrowID,
		OldStatus: old,
		NewStatus: new,
		Actor:     actor.ID,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

func (s *Service) eventData(txn *Transaction) map[string]string {
	return map[string]string{
		"escrow_id": txn.ID,
		"order_id":  txn.OrderID,
		"amount":    money.Format(txn.Amount),
		"total":     money.Format(txn.TotalAmount),
		"status":    string(txn.Status),
	}
}
