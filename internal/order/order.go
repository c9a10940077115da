// Package order holds the minimal order entity the escrow core
// collaborates with. Catalog, cart, and checkout surfaces live upstream;
// escrow transitions only read parties/amounts and update the two status
// fields and the tracking number.
package order

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/idgen"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	ErrSameParties   = errors.New("buyer and seller cannot be the same user")
)

// Order statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusShipped    = "shipped"
	StatusDelivered  = "delivered"
	StatusCancelled  = "cancelled"
)

// Payment statuses.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
	PaymentFailed   = "failed"
)

// Order is the marketplace order the escrow transaction settles.
type Order struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyerId"`
	SellerID         string          `json:"sellerId"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Status           string          `json:"status"`
	PaymentStatus    string          `json:"paymentStatus"`
	PaymentReference string          `json:"paymentReference,omitempty"`
	TrackingNumber   string          `json:"trackingNumber,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Store persists orders.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, o *Order) error
}

// New builds an order in its initial state.
func New(buyerID, sellerID string, total decimal.Decimal) (*Order, error) {
	if strings.EqualFold(buyerID, sellerID) {
		return nil, ErrSameParties
	}
	now := time.Now()
	return &Order{
		ID:            idgen.WithPrefix("ord_"),
		BuyerID:       buyerID,
		SellerID:      sellerID,
		TotalAmount:   total,
		Status:        StatusPending,
		PaymentStatus: PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// MemoryStore is an in-memory order store for demo/development mode.
type MemoryStore struct {
	orders map[string]*Order
	mu     sync.RWMutex
}

// NewMemoryStore creates a new in-memory order store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order)}
}

func (m *MemoryStore) Create(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.ID] = o
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) Update(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrOrderNotFound
	}
	m.orders[o.ID] = o
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
