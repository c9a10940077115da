package order

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"
)

// PostgresStore persists orders in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed order store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Order) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, buyer_id, seller_id, total_amount, status, payment_status,
			payment_reference, tracking_number, created_at, updated_at
		) VALUES ($1, $2, $3, $4::NUMERIC(12,2), $5, $6, $7, $8, $9, $10)`,
		o.ID, o.BuyerID, o.SellerID, o.TotalAmount.String(), o.Status, o.PaymentStatus,
		nullString(o.PaymentReference), nullString(o.TrackingNumber), o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Order, error) {
	o := &Order{}
	var total string
	var paymentRef, tracking sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, total_amount, status, payment_status,
		       payment_reference, tracking_number, created_at, updated_at
		FROM orders WHERE id = $1`, id,
	).Scan(
		&o.ID, &o.BuyerID, &o.SellerID, &total, &o.Status, &o.PaymentStatus,
		&paymentRef, &tracking, &o.CreatedAt, &o.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	o.PaymentReference = paymentRef.String
	o.TrackingNumber = tracking.String
	return o, nil
}

func (p *PostgresStore) Update(ctx context.Context, o *Order) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE orders SET
			status = $1, payment_status = $2, payment_reference = $3,
			tracking_number = $4, updated_at = NOW()
		WHERE id = $5`,
		o.Status, o.PaymentStatus, nullString(o.PaymentReference),
		nullString(o.TrackingNumber), o.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOrderNotFound
	}
	return nil
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
