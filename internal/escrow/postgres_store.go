package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const txnColumns = `id, order_id, buyer_id, seller_id, amount, escrow_fee, total_amount,
		       status, payment_reference, settlement_method,
		       auto_release_days, auto_release_at,
		       created_at, updated_at, payment_received_at, shipped_at,
		       delivered_at, completed_at, refunded_at,
		       buyer_notes, seller_notes, admin_notes`

func (p *PostgresStore) CreateTransaction(ctx context.Context, txn *Transaction, change *StatusChange) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, order_id, buyer_id, seller_id,
			amount, escrow_fee, total_amount,
			status, payment_reference, settlement_method,
			auto_release_days, auto_release_at,
			created_at, updated_at, payment_received_at, shipped_at,
			delivered_at, completed_at, refunded_at,
			buyer_notes, seller_notes, admin_notes
		) VALUES (
			$1, $2, $3, $4,
			$5::NUMERIC(12,2), $6::NUMERIC(12,2), $7::NUMERIC(12,2),
			$8, $9, $10,
			$11, $12,
			$13, $14, $15, $16,
			$17, $18, $19,
			$20, $21, $22
		)`,
		txn.ID, txn.OrderID, txn.BuyerID, txn.SellerID,
		txn.Amount.String(), txn.EscrowFee.String(), txn.TotalAmount.String(),
		string(txn.Status), nullString(txn.PaymentReference), nullString(txn.SettlementMethod),
		txn.AutoReleaseDays, nullTime(txn.AutoReleaseAt),
		txn.CreatedAt, txn.UpdatedAt, nullTime(txn.PaymentReceivedAt), nullTime(txn.ShippedAt),
		nullTime(txn.DeliveredAt), nullTime(txn.CompletedAt), nullTime(txn.RefundedAt),
		nullString(txn.BuyerNotes), nullString(txn.SellerNotes), nullString(txn.AdminNotes),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return ErrAlreadyExists
		}
		return err
	}
	if err := insertHistory(ctx, tx, change); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_transactions WHERE id = $1`, id)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) GetByOrder(ctx context.Context, orderID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+txnColumns+` FROM escrow_transactions WHERE order_id = $1`, orderID)
	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

// Transition applies the mutated transaction and its history row in one
// database transaction, guarded by a compare-and-swap on status.
func (p *PostgresStore) Transition(ctx context.Context, txn *Transaction, from Status, change *StatusChange) error {
	return p.TransitionWithLedger(ctx, txn, from, change, nil)
}

// TransitionWithLedger runs the status CAS, the ledger effect, and the
// history insert inside one database transaction. A conflict or effect
// error rolls everything back.
func (p *PostgresStore) TransitionWithLedger(ctx context.Context, txn *Transaction, from Status, change *StatusChange, effect func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1, payment_reference = $2, settlement_method = $3,
			auto_release_at = $4, updated_at = $5,
			payment_received_at = $6, shipped_at = $7, delivered_at = $8,
			completed_at = $9, refunded_at = $10,
			buyer_notes = $11, seller_notes = $12, admin_notes = $13
		WHERE id = $14 AND status = $15`,
		string(txn.Status), nullString(txn.PaymentReference), nullString(txn.SettlementMethod),
		nullTime(txn.AutoReleaseAt), txn.UpdatedAt,
		nullTime(txn.PaymentReceivedAt), nullTime(txn.ShippedAt), nullTime(txn.DeliveredAt),
		nullTime(txn.CompletedAt), nullTime(txn.RefundedAt),
		nullString(txn.BuyerNotes), nullString(txn.SellerNotes), nullString(txn.AdminNotes),
		txn.ID, string(from),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_transactions WHERE id = $1)`, txn.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrStatusConflict
	}
	if effect != nil {
		if err := effect(tx); err != nil {
			return err
		}
	}
	if err := insertHistory(ctx, tx, change); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, asSeller bool, limit int) ([]*Transaction, error) {
	col := "buyer_id"
	if asSeller {
		col = "seller_id"
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE `+col+` = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListAutoReleasable(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+txnColumns+`
		FROM escrow_transactions
		WHERE status = 'delivered'
		  AND auto_release_at IS NOT NULL
		  AND auto_release_at <= $1
		ORDER BY auto_release_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) History(ctx context.Context, escrowID string) ([]*StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_id, old_status, new_status, actor, reason, created_at
		FROM escrow_status_history
		WHERE escrow_id = $1
		ORDER BY created_at ASC, id ASC`, escrowID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*StatusChange
	for rows.Next() {
		var (
			c         StatusChange
			oldStatus sql.NullString
			actor     sql.NullString
			reason    sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.EscrowID, &oldStatus, &c.NewStatus, &actor, &reason, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.OldStatus = Status(oldStatus.String)
		c.Actor = actor.String
		c.Reason = reason.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		StatusCounts: make(map[Status]int64),
		HeldTotal:    decimal.Zero,
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(total_amount), 0)
		FROM escrow_transactions
		GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status Status
			count  int64
			total  decimal.Decimal
		)
		if err := rows.Scan(&status, &count, &total); err != nil {
			return nil, err
		}
		st.StatusCounts[status] = count
		if status.Held() {
			st.HeldCount += count
			st.HeldTotal = st.HeldTotal.Add(total)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM escrow_disputes
		WHERE status IN ('open', 'under_review')`).Scan(&st.OpenDisputes)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (p *PostgresStore) CreateDispute(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_disputes (
			id, escrow_id, raised_by, reason, description, status,
			buyer_evidence, seller_evidence,
			resolved_by, resolution_notes, resolution_amount, resolved_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8,
			$9, $10, $11, $12,
			$13, $14
		)`,
		d.ID, d.EscrowID, d.RaisedBy, d.Reason, nullString(d.Description), string(d.Status),
		pq.Array(d.BuyerEvidence), pq.Array(d.SellerEvidence),
		nullString(d.ResolvedBy), nullString(d.ResolutionNotes), nullDecimal(d.ResolutionAmount), nullTime(d.ResolvedAt),
		d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
		// one-open-dispute partial unique index
		return ErrOpenDispute
	}
	return err
}

func (p *PostgresStore) OpenDispute(ctx context.Context, escrowID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, escrow_id, raised_by, reason, description, status,
		       buyer_evidence, seller_evidence,
		       resolved_by, resolution_notes, resolution_amount, resolved_at,
		       created_at, updated_at
		FROM escrow_disputes
		WHERE escrow_id = $1 AND status IN ('open', 'under_review')`, escrowID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrNoOpenDispute
	}
	return d, err
}

func (p *PostgresStore) UpdateDispute(ctx context.Context, d *Dispute) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_disputes SET
			status = $1, buyer_evidence = $2, seller_evidence = $3,
			resolved_by = $4, resolution_notes = $5, resolution_amount = $6,
			resolved_at = $7, updated_at = $8
		WHERE id = $9`,
		string(d.Status), pq.Array(d.BuyerEvidence), pq.Array(d.SellerEvidence),
		nullString(d.ResolvedBy), nullString(d.ResolutionNotes), nullDecimal(d.ResolutionAmount),
		nullTime(d.ResolvedAt), d.UpdatedAt,
		d.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoOpenDispute
	}
	return nil
}

func insertHistory(ctx context.Context, tx *sql.Tx, c *StatusChange) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_status_history (id, escrow_id, old_status, new_status, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.EscrowID, nullString(string(c.OldStatus)), string(c.NewStatus),
		nullString(c.Actor), nullString(c.Reason), c.CreatedAt,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	txn := &Transaction{}
	var (
		status      string
		payRef      sql.NullString
		settle      sql.NullString
		releaseAt   sql.NullTime
		receivedAt  sql.NullTime
		shippedAt   sql.NullTime
		deliveredAt sql.NullTime
		completedAt sql.NullTime
		refundedAt  sql.NullTime
		buyerNotes  sql.NullString
		sellerNotes sql.NullString
		adminNotes  sql.NullString
		amount      string
		fee         string
		total       string
	)

	err := s.Scan(
		&txn.ID, &txn.OrderID, &txn.BuyerID, &txn.SellerID,
		&amount, &fee, &total,
		&status, &payRef, &settle,
		&txn.AutoReleaseDays, &releaseAt,
		&txn.CreatedAt, &txn.UpdatedAt, &receivedAt, &shippedAt,
		&deliveredAt, &completedAt, &refundedAt,
		&buyerNotes, &sellerNotes, &adminNotes,
	)
	if err != nil {
		return nil, err
	}

	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if txn.EscrowFee, err = decimal.NewFromString(fee); err != nil {
		return nil, err
	}
	if txn.TotalAmount, err = decimal.NewFromString(total); err != nil {
		return nil, err
	}
	txn.Status = Status(status)
	txn.PaymentReference = payRef.String
	txn.SettlementMethod = settle.String
	txn.BuyerNotes = buyerNotes.String
	txn.SellerNotes = sellerNotes.String
	txn.AdminNotes = adminNotes.String
	if releaseAt.Valid {
		txn.AutoReleaseAt = &releaseAt.Time
	}
	if receivedAt.Valid {
		txn.PaymentReceivedAt = &receivedAt.Time
	}
	if shippedAt.Valid {
		txn.ShippedAt = &shippedAt.Time
	}
	if deliveredAt.Valid {
		txn.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		txn.CompletedAt = &completedAt.Time
	}
	if refundedAt.Valid {
		txn.RefundedAt = &refundedAt.Time
	}
	return txn, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, txn)
	}
	return out, rows.Err()
}

func scanDispute(s scanner) (*Dispute, error) {
	d := &Dispute{}
	var (
		status     string
		desc       sql.NullString
		buyerEv    pq.StringArray
		sellerEv   pq.StringArray
		resolvedBy sql.NullString
		notes      sql.NullString
		amount     sql.NullString
		resolvedAt sql.NullTime
	)

	err := s.Scan(
		&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &desc, &status,
		&buyerEv, &sellerEv,
		&resolvedBy, &notes, &amount, &resolvedAt,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = DisputeStatus(status)
	d.Description = desc.String
	d.BuyerEvidence = []string(buyerEv)
	d.SellerEvidence = []string(sellerEv)
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNotes = notes.String
	if amount.Valid {
		v, err := decimal.NewFromString(amount.String)
		if err != nil {
			return nil, err
		}
		d.ResolutionAmount = &v
	}
	if resolvedAt.Valid {
		d.ResolvedAt = &resolvedAt.Time
	}
	return d, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}
