package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/idgen"
	"github.com/techfy/escrowpay/internal/metrics"
	"github.com/techfy/escrowpay/internal/money"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/traces"
	"github.com/techfy/escrowpay/internal/wallet"
)

// DisputeStatus tracks a dispute through adjudication.
type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeUnderReview   DisputeStatus = "under_review"
	DisputeResolvedBuyer DisputeStatus = "resolved_buyer"
	DisputeResolvedSell  DisputeStatus = "resolved_seller"
	DisputeClosed        DisputeStatus = "closed"
)

// Open reports whether the dispute still blocks the escrow.
func (d DisputeStatus) Open() bool {
	return d == DisputeOpen || d == DisputeUnderReview
}

// Dispute reason codes.
const (
	ReasonNotReceived    = "not_received"
	ReasonNotAsDescribed = "not_as_described"
	ReasonDamaged        = "damaged"
	ReasonWrongItem      = "wrong_item"
	ReasonCounterfeit    = "counterfeit"
	ReasonDefective      = "defective"
	ReasonOther          = "other"
)

// Resolution outcomes accepted by ResolveDispute.
const (
	FavorBuyer  = "buyer"
	FavorSeller = "seller"
)

// Dispute is a contested escrow awaiting an admin decision. Evidence
// entries accumulate per party; submissions never overwrite earlier ones.
type Dispute struct {
	ID             string        `json:"id"`
	EscrowID       string        `json:"escrowId"`
	RaisedBy       string        `json:"raisedBy"`
	Reason         string        `json:"reason"`
	Description    string        `json:"description"`
	Status         DisputeStatus `json:"status"`
	BuyerEvidence  []string      `json:"buyerEvidence,omitempty"`
	SellerEvidence []string      `json:"sellerEvidence,omitempty"`

	ResolvedBy       string           `json:"resolvedBy,omitempty"`
	ResolutionNotes  string           `json:"resolutionNotes,omitempty"`
	ResolutionAmount *decimal.Decimal `json:"resolutionAmount,omitempty"`
	ResolvedAt       *time.Time       `json:"resolvedAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func validDisputeReason(r string) bool {
	switch r {
	case ReasonNotReceived, ReasonNotAsDescribed, ReasonDamaged, ReasonWrongItem,
		ReasonCounterfeit, ReasonDefective, ReasonOther:
		return true
	}
	return false
}

// RaiseDispute freezes the escrow pending adjudication. Either party may
// raise one from in_escrow, shipped, or delivered; at most one dispute
// can be open per escrow. Freezing also stops the auto-release clock
// because the scheduler only picks up delivered transactions.
func (s *Service) RaiseDispute(ctx context.Context, escrowID, reason, description string, actor Actor) (*Dispute, error) {
	defer s.locks.Lock(escrowID)()

	txn, err := s.store.GetTransaction(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.BuyerID && actor.ID != txn.SellerID {
		return nil, ErrNotParty
	}
	switch txn.Status {
	case StatusInEscrow, StatusShipped, StatusDelivered:
	default:
		return nil, ErrInvalidStatus
	}
	if !validDisputeReason(reason) {
		return nil, fmt.Errorf("unknown dispute reason %q", reason)
	}

	now := time.Now()
	d := &Dispute{
		ID:          idgen.WithPrefix("dsp_"),
		EscrowID:    txn.ID,
		RaisedBy:    actor.ID,
		Reason:      reason,
		Description: description,
		Status:      DisputeOpen,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return nil, err
	}

	from := txn.Status
	txn.Status = StatusDisputed
	txn.UpdatedAt = now
	change := s.change(txn.ID, from, StatusDisputed, actor, "Dispute raised: "+reason)
	if err := s.store.Transition(ctx, txn, from, change); err == nil {
		s.afterTransition(txn)
		metrics.DisputesOpenGauge.Inc()
	} else {
		d.Status = DisputeClosed
		d.ResolutionNotes = "Closed: escrow status changed while raising"
		d.UpdatedAt = time.Now()
		if cerr := s.store.UpdateDispute(ctx, d); cerr != nil {
			s.logger.Error("dispute left open after failed transition",
				"escrow_id", txn.ID, "dispute_id", d.ID, "error", cerr)
		}
		return nil, err
	}

	other := txn.SellerID
	if actor.ID == txn.SellerID {
		other = txn.BuyerID
	}
	s.notifier.Notify(ctx, other, notify.EventDisputeRaised, map[string]string{
		"escrow_id":  txn.ID,
		"dispute_id": d.ID,
		"reason":     reason,
	})
	return d, nil
}

// Dispute returns the open dispute for an escrow.
func (s *Service) Dispute(ctx context.Context, escrowID string) (*Dispute, error) {
	return s.store.OpenDispute(ctx, escrowID)
}

// SubmitEvidence appends evidence to the submitting party's list. Later
// submissions add to, never replace, earlier ones.
func (s *Service) SubmitEvidence(ctx context.Context, escrowID string, items []string, actor Actor) (*Dispute, error) {
	defer s.locks.Lock(escrowID)()

	txn, err := s.store.GetTransaction(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if actor.ID != txn.BuyerID && actor.ID != txn.SellerID {
		return nil, ErrNotParty
	}
	d, err := s.store.OpenDispute(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return d, nil
	}

	if actor.ID == txn.BuyerID {
		d.BuyerEvidence = append(d.BuyerEvidence, items...)
	} else {
		d.SellerEvidence = append(d.SellerEvidence, items...)
	}
	if d.Status == DisputeOpen {
		d.Status = DisputeUnderReview
	}
	d.UpdatedAt = time.Now()
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ResolveDispute is the admin decision. Favoring the seller settles the
// payout; favoring the buyer refunds the full total including the fee.
// A partial amount, allowed only when favoring the buyer, refunds that
// amount to the buyer and settles the remainder of the payout to the
// seller.
func (s *Service) ResolveDispute(ctx context.Context, escrowID, favor, notes string, partial *decimal.Decimal, actor Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDispute", traces.EscrowID(escrowID))
	defer span.End()

	defer s.locks.Lock(escrowID)()

	if !actor.Admin {
		return nil, ErrUnauthorized
	}
	txn, err := s.store.GetTransaction(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if txn.Status != StatusDisputed {
		return nil, ErrInvalidStatus
	}
	d, err := s.store.OpenDispute(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	switch favor {
	case FavorBuyer, FavorSeller:
	default:
		return nil, fmt.Errorf("resolution must favor %q or %q", FavorBuyer, FavorSeller)
	}
	if partial != nil {
		if favor != FavorBuyer {
			return nil, fmt.Errorf("partial amounts apply only when favoring the buyer")
		}
		if partial.Sign() <= 0 || partial.GreaterThan(txn.Amount) {
			return nil, ErrInvalidAmount
		}
	}

	var resolved *Transaction
	switch {
	case favor == FavorSeller:
		reason := "Dispute resolved in seller's favor"
		resolved, err = s.settle(ctx, txn, StatusDisputed, reason, actor)
	case partial == nil:
		reason := "Dispute resolved in buyer's favor, full refund"
		resolved, err = s.refund(ctx, txn, StatusDisputed, txn.TotalAmount, reason, actor)
	default:
		resolved, err = s.resolvePartial(ctx, txn, d, *partial, actor)
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if favor == FavorBuyer {
		d.Status = DisputeResolvedBuyer
	} else {
		d.Status = DisputeResolvedSell
	}
	d.ResolvedBy = actor.ID
	d.ResolutionNotes = notes
	d.ResolutionAmount = partial
	d.ResolvedAt = &now
	d.UpdatedAt = now
	if err := s.store.UpdateDispute(ctx, d); err != nil {
		s.logger.Error("escrow resolved but dispute record not updated",
			"escrow_id", txn.ID, "dispute_id", d.ID, "error", err)
	}
	metrics.DisputesOpenGauge.Dec()

	data := map[string]string{
		"escrow_id":  txn.ID,
		"dispute_id": d.ID,
		"favor":      favor,
	}
	s.notifier.Notify(ctx, txn.BuyerID, notify.EventDisputeResolved, data)
	s.notifier.Notify(ctx, txn.SellerID, notify.EventDisputeResolved, data)
	return resolved, nil
}

// resolvePartial splits the held amount: the buyer gets the partial
// refund plus the full fee back, the seller gets the rest. Credits land
// in wallets only; a split payout does not attempt a bank transfer.
func (s *Service) resolvePartial(ctx context.Context, txn *Transaction, d *Dispute, refundAmount decimal.Decimal, actor Actor) (*Transaction, error) {
	sellerShare := txn.Amount.Sub(refundAmount)
	refundRef := idgen.WithPrefix("REFUND-") + "-" + txn.ID
	payoutRef := idgen.Transfer() + "-" + txn.ID

	now := time.Now()
	txn.Status = StatusCompleted
	txn.SettlementMethod = SettleWallet
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	change := s.change(txn.ID, StatusDisputed, StatusCompleted, actor,
		fmt.Sprintf("Dispute resolved with partial refund of %s to buyer", money.Format(refundAmount)))

	// Both credits and the status change commit together. A failure on
	// either side leaves the escrow disputed and no wallet touched.
	err := s.store.TransitionWithLedger(ctx, txn, StatusDisputed, change, func(tx *sql.Tx) error {
		if err := s.ledger.CreditTx(ctx, tx, txn.BuyerID, refundAmount.Add(txn.EscrowFee),
			wallet.TypeEscrowRefund, refundRef, "Partial dispute refund for order "+txn.OrderID); err != nil {
			return err
		}
		return s.ledger.CreditTx(ctx, tx, txn.SellerID, sellerShare,
			wallet.TypeEscrowRelease, payoutRef, "Partial dispute settlement for order "+txn.OrderID)
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(txn)
	s.markOrderDelivered(ctx, txn)
	metrics.SettlementsTotal.WithLabelValues(SettleWallet).Inc()
	return txn, nil
}
