package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/bank"
	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/idgen"
	"github.com/techfy/escrowpay/internal/metrics"
	"github.com/techfy/escrowpay/internal/money"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/order"
	"github.com/techfy/escrowpay/internal/traces"
	"github.com/techfy/escrowpay/internal/wallet"
)

// ConfirmPayment verifies a gateway charge and moves the escrow from
// pending_payment to in_escrow. Called by the webhook handler after a
// charge.completed event, or by an admin reconciling manually. Safe to
// call more than once for the same reference: a repeat sees the escrow
// already in_escrow and returns it unchanged.
func (s *Service) ConfirmPayment(ctx context.Context, id, transactionRef string) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmPayment",
		traces.EscrowID(id), traces.Reference(transactionRef))
	defer span.End()

	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.Status == StatusInEscrow && txn.PaymentReference == transactionRef {
		return txn, nil
	}
	if txn.Status != StatusPendingPayment {
		return nil, ErrInvalidStatus
	}

	v, err := s.gw.VerifyTransaction(ctx, transactionRef)
	if err != nil {
		return nil, err
	}
	if v.Reference != txn.ID {
		return nil, fmt.Errorf("%w: verified tx_ref %s does not belong to escrow %s", gateway.ErrDeclined, v.Reference, txn.ID)
	}
	paid, err := decimal.NewFromString(v.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: unparseable verified amount %q", gateway.ErrUnavailable, v.Amount)
	}
	if !paid.Equal(txn.TotalAmount) {
		s.logger.Warn("payment amount mismatch",
			"escrow_id", txn.ID, "expected", money.Format(txn.TotalAmount), "got", v.Amount)
		return nil, ErrAmountMismatch
	}

	now := time.Now()
	from := txn.Status
	txn.Status = StatusInEscrow
	txn.PaymentReference = transactionRef
	txn.PaymentReceivedAt = &now
	txn.UpdatedAt = now

	change := s.change(txn.ID, from, StatusInEscrow, Actor{ID: txn.BuyerID}, "Payment verified, funds held in escrow")
	if err := s.store.Transition(ctx, txn, from, change); err != nil {
		return nil, err
	}
	s.afterTransition(txn)

	s.markOrderPaid(ctx, txn)
	s.notifier.Notify(ctx, txn.SellerID, notify.EventPaymentConfirmed, s.eventData(txn))
	s.notifier.Notify(ctx, txn.BuyerID, notify.EventPaymentConfirmed, s.eventData(txn))
	return txn, nil
}

// PayFromWallet funds the escrow from the buyer's wallet balance. The
// debit and the status change commit as one atomic unit: an insufficient
// balance or a concurrent status change leaves both sides untouched.
func (s *Service) PayFromWallet(ctx context.Context, id string, actor Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.PayFromWallet", traces.EscrowID(id))
	defer span.End()

	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPendingPayment {
		return nil, ErrInvalidStatus
	}

	ref := idgen.WalletPayment() + "-" + txn.ID
	desc := "Escrow payment for order " + txn.OrderID

	now := time.Now()
	from := txn.Status
	txn.Status = StatusInEscrow
	txn.PaymentReference = ref
	txn.PaymentReceivedAt = &now
	txn.UpdatedAt = now

	change := s.change(txn.ID, from, StatusInEscrow, actor, "Paid from wallet balance")
	err = s.store.TransitionWithLedger(ctx, txn, from, change, func(tx *sql.Tx) error {
		return s.ledger.DebitTx(ctx, tx, txn.BuyerID, txn.TotalAmount, wallet.TypeEscrowPayment, ref, desc)
	})
	if err != nil {
		return nil, err
	}
	s.afterTransition(txn)

	s.markOrderPaid(ctx, txn)
	s.notifier.Notify(ctx, txn.SellerID, notify.EventPaymentConfirmed, s.eventData(txn))
	return txn, nil
}

// MarkShipped records the seller's shipment. in_escrow -> shipped.
func (s *Service) MarkShipped(ctx context.Context, id, trackingNumber string, actor Actor) (*Transaction, error) {
	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != txn.SellerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusInEscrow {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	from := txn.Status
	txn.Status = StatusShipped
	txn.ShippedAt = &now
	txn.UpdatedAt = now

	reason := "Seller marked order as shipped"
	if trackingNumber != "" {
		reason = "Shipped, tracking " + trackingNumber
	}
	change := s.change(txn.ID, from, StatusShipped, actor, reason)
	if err := s.store.Transition(ctx, txn, from, change); err != nil {
		return nil, err
	}
	s.afterTransition(txn)

	if trackingNumber != "" {
		if o, oerr := s.orders.Get(ctx, txn.OrderID); oerr == nil {
			o.Status = order.StatusShipped
			o.TrackingNumber = trackingNumber
			if uerr := s.orders.Update(ctx, o); uerr != nil {
				s.logger.Warn("order tracking update failed", "order_id", o.ID, "error", uerr)
			}
		}
	}

	s.notifier.Notify(ctx, txn.BuyerID, notify.EventOrderShipped, s.eventData(txn))
	return txn, nil
}

// ConfirmDelivery records the buyer's receipt and starts the auto-release
// window. shipped -> delivered. Idempotent: confirming an already
// delivered escrow returns it unchanged and does not move the window.
func (s *Service) ConfirmDelivery(ctx context.Context, id string, actor Actor) (*Transaction, error) {
	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status == StatusDelivered {
		return txn, nil
	}
	if txn.Status != StatusShipped {
		return nil, ErrInvalidStatus
	}

	now := time.Now()
	releaseAt := now.Add(time.Duration(txn.AutoReleaseDays) * 24 * time.Hour)
	from := txn.Status
	txn.Status = StatusDelivered
	txn.DeliveredAt = &now
	txn.AutoReleaseAt = &releaseAt
	txn.UpdatedAt = now

	change := s.change(txn.ID, from, StatusDelivered, actor,
		fmt.Sprintf("Buyer confirmed delivery, auto-release in %d days", txn.AutoReleaseDays))
	if err := s.store.Transition(ctx, txn, from, change); err != nil {
		return nil, err
	}
	s.afterTransition(txn)

	s.notifier.Notify(ctx, txn.SellerID, notify.EventDeliveryConfirmed, s.eventData(txn))
	return txn, nil
}

// ReleaseFunds settles the escrow to the seller. shipped/delivered ->
// completed; releasing from shipped is the buyer accepting the goods
// without a separate delivery confirmation. The seller receives the order
// amount; the platform retains the fee. Settlement prefers the seller's
// linked bank account and falls back to a wallet credit when no account
// is linked or the transfer fails.
func (s *Service) ReleaseFunds(ctx context.Context, id, reason string, actor Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds", traces.EscrowID(id))
	defer span.End()

	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !actor.IsSystem() && actor.ID != txn.BuyerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusDelivered && txn.Status != StatusShipped {
		return nil, ErrInvalidStatus
	}
	if reason == "" {
		reason = "Buyer released funds"
		if actor.IsSystem() {
			reason = "Auto-released after delivery window elapsed"
		}
	}
	return s.settle(ctx, txn, txn.Status, reason, actor)
}

// settle pays the seller the full order amount and completes the escrow.
// Shared by ReleaseFunds and dispute resolution, which release from
// different source statuses.
func (s *Service) settle(ctx context.Context, txn *Transaction, from Status, reason string, actor Actor) (*Transaction, error) {
	return s.settleAmount(ctx, txn, from, txn.Amount, reason, actor)
}

// settleAmount completes the escrow with an explicit payout, which a
// partial dispute resolution sets below the order amount. Wallet payouts
// commit atomically with the status change; a bank transfer is an
// external side effect and stays two-phase with a logged reconciliation
// reference.
func (s *Service) settleAmount(ctx context.Context, txn *Transaction, from Status, payout decimal.Decimal, reason string, actor Actor) (*Transaction, error) {
	desc := "Escrow release for order " + txn.OrderID
	method, ref, err := s.bankPayout(ctx, txn, payout, desc)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	txn.Status = StatusCompleted
	txn.SettlementMethod = method
	txn.CompletedAt = &now
	txn.UpdatedAt = now
	change := s.change(txn.ID, from, StatusCompleted, actor, reason)

	if method == SettleBankTransfer {
		if err := s.store.Transition(ctx, txn, from, change); err != nil {
			// Money already left the platform. One retry, then scream;
			// the payout reference makes the row reconcilable by hand.
			if rerr := s.store.Transition(ctx, txn, from, change); rerr != nil {
				s.logger.Error("CRITICAL: seller paid but escrow not marked completed",
					"escrow_id", txn.ID, "seller_id", txn.SellerID,
					"amount", money.Format(payout), "method", method,
					"payout_reference", ref, "error", rerr)
				return nil, rerr
			}
		}
	} else {
		ref = idgen.Transfer() + "-" + txn.ID
		err := s.store.TransitionWithLedger(ctx, txn, from, change, func(tx *sql.Tx) error {
			return s.ledger.CreditTx(ctx, tx, txn.SellerID, payout, wallet.TypeEscrowRelease, ref, desc)
		})
		if err != nil {
			return nil, err
		}
	}

	s.afterTransition(txn)
	s.markOrderDelivered(ctx, txn)
	metrics.SettlementsTotal.WithLabelValues(method).Inc()
	s.logger.Info("escrow released",
		"escrow_id", txn.ID, "seller_id", txn.SellerID,
		"amount", money.Format(payout), "fee", money.Format(txn.EscrowFee),
		"method", method)
	s.notifier.Notify(ctx, txn.SellerID, notify.EventFundsReleased, s.eventData(txn))
	s.notifier.Notify(ctx, txn.BuyerID, notify.EventFundsReleased, s.eventData(txn))
	return txn, nil
}

// bankPayout attempts the payout over the seller's linked bank account.
// It reports SettleWallet with no money moved when no account is linked
// or the transfer fails, leaving the payout to the wallet path.
func (s *Service) bankPayout(ctx context.Context, txn *Transaction, payout decimal.Decimal, desc string) (method, reference string, err error) {
	acct, err := s.banks.Get(ctx, txn.SellerID)
	switch {
	case err == nil:
		ref := idgen.Transfer() + "-" + txn.ID
		_, terr := s.gw.Transfer(ctx, gateway.TransferRequest{
			BankCode:      acct.BankCode,
			AccountNumber: acct.AccountNumber,
			Amount:        money.Format(payout),
			Narration:     desc,
			Reference:     ref,
		})
		if terr == nil {
			return SettleBankTransfer, ref, nil
		}
		s.logger.Warn("bank transfer failed, falling back to wallet credit",
			"escrow_id", txn.ID, "seller_id", txn.SellerID, "error", terr)
	case errors.Is(err, bank.ErrNoAccount):
		// fall through to wallet credit
	default:
		return "", "", err
	}
	return SettleWallet, "", nil
}

// Refund returns the full amount including the fee to the buyer's wallet.
// Admin-only outside dispute resolution. in_escrow/shipped/delivered ->
// refunded.
func (s *Service) Refund(ctx context.Context, id, reason string, actor Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund", traces.EscrowID(id))
	defer span.End()

	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin {
		return nil, ErrUnauthorized
	}
	switch txn.Status {
	case StatusInEscrow, StatusShipped, StatusDelivered:
	default:
		return nil, ErrInvalidStatus
	}
	if reason == "" {
		reason = "Refunded by admin"
	}
	return s.refund(ctx, txn, txn.Status, txn.TotalAmount, reason, actor)
}

// refund credits the buyer and marks the escrow refunded. Shared with
// dispute resolution. The credit and the status change commit as one
// atomic unit, so a concurrent status change cannot strand the refund.
func (s *Service) refund(ctx context.Context, txn *Transaction, from Status, amount decimal.Decimal, reason string, actor Actor) (*Transaction, error) {
	ref := idgen.WithPrefix("REFUND-") + "-" + txn.ID
	desc := "Escrow refund for order " + txn.OrderID

	now := time.Now()
	txn.Status = StatusRefunded
	txn.RefundedAt = &now
	txn.UpdatedAt = now

	change := s.change(txn.ID, from, StatusRefunded, actor, reason)
	err := s.store.TransitionWithLedger(ctx, txn, from, change, func(tx *sql.Tx) error {
		return s.ledger.CreditTx(ctx, tx, txn.BuyerID, amount, wallet.TypeEscrowRefund, ref, desc)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(txn)
	s.markOrderRefunded(ctx, txn)
	s.logger.Info("escrow refunded",
		"escrow_id", txn.ID, "buyer_id", txn.BuyerID, "amount", money.Format(amount))
	s.notifier.Notify(ctx, txn.BuyerID, notify.EventRefundIssued, s.eventData(txn))
	s.notifier.Notify(ctx, txn.SellerID, notify.EventRefundIssued, s.eventData(txn))
	return txn, nil
}

// Cancel abandons an unpaid escrow. pending_payment -> cancelled. No money
// has moved yet, so nothing to reverse.
func (s *Service) Cancel(ctx context.Context, id, reason string, actor Actor) (*Transaction, error) {
	defer s.locks.Lock(id)()

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && actor.ID != txn.BuyerID && actor.ID != txn.SellerID {
		return nil, ErrUnauthorized
	}
	if txn.Status != StatusPendingPayment {
		return nil, ErrInvalidStatus
	}
	if reason == "" {
		reason = "Cancelled before payment"
	}

	now := time.Now()
	from := txn.Status
	txn.Status = StatusCancelled
	txn.UpdatedAt = now

	change := s.change(txn.ID, from, StatusCancelled, actor, reason)
	if err := s.store.Transition(ctx, txn, from, change); err != nil {
		return nil, err
	}
	s.afterTransition(txn)
	return txn, nil
}

func (s *Service) markOrderPaid(ctx context.Context, txn *Transaction) {
	o, err := s.orders.Get(ctx, txn.OrderID)
	if err != nil {
		s.logger.Warn("order lookup failed after payment", "order_id", txn.OrderID, "error", err)
		return
	}
	o.PaymentStatus = order.PaymentPaid
	o.PaymentReference = txn.PaymentReference
	o.Status = order.StatusProcessing
	if err := s.orders.Update(ctx, o); err != nil {
		s.logger.Warn("order payment status update failed", "order_id", o.ID, "error", err)
	}
}

func (s *Service) markOrderDelivered(ctx context.Context, txn *Transaction) {
	o, err := s.orders.Get(ctx, txn.OrderID)
	if err != nil {
		s.logger.Warn("order lookup failed after release", "order_id", txn.OrderID, "error", err)
		return
	}
	o.Status = order.StatusDelivered
	o.PaymentStatus = order.PaymentPaid
	if err := s.orders.Update(ctx, o); err != nil {
		s.logger.Warn("order delivery status update failed", "order_id", o.ID, "error", err)
	}
}

func (s *Service) markOrderRefunded(ctx context.Context, txn *Transaction) {
	o, err := s.orders.Get(ctx, txn.OrderID)
	if err != nil {
		return
	}
	o.PaymentStatus = order.PaymentRefunded
	o.Status = order.StatusCancelled
	if err := s.orders.Update(ctx, o); err != nil {
		s.logger.Warn("order refund status update failed", "order_id", o.ID, "error", err)
	}
}
