package escrow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/bank"
	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/order"
	"github.com/techfy/escrowpay/internal/wallet"
)

// fakeGateway answers verification and transfer calls from canned data.
type fakeGateway struct {
	mu          sync.Mutex
	verified    map[string]string // transactionRef -> amount; Reference echoes tx_ref via refFor
	refFor      map[string]string // transactionRef -> escrow tx_ref
	transferErr error
	transfers   []gateway.TransferRequest
	initCalls   int
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		verified: make(map[string]string),
		refFor:   make(map[string]string),
	}
}

// pay registers a successful charge for an escrow.
func (f *fakeGateway) pay(transactionRef, escrowID, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified[transactionRef] = amount
	f.refFor[transactionRef] = escrowID
}

func (f *fakeGateway) InitializePayment(ctx context.Context, req gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initCalls++
	return &gateway.InitializeResult{CheckoutLink: "https://checkout.test/" + req.TxRef, TxRef: req.TxRef}, nil
}

func (f *fakeGateway) VerifyTransaction(ctx context.Context, transactionRef string) (*gateway.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	amount, ok := f.verified[transactionRef]
	if !ok {
		return nil, gateway.ErrDeclined
	}
	return &gateway.VerifyResult{Amount: amount, Currency: "USD", Reference: f.refFor[transactionRef]}, nil
}

func (f *fakeGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.transferErr != nil {
		return nil, f.transferErr
	}
	f.transfers = append(f.transfers, req)
	return &gateway.TransferResult{Reference: req.Reference}, nil
}

// recordingNotifier captures emitted events per user.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) Notify(ctx context.Context, userID string, event notify.Event, data map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingNotifier) has(event notify.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	wallets *wallet.Service
	gw      *fakeGateway
	orders  *order.MemoryStore
	banks   *bank.MemoryStore
	events  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   NewMemoryStore(),
		wallets: wallet.NewService(wallet.NewMemoryStore()),
		gw:      newFakeGateway(),
		orders:  order.NewMemoryStore(),
		banks:   bank.NewMemoryStore(),
		events:  &recordingNotifier{},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	f.svc = NewService(f.store, f.wallets, f.gw, f.orders, f.banks, f.events, logger, Options{})
	return f
}

func (f *fixture) newOrder(t *testing.T, buyer, seller, total string) *order.Order {
	t.Helper()
	amt, err := decimal.NewFromString(total)
	if err != nil {
		t.Fatalf("bad amount %q: %v", total, err)
	}
	o, err := order.New(buyer, seller, amt)
	if err != nil {
		t.Fatalf("order.New failed: %v", err)
	}
	if err := f.orders.Create(context.Background(), o); err != nil {
		t.Fatalf("order create failed: %v", err)
	}
	return o
}

// inEscrow drives a fresh escrow to in_escrow via a gateway payment.
func (f *fixture) inEscrow(t *testing.T, buyer, seller, total string) *Transaction {
	t.Helper()
	ctx := context.Background()
	o := f.newOrder(t, buyer, seller, total)
	txn, err := f.svc.Initiate(ctx, o.ID, Actor{ID: buyer})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	f.gw.pay("tx-"+txn.ID, txn.ID, txn.TotalAmount.StringFixed(2))
	txn, err = f.svc.ConfirmPayment(ctx, txn.ID, "tx-"+txn.ID)
	if err != nil {
		t.Fatalf("ConfirmPayment failed: %v", err)
	}
	return txn
}

func (f *fixture) delivered(t *testing.T, buyer, seller, total string) *Transaction {
	t.Helper()
	ctx := context.Background()
	txn := f.inEscrow(t, buyer, seller, total)
	if _, err := f.svc.MarkShipped(ctx, txn.ID, "TRK1", Actor{ID: seller}); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	txn, err := f.svc.ConfirmDelivery(ctx, txn.ID, Actor{ID: buyer})
	if err != nil {
		t.Fatalf("ConfirmDelivery failed: %v", err)
	}
	return txn
}

func (f *fixture) balance(t *testing.T, userID string) string {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), userID)
	if err != nil {
		t.Fatalf("wallet get failed: %v", err)
	}
	return w.Balance.StringFixed(2)
}

func TestInitiate_FeeAndTotal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.newOrder(t, "buyer1", "seller1", "80.00")
	txn, err := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	if txn.Status != StatusPendingPayment {
		t.Errorf("expected pending_payment, got %s", txn.Status)
	}
	if got := txn.EscrowFee.StringFixed(2); got != "2.00" {
		t.Errorf("expected fee 2.00, got %s", got)
	}
	if got := txn.TotalAmount.StringFixed(2); got != "82.00" {
		t.Errorf("expected total 82.00, got %s", got)
	}
	if txn.AutoReleaseDays != 7 {
		t.Errorf("expected 7 day window, got %d", txn.AutoReleaseDays)
	}

	history, err := f.svc.History(ctx, txn.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history row, got %d", len(history))
	}
	if history[0].OldStatus != "" || history[0].NewStatus != StatusPendingPayment {
		t.Errorf("unexpected initial history row: %+v", history[0])
	}
	if !f.events.has(notify.EventEscrowInitiated) {
		t.Error("expected initiated notification")
	}
}

func TestInitiate_FeeRounding(t *testing.T) {
	cases := []struct{ total, fee string }{
		{"10.01", "0.25"}, // 0.25025 rounds down
		{"10.20", "0.26"}, // 0.2550 rounds half up
		{"0.01", "0.00"},  // 0.00025 rounds to zero
		{"100.00", "2.50"},
	}
	for _, tc := range cases {
		f := newFixture(t)
		o := f.newOrder(t, "b", "s", tc.total)
		txn, err := f.svc.Initiate(context.Background(), o.ID, Actor{ID: "b"})
		if err != nil {
			t.Fatalf("Initiate(%s) failed: %v", tc.total, err)
		}
		if got := txn.EscrowFee.StringFixed(2); got != tc.fee {
			t.Errorf("fee for %s: expected %s, got %s", tc.total, tc.fee, got)
		}
	}
}

func TestInitiate_OnePerOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.newOrder(t, "buyer1", "seller1", "50.00")

	if _, err := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"}); err != nil {
		t.Fatalf("first Initiate failed: %v", err)
	}
	if _, err := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInitiate_OnlyBuyer(t *testing.T) {
	f := newFixture(t)
	o := f.newOrder(t, "buyer1", "seller1", "50.00")
	if _, err := f.svc.Initiate(context.Background(), o.ID, Actor{ID: "seller1"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestConfirmPayment_HappyPath(t *testing.T) {
	f := newFixture(t)
	txn := f.inEscrow(t, "buyer1", "seller1", "80.00")

	if txn.Status != StatusInEscrow {
		t.Errorf("expected in_escrow, got %s", txn.Status)
	}
	if txn.PaymentReceivedAt == nil {
		t.Error("expected PaymentReceivedAt set")
	}
	if txn.PaymentReference != "tx-"+txn.ID {
		t.Errorf("unexpected payment reference %s", txn.PaymentReference)
	}

	o, err := f.orders.Get(context.Background(), txn.OrderID)
	if err != nil {
		t.Fatalf("order get failed: %v", err)
	}
	if o.PaymentStatus != order.PaymentPaid {
		t.Errorf("expected order paid, got %s", o.PaymentStatus)
	}
	if !f.events.has(notify.EventPaymentConfirmed) {
		t.Error("expected payment confirmed notification")
	}
}

func TestConfirmPayment_Idempotent(t *testing.T) {
	f := newFixture(t)
	txn := f.inEscrow(t, "buyer1", "seller1", "80.00")

	again, err := f.svc.ConfirmPayment(context.Background(), txn.ID, "tx-"+txn.ID)
	if err != nil {
		t.Fatalf("repeat ConfirmPayment failed: %v", err)
	}
	if again.Status != StatusInEscrow {
		t.Errorf("expected in_escrow, got %s", again.Status)
	}

	history, _ := f.svc.History(context.Background(), txn.ID)
	if len(history) != 2 {
		t.Errorf("repeat confirmation must not append history, got %d rows", len(history))
	}
}

func TestConfirmPayment_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.newOrder(t, "buyer1", "seller1", "80.00")
	txn, _ := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"})

	f.gw.pay("tx-short", txn.ID, "50.00")
	if _, err := f.svc.ConfirmPayment(ctx, txn.ID, "tx-short"); !errors.Is(err, ErrAmountMismatch) {
		t.Errorf("expected ErrAmountMismatch, got %v", err)
	}

	got, _ := f.svc.Get(ctx, txn.ID)
	if got.Status != StatusPendingPayment {
		t.Errorf("mismatched payment must not advance status, got %s", got.Status)
	}
}

func TestPayFromWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.newOrder(t, "buyer1", "seller1", "80.00")
	txn, _ := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"})

	// Short balance rejects without moving anything.
	if err := f.wallets.Credit(ctx, "buyer1", decimal.RequireFromString("50.00"), wallet.TypeTopup, "TOPUP-1", "seed"); err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}
	if _, err := f.svc.PayFromWallet(ctx, txn.ID, Actor{ID: "buyer1"}); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := f.balance(t, "buyer1"); got != "50.00" {
		t.Errorf("failed debit must leave balance, got %s", got)
	}
	got, _ := f.svc.Get(ctx, txn.ID)
	if got.Status != StatusPendingPayment {
		t.Errorf("failed debit must leave status, got %s", got.Status)
	}
	if history, _ := f.svc.History(ctx, txn.ID); len(history) != 1 {
		t.Errorf("failed debit must not append history, got %d rows", len(history))
	}

	if err := f.wallets.Credit(ctx, "buyer1", decimal.RequireFromString("40.00"), wallet.TypeTopup, "TOPUP-2", "seed"); err != nil {
		t.Fatalf("seed credit failed: %v", err)
	}
	paid, err := f.svc.PayFromWallet(ctx, txn.ID, Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("PayFromWallet failed: %v", err)
	}
	if paid.Status != StatusInEscrow {
		t.Errorf("expected in_escrow, got %s", paid.Status)
	}
	if got := f.balance(t, "buyer1"); got != "8.00" { // 90 - 82
		t.Errorf("expected balance 8.00 after paying 82.00, got %s", got)
	}
}

func TestMarkShipped_SellerOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.inEscrow(t, "buyer1", "seller1", "80.00")

	if _, err := f.svc.MarkShipped(ctx, txn.ID, "", Actor{ID: "buyer1"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized for buyer, got %v", err)
	}

	shipped, err := f.svc.MarkShipped(ctx, txn.ID, "TRK1", Actor{ID: "seller1"})
	if err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}
	if shipped.Status != StatusShipped || shipped.ShippedAt == nil {
		t.Errorf("expected shipped with timestamp, got %+v", shipped)
	}

	o, _ := f.orders.Get(ctx, txn.OrderID)
	if o.TrackingNumber != "TRK1" {
		t.Errorf("expected tracking propagated to order, got %q", o.TrackingNumber)
	}
}

func TestMarkShipped_RequiresEscrowedFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.newOrder(t, "buyer1", "seller1", "80.00")
	txn, _ := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"})

	if _, err := f.svc.MarkShipped(ctx, txn.ID, "", Actor{ID: "seller1"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus before payment, got %v", err)
	}
}

func TestConfirmDelivery_StartsWindow(t *testing.T) {
	f := newFixture(t)
	txn := f.delivered(t, "buyer1", "seller1", "80.00")

	if txn.Status != StatusDelivered || txn.DeliveredAt == nil {
		t.Fatalf("expected delivered with timestamp, got %+v", txn)
	}
	if txn.AutoReleaseAt == nil {
		t.Fatal("expected AutoReleaseAt set")
	}
	want := txn.DeliveredAt.Add(7 * 24 * time.Hour)
	if !txn.AutoReleaseAt.Equal(want) {
		t.Errorf("expected release at %v, got %v", want, txn.AutoReleaseAt)
	}
}

func TestConfirmDelivery_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.delivered(t, "buyer1", "seller1", "80.00")
	first := *txn.AutoReleaseAt

	time.Sleep(5 * time.Millisecond)
	again, err := f.svc.ConfirmDelivery(ctx, txn.ID, Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("repeat ConfirmDelivery failed: %v", err)
	}
	if !again.AutoReleaseAt.Equal(first) {
		t.Error("repeat confirmation must not move the auto-release window")
	}

	history, _ := f.svc.History(ctx, txn.ID)
	if len(history) != 4 {
		t.Errorf("repeat confirmation must not append history, got %d rows", len(history))
	}
}

func TestReleaseFunds_WalletSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.delivered(t, "buyer1", "seller1", "80.00")

	released, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}
	if released.Status != StatusCompleted || released.CompletedAt == nil {
		t.Fatalf("expected completed, got %+v", released)
	}
	if released.SettlementMethod != SettleWallet {
		t.Errorf("expected wallet settlement, got %s", released.SettlementMethod)
	}
	// Seller receives the amount; the 2.00 fee stays with the platform.
	if got := f.balance(t, "seller1"); got != "80.00" {
		t.Errorf("expected seller balance 80.00, got %s", got)
	}
	if !f.events.has(notify.EventFundsReleased) {
		t.Error("expected release notification")
	}
}

func TestReleaseFunds_BankTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.banks.Put(ctx, &bank.Account{UserID: "seller1", BankCode: "044", AccountNumber: "0690000031", AccountName: "S One"}); err != nil {
		t.Fatalf("bank put failed: %v", err)
	}
	txn := f.delivered(t, "buyer1", "seller1", "80.00")

	released, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}
	if released.SettlementMethod != SettleBankTransfer {
		t.Errorf("expected bank_transfer settlement, got %s", released.SettlementMethod)
	}
	if len(f.gw.transfers) != 1 {
		t.Fatalf("expected 1 transfer, got %d", len(f.gw.transfers))
	}
	if f.gw.transfers[0].Amount != "80.00" {
		t.Errorf("expected transfer of 80.00, got %s", f.gw.transfers[0].Amount)
	}
	if got := f.balance(t, "seller1"); got != "0.00" {
		t.Errorf("bank settlement must not credit the wallet, got %s", got)
	}
}

func TestReleaseFunds_BankFailureFallsBackToWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.banks.Put(ctx, &bank.Account{UserID: "seller1", BankCode: "044", AccountNumber: "0690000031", AccountName: "S One"}); err != nil {
		t.Fatalf("bank put failed: %v", err)
	}
	f.gw.transferErr = gateway.ErrUnavailable
	txn := f.delivered(t, "buyer1", "seller1", "80.00")

	released, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}
	if released.SettlementMethod != SettleWallet {
		t.Errorf("expected wallet fallback, got %s", released.SettlementMethod)
	}
	if got := f.balance(t, "seller1"); got != "80.00" {
		t.Errorf("expected fallback wallet credit of 80.00, got %s", got)
	}
}

func TestReleaseFunds_FromShipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.inEscrow(t, "buyer1", "seller1", "80.00")
	if _, err := f.svc.MarkShipped(ctx, txn.ID, "TRK1", Actor{ID: "seller1"}); err != nil {
		t.Fatalf("MarkShipped failed: %v", err)
	}

	// The buyer can accept goods straight from shipped, without a
	// separate delivery confirmation.
	released, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("ReleaseFunds from shipped failed: %v", err)
	}
	if released.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", released.Status)
	}
	if got := f.balance(t, "seller1"); got != "80.00" {
		t.Errorf("expected seller balance 80.00, got %s", got)
	}

	history, _ := f.svc.History(ctx, txn.ID)
	last := history[len(history)-1]
	if last.OldStatus != StatusShipped || last.NewStatus != StatusCompleted {
		t.Errorf("expected shipped -> completed history row, got %s -> %s", last.OldStatus, last.NewStatus)
	}

	o, err := f.orders.Get(ctx, txn.OrderID)
	if err != nil {
		t.Fatalf("order get failed: %v", err)
	}
	if o.Status != order.StatusDelivered {
		t.Errorf("expected order delivered after release, got %s", o.Status)
	}
	if o.PaymentStatus != order.PaymentPaid {
		t.Errorf("expected order paid after release, got %s", o.PaymentStatus)
	}
}

func TestReleaseFunds_UpdatesOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.delivered(t, "buyer1", "seller1", "80.00")
	if _, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"}); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	o, _ := f.orders.Get(ctx, txn.OrderID)
	if o.Status != order.StatusDelivered || o.PaymentStatus != order.PaymentPaid {
		t.Errorf("expected order delivered/paid after release, got %s/%s", o.Status, o.PaymentStatus)
	}
}

func TestReleaseFunds_SellerCannotRelease(t *testing.T) {
	f := newFixture(t)
	txn := f.delivered(t, "buyer1", "seller1", "80.00")
	if _, err := f.svc.ReleaseFunds(context.Background(), txn.ID, "", Actor{ID: "seller1"}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRefund_ReturnsFeeToBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.inEscrow(t, "buyer1", "seller1", "80.00")

	if _, err := f.svc.Refund(ctx, txn.ID, "", Actor{ID: "buyer1"}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for non-admin, got %v", err)
	}

	refunded, err := f.svc.Refund(ctx, txn.ID, "item unavailable", Actor{ID: "admin1", Admin: true})
	if err != nil {
		t.Fatalf("Refund failed: %v", err)
	}
	if refunded.Status != StatusRefunded || refunded.RefundedAt == nil {
		t.Fatalf("expected refunded, got %+v", refunded)
	}
	// Refund includes the fee: 80.00 + 2.00.
	if got := f.balance(t, "buyer1"); got != "82.00" {
		t.Errorf("expected buyer balance 82.00, got %s", got)
	}
	if got := f.balance(t, "seller1"); got != "0.00" {
		t.Errorf("seller must get nothing on refund, got %s", got)
	}

	o, _ := f.orders.Get(ctx, txn.OrderID)
	if o.PaymentStatus != order.PaymentRefunded {
		t.Errorf("expected order refunded, got %s", o.PaymentStatus)
	}
}

func TestCancel_OnlyBeforePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.newOrder(t, "buyer1", "seller1", "50.00")
	txn, _ := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer1"})
	cancelled, err := f.svc.Cancel(ctx, txn.ID, "", Actor{ID: "buyer1"})
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	paid := f.inEscrow(t, "buyer2", "seller2", "50.00")
	if _, err := f.svc.Cancel(ctx, paid.ID, "", Actor{ID: "buyer2"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus after payment, got %v", err)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.delivered(t, "buyer1", "seller1", "80.00")
	if _, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"}); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	if _, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("double release: expected ErrInvalidStatus, got %v", err)
	}
	if _, err := f.svc.Refund(ctx, txn.ID, "", Actor{ID: "a", Admin: true}); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("refund after completion: expected ErrInvalidStatus, got %v", err)
	}
	if got := f.balance(t, "seller1"); got != "80.00" {
		t.Errorf("double release must not pay twice, got %s", got)
	}
}

func TestHistory_FullTrail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	txn := f.delivered(t, "buyer1", "seller1", "80.00")
	if _, err := f.svc.ReleaseFunds(ctx, txn.ID, "", Actor{ID: "buyer1"}); err != nil {
		t.Fatalf("ReleaseFunds failed: %v", err)
	}

	history, err := f.svc.History(ctx, txn.ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	want := []Status{StatusPendingPayment, StatusInEscrow, StatusShipped, StatusDelivered, StatusCompleted}
	if len(history) != len(want) {
		t.Fatalf("expected %d history rows, got %d", len(want), len(history))
	}
	for i, row := range history {
		if row.NewStatus != want[i] {
			t.Errorf("row %d: expected %s, got %s", i, want[i], row.NewStatus)
		}
	}
	if history[0].OldStatus != "" {
		t.Errorf("first row must have empty old status, got %s", history[0].OldStatus)
	}
	for i := 1; i < len(history); i++ {
		if history[i].OldStatus != history[i-1].NewStatus {
			t.Errorf("row %d old status %s does not chain from %s", i, history[i].OldStatus, history[i-1].NewStatus)
		}
	}
}

func TestTransition_ConcurrentConflict(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	txn := &Transaction{
		ID: "ESC-AAAA", OrderID: "ord_1", BuyerID: "b", SellerID: "s",
		Amount: decimal.RequireFromString("10.00"), EscrowFee: decimal.RequireFromString("0.25"),
		TotalAmount: decimal.RequireFromString("10.25"),
		Status:      StatusInEscrow, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateTransaction(ctx, txn, &StatusChange{ID: "h1", EscrowID: txn.ID, NewStatus: StatusInEscrow, CreatedAt: now}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	a := *txn
	a.Status = StatusShipped
	if err := store.Transition(ctx, &a, StatusInEscrow, &StatusChange{ID: "h2", EscrowID: txn.ID, OldStatus: StatusInEscrow, NewStatus: StatusShipped, CreatedAt: now}); err != nil {
		t.Fatalf("first transition failed: %v", err)
	}

	b := *txn
	b.Status = StatusDisputed
	err := store.Transition(ctx, &b, StatusInEscrow, &StatusChange{ID: "h3", EscrowID: txn.ID, OldStatus: StatusInEscrow, NewStatus: StatusDisputed, CreatedAt: now})
	if !errors.Is(err, ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict, got %v", err)
	}
	history, _ := store.History(ctx, txn.ID)
	if len(history) != 2 {
		t.Errorf("losing transition must not append history, got %d rows", len(history))
	}
}

func TestTransitionWithLedger_ConflictSkipsEffect(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	txn := &Transaction{
		ID: "ESC-BBBB", OrderID: "ord_1", BuyerID: "b", SellerID: "s",
		Amount: decimal.RequireFromString("10.00"), EscrowFee: decimal.RequireFromString("0.25"),
		TotalAmount: decimal.RequireFromString("10.25"),
		Status:      StatusDelivered, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.CreateTransaction(ctx, txn, &StatusChange{ID: "h1", EscrowID: txn.ID, NewStatus: StatusDelivered, CreatedAt: now}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// A stale CAS must fail before any money moves.
	effectCalls := 0
	stale := *txn
	stale.Status = StatusCompleted
	err := store.TransitionWithLedger(ctx, &stale, StatusShipped,
		&StatusChange{ID: "h2", EscrowID: txn.ID, OldStatus: StatusShipped, NewStatus: StatusCompleted, CreatedAt: now},
		func(tx *sql.Tx) error {
			effectCalls++
			return nil
		})
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict, got %v", err)
	}
	if effectCalls != 0 {
		t.Errorf("losing transition must not run the ledger effect, ran %d times", effectCalls)
	}

	// A failing effect must leave the status and history untouched.
	effectErr := errors.New("ledger write failed")
	fresh := *txn
	fresh.Status = StatusCompleted
	err = store.TransitionWithLedger(ctx, &fresh, StatusDelivered,
		&StatusChange{ID: "h3", EscrowID: txn.ID, OldStatus: StatusDelivered, NewStatus: StatusCompleted, CreatedAt: now},
		func(tx *sql.Tx) error { return effectErr })
	if !errors.Is(err, effectErr) {
		t.Fatalf("expected effect error, got %v", err)
	}
	stored, _ := store.GetTransaction(ctx, txn.ID)
	if stored.Status != StatusDelivered {
		t.Errorf("failed effect must leave status, got %s", stored.Status)
	}
	history, _ := store.History(ctx, txn.ID)
	if len(history) != 1 {
		t.Errorf("failed effect must not append history, got %d rows", len(history))
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.inEscrow(t, "buyer1", "seller1", "100.00")
	f.delivered(t, "buyer2", "seller2", "40.00")
	held := f.inEscrow(t, "buyer3", "seller3", "60.00")
	if _, err := f.svc.RaiseDispute(ctx, held.ID, ReasonNotReceived, "no package", Actor{ID: "buyer3"}); err != nil {
		t.Fatalf("RaiseDispute failed: %v", err)
	}
	o := f.newOrder(t, "buyer4", "seller4", "10.00")
	if _, err := f.svc.Initiate(ctx, o.ID, Actor{ID: "buyer4"}); err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}

	if _, err := f.svc.Stats(ctx, Actor{ID: "buyer1"}); err != ErrUnauthorized {
		t.Fatalf("non-admin stats err = %v, want ErrUnauthorized", err)
	}

	stats, err := f.svc.Stats(ctx, Actor{ID: "admin1", Admin: true})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.StatusCounts[StatusInEscrow] != 1 {
		t.Errorf("in_escrow count = %d, want 1", stats.StatusCounts[StatusInEscrow])
	}
	if stats.StatusCounts[StatusDelivered] != 1 {
		t.Errorf("delivered count = %d, want 1", stats.StatusCounts[StatusDelivered])
	}
	if stats.StatusCounts[StatusDisputed] != 1 {
		t.Errorf("disputed count = %d, want 1", stats.StatusCounts[StatusDisputed])
	}
	if stats.StatusCounts[StatusPendingPayment] != 1 {
		t.Errorf("pending_payment count = %d, want 1", stats.StatusCounts[StatusPendingPayment])
	}
	if stats.HeldCount != 3 {
		t.Errorf("HeldCount = %d, want 3", stats.HeldCount)
	}
	// Totals include the 2.5% fee: 102.50 + 41.00 + 61.50.
	if got := stats.HeldTotal.StringFixed(2); got != "205.00" {
		t.Errorf("HeldTotal = %s, want 205.00", got)
	}
	if stats.OpenDisputes != 1 {
		t.Errorf("OpenDisputes = %d, want 1", stats.OpenDisputes)
	}
}
