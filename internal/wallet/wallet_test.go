package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/pagination"
)

func amt(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad amount %q: %v", s, err)
	}
	return d
}

func TestGetUnknownUserHasZeroBalance(t *testing.T) {
	svc := NewService(NewMemoryStore())

	w, err := svc.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !w.Balance.IsZero() {
		t.Errorf("balance = %s, want 0", w.Balance)
	}
}

func TestCreditThenDebit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	if err := svc.Credit(ctx, "u1", amt(t, "100.00"), TypeTopup, "REF-1", "top up"); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := svc.Debit(ctx, "u1", amt(t, "30.00"), TypeEscrowPayment, "REF-2", "escrow payment"); err != nil {
		t.Fatalf("Debit: %v", err)
	}

	w, err := svc.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if w.Balance.StringFixed(2) != "70.00" {
		t.Errorf("balance = %s, want 70.00", w.Balance.StringFixed(2))
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	if err := svc.Credit(ctx, "u1", amt(t, "10.00"), TypeTopup, "", ""); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	err := svc.Debit(ctx, "u1", amt(t, "10.01"), TypeEscrowPayment, "", "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("Debit = %v, want ErrInsufficientFunds", err)
	}

	// Balance untouched, no log entry appended for the failed debit.
	w, _ := svc.Get(ctx, "u1")
	if w.Balance.StringFixed(2) != "10.00" {
		t.Errorf("balance = %s, want 10.00", w.Balance.StringFixed(2))
	}
	entries, _ := svc.History(ctx, "u1", nil, 10)
	if len(entries) != 1 {
		t.Errorf("history entries = %d, want 1", len(entries))
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	if err := svc.Credit(ctx, "u1", decimal.Zero, TypeTopup, "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Credit(0) = %v, want ErrInvalidAmount", err)
	}
	if err := svc.Debit(ctx, "u1", amt(t, "-5"), TypeTopup, "", ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Debit(-5) = %v, want ErrInvalidAmount", err)
	}
}

func TestCanDebit(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	ok, err := svc.CanDebit(ctx, "u1", amt(t, "1.00"))
	if err != nil || ok {
		t.Errorf("CanDebit on empty wallet = %v, %v; want false, nil", ok, err)
	}

	_ = svc.Credit(ctx, "u1", amt(t, "5.00"), TypeTopup, "", "")
	if ok, _ := svc.CanDebit(ctx, "u1", amt(t, "5.00")); !ok {
		t.Error("CanDebit(exact balance) = false, want true")
	}
	if ok, _ := svc.CanDebit(ctx, "u1", amt(t, "5.01")); ok {
		t.Error("CanDebit(over balance) = true, want false")
	}
}

func TestHasReference(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore())

	_ = svc.Credit(ctx, "u1", amt(t, "5.00"), TypeTopup, "TOPUP-ABC123-u1", "")

	if has, _ := svc.HasReference(ctx, "TOPUP-ABC123-u1"); !has {
		t.Error("HasReference(existing) = false")
	}
	// Lookup is case-insensitive: gateway redeliveries may differ in case.
	if has, _ := svc.HasReference(ctx, "topup-abc123-u1"); !has {
		t.Error("HasReference(case variant) = false")
	}
	if has, _ := svc.HasReference(ctx, "TOPUP-OTHER-u1"); has {
		t.Error("HasReference(unknown) = true")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"wtx_a", "wtx_b", "wtx_c"} {
		err := store.Credit(ctx, &Transaction{
			ID:        id,
			UserID:    "u1",
			Amount:    amt(t, "1.00"),
			Type:      TypeTopup,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}

	entries, err := store.History(ctx, "u1", nil, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("entries = %d, want 3", len(entries))
	}
	if entries[0].ID != "wtx_c" || entries[2].ID != "wtx_a" {
		t.Errorf("order = %s..%s, want wtx_c..wtx_a", entries[0].ID, entries[2].ID)
	}
}

func TestHistoryCursorPagination(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().Add(-time.Hour)
	ids := []string{"wtx_1", "wtx_2", "wtx_3", "wtx_4", "wtx_5"}
	for i, id := range ids {
		err := store.Credit(ctx, &Transaction{
			ID:        id,
			UserID:    "u1",
			Amount:    amt(t, "1.00"),
			Type:      TypeTopup,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}

	// First page: newest two.
	page, err := store.History(ctx, "u1", nil, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(page) != 2 || page[0].ID != "wtx_5" || page[1].ID != "wtx_4" {
		t.Fatalf("first page = %v", pageIDs(page))
	}

	// Second page resumes strictly after the last item of the first.
	cursor := &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	page, err = store.History(ctx, "u1", cursor, 2)
	if err != nil {
		t.Fatalf("History with cursor: %v", err)
	}
	if len(page) != 2 || page[0].ID != "wtx_3" || page[1].ID != "wtx_2" {
		t.Fatalf("second page = %v", pageIDs(page))
	}

	// Final page.
	cursor = &pagination.Cursor{CreatedAt: page[1].CreatedAt, ID: page[1].ID}
	page, err = store.History(ctx, "u1", cursor, 2)
	if err != nil {
		t.Fatalf("History with cursor: %v", err)
	}
	if len(page) != 1 || page[0].ID != "wtx_1" {
		t.Fatalf("final page = %v", pageIDs(page))
	}
}

func pageIDs(entries []*Transaction) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
