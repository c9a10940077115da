// Package gateway provides the payment gateway capability used by escrow
// and wallet flows: hosted checkout initialization, transaction
// verification, and payouts to seller bank accounts.
//
// The production implementation is a Flutterwave-style HTTP client. The
// state machine only ever sees the Gateway interface, so tests substitute
// a double and never touch the network.
package gateway

import (
	"context"
	"errors"
)

var (
	// ErrDeclined is returned when the gateway answered but did not
	// approve the operation (failed verify, rejected transfer). It is a
	// business outcome, not a transport failure.
	ErrDeclined = errors.New("gateway: operation declined")

	// ErrUnavailable is returned on timeouts, network failures, and
	// malformed responses. Recoverable: the caller may retry the same
	// action, no money has moved.
	ErrUnavailable = errors.New("gateway: unavailable")
)

// InitializeRequest opens a hosted checkout session.
type InitializeRequest struct {
	TxRef         string
	Amount        string // fixed-point decimal, 2 places
	Currency      string
	CustomerEmail string
	CustomerName  string
	RedirectURL   string
	Title         string
	Description   string
	Meta          map[string]string
}

// InitializeResult carries the checkout link for the buyer.
type InitializeResult struct {
	CheckoutLink string
	TxRef        string
}

// VerifyResult reports a verified transaction's settled amount.
type VerifyResult struct {
	Amount    string
	Currency  string
	Reference string // the tx_ref the payment was initialized with
}

// TransferRequest pushes funds to a seller's bank account.
type TransferRequest struct {
	BankCode      string
	AccountNumber string
	Amount        string
	Currency      string
	Narration     string
	Reference     string
}

// TransferResult identifies a successfully initiated transfer.
type TransferResult struct {
	Reference string
}

// Gateway is the payment collaborator interface.
type Gateway interface {
	InitializePayment(ctx context.Context, req InitializeRequest) (*InitializeResult, error)
	VerifyTransaction(ctx context.Context, transactionRef string) (*VerifyResult, error)
	Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}
