package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/techfy/escrowpay/internal/circuitbreaker"
	"github.com/techfy/escrowpay/internal/metrics"
)

// requestTimeout bounds every gateway call. Timeouts are recoverable:
// the transition that triggered the call is aborted and may be retried.
const requestTimeout = 10 * time.Second

// FlutterwaveClient talks to the Flutterwave v3 API.
type FlutterwaveClient struct {
	baseURL   string
	secretKey string
	client    *http.Client
	breaker   *circuitbreaker.Breaker
}

// NewFlutterwaveClient creates a gateway client. A tripped circuit
// rejects calls with ErrUnavailable until the gateway recovers.
func NewFlutterwaveClient(baseURL, secretKey string) *FlutterwaveClient {
	return &FlutterwaveClient{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: requestTimeout},
		breaker:   circuitbreaker.New(5, 30*time.Second),
	}
}

// envelope is the common Flutterwave response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// InitializePayment opens a hosted checkout session and returns the link
// the buyer should be redirected to.
func (f *FlutterwaveClient) InitializePayment(ctx context.Context, req InitializeRequest) (res *InitializeResult, err error) {
	defer func() { record("initialize", err) }()

	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}
	payload := map[string]any{
		"tx_ref":          req.TxRef,
		"amount":          req.Amount,
		"currency":        currency,
		"redirect_url":    req.RedirectURL,
		"payment_options": "card,banktransfer,ussd,mobilemoney",
		"customer": map[string]string{
			"email": req.CustomerEmail,
			"name":  req.CustomerName,
		},
		"customizations": map[string]string{
			"title":       req.Title,
			"description": req.Description,
		},
	}
	if len(req.Meta) > 0 {
		payload["meta"] = req.Meta
	}

	env, err := f.post(ctx, "/payments", payload)
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, env.Message)
	}

	var data struct {
		Link string `json:"link"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil || data.Link == "" {
		return nil, fmt.Errorf("%w: malformed initialize response", ErrUnavailable)
	}
	return &InitializeResult{CheckoutLink: data.Link, TxRef: req.TxRef}, nil
}

// VerifyTransaction confirms a completed payment by gateway transaction ref.
func (f *FlutterwaveClient) VerifyTransaction(ctx context.Context, transactionRef string) (res *VerifyResult, err error) {
	defer func() { record("verify", err) }()

	env, err := f.get(ctx, "/transactions/"+transactionRef+"/verify")
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, env.Message)
	}

	var data struct {
		Status   string      `json:"status"`
		Amount   json.Number `json:"amount"`
		Currency string      `json:"currency"`
		TxRef    string      `json:"tx_ref"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed verify response", ErrUnavailable)
	}
	if data.Status != "successful" {
		return nil, fmt.Errorf("%w: payment status %q", ErrDeclined, data.Status)
	}
	return &VerifyResult{
		Amount:    data.Amount.String(),
		Currency:  data.Currency,
		Reference: data.TxRef,
	}, nil
}

// Transfer pushes funds to a seller's bank account.
func (f *FlutterwaveClient) Transfer(ctx context.Context, req TransferRequest) (res *TransferResult, err error) {
	defer func() { record("transfer", err) }()

	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}
	payload := map[string]any{
		"account_bank":   req.BankCode,
		"account_number": req.AccountNumber,
		"amount":         req.Amount,
		"currency":       currency,
		"narration":      req.Narration,
		"reference":      req.Reference,
		"debit_currency": currency,
	}

	env, err := f.post(ctx, "/transfers", payload)
	if err != nil {
		return nil, err
	}
	if env.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrDeclined, env.Message)
	}

	var data struct {
		Reference string `json:"reference"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: malformed transfer response", ErrUnavailable)
	}
	if data.Reference == "" {
		data.Reference = req.Reference
	}
	return &TransferResult{Reference: data.Reference}, nil
}

// InitializeTopup opens a checkout session for a wallet top-up.
// Satisfies wallet.PaymentInitializer.
func (f *FlutterwaveClient) InitializeTopup(ctx context.Context, amount, email, reference string) (string, error) {
	res, err := f.InitializePayment(ctx, InitializeRequest{
		TxRef:         reference,
		Amount:        amount,
		CustomerEmail: email,
		Title:         "Wallet Top-up",
		Description:   "Wallet funding",
	})
	if err != nil {
		return "", err
	}
	return res.CheckoutLink, nil
}

func (f *FlutterwaveClient) post(ctx context.Context, path string, payload any) (*envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrUnavailable, err)
	}
	return f.do(ctx, http.MethodPost, path, bytes.NewReader(body))
}

func (f *FlutterwaveClient) get(ctx context.Context, path string) (*envelope, error) {
	return f.do(ctx, http.MethodGet, path, nil)
}

// breakerKey groups all Flutterwave calls under one circuit: when the
// gateway is down it is down for every operation.
const breakerKey = "flutterwave"

func (f *FlutterwaveClient) do(ctx context.Context, method, path string, body io.Reader) (*envelope, error) {
	if !f.breaker.Allow(breakerKey) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+f.secretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		f.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		f.breaker.RecordFailure(breakerKey)
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}
	f.breaker.RecordSuccess(breakerKey)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// A decline is the gateway answering, not the gateway failing.
		// Try to surface its own message; a non-2xx is a failure either
		// way, never propagated raw.
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Message != "" {
			return nil, fmt.Errorf("%w: http %d: %s", ErrDeclined, resp.StatusCode, env.Message)
		}
		return nil, fmt.Errorf("%w: http %d", ErrUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return &env, nil
}

func record(operation string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, ErrDeclined):
		result = "declined"
	case err != nil:
		result = "unavailable"
	}
	metrics.GatewayCallsTotal.WithLabelValues(operation, result).Inc()
}

// Compile-time assertion that FlutterwaveClient implements Gateway.
var _ Gateway = (*FlutterwaveClient)(nil)
