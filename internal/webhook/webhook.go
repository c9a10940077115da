// Package webhook receives payment gateway callbacks and routes them to
// the escrow and wallet services by transaction reference prefix.
//
// The gateway is never trusted on its word: every callback triggers a
// server-side verification call before any money state changes. Handlers
// are idempotent because gateways redeliver.
package webhook

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/escrow"
	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/metrics"
	"github.com/techfy/escrowpay/internal/notify"
	"github.com/techfy/escrowpay/internal/wallet"
)

// SignatureHeader carries the shared secret the gateway was configured with.
const SignatureHeader = "verif-hash"

// Handler processes gateway webhook deliveries.
type Handler struct {
	secret   string
	escrows  *escrow.Service
	wallets  *wallet.Service
	gw       gateway.Gateway
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewHandler creates a webhook handler.
func NewHandler(secret string, escrows *escrow.Service, wallets *wallet.Service, gw gateway.Gateway, notifier notify.Notifier, logger *slog.Logger) *Handler {
	return &Handler{
		secret:   secret,
		escrows:  escrows,
		wallets:  wallets,
		gw:       gw,
		notifier: notifier,
		logger:   logger,
	}
}

// RegisterRoutes sets up the webhook endpoint. Lives outside the
// authenticated API group: the signature header is the only credential.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/flutterwave", h.Receive)
}

// payload is the subset of the gateway's event body we act on.
type payload struct {
	Event string `json:"event"`
	Data  struct {
		ID     int64  `json:"id"`
		TxRef  string `json:"tx_ref"`
		Status string `json:"status"`
	} `json:"data"`
}

// Receive handles POST /webhooks/flutterwave.
func (h *Handler) Receive(c *gin.Context) {
	sig := c.GetHeader(SignatureHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(sig), []byte(h.secret)) != 1 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
		return
	}

	var p payload
	if err := c.ShouldBindJSON(&p); err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("malformed").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	if p.Event != "charge.completed" || !strings.EqualFold(p.Data.Status, "successful") {
		// Acknowledge everything else so the gateway stops retrying.
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	transactionID := strconv.FormatInt(p.Data.ID, 10)
	ctx := c.Request.Context()

	switch {
	case strings.HasPrefix(p.Data.TxRef, "ESC-"):
		if _, err := h.escrows.ConfirmPayment(ctx, p.Data.TxRef, transactionID); err != nil {
			if errors.Is(err, escrow.ErrInvalidStatus) {
				// Redelivery for an escrow that already moved on.
				metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
				c.JSON(http.StatusOK, gin.H{"status": "ignored"})
				return
			}
			h.logger.Error("escrow payment confirmation failed",
				"tx_ref", p.Data.TxRef, "transaction_id", transactionID, "error", err)
			// 5xx so the gateway redelivers; confirmation is idempotent.
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "confirmation_failed"})
			return
		}
	case strings.HasPrefix(p.Data.TxRef, "TOPUP-"):
		if err := h.topup(c, p.Data.TxRef, transactionID); err != nil {
			metrics.WebhookDeliveriesTotal.WithLabelValues("failed").Inc()
			c.JSON(http.StatusInternalServerError, gin.H{"error": "topup_failed"})
			return
		}
	default:
		h.logger.Warn("webhook for unknown reference", "tx_ref", p.Data.TxRef)
		metrics.WebhookDeliveriesTotal.WithLabelValues("ignored").Inc()
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("processed").Inc()
	c.JSON(http.StatusOK, gin.H{"status": "processed"})
}

// topup credits a verified wallet funding payment. The reference encodes
// the user: TOPUP-<nonce>-<userID>.
func (h *Handler) topup(c *gin.Context, txRef, transactionID string) error {
	ctx := c.Request.Context()

	seen, err := h.wallets.HasReference(ctx, txRef)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	parts := strings.SplitN(txRef, "-", 3)
	if len(parts) != 3 || parts[2] == "" {
		h.logger.Warn("malformed topup reference", "tx_ref", txRef)
		return nil
	}
	userID := parts[2]

	v, err := h.gw.VerifyTransaction(ctx, transactionID)
	if err != nil {
		h.logger.Error("topup verification failed", "tx_ref", txRef, "error", err)
		return err
	}
	if v.Reference != txRef {
		h.logger.Warn("topup reference mismatch", "expected", txRef, "got", v.Reference)
		return nil
	}
	amount, err := decimal.NewFromString(v.Amount)
	if err != nil || amount.Sign() <= 0 {
		h.logger.Error("unusable verified topup amount", "tx_ref", txRef, "amount", v.Amount)
		return nil
	}

	if err := h.wallets.Credit(ctx, userID, amount, wallet.TypeTopup, txRef, "Wallet top-up"); err != nil {
		h.logger.Error("topup credit failed", "tx_ref", txRef, "user_id", userID, "error", err)
		return err
	}
	h.notifier.Notify(ctx, userID, notify.EventWalletCredited, map[string]string{
		"reference": txRef,
		"amount":    amount.StringFixed(2),
	})
	return nil
}
