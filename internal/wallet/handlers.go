package wallet

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/techfy/escrowpay/internal/idgen"
	"github.com/techfy/escrowpay/internal/money"
	"github.com/techfy/escrowpay/internal/pagination"
)

// PaymentInitializer starts a hosted checkout session for wallet top-ups.
// Satisfied by the gateway client.
type PaymentInitializer interface {
	InitializeTopup(ctx context.Context, amount, email, reference string) (checkoutLink string, err error)
}

// Handler provides HTTP endpoints for wallet operations.
type Handler struct {
	service   *Service
	initMaker PaymentInitializer
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service, initMaker PaymentInitializer) *Handler {
	return &Handler{service: service, initMaker: initMaker}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/wallet/:userId", h.GetWallet)
	r.GET("/wallet/:userId/transactions", h.ListTransactions)
	r.POST("/wallet/:userId/topup", h.InitiateTopup)
}

// GetWallet handles GET /v1/wallet/:userId
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load wallet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// ListTransactions handles GET /v1/wallet/:userId/transactions
//
// Supports cursor pagination: pass the returned nextCursor back as
// ?cursor= to fetch the next page.
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	txns, err := h.service.History(c.Request.Context(), c.Param("userId"), cursor, limit+1)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}

	txns, next, hasMore := pagination.ComputePage(txns, limit, func(t *Transaction) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
		"nextCursor":   next,
		"hasMore":      hasMore,
	})
}

// TopupRequest contains the parameters for a wallet top-up.
type TopupRequest struct {
	Amount string `json:"amount" binding:"required"`
	Email  string `json:"email" binding:"required"`
}

// InitiateTopup handles POST /v1/wallet/:userId/topup
//
// The credit itself lands via the gateway webhook once payment completes;
// this endpoint only opens the hosted checkout session.
func (h *Handler) InitiateTopup(c *gin.Context) {
	var req TopupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Amount and email are required",
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most 2 fractional digits",
		})
		return
	}

	if h.initMaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "topup_unavailable",
			"message": "Top-ups are not enabled on this deployment",
		})
		return
	}

	reference := idgen.Topup() + "-" + c.Param("userId")
	link, err := h.initMaker.InitializeTopup(c.Request.Context(), money.Format(amount), req.Email, reference)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "gateway_timeout",
				"message": "Payment gateway timed out, please retry",
			})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "gateway_error",
			"message": "Payment initialization failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkoutLink": link,
		"reference":    reference,
	})
}
