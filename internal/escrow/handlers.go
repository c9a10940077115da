package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/techfy/escrowpay/internal/gateway"
	"github.com/techfy/escrowpay/internal/money"
	"github.com/techfy/escrowpay/internal/order"
	"github.com/techfy/escrowpay/internal/wallet"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. Caller identity comes from the
// actor middleware installed by the server.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/history", h.GetHistory)
	r.POST("/escrow/:id/pay", h.InitiatePayment)
	r.POST("/escrow/:id/pay/wallet", h.PayFromWallet)
	r.POST("/escrow/:id/ship", h.MarkShipped)
	r.POST("/escrow/:id/deliver", h.ConfirmDelivery)
	r.POST("/escrow/:id/release", h.ReleaseFunds)
	r.POST("/escrow/:id/refund", h.Refund)
	r.POST("/escrow/:id/cancel", h.Cancel)
	r.POST("/escrow/:id/dispute", h.RaiseDispute)
	r.GET("/escrow/:id/dispute", h.GetDispute)
	r.POST("/escrow/:id/evidence", h.SubmitEvidence)
	r.POST("/escrow/:id/resolve", h.ResolveDispute)
	r.GET("/users/:userId/escrows", h.ListEscrows)
	r.GET("/admin/escrows", h.ListByStatus)
	r.GET("/admin/escrows/stats", h.GetStats)
}

// ActorKey is the gin context key the actor middleware sets.
const ActorKey = "escrowActor"

// ActorMiddleware resolves the caller from request headers. A real
// deployment replaces this with token auth; the downstream handlers only
// ever see an Actor.
//
// An empty user ID is rejected outright: the zero Actor is the system
// actor the scheduler acts as, and it must never be reachable over HTTP.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-User-ID")
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": "X-User-ID header is required",
			})
			return
		}
		c.Set(ActorKey, Actor{
			ID:    id,
			Admin: c.GetHeader("X-User-Role") == "admin",
		})
		c.Next()
	}
}

func callerActor(c *gin.Context) Actor {
	if v, ok := c.Get(ActorKey); ok {
		if a, ok := v.(Actor); ok {
			return a
		}
	}
	return Actor{ID: c.GetHeader("X-User-ID"), Admin: c.GetHeader("X-User-Role") == "admin"}
}

// respondError maps service errors to HTTP statuses.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, order.ErrOrderNotFound), errors.Is(err, ErrNoOpenDispute):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrNotParty):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrStatusConflict), errors.Is(err, ErrOpenDispute), errors.Is(err, ErrAlreadyExists):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrAmountMismatch), errors.Is(err, ErrInvalidAmount), errors.Is(err, order.ErrSameParties):
		status = http.StatusUnprocessableEntity
		code = "invalid_amount"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, gateway.ErrDeclined):
		status = http.StatusBadGateway
		code = "gateway_declined"
	case errors.Is(err, gateway.ErrUnavailable):
		status = http.StatusBadGateway
		code = "gateway_unavailable"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateRequest starts an escrow for an existing order.
type CreateRequest struct {
	OrderID string `json:"orderId" binding:"required"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "orderId is required",
		})
		return
	}

	txn, err := h.service.Initiate(c.Request.Context(), req.OrderID, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": txn})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// GetHistory handles GET /v1/escrow/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	history, err := h.service.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
	})
}

// PayRequest opens a hosted checkout session.
type PayRequest struct {
	Email       string `json:"email" binding:"required,email"`
	RedirectURL string `json:"redirectUrl"`
}

// InitiatePayment handles POST /v1/escrow/:id/pay
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A valid email is required",
		})
		return
	}

	link, err := h.service.PaymentLink(c.Request.Context(), c.Param("id"), req.Email, req.RedirectURL, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paymentLink": link})
}

// PayFromWallet handles POST /v1/escrow/:id/pay/wallet
func (h *Handler) PayFromWallet(c *gin.Context) {
	txn, err := h.service.PayFromWallet(c.Request.Context(), c.Param("id"), callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ShipRequest records the seller's shipment.
type ShipRequest struct {
	TrackingNumber string `json:"trackingNumber"`
}

// MarkShipped handles POST /v1/escrow/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	var req ShipRequest
	_ = c.ShouldBindJSON(&req) // body optional

	txn, err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), req.TrackingNumber, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ConfirmDelivery handles POST /v1/escrow/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	txn, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ReasonRequest carries an optional free-text reason.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// ReleaseFunds handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), req.Reason, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// Refund handles POST /v1/escrow/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.Reason, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// Cancel handles POST /v1/escrow/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	_ = c.ShouldBindJSON(&req)

	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// DisputeRequest opens a dispute.
type DisputeRequest struct {
	Reason      string `json:"reason" binding:"required"`
	Description string `json:"description"`
}

// RaiseDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req.Reason, req.Description, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/escrow/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.Dispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// EvidenceRequest appends evidence entries for the submitting party.
type EvidenceRequest struct {
	Items []string `json:"items" binding:"required"`
}

// SubmitEvidence handles POST /v1/escrow/:id/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	var req EvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "items is required",
		})
		return
	}

	d, err := h.service.SubmitEvidence(c.Request.Context(), c.Param("id"), req.Items, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ResolveRequest is the admin resolution decision.
type ResolveRequest struct {
	Favor        string `json:"favor" binding:"required"`
	Notes        string `json:"notes"`
	RefundAmount string `json:"refundAmount"`
}

// ResolveDispute handles POST /v1/escrow/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "favor is required",
		})
		return
	}

	var partial *decimal.Decimal
	if req.RefundAmount != "" {
		amt, err := money.Parse(req.RefundAmount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "refundAmount must be a positive amount with at most 2 decimal places",
			})
			return
		}
		partial = &amt
	}

	txn, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), req.Favor, req.Notes, partial, callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": txn})
}

// ListEscrows handles GET /v1/users/:userId/escrows?role=buyer|seller
func (h *Handler) ListEscrows(c *gin.Context) {
	userID := c.Param("userId")
	asSeller := c.Query("role") == "seller"

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.ListByParty(c.Request.Context(), userID, asSeller, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": txns,
		"count":   len(txns),
	})
}

// ListByStatus handles GET /v1/admin/escrows?status=disputed
func (h *Handler) ListByStatus(c *gin.Context) {
	if !callerActor(c).Admin {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "admin role required",
		})
		return
	}
	status := Status(c.DefaultQuery("status", string(StatusDisputed)))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	txns, err := h.service.ListByStatus(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": txns,
		"count":   len(txns),
	})
}

// GetStats handles GET /v1/admin/escrows/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context(), callerActor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
