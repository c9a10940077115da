package order

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/techfy/escrowpay/internal/money"
)

// Handler provides HTTP endpoints for orders.
type Handler struct {
	store Store
}

// NewHandler creates a new order handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders/:id", h.GetOrder)
}

// CreateRequest is the checkout payload.
type CreateRequest struct {
	SellerID    string `json:"sellerId" binding:"required"`
	TotalAmount string `json:"totalAmount" binding:"required"`
}

// CreateOrder handles POST /v1/orders. The buyer is the caller.
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "sellerId and totalAmount are required",
		})
		return
	}

	buyerID := c.GetHeader("X-User-ID")
	if buyerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "X-User-ID header is required",
		})
		return
	}

	total, err := money.Parse(req.TotalAmount)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "invalid_amount",
			"message": "totalAmount must be a positive amount with at most 2 decimal places",
		})
		return
	}

	o, err := New(buyerID, req.SellerID, total)
	if err != nil {
		if errors.Is(err, ErrSameParties) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "invalid_parties",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if err := h.store.Create(c.Request.Context(), o); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// GetOrder handles GET /v1/orders/:id
func (h *Handler) GetOrder(c *gin.Context) {
	o, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Order not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}
