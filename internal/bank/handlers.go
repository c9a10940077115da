package bank

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for linked bank accounts.
type Handler struct {
	store Store
}

// NewHandler creates a new bank account handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up bank account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:userId/bank-account", h.GetAccount)
	r.PUT("/users/:userId/bank-account", h.PutAccount)
}

// GetAccount handles GET /v1/users/:userId/bank-account
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.store.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		if errors.Is(err, ErrNoAccount) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No bank account linked",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// PutRequest links or replaces a user's payout account.
type PutRequest struct {
	BankCode      string `json:"bankCode" binding:"required"`
	AccountNumber string `json:"accountNumber" binding:"required"`
	AccountName   string `json:"accountName" binding:"required"`
}

// PutAccount handles PUT /v1/users/:userId/bank-account. Only the user
// themselves may change their payout destination.
func (h *Handler) PutAccount(c *gin.Context) {
	userID := c.Param("userId")
	if caller := c.GetHeader("X-User-ID"); caller != userID && c.GetHeader("X-User-Role") != "admin" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Cannot change another user's bank account",
		})
		return
	}

	var req PutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "bankCode, accountNumber, and accountName are required",
		})
		return
	}

	acct := &Account{
		UserID:        userID,
		BankCode:      req.BankCode,
		AccountNumber: req.AccountNumber,
		AccountName:   req.AccountName,
	}
	if err := h.store.Put(c.Request.Context(), acct); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
