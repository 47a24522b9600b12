package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"averis/billing/pkg/auth"
	"averis/billing/pkg/logging"
)

// BalanceReader reads an account's current token balance.
type BalanceReader interface {
	Balance(ctx context.Context, ownerID string) (int64, error)
}

// AccountHandlers serves account-facing reads.
type AccountHandlers struct {
	balances BalanceReader
	logger   logging.Logger
}

func NewAccountHandlers(balances BalanceReader, logger logging.Logger) *AccountHandlers {
	return &AccountHandlers{balances: balances, logger: logger}
}

// RegisterRoutes attaches the account endpoints behind authentication.
func (h *AccountHandlers) RegisterRoutes(router *gin.Engine, requireAuth gin.HandlerFunc) {
	accounts := router.Group("/accounts", requireAuth)
	accounts.GET("/balance", h.GetBalance)
}

// GetBalance returns the caller's token balance.
func (h *AccountHandlers) GetBalance(c *gin.Context) {
	userID := auth.CurrentUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, errorResponse{Error: "Authentication required"})
		return
	}

	balance, err := h.balances.Balance(c.Request.Context(), userID)
	if err != nil {
		h.logger.WithError(err).WithField("user_id", userID).Error("Failed to read balance")
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "Failed to read balance"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": userID, "tokens": balance})
}
