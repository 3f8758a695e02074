package treasury

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for system wallet reads.
type Handler struct {
	store Store
}

// NewHandler creates a new treasury handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up admin-only treasury routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/system-wallet", h.GetSystemWallet)
}

// GetSystemWallet handles GET /v1/system-wallet
func (h *Handler) GetSystemWallet(c *gin.Context) {
	wallet, err := h.store.Get(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "System wallet not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"wallet": wallet})
}
