package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xusdt/escrow-core/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing escrow routes. The auth middleware
// must have derived the caller's user token before these run.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrows", h.ListEscrows)
	r.PATCH("/escrow/:id", h.UpdateParties)
	r.POST("/escrow/:id/fund", h.FundEscrow)
	r.POST("/escrow/:id/cancel-funding", h.CancelFunding)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
}

type createEscrowRequest struct {
	BuyerToken  string `json:"buyerToken" binding:"required"`
	SellerToken string `json:"sellerToken" binding:"required"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req createEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "buyerToken and sellerToken are required",
		})
		return
	}

	// The caller must be one of the two parties
	userToken := c.GetString("userToken")
	if userToken != req.BuyerToken && userToken != req.SellerToken {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller must be a party to the escrow",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), CreateRequest{
		BuyerToken:  req.BuyerToken,
		SellerToken: req.SellerToken,
	})
	if err != nil {
		if errors.Is(err, ErrAddressExhausted) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "address_exhausted",
				"message": "Could not allocate a deposit address",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "escrow_failed",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if !escrow.IsParty(c.GetString("userToken")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller is not a party to this escrow",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ListEscrows handles GET /v1/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByUser(c.Request.Context(), c.GetString("userToken"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

type updatePartiesRequest struct {
	BuyerAddr  string `json:"buyerAddr"`
	SellerAddr string `json:"sellerAddr"`
}

// UpdateParties handles PATCH /v1/escrow/:id
func (h *Handler) UpdateParties(c *gin.Context) {
	id := c.Param("id")

	var req updatePartiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("buyer_addr", req.BuyerAddr),
		validation.ValidAddress("seller_addr", req.SellerAddr),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	if !h.requireParty(c, id) {
		return
	}

	escrow, err := h.service.UpdateParties(c.Request.Context(), id, req.BuyerAddr, req.SellerAddr)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

type fundRequest struct {
	MinAmount string `json:"minAmount" binding:"required"`
}

// FundEscrow handles POST /v1/escrow/:id/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	id := c.Param("id")

	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "minAmount is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("min_amount", req.MinAmount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
		})
		return
	}

	if !h.requireParty(c, id) {
		return
	}

	escrow, err := h.service.FundIntent(c.Request.Context(), id, req.MinAmount)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// CancelFunding handles POST /v1/escrow/:id/cancel-funding
func (h *Handler) CancelFunding(c *gin.Context) {
	id := c.Param("id")

	if !h.requireParty(c, id) {
		return
	}

	escrow, err := h.service.CancelFunding(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	id := c.Param("id")

	escrow, err := h.service.Release(c.Request.Context(), id, c.GetString("userToken"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// requireParty loads the escrow and rejects callers that are not buyer or
// seller. Writes the error response itself; returns false on rejection.
func (h *Handler) requireParty(c *gin.Context, id string) bool {
	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeServiceError(c, err)
		return false
	}
	if !escrow.IsParty(c.GetString("userToken")) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Caller is not a party to this escrow",
		})
		return false
	}
	return true
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrInvalidState), errors.Is(err, ErrVersionConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, ErrTransferFailed):
		status = http.StatusBadGateway
		code = "transfer_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
