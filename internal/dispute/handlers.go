package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xusdt/escrow-core/internal/escrow"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/:id/dispute", h.OpenDispute)
	r.GET("/disputes", h.ListDisputes)
	r.GET("/disputes/:id", h.GetDispute)
}

// RegisterAdminRoutes sets up the operator resolution route.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

type openDisputeRequest struct {
	EvidenceHashes []string `json:"evidenceHashes"`
}

// OpenDispute handles POST /v1/escrow/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	escrowID := c.Param("id")

	var req openDisputeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	d, err := h.service.Open(c.Request.Context(), escrowID, c.GetString("userToken"), req.EvidenceHashes)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	d, err := h.service.GetForUser(c.Request.Context(), c.Param("id"), c.GetString("userToken"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListDisputes handles GET /v1/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListByUser(c.Request.Context(), c.GetString("userToken"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	SplitBps   int    `json:"splitBps"`
	Nonce      string `json:"nonce" binding:"required"`
	Signature  string `json:"signature" binding:"required"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution, nonce and signature are required",
		})
		return
	}

	d, err := h.service.SubmitResolution(c.Request.Context(),
		c.Param("id"), req.Resolution, req.SplitBps, req.Nonce, req.Signature)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, escrow.ErrEscrowNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized), errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidSignature):
		status = http.StatusForbidden
		code = "invalid_signature"
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrDisputeExists),
		errors.Is(err, escrow.ErrInvalidState), errors.Is(err, escrow.ErrAlreadyResolved),
		errors.Is(err, escrow.ErrVersionConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidResolution), errors.Is(err, ErrMalformedEvidence):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, escrow.ErrTransferFailed):
		status = http.StatusBadGateway
		code = "transfer_failed"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
