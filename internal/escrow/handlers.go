package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/hold", h.Hold)
	r.POST("/escrow/release", h.Release)
	r.GET("/escrow", h.List)
	r.GET("/escrow/:requestId", h.Get)
	r.GET("/escrow/:requestId/settlements", h.Settlements)
}

// Hold handles POST /v1/escrow/hold
func (h *Handler) Hold(c *gin.Context) {
	var req HoldRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "INVALID_REQUEST",
			"message": "requestId, payer, payee and a positive amount are required",
		})
		return
	}

	escrow, err := h.service.Hold(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidRequest):
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "INVALID_REQUEST",
				"message": "requestId, payer, payee and a positive amount are required",
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"ok":      false,
				"error":   "INVALID_STATE",
				"message": "an escrow already exists for request " + req.RequestID,
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":      false,
				"error":   "internal_error",
				"message": "Failed to hold escrow",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "escrow": escrow})
}

// ReleaseRequest is the body for POST /v1/escrow/release.
type ReleaseRequest struct {
	RequestID  string `json:"requestId" binding:"required"`
	Resolution string `json:"resolution"` // "refund" returns funds to payer
}

// Release handles POST /v1/escrow/release
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "INVALID_REQUEST",
			"message": "requestId is required",
		})
		return
	}

	escrow, err := h.service.Release(c.Request.Context(), req.RequestID, req.Resolution)
	if err != nil {
		switch {
		case errors.Is(err, ErrEscrowNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"ok":      false,
				"error":   "NOT_FOUND",
				"message": "no escrow for request " + req.RequestID,
			})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"ok":      false,
				"error":   "INVALID_STATE",
				"message": "escrow for request " + req.RequestID + " is not held",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":      false,
				"error":   "internal_error",
				"message": "Failed to release escrow",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "escrow": escrow})
}

// Get handles GET /v1/escrow/:requestId
func (h *Handler) Get(c *gin.Context) {
	requestID := c.Param("requestId")

	escrow, err := h.service.Get(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"ok":      false,
				"error":   "NOT_FOUND",
				"message": "no escrow for request " + requestID,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load escrow",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "escrow": escrow})
}

// List handles GET /v1/escrow
func (h *Handler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	escrows, err := h.service.List(c.Request.Context(), Status(c.Query("status")), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to list escrows",
		})
		return
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "escrows": escrows})
}

// Settlements handles GET /v1/escrow/:requestId/settlements
func (h *Handler) Settlements(c *gin.Context) {
	settlements, err := h.service.Settlements(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load settlements",
		})
		return
	}
	if settlements == nil {
		settlements = []*Settlement{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "settlements": settlements})
}
