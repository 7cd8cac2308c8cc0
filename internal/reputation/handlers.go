package reputation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/relay/internal/validation"
)

// Handler provides HTTP endpoints for reputation.
type Handler struct {
	service *Service
}

// NewHandler creates a new reputation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/reputation/submit", h.Submit)
	r.GET("/reputation", h.List)
	r.GET("/reputation/:did", h.Get)
}

// Submit handles POST /v1/reputation/submit
func (h *Handler) Submit(c *gin.Context) {
	var sub Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "did is required",
		})
		return
	}
	if !validation.IsValidDID(sub.DID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "did must be a valid DID (did:method:id)",
		})
		return
	}

	record, err := h.service.Submit(c.Request.Context(), sub)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to record submission",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "reputation": record})
}

// Get handles GET /v1/reputation/:did
func (h *Handler) Get(c *gin.Context) {
	record, err := h.service.Get(c.Request.Context(), c.Param("did"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "reputation": record})
}

// List handles GET /v1/reputation
func (h *Handler) List(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	records, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to list reputations",
		})
		return
	}
	if records == nil {
		records = []*Record{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "reputations": records})
}
