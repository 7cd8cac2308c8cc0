package payments

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for payment verification and record
// lookups.
type Handler struct {
	verifier *Verifier
	store    Store
}

// NewHandler creates a new payments handler.
func NewHandler(verifier *Verifier, store Store) *Handler {
	return &Handler{verifier: verifier, store: store}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/verify", h.Verify)
	r.GET("/payments", h.List)
	r.GET("/payments/:requestId", h.GetByRequest)
}

// Verify handles POST /v1/payments/verify
//
// Status codes encode retryability: 200 verified, 409 pending (retry
// after more confirmations or indexing), 400 terminal rejection.
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "txHash is required",
		})
		return
	}

	result, err := h.verifier.VerifyTransfer(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Verification could not be completed",
		})
		return
	}

	if result.Verified {
		c.JSON(http.StatusOK, gin.H{"ok": true, "result": result})
		return
	}

	status := http.StatusBadRequest
	if result.Pending {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{
		"ok":            false,
		"error":         result.Code,
		"message":       result.Message,
		"pending":       result.Pending,
		"confirmations": result.Confirmations,
	})
}

// GetByRequest handles GET /v1/payments/:requestId
func (h *Handler) GetByRequest(c *gin.Context) {
	requestID := c.Param("requestId")

	records, err := h.store.ListRecords(c.Request.Context(), ListFilter{RequestID: requestID})
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load payment records",
		})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{
			"ok":      false,
			"error":   "not_found",
			"message": "No payment recorded for request " + requestID,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "records": records})
}

// List handles GET /v1/payments
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		Status: c.Query("status"),
		Limit:  parseLimit(c.Query("limit"), 100, 500),
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "invalid_request",
				"message": "since must be RFC3339",
			})
			return
		}
		filter.Since = since
	}

	records, err := h.store.ListRecords(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to list payment records",
		})
		return
	}
	if records == nil {
		records = []*PaymentRecord{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "records": records})
}

func parseLimit(raw string, def, max int) int {
	limit := def
	if raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > max {
		limit = max
	}
	return limit
}
