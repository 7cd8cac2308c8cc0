package relay

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP handlers for the message bus.
type Handler struct {
	service *Service
}

// NewHandler creates a new relay handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the message routes. The legacy /events alias
// is registered on the same group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/messages", h.Publish)
	r.GET("/messages", h.Poll)
	r.GET("/events", h.Poll)
}

// Publish handles POST /v1/messages
func (h *Handler) Publish(c *gin.Context) {
	var env Envelope
	if err := c.ShouldBindJSON(&env); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "body must be a JSON envelope",
		})
		return
	}

	stored, err := h.service.Publish(c.Request.Context(), &env)
	if err != nil {
		var payErr *PaymentRequiredError
		switch {
		case errors.As(err, &payErr):
			c.JSON(http.StatusPaymentRequired, gin.H{
				"ok":                 false,
				"error":              payErr.Result.Code,
				"message":            payErr.Result.Message,
				"pending":            payErr.Result.Pending,
				"confirmations":      payErr.Result.Confirmations,
				"paymentRequirement": payErr.Requirement,
			})
		case errors.Is(err, ErrInvalidEnvelope):
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "invalid_request",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"ok":      false,
				"error":   "internal_error",
				"message": "failed to admit envelope",
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "event": stored})
}

// Poll handles GET /v1/messages and the legacy GET /events. With no
// buffered matches and timeout > 0 the request parks until the next
// matching envelope or the timeout, capped at the configured maximum.
func (h *Handler) Poll(c *gin.Context) {
	filter := Filter{
		Recipient: c.Query("recipient"),
		Sender:    c.Query("sender"),
		Type:      c.Query("type"),
		Thread:    c.Query("thread"),
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

	wait := parseTimeout(c.Query("timeout"), h.service.MaxWait())

	events, hasMore := h.service.Bus().Poll(c.Request.Context(), filter, wait)
	if events == nil {
		events = []*Envelope{}
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      true,
		"events":  events,
		"hasMore": hasMore,
		"now":     time.Now().UTC(),
	})
}

// parseTimeout reads a timeout in seconds, capped at max. Absent or
// unparseable means no wait.
func parseTimeout(raw string, max time.Duration) time.Duration {
	if raw == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	wait := time.Duration(secs * float64(time.Second))
	if wait > max {
		wait = max
	}
	return wait
}
