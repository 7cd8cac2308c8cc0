package registry

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/relay/internal/security"
	"github.com/mbd888/relay/internal/validation"
)

// Handler provides HTTP handlers for the directory API.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new registry handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up the registry routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.Register)
	r.GET("/agents", h.List)
	r.POST("/agents/:did/heartbeat", h.Heartbeat)
	r.GET("/agents/:did/status", h.Status)
	r.GET("/discover", h.Discover)
	r.GET("/recommend", h.Recommend)
}

// RegisterRequest is the body for POST /v1/agents.
type RegisterRequest struct {
	DID          string       `json:"did" binding:"required"`
	Name         string       `json:"name"`
	URL          string       `json:"url"`
	Capabilities []Capability `json:"capabilities"`
	Intents      []string     `json:"intents"`
	Status       string       `json:"status"`
}

// Register handles POST /v1/agents
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "did is required",
		})
		return
	}
	if !validation.IsValidDID(req.DID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "did must be a valid DID (did:method:id)",
		})
		return
	}
	// Agent URLs are republished to other agents; reject internal targets.
	if req.URL != "" {
		if err := security.ValidateEndpointURL(req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"ok":      false,
				"error":   "invalid_request",
				"message": "url: " + err.Error(),
			})
			return
		}
	}

	agent, err := h.registry.Register(&Agent{
		DID:          req.DID,
		Name:         req.Name,
		URL:          req.URL,
		Capabilities: req.Capabilities,
		Intents:      req.Intents,
		Status:       req.Status,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "agent": agent})
}

// List handles GET /v1/agents
func (h *Handler) List(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 500)
	c.JSON(http.StatusOK, gin.H{"ok": true, "agents": h.registry.List(limit)})
}

// Heartbeat handles POST /v1/agents/:did/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	agent, err := h.registry.Heartbeat(c.Param("did"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"ok":      false,
				"error":   "not_found",
				"message": "agent not registered",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to record heartbeat",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "agent": agent})
}

// Status handles GET /v1/agents/:did/status
func (h *Handler) Status(c *gin.Context) {
	agent, err := h.registry.Get(c.Param("did"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"ok":      false,
			"error":   "not_found",
			"message": "agent not registered",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ok":       true,
		"did":      agent.DID,
		"online":   agent.Online,
		"status":   agent.Status,
		"lastSeen": agent.LastSeen,
	})
}

// Discover handles GET /v1/discover
func (h *Handler) Discover(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20, 100)
	ranked := h.registry.Discover(c.Request.Context(), c.Query("intent"), limit)
	if ranked == nil {
		ranked = []*RankedAgent{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "agents": ranked})
}

// Recommend handles GET /v1/recommend
func (h *Handler) Recommend(c *gin.Context) {
	requester := c.Query("requester")
	if requester == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"ok":      false,
			"error":   "invalid_request",
			"message": "requester is required",
		})
		return
	}

	limit := parseLimit(c.Query("limit"), 10, 50)
	ranked := h.registry.Recommend(c.Request.Context(), requester, c.Query("intent"), limit)
	if ranked == nil {
		ranked = []*RankedAgent{}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "agents": ranked})
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
