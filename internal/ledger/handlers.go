package ledger

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for ledger reads. Balances are only
// mutated by the escrow engine; there is no write endpoint.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger", h.ListAccounts)
	r.GET("/ledger/:id", h.GetAccount)
	r.GET("/ledger/:id/journal", h.GetJournal)
}

// ListAccounts handles GET /v1/ledger
func (h *Handler) ListAccounts(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 100, 500)

	accounts, err := h.ledger.ListAccounts(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to list accounts",
		})
		return
	}
	if accounts == nil {
		accounts = []*Account{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "accounts": accounts})
}

// GetAccount handles GET /v1/ledger/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "account": account})
}

// GetJournal handles GET /v1/ledger/:id/journal
func (h *Handler) GetJournal(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 50, 200)

	postings, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"ok":      false,
			"error":   "internal_error",
			"message": "Failed to load journal",
		})
		return
	}
	if postings == nil {
		postings = []*Posting{}
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "postings": postings})
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
