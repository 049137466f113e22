package audit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read and verification endpoints over the ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new audit handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up audit routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/audit/:orgId/entries", h.Entries)
	r.GET("/audit/:orgId/verify", h.Verify)
	r.GET("/audit/:orgId/roots", h.Roots)
	r.POST("/audit/:orgId/merkle", h.BuildMerkle)
}

func seqParam(c *gin.Context, name string) (int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": name + " must be an integer"})
		return 0, false
	}
	return v, true
}

// Entries handles GET /v1/audit/:orgId/entries?start=&end=
func (h *Handler) Entries(c *gin.Context) {
	start, ok := seqParam(c, "start")
	if !ok {
		return
	}
	end, ok := seqParam(c, "end")
	if !ok {
		return
	}

	entries, err := h.ledger.Entries(c.Request.Context(), c.Param("orgId"), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Verify handles GET /v1/audit/:orgId/verify?start=&end=&signatures=true
func (h *Handler) Verify(c *gin.Context) {
	start, ok := seqParam(c, "start")
	if !ok {
		return
	}
	end, ok := seqParam(c, "end")
	if !ok {
		return
	}
	signatures := c.Query("signatures") != "false"

	report, err := h.ledger.VerifyIntegrity(c.Request.Context(), c.Param("orgId"), start, end, signatures)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Roots handles GET /v1/audit/:orgId/roots
func (h *Handler) Roots(c *gin.Context) {
	roots, err := h.ledger.Roots(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"roots": roots, "count": len(roots)})
}

// BuildMerkle handles POST /v1/audit/:orgId/merkle, rolling up entries
// appended since the last root.
func (h *Handler) BuildMerkle(c *gin.Context) {
	root, err := h.ledger.BuildMerkleRoot(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	if root == nil {
		c.JSON(http.StatusOK, gin.H{"root": nil, "message": "no new entries since last root"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"root": root})
}
