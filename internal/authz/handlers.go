package authz

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/guthwine/guthwine/internal/did"
)

// Handler exposes the authorization pipeline over HTTP.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new authorization handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up authorization and transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/authorize", h.Authorize)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/transactions/:id", h.GetTransaction)
}

// Authorize handles POST /v1/authorize. Denials are 200 responses; the
// decision is in the body. Only malformed requests are 4xx.
func (h *Handler) Authorize(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := did.Validate(req.AgentDID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_did", "message": err.Error()})
		return
	}
	if req.OrgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "organizationId is required"})
		return
	}

	resp, err := h.orch.Authorize(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.orch.GetTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTxnNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No transaction with this id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/transactions?orgId=&agentDid=&limit=
func (h *Handler) ListTransactions(c *gin.Context) {
	orgID := c.Query("orgId")
	agentDID := c.Query("agentDid")
	if orgID == "" || agentDID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "orgId and agentDid query parameters are required"})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 || v > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be between 1 and 500"})
			return
		}
		limit = v
	}

	txns, err := h.orch.ListTransactions(c.Request.Context(), orgID, agentDID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}
