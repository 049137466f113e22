package identity

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for agent lifecycle operations.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new identity handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up agent and organization routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.Register)
	r.GET("/agents", h.List)
	r.GET("/agents/:did", h.Get)
	r.POST("/agents/:did/freeze", h.Freeze)
	r.POST("/agents/:did/unfreeze", h.Unfreeze)
	r.POST("/agents/:did/revoke", h.Revoke)
	r.GET("/orgs/:orgId/freeze", h.GetGlobalFreeze)
	r.POST("/orgs/:orgId/freeze", h.SetGlobalFreeze)
}

type registerRequest struct {
	OrgID    string `json:"organizationId" binding:"required"`
	Name     string `json:"name" binding:"required"`
	OwnerDID string `json:"ownerDid"`
	Type     string `json:"type"`
}

// Register handles POST /v1/agents
func (h *Handler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	agent, err := h.registry.RegisterAgent(c.Request.Context(), req.OrgID, req.Name, req.OwnerDID, AgentType(req.Type))
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrInvalidOwner), errors.Is(err, ErrOwnerCycle):
			status = http.StatusUnprocessableEntity
			code = "invalid_owner"
		case errors.Is(err, ErrAgentExists):
			status = http.StatusConflict
			code = "already_exists"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"agent": agent})
}

// Get handles GET /v1/agents/:did
func (h *Handler) Get(c *gin.Context) {
	agent, err := h.registry.Lookup(c.Request.Context(), c.Param("did"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No agent with this DID"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": agent})
}

// List handles GET /v1/agents?orgId=...
func (h *Handler) List(c *gin.Context) {
	orgID := c.Query("orgId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "orgId query parameter is required"})
		return
	}
	agents, err := h.registry.ListAgents(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": agents, "count": len(agents)})
}

type freezeRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// Freeze handles POST /v1/agents/:did/freeze
func (h *Handler) Freeze(c *gin.Context) {
	var req freezeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.registry.Freeze(c.Request.Context(), c.Param("did"), req.Reason, req.Actor); err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusFrozen)})
}

// Unfreeze handles POST /v1/agents/:did/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	var req freezeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.registry.Unfreeze(c.Request.Context(), c.Param("did"), req.Actor); err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusActive)})
}

// Revoke handles POST /v1/agents/:did/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req freezeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.registry.Revoke(c.Request.Context(), c.Param("did"), req.Reason, req.Actor); err != nil {
		h.writeLifecycleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": string(StatusRevoked)})
}

func (h *Handler) writeLifecycleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAgentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No agent with this DID"})
	case errors.Is(err, ErrAgentRevoked):
		c.JSON(http.StatusConflict, gin.H{"error": "revoked", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

type globalFreezeRequest struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// SetGlobalFreeze handles POST /v1/orgs/:orgId/freeze
func (h *Handler) SetGlobalFreeze(c *gin.Context) {
	var req globalFreezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.registry.SetGlobalFreeze(c.Request.Context(), c.Param("orgId"), req.Active, req.Reason, req.Actor); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": req.Active})
}

// GetGlobalFreeze handles GET /v1/orgs/:orgId/freeze
func (h *Handler) GetGlobalFreeze(c *gin.Context) {
	active, err := h.registry.GlobalFreezeActive(c.Request.Context(), c.Param("orgId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}
