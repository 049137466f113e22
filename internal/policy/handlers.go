package policy

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for policy management.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new policy handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policies", h.Create)
	r.GET("/policies", h.List)
	r.GET("/policies/:id", h.Get)
	r.PUT("/policies/:id", h.Update)
	r.POST("/policies/:id/deactivate", h.Deactivate)
}

type policyRequest struct {
	OrgID       string          `json:"organizationId"`
	AgentDID    string          `json:"agentDid"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Priority    int             `json:"priority"`
	Rule        any             `json:"rule"`
	Semantic    *SemanticConfig `json:"semantic"`
	Action      string          `json:"action"`
}

// Create handles POST /v1/policies
func (h *Handler) Create(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.OrgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "organizationId is required"})
		return
	}

	p, err := h.engine.Create(c.Request.Context(), &Policy{
		OrgID:       req.OrgID,
		AgentDID:    req.AgentDID,
		Name:        req.Name,
		Description: req.Description,
		Priority:    req.Priority,
		Rule:        req.Rule,
		Semantic:    req.Semantic,
		Action:      Action(req.Action),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidRule) || errors.Is(err, ErrInvalidAction) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_policy", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"policy": p})
}

// Get handles GET /v1/policies/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No policy with this id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// List handles GET /v1/policies?orgId=...
func (h *Handler) List(c *gin.Context) {
	orgID := c.Query("orgId")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "orgId query parameter is required"})
		return
	}
	policies, err := h.engine.List(c.Request.Context(), orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// Update handles PUT /v1/policies/:id. A new version is created; the
// previous version stays linked but inactive.
func (h *Handler) Update(c *gin.Context) {
	var req policyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	p, err := h.engine.Update(c.Request.Context(), c.Param("id"), func(p *Policy) {
		if req.Name != "" {
			p.Name = req.Name
		}
		if req.Description != "" {
			p.Description = req.Description
		}
		if req.Rule != nil {
			p.Rule = req.Rule
		}
		if req.Semantic != nil {
			p.Semantic = req.Semantic
		}
		if req.Action != "" {
			p.Action = Action(req.Action)
		}
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrPolicyNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No policy with this id"})
		case errors.Is(err, ErrInvalidRule), errors.Is(err, ErrInvalidAction):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_policy", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"policy": p})
}

// Deactivate handles POST /v1/policies/:id/deactivate
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.engine.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrPolicyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No policy with this id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false})
}
