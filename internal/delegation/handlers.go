package delegation

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guthwine/guthwine/internal/identity"
)

// Handler provides HTTP endpoints for delegation tokens.
type Handler struct {
	svc *Service
}

// NewHandler creates a new delegation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up delegation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/delegations", h.Issue)
	r.GET("/delegations", h.List)
	r.GET("/delegations/:id", h.Get)
	r.POST("/delegations/:id/revoke", h.Revoke)
	r.POST("/delegations/verify", h.Verify)
}

type issueRequest struct {
	OrgID        string       `json:"organizationId" binding:"required"`
	IssuerDID    string       `json:"issuerDid" binding:"required"`
	RecipientDID string       `json:"recipientDid" binding:"required"`
	ParentID     string       `json:"parentId"`
	Constraints  *Constraints `json:"constraints"`
	ExpiresAt    *time.Time   `json:"expiresAt"`
}

// Issue handles POST /v1/delegations
func (h *Handler) Issue(c *gin.Context) {
	var req issueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	tok, err := h.svc.Issue(c.Request.Context(), IssueRequest{
		OrgID:        req.OrgID,
		IssuerDID:    req.IssuerDID,
		RecipientDID: req.RecipientDID,
		ParentID:     req.ParentID,
		Constraints:  req.Constraints,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, identity.ErrAgentNotFound):
			status = http.StatusNotFound
			code = "agent_not_found"
		case errors.Is(err, ErrTokenNotFound):
			status = http.StatusNotFound
			code = "parent_not_found"
		case errors.Is(err, ErrNotRefinement):
			status = http.StatusUnprocessableEntity
			code = "not_a_refinement"
		case errors.Is(err, ErrDepthExceeded):
			status = http.StatusUnprocessableEntity
			code = "depth_exceeded"
		case errors.Is(err, ErrSubDelegation):
			status = http.StatusForbidden
			code = "sub_delegation_forbidden"
		case errors.Is(err, ErrWrongIssuer), errors.Is(err, ErrSelfDelegation), errors.Is(err, ErrIssuerNotAllowed):
			status = http.StatusForbidden
			code = "issuer_not_allowed"
		case errors.Is(err, ErrTokenRevoked), errors.Is(err, ErrTokenExpired):
			status = http.StatusConflict
			code = "parent_unusable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"delegation": tok})
}

// Get handles GET /v1/delegations/:id
func (h *Handler) Get(c *gin.Context) {
	tok, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No delegation with this id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delegation": tok})
}

// List handles GET /v1/delegations?orgId=&issuerDid=|recipientDid=&active=
func (h *Handler) List(c *gin.Context) {
	orgID := c.Query("orgId")
	active := c.Query("active") == "true"

	var (
		toks []*Token
		err  error
	)
	switch {
	case c.Query("issuerDid") != "":
		toks, err = h.svc.ListByIssuer(c.Request.Context(), orgID, c.Query("issuerDid"), active)
	case c.Query("recipientDid") != "":
		toks, err = h.svc.ListByRecipient(c.Request.Context(), orgID, c.Query("recipientDid"), active)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "issuerDid or recipientDid query parameter is required"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"delegations": toks, "count": len(toks)})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /v1/delegations/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.svc.Revoke(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No delegation with this id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

type verifyRequest struct {
	TokenIDs     []string `json:"tokenIds" binding:"required"`
	RecipientDID string   `json:"recipientDid" binding:"required"`
}

// Verify handles POST /v1/delegations/verify
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	result, err := h.svc.VerifyChain(c.Request.Context(), req.TokenIDs, req.RecipientDID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
