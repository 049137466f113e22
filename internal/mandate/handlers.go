package mandate

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/guthwine/guthwine/internal/delegation"
	"github.com/guthwine/guthwine/internal/metrics"
)

// Handler provides HTTP endpoints for mandate verification and
// lifecycle operations. Issuance happens inside the authorization
// pipeline; these routes serve executors and operators.
type Handler struct {
	issuer *Issuer
}

// NewHandler creates a new mandate handler.
func NewHandler(issuer *Issuer) *Handler {
	return &Handler{issuer: issuer}
}

// RegisterRoutes sets up mandate routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/mandates/verify", h.Verify)
	r.POST("/mandates/inspect", h.Inspect)
	r.POST("/mandates/delegate", h.Delegate)
	r.POST("/mandates/migrate", h.Migrate)
	r.POST("/mandates/:id/revoke", h.Revoke)
}

type tokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// Verify handles POST /v1/mandates/verify. Verification consumes the
// mandate's nonce: a second verify of the same token fails.
func (h *Handler) Verify(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	claims, err := h.issuer.Verify(c.Request.Context(), req.Token)
	if err != nil {
		metrics.MandateVerificationsTotal.WithLabelValues("rejected").Inc()
		h.writeVerifyError(c, err)
		return
	}
	metrics.MandateVerificationsTotal.WithLabelValues("valid").Inc()
	c.JSON(http.StatusOK, gin.H{"valid": true, "claims": claims})
}

// Inspect handles POST /v1/mandates/inspect. Same checks as Verify but
// the nonce is left untouched.
func (h *Handler) Inspect(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	claims, err := h.issuer.Inspect(c.Request.Context(), req.Token)
	if err != nil {
		h.writeVerifyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true, "claims": claims})
}

func (h *Handler) writeVerifyError(c *gin.Context, err error) {
	status := http.StatusUnauthorized
	code := "invalid_mandate"
	switch {
	case errors.Is(err, ErrMalformed):
		status = http.StatusBadRequest
		code = "malformed"
	case errors.Is(err, ErrBadSignature):
		code = "bad_signature"
	case errors.Is(err, ErrExpired):
		code = "expired"
	case errors.Is(err, ErrNotYetValid):
		code = "not_yet_valid"
	case errors.Is(err, ErrNonceReplay):
		status = http.StatusConflict
		code = "replayed"
	case errors.Is(err, ErrRevoked):
		status = http.StatusForbidden
		code = "revoked"
	case errors.Is(err, ErrLegacyRejected):
		status = http.StatusUpgradeRequired
		code = "legacy_rejected"
	}
	c.JSON(status, gin.H{"valid": false, "error": code, "message": err.Error()})
}

type delegateRequest struct {
	ParentToken string                  `json:"parentToken" binding:"required"`
	AgentDID    string                  `json:"agentDid" binding:"required"`
	Permissions []string                `json:"permissions"`
	Constraints *delegation.Constraints `json:"constraints"`
	TTLSeconds  int                     `json:"ttlSeconds"`
}

// Delegate handles POST /v1/mandates/delegate
func (h *Handler) Delegate(c *gin.Context) {
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	m, err := h.issuer.Delegate(c.Request.Context(), req.ParentToken, IssueRequest{
		AgentDID:    req.AgentDID,
		Permissions: req.Permissions,
		Constraints: req.Constraints,
		TTL:         time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrNotDelegable):
			c.JSON(http.StatusForbidden, gin.H{"error": "not_delegable", "message": err.Error()})
		case errors.Is(err, ErrTTLTooLong):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "ttl_too_long", "message": err.Error()})
		default:
			h.writeVerifyError(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mandate": m})
}

// Migrate handles POST /v1/mandates/migrate, upgrading a v1 token.
func (h *Handler) Migrate(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	m, err := h.issuer.MigrateV1(c.Request.Context(), req.Token)
	if err != nil {
		if errors.Is(err, ErrLegacyRejected) {
			c.JSON(http.StatusUpgradeRequired, gin.H{"error": "legacy_rejected", "message": err.Error()})
			return
		}
		h.writeVerifyError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"mandate": m})
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

// Revoke handles POST /v1/mandates/:id/revoke
func (h *Handler) Revoke(c *gin.Context) {
	var req revokeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.issuer.Revoke(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}
