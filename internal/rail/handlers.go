package rail

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/guthwine/guthwine/internal/authz"
	"github.com/guthwine/guthwine/internal/mandate"
)

// Handler exposes transaction settlement over HTTP.
type Handler struct {
	executor *Executor
}

// NewHandler creates a new execution handler.
func NewHandler(executor *Executor) *Handler {
	return &Handler{executor: executor}
}

// RegisterRoutes sets up execution routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/:id/execute", h.Execute)
}

type executeRequest struct {
	Mandate string `json:"mandate" binding:"required"`
}

// Execute handles POST /v1/transactions/:id/execute
func (h *Handler) Execute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	receipt, err := h.executor.Execute(c.Request.Context(), c.Param("id"), req.Mandate)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, authz.ErrTxnNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotApproved):
			status = http.StatusConflict
			code = "not_approved"
		case errors.Is(err, ErrMandateMismatch):
			status = http.StatusForbidden
			code = "mandate_mismatch"
		case errors.Is(err, ErrDeclined):
			status = http.StatusPaymentRequired
			code = "declined"
		case errors.Is(err, mandate.ErrNonceReplay):
			status = http.StatusConflict
			code = "mandate_replayed"
		case errors.Is(err, mandate.ErrExpired), errors.Is(err, mandate.ErrBadSignature),
			errors.Is(err, mandate.ErrMalformed), errors.Is(err, mandate.ErrNotYetValid),
			errors.Is(err, mandate.ErrRevoked):
			status = http.StatusUnauthorized
			code = "invalid_mandate"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}
