package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/lendbridge/internal/chain"
	"github.com/mbd888/lendbridge/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow", h.ListEscrows)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/escrow/:id/events", h.ListEvents)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/refund", h.RefundEscrow)
	r.POST("/escrow/:id/dispute", h.DisputeEscrow)
	r.POST("/escrow/:id/resolve", h.ResolveEscrow)
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Invalid request body",
		})
		return
	}

	res, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, res)
}

// GetEscrow handles GET /v1/escrow/:id?chain=true
func (h *Handler) GetEscrow(c *gin.Context) {
	withChain, _ := strconv.ParseBool(c.Query("chain"))

	view, err := h.service.Get(c.Request.Context(), c.Param("id"), withChain)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// ListEscrows handles GET /v1/escrow?status=PENDING&cursor=...
func (h *Handler) ListEscrows(c *gin.Context) {
	status := Status(strings.ToUpper(c.DefaultQuery("status", string(StatusPending))))
	if !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "status must be one of PENDING, RELEASED, REFUNDED, DISPUTED",
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	page, err := h.service.ListByStatus(c.Request.Context(), status, c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{
		"escrows": page.Escrows,
		"count":   len(page.Escrows),
		"hasMore": page.HasMore,
	}
	if page.NextCursor != "" {
		resp["nextCursor"] = page.NextCursor
	}
	c.JSON(http.StatusOK, resp)
}

// ListEvents handles GET /v1/escrow/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	events, err := h.service.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.transition(c, h.service.Release)
}

// RefundEscrow handles POST /v1/escrow/:id/refund
func (h *Handler) RefundEscrow(c *gin.Context) {
	h.transition(c, h.service.Refund)
}

func (h *Handler) transition(c *gin.Context, fn func(context.Context, string) (*Escrow, error)) {
	escrow, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrow/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "raisedBy and reason are required",
		})
		return
	}
	if errs := validation.Validate(
		validation.Identity("raisedBy", req.RaisedBy),
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, 1000),
	); len(errs) > 0 {
		writeError(c, errs)
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ResolveEscrow handles POST /v1/escrow/:id/resolve
func (h *Handler) ResolveEscrow(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "arbitratorAddress and outcome are required",
		})
		return
	}
	req.Outcome = Status(strings.ToUpper(string(req.Outcome)))
	if errs := validation.Validate(
		validation.Identity("arbitratorAddress", req.Arbitrator),
		validation.OneOf("outcome", string(req.Outcome), string(StatusReleased), string(StatusRefunded)),
	); len(errs) > 0 {
		writeError(c, errs)
		return
	}

	escrow, err := h.service.Resolve(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// writeError maps service errors onto the API's error codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	msg := err.Error()

	if errs, ok := validation.AsErrors(err); ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	switch {
	case errors.Is(err, ErrEscrowNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrTransitionInProgress):
		status, code = http.StatusConflict, "transition_in_progress"
	case errors.Is(err, ErrEscrowExists):
		status, code = http.StatusConflict, "escrow_exists"
	case errors.Is(err, ErrInvalidStateTransition):
		status, code = http.StatusBadRequest, "invalid_state"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case chain.IsRetryable(err):
		status, code = http.StatusServiceUnavailable, "chain_unavailable"
	case chain.IsPermanent(err):
		status, code = http.StatusBadRequest, "chain_rejected"
	default:
		msg = "internal error"
	}
	_ = c.Error(err)
	c.JSON(status, gin.H{"error": code, "message": msg})
}
