package lending

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for loan reads. Loans are written only by
// webhook processing.
type Handler struct {
	service *Service
}

// NewHandler creates a new lending handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up loan routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/loans/:proposalId", h.GetLoan)
}

// GetLoan handles GET /v1/loans/:proposalId
func (h *Handler) GetLoan(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("proposalId")

	loan, err := h.service.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrLoanNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Loan not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	payments, err := h.service.Payments(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"loan": loan, "payments": payments})
}
