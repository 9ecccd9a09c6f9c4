package webhooks

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// DefaultMaxBodyBytes caps a delivery body when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

// Handler provides the inbound webhook endpoints.
type Handler struct {
	ingress      *Ingress
	maxBodyBytes int64
}

// NewHandler creates a new webhook handler. maxBodyBytes <= 0 uses
// DefaultMaxBodyBytes.
func NewHandler(ingress *Ingress, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{ingress: ingress, maxBodyBytes: maxBodyBytes}
}

// RegisterRoutes sets up the delivery endpoints. Senders authenticate by
// signature, so these must not sit behind operator auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider", h.ReceiveProvider)
	r.POST("/webhooks/chain", h.ReceiveChain)
}

// RegisterInspectionRoutes sets up the read endpoints for operators.
func (h *Handler) RegisterInspectionRoutes(r *gin.RouterGroup) {
	r.GET("/webhooks/events/:id", h.GetEvent)
}

// ReceiveProvider handles POST /webhooks/provider
func (h *Handler) ReceiveProvider(c *gin.Context) {
	h.receive(c, SourceProvider, c.GetHeader("X-Event-Type"))
}

// ReceiveChain handles POST /webhooks/chain
func (h *Handler) ReceiveChain(c *gin.Context) {
	h.receive(c, SourceChain, "")
}

type receiveResponse struct {
	WebhookID    string    `json:"webhookId"`
	EventType    EventType `json:"eventType"`
	Status       Status    `json:"status"`
	Duplicate    bool      `json:"duplicate"`
	DuplicateOf  string    `json:"duplicateOf,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

func (h *Handler) receive(c *gin.Context, source Source, eventType string) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "payload_too_large",
				"message": "Webhook body exceeds the configured limit",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "Could not read request body",
		})
		return
	}

	res, err := h.ingress.Receive(c.Request.Context(), source, eventType, body, c.GetHeader("X-Signature"))
	switch {
	case errors.Is(err, ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": res.Event.ErrorMessage,
		})
		return
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal error",
		})
		return
	}

	// Handler failures are acknowledged: the outcome is recorded and the
	// sender's redelivery of a fixed payload is a new attempt.
	c.JSON(http.StatusOK, receiveResponse{
		WebhookID:    res.Event.ID,
		EventType:    res.Event.EventType,
		Status:       res.Event.Status,
		Duplicate:    res.Duplicate(),
		DuplicateOf:  res.Event.DuplicateOf,
		ErrorMessage: res.Event.ErrorMessage,
	})
}

// GetEvent handles GET /webhooks/events/:id
func (h *Handler) GetEvent(c *gin.Context) {
	ev, err := h.ingress.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook event not found",
		})
		return
	}
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "internal error",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event":   ev,
		"payload": string(ev.Payload),
	})
}
