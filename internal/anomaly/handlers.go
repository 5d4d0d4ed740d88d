package anomaly

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for anomaly events
type Handler struct {
	detector *Detector
}

// NewHandler creates a new anomaly handler
func NewHandler(detector *Detector) *Handler {
	return &Handler{detector: detector}
}

// RegisterRoutes sets up anomaly endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/anomaly-events", validation.IDParamMiddleware("userId"), h.RecordEvent)
}

// EventRequest is the body of POST /users/:userId/anomaly-events
type EventRequest struct {
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// RecordEvent records and inspects a login or evidence event.
// POST /v1/users/:userId/anomaly-events
func (h *Handler) RecordEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Payload) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain kind and payload",
		})
		return
	}

	result, err := h.detector.RecordEvent(c.Request.Context(), c.Param("userId"), req.Kind, req.Payload)
	switch {
	case errors.Is(err, ErrUnknownEventKind):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_kind", "message": "kind must be login or evidence"})
		return
	case errors.Is(err, ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload", "message": err.Error()})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("anomaly event failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}
