package risksignal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for risk signals
type Handler struct {
	service *Service
}

// NewHandler creates a new risk signal handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read and report endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	users := r.Group("/users/:userId", validation.IDParamMiddleware("userId"))
	users.GET("/risk-signals", h.ListSignals)
	users.GET("/risk-score", h.GetRiskScore)
	users.POST("/reports", h.FileReport)
}

// RegisterAdminRoutes sets up reviewer endpoints. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users/:userId/risk-signals", validation.IDParamMiddleware("userId"), h.CreateSignal)
	r.POST("/risk-signals/:id/resolve", h.ResolveSignal)
}

// CreateSignalRequest is the body of POST /users/:userId/risk-signals
type CreateSignalRequest struct {
	Kind     Kind              `json:"kind"`
	Severity int               `json:"severity"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata"`
}

// ReportRequest is the body of POST /users/:userId/reports
type ReportRequest struct {
	ReporterID string `json:"reporterId"`
	Severity   int    `json:"severity"`
	Message    string `json:"message"`
}

// ListSignals returns signals for a user.
// GET /v1/users/:userId/risk-signals?active=true&limit=
func (h *Handler) ListSignals(c *gin.Context) {
	userID := c.Param("userId")

	var (
		signals []*Signal
		err     error
	)
	if c.Query("active") == "true" {
		signals, err = h.service.ListActive(c.Request.Context(), userID)
	} else {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
		signals, err = h.service.List(c.Request.Context(), userID, limit)
	}
	if err != nil {
		h.internalError(c, err)
		return
	}
	if signals == nil {
		signals = []*Signal{}
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals, "count": len(signals)})
}

// GetRiskScore returns the aggregated risk score.
// GET /v1/users/:userId/risk-score
func (h *Handler) GetRiskScore(c *gin.Context) {
	userID := c.Param("userId")
	score, err := h.service.RiskScore(c.Request.Context(), userID)
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "riskScore": score})
}

// CreateSignal records a reviewer-created signal.
// POST /v1/admin/users/:userId/risk-signals
func (h *Handler) CreateSignal(c *gin.Context) {
	var req CreateSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain kind, severity and message",
		})
		return
	}

	sig, err := h.service.Create(c.Request.Context(), c.Param("userId"), req.Kind, req.Severity,
		validation.SanitizeString(req.Message, validation.MaxStringLength), req.Metadata)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signal": sig})
}

// ResolveSignal marks a signal resolved. Repeat calls succeed.
// POST /v1/admin/risk-signals/:id/resolve
func (h *Handler) ResolveSignal(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Resolve(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	sig, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signal": sig})
}

// FileReport files a peer concern report.
// POST /v1/users/:userId/reports
func (h *Handler) FileReport(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must contain reporterId, severity and message",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("reporterId", req.ReporterID),
		validation.Identifier("reporterId", req.ReporterID),
		validation.MaxLength("message", req.Message, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	sig, err := h.service.Report(c.Request.Context(), req.ReporterID, c.Param("userId"), req.Severity,
		validation.SanitizeString(req.Message, validation.MaxStringLength))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"signal": sig})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidSeverity), errors.Is(err, ErrInvalidKind),
		errors.Is(err, ErrInvalidUser), errors.Is(err, ErrSelfReport):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrSignalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "signal_not_found", "message": "Risk signal not found"})
	case errors.Is(err, ratelimit.ErrLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded", "message": "Too many reports. Try again later."})
	default:
		h.internalError(c, err)
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("risk signal request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
