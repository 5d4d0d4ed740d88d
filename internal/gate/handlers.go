package gate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/ratelimit"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for login evaluation
type Handler struct {
	gate *Gate
}

// NewHandler creates a new gate handler
func NewHandler(g *Gate) *Handler {
	return &Handler{gate: g}
}

// RegisterRoutes sets up gate endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/logins/evaluate", h.EvaluateLogin)
	r.GET("/users/:userId/devices/:deviceId/methods",
		validation.IDParamMiddleware("userId", "deviceId"), h.AllowedMethods)
	r.POST("/otp/request", h.RequestOTP)
	r.POST("/otp/verify", h.VerifyOTP)
}

// OTPRequest is the body of POST /otp/request
type OTPRequest struct {
	Email string `json:"email"`
}

// OTPVerifyRequest is the body of POST /otp/verify
type OTPVerifyRequest struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}

// EvaluateLogin decides a completed authentication attempt.
// POST /v1/logins/evaluate
func (h *Handler) EvaluateLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.IPAddress == "" {
		req.IPAddress = c.ClientIP()
	}

	result, err := h.gate.EvaluateLogin(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// AllowedMethods lists the methods a device may use.
// GET /v1/users/:userId/devices/:deviceId/methods
func (h *Handler) AllowedMethods(c *gin.Context) {
	view, err := h.gate.AllowedMethodsFor(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// RequestOTP sends a one-time code.
// POST /v1/otp/request
func (h *Handler) RequestOTP(c *gin.Context) {
	var req OTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	ttl, err := h.gate.RequestOTP(c.Request.Context(), req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "sent",
		"expiresIn": int(ttl.Seconds()),
		"message":   "If an account exists for this address, a code has been sent",
	})
}

// VerifyOTP redeems a one-time code.
// POST /v1/otp/verify
func (h *Handler) VerifyOTP(c *gin.Context) {
	var req OTPVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	user, err := h.gate.VerifyOTP(c.Request.Context(), req.Email, req.Code)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true, "userId": user.ID})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrOTPInvalid):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_code", "message": "Code is invalid or expired"})
	case errors.Is(err, ErrOTPDisabled):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_available", "message": "One-time codes are not enabled"})
	case errors.Is(err, ratelimit.ErrLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limit_exceeded", "message": "Too many requests, try again later"})
	default:
		logging.L(c.Request.Context()).Error("login gate request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
