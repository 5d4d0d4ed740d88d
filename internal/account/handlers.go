package account

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides admin HTTP endpoints for accounts
type Handler struct {
	service *Service
}

// NewHandler creates a new account handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up account management. The caller guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/users", h.CreateUser)
	users := r.Group("/users/:userId", validation.IDParamMiddleware("userId"))
	users.GET("", h.GetUser)
	users.PATCH("/verification", h.UpdateVerification)
}

// CreateUserRequest is the body of POST /admin/users
type CreateUserRequest struct {
	Email string `json:"email"`
}

// CreateUser registers a user.
// POST /v1/admin/users
func (h *Handler) CreateUser(c *gin.Context) {
	var req CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	u, err := h.service.Create(c.Request.Context(), req.Email)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": u})
}

// GetUser returns a user.
// GET /v1/admin/users/:userId
func (h *Handler) GetUser(c *gin.Context) {
	u, err := h.service.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

// UpdateVerification sets verification flags.
// PATCH /v1/admin/users/:userId/verification
func (h *Handler) UpdateVerification(c *gin.Context) {
	var req Verification
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	u, err := h.service.UpdateVerification(c.Request.Context(), c.Param("userId"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken", "message": "Email already registered"})
	case errors.Is(err, ErrInvalidUser):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("account request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
