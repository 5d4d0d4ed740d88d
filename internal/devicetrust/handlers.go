package devicetrust

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for device trust
type Handler struct {
	service *Service
}

// NewHandler creates a new device trust handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/devices", validation.IDParamMiddleware("userId", "deviceId"))
	g.GET("", h.ListDevices)
	g.GET("/:deviceId", h.GetDevice)
}

// RegisterAdminRoutes sets up the explicit out-of-band actions. The caller
// guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/devices", validation.IDParamMiddleware("userId", "deviceId"))
	g.POST("/:deviceId/block", h.BlockDevice)
	g.POST("/:deviceId/unblock", h.UnblockDevice)
	g.POST("/:deviceId/reset-login-count", h.ResetLoginCount)
	g.POST("/block-all", h.BlockAll)
	g.DELETE("", h.RevokeAll)
}

// ListDevices returns a user's devices.
// GET /v1/users/:userId/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.service.List(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if devices == nil {
		devices = []*Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// GetDevice returns a single device.
// GET /v1/users/:userId/devices/:deviceId
func (h *Handler) GetDevice(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": d})
}

// BlockDevice blocks a device.
// POST /v1/admin/users/:userId/devices/:deviceId/block
func (h *Handler) BlockDevice(c *gin.Context) {
	h.respondChange(c, func() (*Change, error) {
		return h.service.Block(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	})
}

// UnblockDevice unblocks a device.
// POST /v1/admin/users/:userId/devices/:deviceId/unblock
func (h *Handler) UnblockDevice(c *gin.Context) {
	h.respondChange(c, func() (*Change, error) {
		return h.service.Unblock(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	})
}

// ResetLoginCount zeroes a device's login count.
// POST /v1/admin/users/:userId/devices/:deviceId/reset-login-count
func (h *Handler) ResetLoginCount(c *gin.Context) {
	h.respondChange(c, func() (*Change, error) {
		return h.service.ResetLoginCount(c.Request.Context(), c.Param("userId"), c.Param("deviceId"))
	})
}

// BlockAll blocks every device of a user.
// POST /v1/admin/users/:userId/devices/block-all
func (h *Handler) BlockAll(c *gin.Context) {
	n, err := h.service.BlockAll(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocked": n})
}

// RevokeAll deletes every device of a user.
// DELETE /v1/admin/users/:userId/devices
func (h *Handler) RevokeAll(c *gin.Context) {
	n, err := h.service.RevokeAll(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": n})
}

func (h *Handler) respondChange(c *gin.Context, fn func() (*Change, error)) {
	change, err := fn()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"device": change.After, "previousLevel": change.Before.Level})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "device_not_found", "message": "Device not found"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Device was modified concurrently, retry"})
	case errors.Is(err, ErrInvalidDevice):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		logging.L(c.Request.Context()).Error("device trust request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
