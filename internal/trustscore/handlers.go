package trustscore

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for trust scores
type Handler struct {
	engine  *Engine
	batch   *Batch
	records *RecordService
}

// NewHandler creates a new trust score handler
func NewHandler(engine *Engine, batch *Batch, records *RecordService) *Handler {
	return &Handler{engine: engine, batch: batch, records: records}
}

// RegisterRoutes sets up read endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/trust-score", validation.IDParamMiddleware("userId"))
	g.GET("", h.GetCurrent)
	g.GET("/history", h.GetHistory)
}

// RegisterAdminRoutes sets up recompute and record endpoints. The caller
// guards the group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	users := r.Group("/users/:userId", validation.IDParamMiddleware("userId"))
	users.POST("/trust-score/recompute", h.Recompute)
	users.POST("/evidence-items", h.AddEvidence)
	users.POST("/evidence-items/:itemId/verify", h.VerifyEvidence)
	users.POST("/peer-verifications", h.AddPeerVerification)
	users.POST("/external-ratings", h.AddRating)
	r.POST("/trust-score/batch", h.RunBatch)
}

// AddEvidenceRequest is the body of POST /users/:userId/evidence-items
type AddEvidenceRequest struct {
	Type     EvidenceType `json:"type"`
	Verified bool         `json:"verified"`
}

// PeerVerificationRequest is the body of POST /users/:userId/peer-verifications
type PeerVerificationRequest struct {
	VerifierID string `json:"verifierId"`
}

// AddRatingRequest is the body of POST /users/:userId/external-ratings
type AddRatingRequest struct {
	Platform  string     `json:"platform"`
	Rating    float64    `json:"rating"`
	MaxRating float64    `json:"maxRating"`
	Weight    float64    `json:"weight"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// GetCurrent returns the latest score, computing it on first use.
// GET /v1/users/:userId/trust-score
func (h *Handler) GetCurrent(c *gin.Context) {
	snap, err := h.engine.Current(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trustScore": snap})
}

// GetHistory returns past snapshots.
// GET /v1/users/:userId/trust-score/history?from=&to=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	q := HistoryQuery{UserID: c.Param("userId")}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC 3339"})
			return
		}
		q.From = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC 3339"})
			return
		}
		q.To = t
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			q.Limit = parsed
		}
	}

	snaps, err := h.engine.History(c.Request.Context(), q)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if snaps == nil {
		snaps = []*Snapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": q.UserID, "snapshots": snaps, "count": len(snaps)})
}

// Recompute stores a fresh snapshot.
// POST /v1/admin/users/:userId/trust-score/recompute
func (h *Handler) Recompute(c *gin.Context) {
	snap, err := h.engine.Recompute(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trustScore": snap})
}

// RunBatch recomputes every user and returns the report.
// POST /v1/admin/trust-score/batch
func (h *Handler) RunBatch(c *gin.Context) {
	report, err := h.batch.Run(c.Request.Context())
	if err != nil && report == nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// AddEvidence records an evidence item.
// POST /v1/admin/users/:userId/evidence-items
func (h *Handler) AddEvidence(c *gin.Context) {
	var req AddEvidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	item, err := h.records.AddEvidence(c.Request.Context(), c.Param("userId"), req.Type, req.Verified)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"evidence": item})
}

// VerifyEvidence marks an evidence item verified.
// POST /v1/admin/users/:userId/evidence-items/:itemId/verify
func (h *Handler) VerifyEvidence(c *gin.Context) {
	item, err := h.records.VerifyEvidence(c.Request.Context(), c.Param("userId"), c.Param("itemId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"evidence": item})
}

// AddPeerVerification records a vouch for the user.
// POST /v1/admin/users/:userId/peer-verifications
func (h *Handler) AddPeerVerification(c *gin.Context) {
	var req PeerVerificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := h.records.AddPeerVerification(c.Request.Context(), req.VerifierID, c.Param("userId")); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// AddRating imports an external rating.
// POST /v1/admin/users/:userId/external-ratings
func (h *Handler) AddRating(c *gin.Context) {
	var req AddRatingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	r, err := h.records.AddRating(c.Request.Context(), c.Param("userId"),
		req.Platform, req.Rating, req.MaxRating, req.Weight, req.ExpiresAt)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"rating": r})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidUser), errors.Is(err, ErrInvalidRecord):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
	case errors.Is(err, ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user_not_found", "message": "User not found"})
	case errors.Is(err, ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "record_not_found", "message": "Record not found"})
	default:
		logging.L(c.Request.Context()).Error("trust score request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
