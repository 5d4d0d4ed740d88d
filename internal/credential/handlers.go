package credential

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/mbd888/trustgate/internal/logging"
	"github.com/mbd888/trustgate/internal/validation"
)

// Handler provides HTTP endpoints for passkey challenges and credential
// records
type Handler struct {
	challenger *Challenger
	store      Store
}

// NewHandler creates a new credential handler. challenger may be nil, in
// which case no challenge route is registered.
func NewHandler(challenger *Challenger, store Store) *Handler {
	return &Handler{challenger: challenger, store: store}
}

// RegisterRoutes sets up the challenge endpoint
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.challenger == nil {
		return
	}
	r.POST("/users/:userId/passkeys/challenge", validation.IDParamMiddleware("userId"), h.BeginChallenge)
}

// RegisterAdminRoutes sets up credential record management. Registration
// ceremonies run elsewhere; this imports their result.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	g := r.Group("/users/:userId/credentials", validation.IDParamMiddleware("userId"))
	g.POST("", h.SaveCredential)
	g.GET("", h.ListCredentials)
	g.DELETE("", h.DeleteCredentials)
}

// SaveCredentialRequest is the body of POST /admin/users/:userId/credentials.
// Byte fields are standard base64.
type SaveCredentialRequest struct {
	CredentialID []byte `json:"credentialId"`
	PublicKey    []byte `json:"publicKey"`
	SignCount    uint32 `json:"signCount"`
}

type credentialView struct {
	CredentialID []byte `json:"credentialId"`
	SignCount    uint32 `json:"signCount"`
	CloneWarning bool   `json:"cloneWarning"`
}

// BeginChallenge issues a passkey login challenge.
// POST /v1/users/:userId/passkeys/challenge
func (h *Handler) BeginChallenge(c *gin.Context) {
	options, sessionID, err := h.challenger.Begin(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessionId": sessionID, "options": options})
}

// SaveCredential stores a registered passkey.
// POST /v1/admin/users/:userId/credentials
func (h *Handler) SaveCredential(c *gin.Context) {
	var req SaveCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	cred := webauthn.Credential{
		ID:            req.CredentialID,
		PublicKey:     req.PublicKey,
		Authenticator: webauthn.Authenticator{SignCount: req.SignCount},
	}
	if err := h.store.Save(c.Request.Context(), c.Param("userId"), cred); err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "credentialId is required"})
			return
		}
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"credential": toView(cred)})
}

// ListCredentials lists a user's passkeys.
// GET /v1/admin/users/:userId/credentials
func (h *Handler) ListCredentials(c *gin.Context) {
	creds, err := h.store.List(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	views := make([]credentialView, 0, len(creds))
	for _, cr := range creds {
		views = append(views, toView(cr))
	}
	c.JSON(http.StatusOK, gin.H{"credentials": views, "count": len(views)})
}

// DeleteCredentials removes every passkey of a user.
// DELETE /v1/admin/users/:userId/credentials
func (h *Handler) DeleteCredentials(c *gin.Context) {
	n, err := h.store.DeleteByUser(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func toView(c webauthn.Credential) credentialView {
	return credentialView{
		CredentialID: c.ID,
		SignCount:    c.Authenticator.SignCount,
		CloneWarning: c.Authenticator.CloneWarning,
	}
}

func (h *Handler) internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("credential request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
