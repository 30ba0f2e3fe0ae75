package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/service"
)

type identityView struct {
	ID                  string    `json:"id"`
	Address             string    `json:"address"`
	Role                core.Role `json:"role"`
	DisplayName         string    `json:"display_name,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	LastAuthenticatedAt time.Time `json:"last_authenticated_at"`
}

func newIdentityView(i *core.Identity) identityView {
	return identityView{
		ID:                  i.ID,
		Address:             i.Address,
		Role:                i.Role,
		DisplayName:         i.DisplayName,
		Status:              string(i.Status),
		CreatedAt:           i.CreatedAt,
		LastAuthenticatedAt: i.LastAuthenticatedAt,
	}
}

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	authService *service.AuthService
	logger      zerolog.Logger
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(authService *service.AuthService, logger zerolog.Logger) *AuthHandlers {
	return &AuthHandlers{authService: authService, logger: logger}
}

// Nonce issues a challenge, optionally bound to ?address=
func (h *AuthHandlers) Nonce(c *gin.Context) {
	var req struct {
		Address string `form:"address" binding:"omitempty,eth_addr"`
	}
	if err := c.ShouldBindQuery(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	grant, err := h.authService.RequestNonce(c.Request.Context(), req.Address)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	resp := gin.H{
		"nonce":      grant.Challenge.Value,
		"issued_at":  grant.Challenge.IssuedAt,
		"expires_at": grant.Challenge.ExpiresAt,
	}
	if grant.Message != "" {
		resp["message"] = grant.Message
	}
	c.JSON(http.StatusOK, resp)
}

// Verify exchanges a signed message for a session token
func (h *AuthHandlers) Verify(c *gin.Context) {
	var req struct {
		Message     string `json:"message" binding:"required,max=4096"`
		Signature   string `json:"signature" binding:"required,max=200"`
		DisplayName string `json:"display_name" binding:"max=64"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	result, err := h.authService.SignIn(c.Request.Context(), service.SignInRequest{
		Message:     req.Message,
		Signature:   req.Signature,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      result.Token,
		"token_type": "Bearer",
		"expires_at": result.Session.ExpiresAt,
		"identity":   newIdentityView(result.Identity),
	})
}

// Me returns the authenticated identity
func (h *AuthHandlers) Me(c *gin.Context) {
	identity, err := h.authService.Me(c.Request.Context(), principalFrom(c))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newIdentityView(identity))
}

// Logout ends the session from the server's point of view
func (h *AuthHandlers) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), principalFrom(c)); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// SetRole assigns a role to the identity at :address
func (h *AuthHandlers) SetRole(c *gin.Context) {
	var req struct {
		Role string `json:"role" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, h.logger, bindingError(err))
		return
	}

	identity, err := h.authService.SetRole(c.Request.Context(), principalFrom(c), c.Param("address"), req.Role)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, newIdentityView(identity))
}
