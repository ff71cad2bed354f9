package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qemplois/marketplace-server/internal/models"
)

func (h *Handler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.Register(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) Login(c *gin.Context) {
	var req models.LoginRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.Login(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Refresh(c *gin.Context) {
	var req models.RefreshRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.Refresh(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Logout revokes the caller's access token and, when given, its refresh token.
func (h *Handler) Logout(c *gin.Context) {
	var req models.LogoutRequest
	if !bindOptionalJSON(c, &req) {
		return
	}

	if err := h.service.Logout(c.Request.Context(), actorFrom(c), sessionFrom(c), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) Me(c *gin.Context) {
	user, err := h.service.Me(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req models.UpdateProfileRequest
	if !bindJSON(c, &req) {
		return
	}
	user, err := h.service.UpdateProfile(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *Handler) ChangePassword(c *gin.Context) {
	var req models.ChangePasswordRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.ChangePassword(c.Request.Context(), actorFrom(c), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) RequestDeletion(c *gin.Context) {
	if err := h.service.RequestDeletion(c.Request.Context(), actorFrom(c)); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "success"})
}

func (h *Handler) AuditTrail(c *gin.Context) {
	entries, err := h.service.AuditTrail(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "entries": entries})
}

func (h *Handler) IssueLinkToken(c *gin.Context) {
	resp, err := h.service.IssueLinkToken(c.Request.Context(), actorFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) LinkPlatform(c *gin.Context) {
	var req models.LinkPlatformRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.LinkPlatform(c.Request.Context(), actorFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) UnlinkPlatform(c *gin.Context) {
	var req models.UnlinkPlatformRequest
	if !bindJSON(c, &req) {
		return
	}

	if err := h.service.UnlinkPlatform(c.Request.Context(), actorFrom(c), req); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// VerifyLink is called by the chat bots to resolve a platform account.
func (h *Handler) VerifyLink(c *gin.Context) {
	var req models.VerifyLinkRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.service.VerifyLink(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
