package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "convertapi/errors"
	"convertapi/models"
	"convertapi/ratelimit"
)

type updateTierRequest struct {
	Tier string `json:"tier" binding:"required"`
}

type policyOverrideRequest struct {
	PermitLimit   *int `json:"permitLimit"`
	WindowMinutes *int `json:"windowMinutes"`
}

// GetMyRateLimits handles GET /rate-limits. Users without stored settings
// see the Free tier they are limited by.
func (s *Server) GetMyRateLimits(c *gin.Context) {
	ctx := c.Request.Context()
	userID := GetUserID(ctx)

	st, err := s.settings.Get(ctx, userID)
	if errors.Is(err, ratelimit.ErrSettingsNotFound) {
		st = models.NewUserRateLimitSettings(userID, s.now().UTC())
	} else if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.settings.View(st))
}

// ProvisionRateLimits handles POST /admin/users/:userId/rate-limits.
func (s *Server) ProvisionRateLimits(c *gin.Context) {
	st, err := s.settings.Provision(c.Request.Context(), c.Param("userId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, s.settings.View(st))
}

// GetUserRateLimits handles GET /admin/users/:userId/rate-limits.
func (s *Server) GetUserRateLimits(c *gin.Context) {
	st, err := s.settings.Get(c.Request.Context(), c.Param("userId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.settings.View(st))
}

// UpdateUserTier handles PUT /admin/users/:userId/rate-limits/tier.
func (s *Server) UpdateUserTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidTier, "tier is required", http.StatusBadRequest))
		return
	}

	st, err := s.settings.UpdateTier(c.Request.Context(), c.Param("userId"), req.Tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.settings.View(st))
}

// SetUserPolicyOverride handles PUT /admin/users/:userId/rate-limits/policies/:policy.
// Omitted or null fields fall back to the tier default.
func (s *Server) SetUserPolicyOverride(c *gin.Context) {
	var req policyOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeInvalidOverride, "invalid override body", http.StatusBadRequest))
		return
	}

	st, err := s.settings.SetPolicyOverride(
		c.Request.Context(),
		c.Param("userId"),
		c.Param("policy"),
		models.OverrideFromPtr(req.PermitLimit),
		models.OverrideFromPtr(req.WindowMinutes),
	)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.settings.View(st))
}

// ClearUserOverrides handles DELETE /admin/users/:userId/rate-limits/overrides.
func (s *Server) ClearUserOverrides(c *gin.Context) {
	st, err := s.settings.ClearAllOverrides(c.Request.Context(), c.Param("userId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, s.settings.View(st))
}
