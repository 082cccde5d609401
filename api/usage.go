package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apperrors "convertapi/errors"
	"convertapi/quota"
)

type updateQuotaRequest struct {
	ConversionsLimit *int64 `json:"conversionsLimit" binding:"required"`
	BytesLimit       *int64 `json:"bytesLimit" binding:"required"`
}

// GetUsage handles GET /usage.
func (s *Server) GetUsage(c *gin.Context) {
	s.writeCurrentUsage(c, GetUserID(c.Request.Context()))
}

// GetUserUsage handles GET /admin/users/:userId/usage.
func (s *Server) GetUserUsage(c *gin.Context) {
	s.writeCurrentUsage(c, c.Param("userId"))
}

func (s *Server) writeCurrentUsage(c *gin.Context, userID string) {
	q, err := s.ledger.Current(c.Request.Context(), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, quota.NewView(q))
}

// GetUsageHistory handles GET /usage/history.
func (s *Server) GetUsageHistory(c *gin.Context) {
	ctx := c.Request.Context()

	months := quota.DefaultHistoryMonths
	if raw := c.Query("months"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > quota.MaxHistoryMonths {
			_ = c.Error(apperrors.BadRequest(apperrors.CodeValidationFailed, "months must be between 1 and "+strconv.Itoa(quota.MaxHistoryMonths)))
			return
		}
		months = n
	}

	history, err := s.ledger.History(ctx, GetUserID(ctx), months)
	if err != nil {
		_ = c.Error(err)
		return
	}

	items := make([]quota.View, 0, len(history))
	for _, q := range history {
		items = append(items, quota.NewView(q))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// UpdateUserQuota handles PUT /admin/users/:userId/quota. Only the current
// period changes; later periods start from the configured defaults.
func (s *Server) UpdateUserQuota(c *gin.Context) {
	var req updateQuotaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.Wrap(err, apperrors.CodeValidationFailed, "conversionsLimit and bytesLimit are required", http.StatusBadRequest))
		return
	}

	q, err := s.ledger.UpdateLimits(c.Request.Context(), c.Param("userId"), *req.ConversionsLimit, *req.BytesLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, quota.NewView(q))
}
