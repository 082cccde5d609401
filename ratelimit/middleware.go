package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "convertapi/errors"
	"convertapi/logger"
	"convertapi/metrics"
	"convertapi/models"
)

// UserIDFunc extracts the authenticated user id from a request.
type UserIDFunc func(c *gin.Context) string

// StatsRecorder receives every decision the middleware makes.
type StatsRecorder interface {
	Record(ctx context.Context, ev StatsEvent) error
}

type StatsEvent struct {
	UserID  string
	Policy  models.PolicyName
	Allowed bool
	Method  string
	Path    string
	At      time.Time
}

type Limiter struct {
	settings *SettingsService
	store    *LimiterStore
	userID   UserIDFunc
	stats    StatsRecorder
	enabled  bool
}

type Options struct {
	Settings *SettingsService
	Store    *LimiterStore
	UserID   UserIDFunc
	Stats    StatsRecorder
	Enabled  bool
}

func NewLimiter(opts Options) *Limiter {
	if opts.Store == nil {
		opts.Store = NewLimiterStore()
	}
	return &Limiter{
		settings: opts.Settings,
		store:    opts.Store,
		userID:   opts.UserID,
		stats:    opts.Stats,
		enabled:  opts.Enabled,
	}
}

// Middleware enforces the named policy for the calling user. Requests
// without a user id pass through; authentication runs earlier.
func (l *Limiter) Middleware(policy models.PolicyName) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.enabled {
			c.Next()
			return
		}
		userID := ""
		if l.userID != nil {
			userID = l.userID(c)
		}
		if userID == "" {
			c.Next()
			return
		}

		eff, err := l.settings.Effective(c.Request.Context(), userID, policy)
		if err != nil {
			logger.Warn("Falling back to Free tier rate limit",
				zap.String("user_id", userID),
				zap.String("policy", string(policy)),
				zap.Error(err),
			)
			eff, _ = Resolve(l.settings.Catalog(), models.TierFree, policy, models.Default(), models.Default())
		}

		dec := l.store.Allow(userID, policy, eff)
		l.record(c, userID, policy, dec.Allowed)

		c.Header("X-RateLimit-Limit", strconv.Itoa(eff.PermitLimit))
		c.Header("X-RateLimit-Window", strconv.Itoa(eff.WindowMinutes()))
		c.Header("X-RateLimit-Source", string(eff.Source))

		if !dec.Allowed {
			retry := retryAfterSeconds(dec.RetryAfter)
			c.Header("Retry-After", strconv.Itoa(retry))
			appErr := apperrors.TooManyRequests(apperrors.CodeRateLimitExceeded, "rate limit exceeded for policy "+string(policy)).
				WithParams(map[string]interface{}{
					"policy":            string(policy),
					"permitLimit":       eff.PermitLimit,
					"windowMinutes":     eff.WindowMinutes(),
					"retryAfterSeconds": retry,
				})
			c.AbortWithStatusJSON(appErr.HTTPStatus, appErr)
			return
		}

		c.Next()
	}
}

func (l *Limiter) record(c *gin.Context, userID string, policy models.PolicyName, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	metrics.RateLimitDecisions.WithLabelValues(string(policy), decision).Inc()

	if l.stats == nil {
		return
	}
	err := l.stats.Record(c.Request.Context(), StatsEvent{
		UserID:  userID,
		Policy:  policy,
		Allowed: allowed,
		Method:  c.Request.Method,
		Path:    c.FullPath(),
		At:      time.Now(),
	})
	if err != nil {
		logger.Debug("Failed to record rate limit stats", zap.Error(err))
	}
}
