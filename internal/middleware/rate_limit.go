package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/metrics"
	"paylane-backend/internal/repository"
)

// RateLimiter enforces a fixed-window per-client request cap. The counter
// lives in Postgres, so every replica shares the same window state and a
// restart does not reset the budget.
type RateLimiter struct {
	repo   repository.RateLimitRepository
	window time.Duration
	max    int64
	logger *logrus.Logger
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(repo repository.RateLimitRepository, window time.Duration, max int, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		repo:   repo,
		window: window,
		max:    int64(max),
		logger: logger,
	}
}

// Limit is the gin middleware. Clients are scoped by IP; the window start is
// the request time truncated to the window length.
func (r *RateLimiter) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.ClientIP()
		windowStart := time.Now().UTC().Truncate(r.window)

		count, err := r.repo.Increment(c.Request.Context(), scope, windowStart)
		if err != nil {
			// Fail open: a database hiccup must not take the API down.
			r.logger.WithError(err).Warn("rate limit counter unavailable")
			c.Next()
			return
		}

		if count > r.max {
			metrics.RateLimited.Inc()
			r.logger.WithFields(logrus.Fields{
				"scope": scope,
				"count": count,
			}).Warn("rate limit exceeded")
			c.Header("Retry-After", windowStart.Add(r.window).UTC().Format(http.TimeFormat))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"ok":    false,
				"error": "RATE_LIMITED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// StartPruner deletes expired windows on a fixed cadence until stop closes.
func (r *RateLimiter) StartPruner(stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(10 * r.window)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := r.repo.PruneBefore(ctx, time.Now().UTC().Add(-2*r.window)); err != nil {
					r.logger.WithError(err).Warn("rate limit prune failed")
				}
				cancel()
			}
		}
	}()
}
