package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/auth"
)

// AdminAuth guards the operator endpoints with a bearer JWT issued by the
// admin login flow.
type AdminAuth struct {
	tokens *auth.AdminTokens
	logger *logrus.Logger
}

// NewAdminAuth creates the middleware.
func NewAdminAuth(tokens *auth.AdminTokens, logger *logrus.Logger) *AdminAuth {
	return &AdminAuth{tokens: tokens, logger: logger}
}

// Require rejects requests without a valid admin token.
func (a *AdminAuth) Require() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			a.logger.WithFields(logrus.Fields{
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("admin auth failed, missing bearer token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "AUTH_REQUIRED",
			})
			c.Abort()
			return
		}

		claims, err := a.tokens.Validate(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			a.logger.WithFields(logrus.Fields{
				"path":  c.Request.URL.Path,
				"error": err.Error(),
			}).Warn("admin auth failed, invalid token")
			c.JSON(http.StatusUnauthorized, gin.H{
				"ok":    false,
				"error": "INVALID_TOKEN",
			})
			c.Abort()
			return
		}

		if claims.Role != "admin" {
			c.JSON(http.StatusForbidden, gin.H{
				"ok":    false,
				"error": "INSUFFICIENT_PERMISSIONS",
			})
			c.Abort()
			return
		}

		c.Set("admin_username", claims.Username)
		c.Next()
	}
}
