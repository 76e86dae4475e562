package router

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"paylane-backend/internal/config"
	"paylane-backend/internal/handlers"
	"paylane-backend/internal/middleware"
)

// Handlers bundles everything the route table mounts.
type Handlers struct {
	Transfer  *handlers.TransferHandler
	Receipt   *handlers.ReceiptHandler
	Websocket *handlers.WebsocketHandler
	Admin     *handlers.AdminHandler
	AdminAuth *middleware.AdminAuth
	RateLimit *middleware.RateLimiter
}

// New builds the gin engine with the full route table.
func New(cfg *config.Config, h *Handlers, logger *logrus.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(corsMiddleware(cfg))

	r.GET("/healthz", handlers.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(h.RateLimit.Limit())
	{
		api.POST("/quote", h.Transfer.QuoteHandler)
		api.POST("/transfer", h.Transfer.TransferRequestHandler)
		api.POST("/transfer/submit", h.Transfer.SubmitSignedHandler)
		api.GET("/receipts", h.Receipt.ListReceiptsHandler)
		api.GET("/receipts/:key", h.Receipt.GetReceiptHandler)
		api.GET("/ws/receipts", h.Websocket.ReceiptsStreamHandler)
	}

	admin := r.Group("/api/v1/admin")
	admin.POST("/login", h.Admin.LoginHandler)
	protected := admin.Group("")
	protected.Use(h.AdminAuth.Require())
	{
		protected.GET("/stipend/status", h.Admin.StatusHandler)
		protected.POST("/receipts/:id/reconcile", h.Admin.ReconcileReceiptHandler)
	}

	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// Websocket upgrades hold the connection open; skip their timing.
		if c.IsWebsocket() {
			return
		}
		logger.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
			"client":  c.ClientIP(),
		}).Info("request handled")
	}
}

// corsMiddleware applies the configured origin whitelist. An empty list
// allows every origin without credentials.
func corsMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := map[string]bool{}
	for _, o := range cfg.CORS.AllowedOrigins {
		allowed[o] = true
	}
	maxAge := cfg.CORS.MaxAge
	if maxAge == 0 {
		maxAge = 3600
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case len(allowed) == 0:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			if cfg.CORS.AllowCredentials {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Header("Access-Control-Max-Age", strconv.Itoa(maxAge))
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
