package api

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/smartystudio/smarty-google-feed-generator/app/metrics"
)

type ServerOptions struct {
	APIAccessKey string
	RateLimit    float64              // feed requests per second per client, 0 disables
	Gatherer     prometheus.Gatherer // nil disables /metrics
}

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, opts ServerOptions) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	r.Use(gin.Recovery())

	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", "Accept", "X-API-Key", "Authorization"},
		ExposeHeaders:   []string{"X-Feed-Name", "X-Feed-Stale", "Retry-After"},
	}))

	setupRoutes(r, handler, opts)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, opts ServerOptions) {
	r.GET("/health", handler.GetHealth)
	r.GET("/stats", handler.GetStats)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(opts.Gatherer)))
	}

	if opts.APIAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(opts.APIAccessKey))
		{
			api.POST("/events", handler.APIPostEvent)
			api.POST("/feeds/:name/regenerate", handler.APIRegenerateFeed)
			api.DELETE("/feeds/:name/cache", handler.APIInvalidateFeed)
			api.POST("/definitions/reload", handler.APIReloadDefinitions)
		}
		slog.Info("API endpoints enabled with authentication")
	} else {
		slog.Info("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		feeds := map[string]string{}
		for _, def := range handler.definitions.Enabled() {
			feeds[def.Name] = def.Path
		}

		endpoints := map[string]string{
			"health": "/health",
			"stats":  "/stats",
		}
		if opts.Gatherer != nil {
			endpoints["metrics"] = "/metrics"
		}
		if opts.APIAccessKey != "" {
			endpoints["events"] = "/api/events (POST, requires X-API-Key header)"
			endpoints["regenerate"] = "/api/feeds/<name>/regenerate (POST, requires X-API-Key header)"
			endpoints["cache"] = "/api/feeds/<name>/cache (DELETE, requires X-API-Key header)"
			endpoints["reload"] = "/api/definitions/reload (POST, requires X-API-Key header)"
		}

		c.JSON(200, gin.H{
			"service":     "Smarty Google Feed Generator",
			"version":     handler.version,
			"description": "Google Merchant Center product and review XML feeds",
			"feeds":       feeds,
			"endpoints":   endpoints,
			"api_status": map[string]interface{}{
				"enabled":       opts.APIAccessKey != "",
				"auth_required": opts.APIAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})

	// Feed paths come from the definitions and change on reload, so they
	// are resolved per request instead of registered as routes.
	r.NoRoute(NewRateLimiter(opts.RateLimit).Middleware(), handler.ServeFeed)
}

// authMiddleware creates authentication middleware for API endpoints
func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiAccessKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
