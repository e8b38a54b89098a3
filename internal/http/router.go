// Package httpapi wires the ops API: a small authenticated Gin surface over
// the article store, the failure log and the key pool, plus /health, /ready
// and /metrics.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (credentials masked)
//  4. Recovery
//  5. body limit
//  6. Metrics
//  7. gzip
//  8. CORS and security headers
//
// Read endpoints are open to anything that can reach the port; the retry
// endpoints require the ops API key and are rate limited per caller.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-news-autopublisher/internal/config"
	"github.com/tbourn/go-news-autopublisher/internal/http/handlers"
	"github.com/tbourn/go-news-autopublisher/internal/http/middleware"
	"github.com/tbourn/go-news-autopublisher/internal/services"
)

const maxBodyBytes = 64 << 10

// Deps are the services behind the ops API.
type Deps struct {
	DB    *gorm.DB
	Stats handlers.StatsService
	Retry handlers.RetryService
	Keys  services.KeySnapshotter
}

// RegisterRoutes attaches the middleware chain and every endpoint to r.
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.LogOptions{}))
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))
	r.Use(middleware.Metrics())
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(cors.New(corsConfig(cfg.CORS)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{NoStore: true}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/ready", readiness(deps.DB))

	h := handlers.New(deps.Stats, deps.Retry, deps.Keys)
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCallerOrIP())

	api := groupWithPrefix(r, cfg.APIBasePath)
	api.Use(rl.Handler())
	{
		api.GET("/stats", h.Stats)
		api.GET("/keys", h.Keys)
		api.GET("/articles", h.ListArticles)
		api.GET("/articles/:id", h.GetArticle)
		api.GET("/failures", h.ListFailures)
	}

	ops := api.Group("", middleware.RequireAPIKey(cfg.APIKey))
	{
		ops.POST("/articles/retry", h.RetryFailed)
		ops.POST("/articles/:id/retry", h.RetryArticle)
	}
}

// corsConfig allows any origin without credentials when no allowlist is
// configured.
func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderAPIKey},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(c.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowedOrigins
	}
	return cc
}

// readiness pings the database.
func readiness(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if db == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			handlers.Fail(c, http.StatusServiceUnavailable, "not_ready", "database unavailable")
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// limitBody caps request bodies at maxBytes.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
