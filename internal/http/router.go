// Package httpapi wires the HTTP transport (Gin) to the sync engine,
// middleware and route handlers. It centralizes tracing, correlation IDs,
// access logging, panic recovery, metrics, compression, CORS, security
// headers and rate limiting.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/tbourn/fedi-timeline-sync/internal/config"
	"github.com/tbourn/fedi-timeline-sync/internal/docs"
	"github.com/tbourn/fedi-timeline-sync/internal/http/handlers"
	"github.com/tbourn/fedi-timeline-sync/internal/http/middleware"
)

const maxBodyBytes = 1 << 20

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status   string `json:"status" example:"ok"`
	Accounts int    `json:"accounts" example:"2"`
	Streams  int    `json:"streams" example:"6"`
}

// RegisterRoutes attaches all middleware and endpoints to r.
//
// Middleware order:
//  1. OpenTelemetry
//  2. RequestID
//  3. Logger (credentials scrubbed)
//  4. Recovery
//  5. Body size limit
//  6. Metrics
//  7. Rate limiter (event streams exempt)
//  8. Compression (event streams excluded)
//  9. CORS and security headers
func RegisterRoutes(r *gin.Engine, eng handlers.Engine, cfg config.Config) {
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.Recovery())
	r.Use(limitBody(maxBodyBytes))

	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, nil)
	rl.Exempt = middleware.IsEventStream
	r.Use(rl.Handler())

	r.Use(gzip.Gzip(gzip.DefaultCompression,
		gzip.WithExcludedPathsRegexs([]string{`/events$`, `^/metrics$`})))

	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS: cfg.Security.EnableHSTS,
		HSTSMaxAge: cfg.Security.HSTSMaxAge,
	}))

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:   "ok",
			Accounts: len(eng.ListAccounts()),
			Streams:  len(eng.StreamStatus()),
		})
	})

	if cfg.SwaggerEnabled {
		docs.SwaggerInfo.BasePath = cfg.APIBasePath
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(eng)
	api := groupWithPrefix(r, cfg.APIBasePath)
	{
		api.GET("/timelines", h.ListTimelines)
		api.PUT("/timelines", h.PutTimelines)
		api.GET("/timelines/:id/items", h.TimelineItems)
		api.POST("/timelines/:id/refresh", h.RefreshTimeline)
		api.POST("/timelines/:id/more", h.LoadMore)
		api.GET("/timelines/:id/events", h.TimelineEvents)

		api.POST("/statuses/actions", h.SetAction)

		api.GET("/accounts", h.ListAccounts)
		api.PUT("/accounts", h.PutAccounts)
		api.GET("/streams", h.ListStreams)
		api.POST("/streams/retry", h.RetryStream)
		api.POST("/retention/sweep", h.Sweep)
		api.GET("/stats", h.Stats)
	}
}

// corsMiddleware allows every origin when none are configured, otherwise
// only the allowlist.
func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "If-None-Match", "Last-Event-ID"},
		ExposeHeaders: []string{"X-Request-ID", "ETag", "Retry-After"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
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
