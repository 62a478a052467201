// Package webserver is the HTTP surface: claim reservation, claim status and operator actions.
package webserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stake-plus/daget/src/config"
)

// Deps are the services behind the routes.
type Deps struct {
	Reserver Reserver
	Claims   ClaimService
	Gatherer prometheus.Gatherer
	// Health reports whether storage is reachable. Nil always reports healthy.
	Health  func(ctx context.Context) error
	Limiter *RateLimiter
	Log     *slog.Logger
}

func New(cfg config.HTTPConfig, deps Deps) *gin.Engine {
	g := gin.New()
	g.Use(requestLogger(deps.Log), gin.Recovery())
	attachRoutes(g, cfg, deps)
	return g
}

func attachRoutes(r *gin.Engine, cfg config.HTTPConfig, deps Deps) {
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", headerIdempotencyKey},
		ExposeHeaders:    []string{"Content-Length", headerReplayed},
		AllowCredentials: true,
	}))

	r.GET("/healthz", func(c *gin.Context) {
		if deps.Health != nil {
			if err := deps.Health(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"err": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	limiter := deps.Limiter
	if limiter == nil {
		limiter = NewRateLimiter(cfg.ReserveRate, cfg.ReserveWindow)
	}
	claimsH := NewClaims(deps.Reserver, deps.Claims, deps.Log)
	secret := []byte(cfg.JWTSecret)

	v1 := r.Group("/v1")
	v1.Use(JWTMiddleware(secret))
	{
		v1.POST("/dagets/:slug/claims", RateLimitMiddleware(limiter), claimsH.Create)
		v1.GET("/claims/:id", claimsH.Status)
	}

	admin := v1.Group("/admin")
	admin.Use(RequireRole(RoleOperator))
	{
		admin.POST("/claims/:id/retry", claimsH.Retry)
		admin.POST("/claims/:id/release", claimsH.Release)
	}
}

func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if log == nil {
			return
		}
		log.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"sub", c.GetString(ctxSubject),
		)
	}
}
