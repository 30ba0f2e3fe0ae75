package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/ports"
	"github.com/layer-3/notary/service"
)

// maxBodyBytes bounds request bodies; artifacts arrive base64 encoded
const maxBodyBytes = 16 << 20

// HealthCheck reports whether a backing dependency is reachable
type HealthCheck func(ctx context.Context) error

// RouterOptions wires the services behind the HTTP surface
type RouterOptions struct {
	Auth      *service.AuthService
	Documents *service.DocumentService
	Limiter   ports.RateLimiter
	Logger    zerolog.Logger
	Checks    map[string]HealthCheck
}

// SetupRouter sets up the Gin router
func SetupRouter(opts RouterOptions) *gin.Engine {
	registerValidators()

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger(opts.Logger), limitBody)

	authHandlers := NewAuthHandlers(opts.Auth, opts.Logger)
	docHandlers := NewDocumentHandlers(opts.Documents, opts.Logger)
	authRequired := AuthMiddleware(opts.Auth, opts.Logger)

	router.GET("/healthz", health(opts.Checks, opts.Logger))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.GET("/nonce", RateLimit(opts.Limiter, "nonce", opts.Logger), authHandlers.Nonce)
		auth.POST("/verify", RateLimit(opts.Limiter, "verify", opts.Logger), authHandlers.Verify)
		auth.GET("/me", authRequired, authHandlers.Me)
		auth.POST("/logout", authRequired, authHandlers.Logout)
	}

	// Public document lookups
	router.GET("/documents/:fingerprint/status", docHandlers.Status)
	router.POST("/documents/verify-artifact", RateLimit(opts.Limiter, "artifact", opts.Logger), docHandlers.VerifyArtifact)

	// Protected document routes
	docs := router.Group("/documents")
	docs.Use(authRequired)
	{
		docs.POST("", docHandlers.Register)
		docs.GET("", docHandlers.List)
		docs.POST("/:fingerprint/verify", RequireRole(opts.Logger, core.RoleInstitute, core.RoleAdmin), docHandlers.MarkVerified)
		docs.POST("/:fingerprint/revoke", docHandlers.Revoke)
	}

	admin := router.Group("/admin")
	admin.Use(authRequired, RequireRole(opts.Logger, core.RoleAdmin))
	{
		admin.PUT("/identities/:address/role", authHandlers.SetRole)
	}

	return router
}

func limitBody(c *gin.Context) {
	if c.Request.Body != nil {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	}
	c.Next()
}

func health(checks map[string]HealthCheck, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				logger.Warn().Err(err).Str("check", name).Msg("health check failed")
				results[name] = "down"
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "up"
		}
		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": results})
	}
}
