package http

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
	"github.com/layer-3/notary/internal/metrics"
	"github.com/layer-3/notary/ports"
	"github.com/layer-3/notary/service"
)

const principalKey = "principal"

// AuthMiddleware validates the bearer token and stores the principal
func AuthMiddleware(authService *service.AuthService, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || token == "" {
			writeError(c, logger, core.ErrUnauthenticated)
			return
		}

		principal, err := authService.ValidateSession(c.Request.Context(), token)
		if err != nil {
			writeError(c, logger, err)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireRole admits only principals holding one of roles. It must run
// after AuthMiddleware.
func RequireRole(logger zerolog.Logger, roles ...core.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := service.RequireRole(principalFrom(c), roles...); err != nil {
			writeError(c, logger, err)
			return
		}
		c.Next()
	}
}

// RateLimit rejects callers over their window, keyed by client IP. A limiter
// failure lets the request through.
func RateLimit(limiter ports.RateLimiter, route string, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := limiter.Allow(c.Request.Context(), route+":"+c.ClientIP())
		if err != nil {
			logger.Error().Err(err).Str("route", route).Msg("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitedTotal.WithLabelValues(route).Inc()
			writeError(c, logger, core.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// RequestLogger logs each request and records its latency
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		metrics.HTTPRequestDuration.
			WithLabelValues(route, c.Request.Method, strconv.Itoa(status)).
			Observe(elapsed.Seconds())

		event := logger.Info()
		if status >= 500 {
			event = logger.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// principalFrom returns the principal set by AuthMiddleware, if any
func principalFrom(c *gin.Context) *core.Principal {
	v, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	p, _ := v.(*core.Principal)
	return p
}
