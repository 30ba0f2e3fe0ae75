package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/layer-3/notary/core"
)

// authFailedMessage is the only detail an authentication failure carries
const authFailedMessage = "authentication failed"

// writeError maps err onto a status code and a JSON body. Authentication
// failures all look alike on the wire; the cause goes to the log.
func writeError(c *gin.Context, logger zerolog.Logger, err error) {
	switch core.KindOf(err) {
	case core.KindValidation:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case core.KindAuthentication:
		logger.Warn().Err(err).Str("path", c.FullPath()).Msg("authentication failed")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authFailedMessage})
	case core.KindAuthorization:
		body := gin.H{"error": "forbidden"}
		var forbidden *core.ForbiddenError
		if errors.As(err, &forbidden) {
			body["required"] = forbidden.Required
			body["actual"] = forbidden.Actual
		}
		c.AbortWithStatusJSON(http.StatusForbidden, body)
	case core.KindConflict:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error()})
	case core.KindNotFound:
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case core.KindRateLimited:
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	case core.KindTransient:
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("transient failure")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	default:
		logger.Error().
			Err(err).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("unhandled error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
