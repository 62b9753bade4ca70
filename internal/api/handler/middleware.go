package handler

import (
	"strings"
	"time"

	"teamchat/backend/internal/apperrors"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const ctxUserID = "user_id"

// RequestLogger logs one line per request through zerolog.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		default:
			ev = log.Debug()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("user_id", c.GetString(ctxUserID)).
			Msg("http request")
	}
}

// RequireAuth admits requests carrying a valid bearer access token and
// stores the caller's id in the context.
func (h *Handler) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			respondError(c, apperrors.Auth(apperrors.AuthInvalid, nil))
			return
		}
		id, err := h.Tokens.VerifyAccess(token)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Set(ctxUserID, id.UserID)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxUserID)
}
