// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file provides the correlation id injector, panic recovery and access
// to the request-scoped logger attached by RedactingLogger. Install them as
//
//	RequestID() → RedactingLogger(...) → Recovery()
//
// so panics and payment errors are logged with the correlation id.
package middleware

import (
	"net/http"
	"regexp"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	requestIDKey    = "requestID"
	requestIDHeader = "X-Request-ID"
	loggerKey       = "logger"
	// maxQueryLogLength caps the bytes of the raw query string that are logged.
	maxQueryLogLength = 2048
)

// requestIDRE bounds what an inbound id may contain before it is echoed and
// logged.
var requestIDRE = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

// RequestID reuses a well-formed X-Request-ID from the caller or generates a
// UUIDv4, echoes it on the response and stores it in the Gin context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if !requestIDRE.MatchString(rid) {
			rid = uuid.NewString()
		}
		c.Set(requestIDKey, rid)
		c.Writer.Header().Set(requestIDHeader, rid)
		c.Next()
	}
}

// RequestIDFrom returns the correlation id of the request, or "".
func RequestIDFrom(c *gin.Context) string {
	v, _ := c.Get(requestIDKey)
	return asString(v)
}

// Recovery converts panics into the standard JSON 500 envelope and logs the
// stack with the correlation id. A panic after the response started only
// aborts the request; SSE streams fall into that case.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			rid := RequestIDFrom(c)
			LoggerFrom(c).Error().
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Str("request_id", rid).
				Msg("panic recovered")

			if c.Writer.Written() {
				c.AbortWithStatus(http.StatusInternalServerError)
				return
			}
			abortJSON(c, http.StatusInternalServerError, "internal_error", "internal server error")
		}()
		c.Next()
	}
}

// LoggerFrom returns the request-scoped logger, or the global logger when
// none was attached. The result is never nil.
func LoggerFrom(c *gin.Context) *zerolog.Logger {
	if v, ok := c.Get(loggerKey); ok {
		if lg, ok := v.(*zerolog.Logger); ok {
			return lg
		}
	}
	l := log.With().Logger()
	return &l
}

// abortJSON stops the chain with the API error envelope. Middleware cannot
// reach the handler package, so the shape is repeated here.
func abortJSON(c *gin.Context, status int, code, message string) {
	rid := RequestIDFrom(c)
	if rid != "" {
		c.Header(requestIDHeader, rid)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"request_id": rid,
		"code":       code,
		"message":    message,
	})
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// truncate cuts s to max bytes and appends an ellipsis; max <= 0 disables it.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
