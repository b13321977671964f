// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger. It never logs
// bodies, scrubs payment tokens, card-like digit runs and e-mail addresses
// from the query string and header values, masks credential headers, and
// attaches a request-scoped logger for handlers.
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-report-checkout/internal/sysutil"
)

// defaultMaskedHeaders are always logged as "[REDACTED]".
var defaultMaskedHeaders = []string{"Authorization", "Cookie", "Set-Cookie", "X-Gateway-Secret"}

// RedactOptions configures additional scrub behavior for RedactingLogger.
type RedactOptions struct {
	// MaskHeaders are masked in addition to defaultMaskedHeaders.
	MaskHeaders []string
}

var (
	tokenRE = regexp.MustCompile(`\b(?:tok|pm|src|card)_[A-Za-z0-9]+\b`)
	emailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// 13-19 digits, optionally grouped by spaces or dashes.
	panRE = regexp.MustCompile(`\b(?:\d[ -]?){12,18}\d\b`)
)

// redact scrubs sensitive values from s. Tokens go first so the digit
// pattern never sees half of one.
func redact(s string) string {
	if s == "" {
		return s
	}
	s = tokenRE.ReplaceAllString(s, "[REDACTED:token]")
	s = emailRE.ReplaceAllString(s, "[REDACTED:email]")
	return panRE.ReplaceAllString(s, "[REDACTED:pan]")
}

// RedactingLogger logs one structured line per request at info, warn (4xx)
// or error (5xx or Gin errors) level.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	maskHeaders := make(map[string]struct{})
	for _, list := range [][]string{defaultMaskedHeaders, opts.MaskHeaders} {
		for _, h := range list {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				maskHeaders[h] = struct{}{}
			}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		query := redact(truncate(c.Request.URL.RawQuery, maxQueryLogLength))
		headers := zerolog.Dict()
		for k, vv := range c.Request.Header {
			if _, masked := maskHeaders[strings.ToLower(k)]; masked {
				headers.Str(k, "[REDACTED]")
			} else {
				headers.Str(k, redact(strings.Join(vv, ", ")))
			}
		}

		reqID := sysutil.FirstNonEmpty(RequestIDFrom(c), c.GetHeader(requestIDHeader))
		lg := log.With().
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("resource_id", c.Param("id")).
			Logger()
		c.Set(loggerKey, &lg)

		c.Next()

		status := c.Writer.Status()
		ev := lg.WithLevel(accessLevel(status, len(c.Errors) > 0))
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		_, keyed := GetIdempotencyKey(c)
		ev.Str("query", query).
			Str("remote_ip", c.ClientIP()).
			Int("status", status).
			Bool("idempotent", keyed).
			Bool("replay", IsReplay(c)).
			Int64("bytes_in", c.Request.ContentLength).
			Int("bytes_out", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Dict("headers", headers).
			Msg("http_request")
	}
}

func accessLevel(status int, ginErrors bool) zerolog.Level {
	switch {
	case ginErrors || status >= 500:
		return zerolog.ErrorLevel
	case status >= 400:
		return zerolog.WarnLevel
	default:
		return zerolog.InfoLevel
	}
}
