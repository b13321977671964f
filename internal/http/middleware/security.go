package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// ReportCSP is the Content-Security-Policy for rendered report documents:
// inline styles only, no scripts, no framing, no outbound form posts.
const ReportCSP = "default-src 'none'; style-src 'unsafe-inline'; img-src data:; frame-ancestors 'none'; form-action 'none'; base-uri 'none'"

// SecurityOptions configures SecurityHeaders.
//
// HSTS is only emitted for requests that arrived over HTTPS, directly or via a
// proxy that set X-Forwarded-Proto. HSTSMaxAge defaults to 180 days.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	NoStore      bool // Cache-Control: no-store plus the legacy Pragma/Expires pair
	EnablePolicy bool // Permissions-Policy and X-Permitted-Cross-Domain-Policies
}

// exposed lists response headers browser clients are allowed to read.
var exposed = []string{requestIDHeader, HeaderIdempotencyReplayed}

// SecurityHeaders attaches baseline hardening headers to every response and
// exposes the request-id and replay headers to browser clients.
//
// Payment and report responses are never cacheable by intermediaries, so
// NoStore is normally on; Permissions-Policy disables the browser payment
// handler API together with the usual sensors.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := int64(opt.HSTSMaxAge / time.Second)
	if maxAge <= 0 {
		maxAge = int64(180 * 24 * time.Hour / time.Second)
	}
	hsts := "max-age=" + strconv.FormatInt(maxAge, 10) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hsts)
		}
		exposeHeaders(h)

		c.Next()
	}
}

// ReportHeaders adds the document CSP for HTML report routes. It runs after
// SecurityHeaders so it may relax nothing but the CSP itself.
func ReportHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Content-Security-Policy", ReportCSP)
		c.Next()
	}
}

func exposeHeaders(h http.Header) {
	const hdr = "Access-Control-Expose-Headers"
	cur := h.Get(hdr)
	for _, name := range exposed {
		if containsFold(cur, name) {
			continue
		}
		if cur == "" {
			cur = name
		} else {
			cur += ", " + name
		}
	}
	h.Set(hdr, cur)
}

func containsFold(list, name string) bool {
	for _, part := range strings.Split(list, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return true
		}
	}
	return false
}

func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
