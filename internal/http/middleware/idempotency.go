// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file checks the Idempotency-Key header on payment and job submissions.
// A well-formed key is stashed for handlers; when a stored outcome already
// exists for it the request is marked as a replay and exempted from rate
// limiting, since serving it never reaches the processor.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderIdempotencyKey carries the caller's idempotency key.
	HeaderIdempotencyKey = "Idempotency-Key"
	// HeaderIdempotencyReplayed is set on responses served from a stored outcome.
	HeaderIdempotencyReplayed = "Idempotency-Replayed"

	defaultKeyMaxLen = 200
	idemStateKey     = "idem"
)

var defaultKeyPattern = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)

type idemState struct {
	key    string
	replay bool
}

func idemFrom(c *gin.Context) idemState {
	if v, ok := c.Get(idemStateKey); ok {
		if st, ok := v.(idemState); ok {
			return st
		}
	}
	return idemState{}
}

// GetIdempotencyKey returns the key accepted by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	st := idemFrom(c)
	return st.key, st.key != ""
}

// IsReplay reports whether a stored outcome exists for the request's key.
func IsReplay(c *gin.Context) bool { return idemFrom(c).replay }

// IdempotencyOptions configures header validation.
type IdempotencyOptions struct {
	MaxLen  int            // <= 0 means 200
	Pattern *regexp.Regexp // nil means ^[A-Za-z0-9._~\-:]+$
}

// IdempotencyLookup reports whether a live outcome is stored for key.
type IdempotencyLookup func(ctx context.Context, key string) (bool, error)

// IdempotencyValidator rejects malformed keys on POST, PUT, PATCH and DELETE
// with 400. Safe methods never carry side effects, so their header is ignored.
// A lookup failure is logged and the request proceeds as a first attempt.
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = defaultKeyMaxLen
	}
	pat := opts.Pattern
	if pat == nil {
		pat = defaultKeyPattern
	}
	malformed := "Idempotency-Key is malformed or longer than " + strconv.Itoa(maxLen) + " characters"

	return func(c *gin.Context) {
		if !unsafeMethod(c.Request.Method) {
			c.Next()
			return
		}
		key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			abortJSON(c, http.StatusBadRequest, "invalid_input", malformed)
			return
		}

		st := idemState{key: key}
		if lookup != nil {
			exists, err := lookup(c.Request.Context(), key)
			if err != nil {
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			}
			st.replay = err == nil && exists
		}
		c.Set(idemStateKey, st)
		if st.replay {
			c.Set(ctxKeyRateBypass, true)
		}

		c.Next()
	}
}

func unsafeMethod(m string) bool {
	switch m {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
