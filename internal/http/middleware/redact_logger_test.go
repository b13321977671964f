package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRedact(t *testing.T) {
	cases := []struct{ in, want string }{
		{"token=tok_valid&x=1", "token=[REDACTED:token]&x=1"},
		{"card 4242 4242 4242 4242 end", "card [REDACTED:pan] end"},
		{"mail a.b+tag@example.com", "mail [REDACTED:email]"},
		{"amount=10000&currency=usd", "amount=10000&currency=usd"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := redact(tc.in); got != tc.want {
			t.Errorf("redact(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedactingLogger_InfoAndRedactions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID(), RedactingLogger(RedactOptions{MaskHeaders: []string{"X-Api-Key"}}))
	r.GET("/payments/:id", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	req := httptest.NewRequest(http.MethodGet, "/payments/ch_1?token=tok_valid&email=a@b.com", nil)
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("X-Gateway-Secret", "sk_live")
	req.Header.Set("X-Api-Key", "shhh")
	req.Header.Set("X-Note", "pan 4111111111111111")
	req.Header.Set(requestIDHeader, "rid-1")

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	logs := buf.String()
	for _, want := range []string{
		`"level":"info"`,
		`"path":"/payments/:id"`,
		`"request_id":"rid-1"`,
		`[REDACTED:token]`,
		`[REDACTED:email]`,
		`"Authorization":"[REDACTED]"`,
		`"X-Gateway-Secret":"[REDACTED]"`,
		`"X-Api-Key":"[REDACTED]"`,
		`"X-Note":"pan [REDACTED:pan]"`,
	} {
		if !strings.Contains(logs, want) {
			t.Fatalf("missing %s in %s", want, logs)
		}
	}
	if strings.Contains(logs, "tok_valid") || strings.Contains(logs, "sk_live") {
		t.Fatalf("secret leaked: %s", logs)
	}
}

func TestRedactingLogger_Levels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		status int
		err    bool
		level  string
	}{
		{http.StatusNotFound, false, "warn"},
		{http.StatusServiceUnavailable, false, "error"},
		{http.StatusOK, true, "error"},
	}
	for _, tc := range cases {
		buf := captureLogger(t)
		r := gin.New()
		r.Use(RedactingLogger(RedactOptions{}))
		r.GET("/x", func(c *gin.Context) {
			if tc.err {
				_ = c.Error(http.ErrHandlerTimeout)
			}
			c.Status(tc.status)
		})
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
		if !strings.Contains(buf.String(), `"level":"`+tc.level+`"`) {
			t.Fatalf("status %d err=%v: want %s in %s", tc.status, tc.err, tc.level, buf.String())
		}
	}
}

func TestRedactingLogger_IdempotencyFields(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.Use(IdempotencyValidator(IdempotencyOptions{}, func(context.Context, string) (bool, error) {
		return true, nil
	}))
	r.POST("/payments", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	req.Header.Set(HeaderIdempotencyKey, "order-7")
	r.ServeHTTP(httptest.NewRecorder(), req)

	logs := buf.String()
	if !strings.Contains(logs, `"idempotent":true`) || !strings.Contains(logs, `"replay":true`) {
		t.Fatalf("idempotency fields missing: %s", logs)
	}
}

func TestRedactingLogger_DefaultMaskedHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RedactingLogger(RedactOptions{}))
	r.POST("/payments", func(c *gin.Context) { c.Status(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodPost, "/payments", nil)
	for _, h := range defaultMaskedHeaders {
		req.Header.Set(h, "secret-value")
	}
	req.Header.Set("X-Api-Key", "visible")
	r.ServeHTTP(httptest.NewRecorder(), req)

	logs := buf.String()
	for _, h := range defaultMaskedHeaders {
		if !strings.Contains(logs, `"`+h+`":"[REDACTED]"`) {
			t.Fatalf("%s not masked: %s", h, logs)
		}
	}
	if strings.Contains(logs, "secret-value") || !strings.Contains(logs, `"X-Api-Key":"visible"`) {
		t.Fatalf("unexpected masking: %s", logs)
	}
}
