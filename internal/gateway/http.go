package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const maxErrorBody = 64 << 10

// HTTPClient talks to the processor over HTTPS with a pre-shared secret.
// Requests are application/x-www-form-urlencoded; responses are JSON.
type HTTPClient struct {
	baseURL string
	secret  string
	client  *http.Client
}

var _ Gateway = (*HTTPClient)(nil)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewHTTPClient returns a client rooted at baseURL. A nil hc gets a client
// with a 30s ceiling; per-call deadlines come from the caller's context.
func NewHTTPClient(baseURL, secret string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), secret: secret, client: hc}
}

func (c *HTTPClient) Charge(ctx context.Context, p Params) (Result, error) {
	return c.do(ctx, "charge", http.MethodPost, "/charges", chargeForm(p, true), p.IdempotencyKey)
}

func (c *HTTPClient) Authorize(ctx context.Context, p Params) (Result, error) {
	return c.do(ctx, "authorize", http.MethodPost, "/charges", chargeForm(p, false), p.IdempotencyKey)
}

func (c *HTTPClient) Capture(ctx context.Context, chargeID string, amount int64, idempotencyKey string) (Result, error) {
	form := url.Values{}
	if amount > 0 {
		form.Set("amount", strconv.FormatInt(amount, 10))
	}
	return c.do(ctx, "capture", http.MethodPost, "/charges/"+url.PathEscape(chargeID)+"/capture", form, idempotencyKey)
}

func (c *HTTPClient) Release(ctx context.Context, chargeID, idempotencyKey string) (Result, error) {
	return c.do(ctx, "release", http.MethodPost, "/charges/"+url.PathEscape(chargeID)+"/release", url.Values{}, idempotencyKey)
}

func (c *HTTPClient) VerificationStatus(ctx context.Context, chargeID string) (Result, error) {
	return c.do(ctx, "verification_status", http.MethodGet, "/charges/"+url.PathEscape(chargeID)+"/verification", nil, "")
}

func (c *HTTPClient) CompleteVerification(ctx context.Context, chargeID string) (Result, error) {
	return c.do(ctx, "complete_verification", http.MethodPost, "/charges/"+url.PathEscape(chargeID)+"/verification/complete", url.Values{}, "")
}

func chargeForm(p Params, capture bool) url.Values {
	form := url.Values{}
	form.Set("source", p.Token)
	form.Set("amount", strconv.FormatInt(p.Amount, 10))
	form.Set("currency", p.Currency)
	form.Set("capture", strconv.FormatBool(capture))
	if p.Description != "" {
		form.Set("description", p.Description)
	}
	if p.RequireVerification {
		form.Set("require_verification", "true")
	}
	for k, v := range p.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	return form
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, form url.Values, idempotencyKey string) (Result, error) {
	tr := otel.Tracer("gateway/HTTPClient")
	ctx, span := tr.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("http.method", method), attribute.String("gateway.op", op)),
	)
	defer span.End()

	res, err := c.roundTrip(ctx, method, path, form, idempotencyKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(ClassOf(err)))
	}
	return res, err
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, path string, form url.Values, idempotencyKey string) (Result, error) {
	if c.secret == "" {
		return Result{}, &Error{Class: ClassConfiguration, Code: "missing_secret", Message: "payment gateway secret is not configured"}
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Result{}, &Error{Class: ClassConfiguration, Message: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.secret)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.client.Do(req)
	if err != nil {
		return Result{}, &Error{Class: ClassUnavailable, Code: "network_error", Message: "payment processor unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return Result{}, &Error{Class: ClassUnavailable, Code: "read_error", Message: "reading processor response", StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, classifyStatus(resp.StatusCode, raw)
	}

	var out Result
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, &Error{Class: ClassUnavailable, Code: "decode_error", Message: "malformed processor response", StatusCode: resp.StatusCode, Err: err}
	}
	return out, nil
}

// classifyStatus maps a non-2xx response onto a Class. Auth failures are an
// operator problem, 429 and 5xx are transient, other 4xx are declines.
func classifyStatus(status int, body []byte) *Error {
	e := &Error{StatusCode: status}
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.Error.Message != "" {
		e.Code, e.Message = ae.Error.Code, ae.Error.Message
	} else {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Class = ClassConfiguration
	case status == http.StatusTooManyRequests || status >= 500:
		e.Class = ClassUnavailable
	case status >= 400:
		e.Class = ClassRejected
	default:
		e.Class = ClassUnavailable
		e.Message = fmt.Sprintf("unexpected status %d", status)
	}
	return e
}
