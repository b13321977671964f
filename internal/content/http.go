package content

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProducer delegates generation to a remote content engine. It makes a
// single attempt per call; the caller owns retries.
type HTTPProducer struct {
	url    string
	apiKey string
	client *http.Client
}

type generateRequest struct {
	Section string            `json:"section"`
	Title   string            `json:"title"`
	Index   int               `json:"index"`
	Total   int               `json:"total"`
	Subject map[string]string `json:"subject"`
}

type generateResponse struct {
	Content string `json:"content"`
}

type engineError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// NewHTTPProducer returns a producer posting to url.
func NewHTTPProducer(url, apiKey string, hc *http.Client) *HTTPProducer {
	if hc == nil {
		hc = &http.Client{Timeout: 60 * time.Second}
	}
	return &HTTPProducer{url: url, apiKey: apiKey, client: hc}
}

func (p *HTTPProducer) Generate(ctx context.Context, req SectionRequest) (string, error) {
	body, err := json.Marshal(generateRequest{
		Section: req.Key, Title: req.Title, Index: req.Index, Total: req.Total, Subject: req.Subject,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("HTTP request failed: %w", err)
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var ee engineError
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &ee) == nil && ee.Error.Message != "" {
			msg = ee.Error.Message
		}
		err := fmt.Errorf("content engine error (%d): %s", resp.StatusCode, msg)
		// Retry on rate limit (429) or server errors (5xx) only.
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	var out generateResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if strings.TrimSpace(out.Content) == "" {
		return "", fmt.Errorf("content engine returned an empty section")
	}
	return out.Content, nil
}
