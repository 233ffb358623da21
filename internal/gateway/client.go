package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/safar/market-orders/internal/apperr"
)

const maxResponseBytes = 1 << 20

// apiClient is the HTTP plumbing shared by the provider implementations.
type apiClient struct {
	provider  string
	baseURL   string
	http      *http.Client
	authorize func(*http.Request)
}

type apiRequest struct {
	op          string
	method      string
	path        string
	body        string
	contentType string
	headers     map[string]string
}

// do sends req and decodes a 2xx JSON body into out. Transport failures, 429
// and 5xx responses come back as temporary GatewayErrors; 404 wraps ErrNotFound.
func (c *apiClient) do(ctx context.Context, req apiRequest, out any) error {
	var body io.Reader
	if req.body != "" {
		body = strings.NewReader(req.body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, strings.TrimRight(c.baseURL, "/")+req.path, body)
	if err != nil {
		return c.fail(req.op, false, fmt.Errorf("build request: %w", err))
	}
	if req.contentType != "" {
		httpReq.Header.Set("Content-Type", req.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	if c.authorize != nil {
		c.authorize(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return c.fail(req.op, true, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return c.fail(req.op, true, fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return c.fail(req.op, false, ErrNotFound)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return c.fail(req.op, true, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(raw)))
	case resp.StatusCode >= 400:
		return c.fail(req.op, false, fmt.Errorf("status %d: %s", resp.StatusCode, errorMessage(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return c.fail(req.op, false, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *apiClient) fail(op string, temporary bool, err error) error {
	return &apperr.GatewayError{Provider: c.provider, Op: op, Temporary: temporary, Err: err}
}

// errorMessage pulls the human message out of either provider's error envelope.
func errorMessage(raw []byte) string {
	var envelope struct {
		Error struct {
			Message     string `json:"message"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Error.Description != "" {
			return envelope.Error.Description
		}
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}

// IsTemporary reports whether err is worth retrying.
func IsTemporary(err error) bool {
	var gerr *apperr.GatewayError
	if errors.As(err, &gerr) {
		return gerr.Temporary
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
