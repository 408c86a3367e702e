package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	httptransport "edgeway/contexts/edge-inference/request-router/transport/http"
)

// gatewayClient calls a running gateway's HTTP surface.
type gatewayClient struct {
	baseURL string
	http    *http.Client
}

func newGatewayClient(baseURL string, timeout time.Duration) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is a non-2xx gateway response.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway returned %d", e.Status)
	}
	return fmt.Sprintf("gateway returned %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *gatewayClient) QueueStatus(ctx context.Context) (httptransport.QueueStatusResponse, error) {
	var out httptransport.QueueStatusResponse
	_, err := c.do(ctx, http.MethodGet, "/v1/queue/status", nil, nil, &out)
	return out, err
}

// Health returns the body for both ok and degraded gateways.
func (c *gatewayClient) Health(ctx context.Context) (httptransport.HealthResponse, error) {
	var out httptransport.HealthResponse
	status, err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	if err != nil && status == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

func (c *gatewayClient) GetRequest(ctx context.Context, id string) (httptransport.RequestStatusResponse, error) {
	var out httptransport.RequestStatusResponse
	_, err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *gatewayClient) ListDeadLetters(ctx context.Context, limit int) (httptransport.ListDeadLettersResponse, error) {
	path := "/v1/dead-letters"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out httptransport.ListDeadLettersResponse
	_, err := c.do(ctx, http.MethodGet, path, nil, nil, &out)
	return out, err
}

func (c *gatewayClient) ReplayDeadLetter(ctx context.Context, id string) (httptransport.ReplayDeadLetterResponse, error) {
	var out httptransport.ReplayDeadLetterResponse
	_, err := c.do(ctx, http.MethodPost, "/v1/dead-letters/"+url.PathEscape(id)+"/replay", nil, nil, &out)
	return out, err
}

// Submit posts a completion body and returns the status code and raw body.
func (c *gatewayClient) Submit(ctx context.Context, body []byte, idempotencyKey string) (int, []byte, error) {
	headers := map[string]string{"Content-Type": "application/json"}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/mcp/completions", body, headers)
	if err != nil {
		return 0, nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	if resp.StatusCode >= 300 {
		return resp.StatusCode, raw, decodeAPIError(resp.StatusCode, raw)
	}
	return resp.StatusCode, raw, nil
}

func (c *gatewayClient) do(ctx context.Context, method string, path string, body []byte, headers map[string]string, out any) (int, error) {
	req, err := c.newRequest(ctx, method, path, body, headers)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusServiceUnavailable && out != nil {
			_ = json.Unmarshal(raw, out)
		}
		return resp.StatusCode, decodeAPIError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *gatewayClient) newRequest(ctx context.Context, method string, path string, body []byte, headers map[string]string) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return req, nil
}

func decodeAPIError(status int, raw []byte) error {
	var body httptransport.ErrorResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return &apiError{Status: status}
	}
	return &apiError{Status: status, Code: body.Code, Message: body.Message}
}
