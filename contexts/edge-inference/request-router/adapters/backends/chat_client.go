package backends

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
	domainerrors "edgeway/contexts/edge-inference/request-router/domain/errors"
)

const (
	chatCompletionsPath = "/v1/chat/completions"
	maxResponseBytes    = 8 << 20
)

// chatClient speaks the OpenAI-compatible chat completions protocol served
// by llama.cpp, LM Studio, Ollama and hosted APIs alike.
type chatClient struct {
	name    string
	baseURL string
	model   string
	headers map[string]string
	client  *http.Client
}

func newChatClient(name string, baseURL string, model string, timeout time.Duration) chatClient {
	client := &http.Client{}
	if timeout > 0 {
		client.Timeout = timeout
	}
	return chatClient{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:   strings.TrimSpace(model),
		headers: make(map[string]string),
		client:  client,
	}
}

func (c chatClient) complete(ctx context.Context, req entities.Request, extra map[string]string) (entities.Completion, error) {
	body, err := c.prepareBody(req.Payload)
	if err != nil {
		return entities.Completion{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsPath, bytes.NewReader(body))
	if err != nil {
		return entities.Completion{}, fmt.Errorf("%w: %s: build request: %v", domainerrors.ErrBackendDispatch, c.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	for key, value := range c.headers {
		httpReq.Header.Set(key, value)
	}
	for key, value := range extra {
		httpReq.Header.Set(key, value)
	}

	started := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return entities.Completion{}, fmt.Errorf("%w: %s: %v", domainerrors.ErrBackendDispatch, c.name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return entities.Completion{}, fmt.Errorf("%w: %s: read response: %v", domainerrors.ErrBackendDispatch, c.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return entities.Completion{}, fmt.Errorf("%w: %s returned status %d: %s",
			domainerrors.ErrBackendDispatch, c.name, resp.StatusCode, truncate(payload, 256))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return entities.Completion{
		RequestID:   req.ID,
		Backend:     c.name,
		Body:        payload,
		ContentType: contentType,
		Latency:     time.Since(started),
		CompletedAt: time.Now().UTC(),
	}, nil
}

// prepareBody forces a non-streaming call and fills in the configured model
// when the caller left it out. Non-object payloads are forwarded as-is.
func (c chatClient) prepareBody(payload []byte) ([]byte, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return payload, nil
	}
	body["stream"] = false
	if c.model != "" {
		if current, ok := body["model"].(string); !ok || current == "" {
			body["model"] = c.model
		}
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", domainerrors.ErrInvalidRequest, err)
	}
	return encoded, nil
}

func truncate(body []byte, limit int) string {
	text := strings.TrimSpace(string(body))
	if len(text) > limit {
		return text[:limit] + "..."
	}
	return text
}
