package backends

import (
	"context"
	"strings"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

// RemoteAPI dispatches to a hosted inference API. The request id travels as
// Idempotency-Key so a retry after a lost response is not billed twice by
// providers that honor it.
type RemoteAPI struct {
	chat chatClient
}

func NewRemoteAPI(name string, baseURL string, apiKey string, model string, timeout time.Duration) RemoteAPI {
	chat := newChatClient(name, baseURL, model, timeout)
	if key := strings.TrimSpace(apiKey); key != "" {
		chat.headers["Authorization"] = "Bearer " + key
	}
	return RemoteAPI{chat: chat}
}

func (r RemoteAPI) Dispatch(ctx context.Context, req entities.Request) (entities.Completion, error) {
	return r.chat.complete(ctx, req, map[string]string{
		"Idempotency-Key":    req.ID,
		"X-Request-Priority": string(req.Priority),
	})
}
