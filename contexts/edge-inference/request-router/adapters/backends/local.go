package backends

import (
	"context"
	"time"

	"edgeway/contexts/edge-inference/request-router/domain/entities"
)

// LocalModel dispatches to an on-device model server.
type LocalModel struct {
	chat chatClient
}

func NewLocalModel(name string, endpoint string, model string, timeout time.Duration) LocalModel {
	return LocalModel{chat: newChatClient(name, endpoint, model, timeout)}
}

func (l LocalModel) Dispatch(ctx context.Context, req entities.Request) (entities.Completion, error) {
	return l.chat.complete(ctx, req, nil)
}
