package discussion

import (
	"context"

	"github.com/topicbridge/internal/forum"
	"github.com/topicbridge/pkg/models"
)

// ThreadDiscarder disposes of a remote thread that lost a mapping race.
type ThreadDiscarder interface {
	DiscardThread(ctx context.Context, threadID string, ref models.EntityRef) error
}

// GatewayDiscarder deletes the thread right away through the forum gateway.
type GatewayDiscarder struct {
	Gateway forum.Gateway
}

func (d GatewayDiscarder) DiscardThread(ctx context.Context, threadID string, ref models.EntityRef) error {
	return d.Gateway.DeleteThread(ctx, threadID)
}
