package ws

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/database"
	"chatcore-backend/internal/domain"
	"chatcore-backend/pkg/protocol"
)

// PresenceBroadcaster reaches every live connection. Satisfied by *fanout.Dispatcher.
type PresenceBroadcaster interface {
	BroadcastToAll(ctx context.Context, kind protocol.EventKind, payload any, exceptUser uuid.UUID) int
}

// PresenceRefresher keeps this node's presence entries from expiring
type PresenceRefresher interface {
	RefreshPresence(ctx context.Context, userIDs []uuid.UUID) error
}

// AnnouncePresence returns a registry presence listener that tells every
// other connection about the change.
func AnnouncePresence(b PresenceBroadcaster) func(domain.PresenceChange) {
	return func(change domain.PresenceChange) {
		b.BroadcastToAll(context.Background(), protocol.EventUserOnlineStatusChanged, domain.PresencePayload{
			UserID:   change.UserID,
			IsOnline: change.State == domain.PresenceOnline,
			At:       change.At,
		}, change.UserID)
	}
}

// RunPresenceRefresh re-announces the users connected here every interval
// until ctx is done.
func (h *Hub) RunPresenceRefresh(ctx context.Context, refresher PresenceRefresher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := refresher.RefreshPresence(ctx, h.ConnectedUsers())
			if err != nil && !errors.Is(err, database.ErrRedisDegraded) {
				h.log.Warn("Failed to refresh presence", zap.Error(err))
			}
		}
	}
}
