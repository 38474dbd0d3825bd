package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatcore-backend/internal/database"
)

// PresenceTTL bounds how long a crashed node keeps its users online
const PresenceTTL = 5 * time.Minute

const onlineSetKey = "presence:online"

// PresenceRepository keeps cluster-wide presence in Redis. Each user key is a
// set of the node ids holding a live connection, so one node going offline
// does not hide connections held by another.
type PresenceRepository struct {
	client *database.RedisClient
	nodeID string
}

// NewPresenceRepository creates a new PresenceRepository for this node
func NewPresenceRepository(client *database.RedisClient, nodeID string) *PresenceRepository {
	return &PresenceRepository{client: client, nodeID: nodeID}
}

func presenceKey(userID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", userID)
}

// SetUserOnline marks user as online on this node
func (r *PresenceRepository) SetUserOnline(ctx context.Context, userID uuid.UUID) error {
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}
	key := presenceKey(userID)

	_, err := r.client.Client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, key, r.nodeID)
		pipe.Expire(ctx, key, PresenceTTL)
		pipe.SAdd(ctx, onlineSetKey, userID.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set user online: %w", err)
	}
	return nil
}

// SetUserOffline removes this node from the user's presence. The user stays
// online while another node holds a connection.
func (r *PresenceRepository) SetUserOffline(ctx context.Context, userID uuid.UUID) error {
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}
	key := presenceKey(userID)

	if err := r.client.SafeSRem(ctx, key, r.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	remaining, err := r.client.SafeSCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to count presence: %w", err)
	}
	if remaining == 0 {
		if err := r.client.SafeSRem(ctx, onlineSetKey, userID.String()).Err(); err != nil {
			return fmt.Errorf("failed to remove from online set: %w", err)
		}
	}
	return nil
}

// IsUserOnline checks if user has a live connection on any node
func (r *PresenceRepository) IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	count, err := r.client.SafeSCard(ctx, presenceKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check presence: %w", err)
	}
	return count > 0, nil
}

// RefreshPresence extends the presence of users connected to this node
func (r *PresenceRepository) RefreshPresence(ctx context.Context, userIDs []uuid.UUID) error {
	if len(userIDs) == 0 {
		return nil
	}
	if r.client.IsDegraded() {
		return database.ErrRedisDegraded
	}

	_, err := r.client.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range userIDs {
			key := presenceKey(id)
			pipe.SAdd(ctx, key, r.nodeID)
			pipe.Expire(ctx, key, PresenceTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to refresh presence: %w", err)
	}
	return nil
}

// GetOnlineCount returns number of online users
func (r *PresenceRepository) GetOnlineCount(ctx context.Context) (int64, error) {
	count, err := r.client.SafeSCard(ctx, onlineSetKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count online users: %w", err)
	}
	return count, nil
}

// IsDegraded returns true if Redis is in degraded mode
func (r *PresenceRepository) IsDegraded() bool {
	return r.client.IsDegraded()
}
