package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcore-backend/pkg/constants"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
//
//	push:token:{token}        JSON-encoded push.Token
//	push:id:{id}              token value, for lookups by id
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

func tokenKey(token string) string           { return fmt.Sprintf("push:token:%s", token) }
func tokenIDKey(id uuid.UUID) string         { return fmt.Sprintf("push:id:%s", id) }
func userTokensKey(userID uuid.UUID) string { return fmt.Sprintf("push:user:%s:tokens", userID) }

// Store registers or refreshes a device token. Re-registering a known token
// keeps its id and reactivates it.
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	existing, err := r.GetByToken(ctx, token.Token)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	if existing != nil {
		token.ID = existing.ID
		token.CreatedAt = existing.CreatedAt
		if existing.UserID != token.UserID {
			r.client.SRem(ctx, userTokensKey(existing.UserID), token.Token)
		}
	}
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now
	token.Active = true

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
		pipe.Set(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry)
		pipe.SAdd(ctx, userTokensKey(token.UserID), token.Token)
		pipe.Expire(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value. A missing token is (nil, nil).
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByUserID retrieves all tokens for a user, active or not
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	tokens, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token == nil {
			// Expired; drop the dangling set member
			r.client.SRem(ctx, userTokensKey(userID), tokenStr)
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// MarkInactive marks a token as inactive. Unknown ids are ignored.
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	tokenStr, err := r.client.Get(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("failed to resolve token id: %w", err)
	}

	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := r.client.Set(ctx, tokenKey(tokenStr), data, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token marked as inactive",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}

// Delete removes one of the user's tokens
func (r *PushTokenRepository) Delete(ctx context.Context, userID uuid.UUID, tokenStr string) error {
	token, err := r.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token == nil || token.UserID != userID {
		return nil
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, tokenKey(tokenStr), tokenIDKey(token.ID))
		pipe.SRem(ctx, userTokensKey(userID), tokenStr)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}
	return nil
}
