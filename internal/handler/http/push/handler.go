package push

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/middleware"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/push"
	"chatcore-backend/pkg/response"
)

// TokenStore registers device tokens. Satisfied by the Redis push token repository.
type TokenStore interface {
	Store(ctx context.Context, token *push.Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error)
	Delete(ctx context.Context, userID uuid.UUID, token string) error
}

// Handler handles push notification HTTP requests
type Handler struct {
	tokens TokenStore
}

// NewHandler creates a new push notification handler
func NewHandler(tokens TokenStore) *Handler {
	return &Handler{tokens: tokens}
}

// RegisterRoutes mounts the handler under rg (expected to be /v1/push)
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/tokens", h.RegisterToken)
	rg.GET("/tokens", h.GetTokens)
	rg.DELETE("/tokens", h.UnregisterToken)
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a device token so calls can ring it while offline
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID := middleware.UserID(c)

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	now := time.Now().Unix()
	token := &push.Token{
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.tokens.Store(c.Request.Context(), token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes one of the user's tokens. Unknown tokens are ignored.
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID := middleware.UserID(c)

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.tokens.Delete(c.Request.Context(), userID, req.Token); err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}

// GetTokens returns the user's active tokens
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	userID := middleware.UserID(c)

	tokens, err := h.tokens.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to get push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to get tokens")
		return
	}

	active := make([]*push.Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Active {
			active = append(active, t)
		}
	}
	response.Success(c, http.StatusOK, gin.H{
		"tokens": active,
		"count":  len(active),
	})
}
