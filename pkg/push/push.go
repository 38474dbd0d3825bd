// Package push delivers mobile notifications to users that have no live connection.
package push

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/resilience"
	"chatcore-backend/pkg/sanitize"
)

// Provider sends a notification to device tokens
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Priority    string            `json:"priority,omitempty"` // high, normal
	Sound       string            `json:"sound,omitempty"`
	Badge       *int              `json:"badge,omitempty"`
	Category    string            `json:"category,omitempty"`
	ClickAction string            `json:"click_action,omitempty"`
}

// DeepLink returns the deep-link carried in the data payload, if any.
func (n *Notification) DeepLink() string {
	return n.Data["deep_link"]
}

// CallNotificationData contains data for call-related notifications
type CallNotificationData struct {
	CallID         uuid.UUID
	ConversationID uuid.UUID
	CallerID       uuid.UUID
	CallerName     string
	CallType       string
	IsGroup        bool
}

// longest caller name shown on a lock screen
const maxNameRunes = 64

// IncomingCall builds the notification shown to a callee without a live connection.
func IncomingCall(data *CallNotificationData) *Notification {
	name := sanitize.DisplayName(data.CallerName, maxNameRunes)
	title := "Incoming Call"
	if data.IsGroup {
		title = "Incoming Group Call"
	}
	return &Notification{
		Title:    title,
		Body:     fmt.Sprintf("%s is calling you", name),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":            "call",
			"call_id":         data.CallID.String(),
			"conversation_id": data.ConversationID.String(),
			"caller_id":       data.CallerID.String(),
			"caller_name":     name,
			"call_type":       data.CallType,
			"deep_link":       callDeepLink(data.CallID),
		},
	}
}

// MissedCall builds the notification left for a callee who never answered.
func MissedCall(data *CallNotificationData) *Notification {
	name := sanitize.DisplayName(data.CallerName, maxNameRunes)
	return &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", name),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":            "missed_call",
			"call_id":         data.CallID.String(),
			"conversation_id": data.ConversationID.String(),
			"caller_id":       data.CallerID.String(),
			"caller_name":     name,
			"deep_link":       fmt.Sprintf("chatcore://conversations/%s", data.ConversationID),
		},
	}
}

func callDeepLink(callID uuid.UUID) string {
	return fmt.Sprintf("chatcore://calls/%s", callID)
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"
	TokenTypeAPNs TokenType = "apns"
	TokenTypeWeb  TokenType = "web"
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository stores device tokens
type TokenRepository interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	MarkInactive(ctx context.Context, tokenID uuid.UUID) error
}

// Gateway resolves a user's active device tokens and sends through a Provider.
type Gateway struct {
	provider Provider
	repo     TokenRepository
	log      *zap.Logger
	observer func(result string)
	breaker  *resilience.Breaker
}

// GatewayOption configures a Gateway
type GatewayOption func(*Gateway)

// WithResultObserver receives "sent", "no_tokens", "failed" or
// "breaker_open" per Notify call.
func WithResultObserver(fn func(result string)) GatewayOption {
	return func(g *Gateway) { g.observer = fn }
}

// WithBreaker stops calling the provider while it keeps failing.
func WithBreaker(b *resilience.Breaker) GatewayOption {
	return func(g *Gateway) { g.breaker = b }
}

// NewGateway creates a push gateway
func NewGateway(provider Provider, repo TokenRepository, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		provider: provider,
		repo:     repo,
		log:      logger.Named("push"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Notify sends notification to every active device of the user.
func (g *Gateway) Notify(ctx context.Context, userID uuid.UUID, notification *Notification) error {
	tokens, err := g.repo.GetByUserID(ctx, userID)
	if err != nil {
		g.observe("failed")
		return fmt.Errorf("failed to get push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		g.observe("no_tokens")
		g.log.Debug("No active push tokens for user", zap.String("user_id", userID.String()))
		return nil
	}

	result, err := g.send(ctx, notification, active)
	if errors.Is(err, resilience.ErrOpen) {
		g.observe("breaker_open")
		return fmt.Errorf("push provider unavailable: %w", err)
	}
	if err != nil {
		g.observe("failed")
		return fmt.Errorf("failed to send push notification: %w", err)
	}
	g.observe("sent")

	g.log.Info("Push notification sent",
		zap.String("user_id", userID.String()),
		zap.String("title", notification.Title),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount))

	if len(result.InvalidTokens) > 0 {
		g.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

func (g *Gateway) send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if g.breaker == nil {
		return g.provider.Send(ctx, notification, tokens)
	}
	var result *SendResult
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		result, err = g.provider.Send(ctx, notification, tokens)
		return err
	})
	return result, err
}

// handleInvalidTokens marks invalid tokens as inactive
func (g *Gateway) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := g.repo.GetByToken(ctx, tokenStr)
		if err != nil || token == nil {
			continue
		}
		if err := g.repo.MarkInactive(ctx, token.ID); err != nil {
			g.log.Warn("Failed to mark token as inactive",
				zap.String("token_id", token.ID.String()),
				zap.Error(err))
		}
	}
}

func (g *Gateway) observe(result string) {
	if g.observer != nil {
		g.observer(result)
	}
}

// MockProvider logs notifications instead of sending them
type MockProvider struct {
	sent atomic.Int64
	log  *zap.Logger
}

// NewMockProvider creates a MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{log: logger.Named("push.mock")}
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.sent.Add(1)
	m.log.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

// NotificationsSent returns how many notifications were handed to Send.
func (m *MockProvider) NotificationsSent() int {
	return int(m.sent.Load())
}
