// Package events lets trusted collaborators (message, reaction and
// conversation services) publish pre-formed conversation activity to live clients.
package events

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore-backend/internal/fanout"
	"chatcore-backend/pkg/logger"
	"chatcore-backend/pkg/protocol"
	"chatcore-backend/pkg/push"
	"chatcore-backend/pkg/response"
)

// Publisher delivers collaborator events. Satisfied by *fanout.Dispatcher.
type Publisher interface {
	PublishRaw(ctx context.Context, scope fanout.Scope, targetID uuid.UUID, kind protocol.EventKind, data json.RawMessage) int
	NotifyUser(ctx context.Context, userID uuid.UUID, kind protocol.EventKind, payload any, notification *push.Notification) int
	NotifyMembers(ctx context.Context, conversationID uuid.UUID, kind protocol.EventKind, payload any, exceptUser uuid.UUID, notification *push.Notification) int
}

// Handler serves /v1/events
type Handler struct {
	publisher Publisher
}

// NewHandler creates a new events handler
func NewHandler(publisher Publisher) *Handler {
	return &Handler{publisher: publisher}
}

// RegisterRoutes mounts the handler under rg (expected to be /v1/events,
// restricted to the service role)
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/conversations/:id", h.PublishToConversation)
	rg.POST("/users/:id", h.PublishToUser)
}

// PushRequest asks for a push notification to users without a live connection
type PushRequest struct {
	Title string            `json:"title" binding:"required"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// PublishRequest is one collaborator event. Data is forwarded untouched.
type PublishRequest struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data" binding:"required"`
	// NotifyMembers delivers to every member's connections, not just the
	// connections currently viewing the conversation.
	NotifyMembers bool         `json:"notify_members,omitempty"`
	ExceptUserID  uuid.UUID    `json:"except_user_id,omitempty"`
	Push          *PushRequest `json:"push,omitempty"`
}

// PublishResponse reports local deliveries
type PublishResponse struct {
	Delivered int `json:"delivered"`
}

// PublishToConversation fans an event out to a conversation
// POST /v1/events/conversations/:id
func (h *Handler) PublishToConversation(c *gin.Context) {
	conversationID, kind, req, ok := bind(c)
	if !ok {
		return
	}

	var delivered int
	if req.NotifyMembers || req.Push != nil {
		delivered = h.publisher.NotifyMembers(c.Request.Context(), conversationID, kind, req.Data, req.ExceptUserID, req.Push.notification())
	} else {
		delivered = h.publisher.PublishRaw(c.Request.Context(), fanout.ScopeConversation, conversationID, kind, req.Data)
	}

	logger.FromContext(c.Request.Context()).Debug("Published conversation event",
		zap.String("conversation_id", conversationID.String()),
		zap.String("event", kind.String()),
		zap.Int("delivered", delivered))
	response.Success(c, http.StatusAccepted, PublishResponse{Delivered: delivered})
}

// PublishToUser delivers an event to every connection of one user
// POST /v1/events/users/:id
func (h *Handler) PublishToUser(c *gin.Context) {
	userID, kind, req, ok := bind(c)
	if !ok {
		return
	}

	var delivered int
	if req.Push != nil {
		delivered = h.publisher.NotifyUser(c.Request.Context(), userID, kind, req.Data, req.Push.notification())
	} else {
		delivered = h.publisher.PublishRaw(c.Request.Context(), fanout.ScopeUser, userID, kind, req.Data)
	}
	response.Success(c, http.StatusAccepted, PublishResponse{Delivered: delivered})
}

func bind(c *gin.Context) (uuid.UUID, protocol.EventKind, *PublishRequest, bool) {
	targetID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid target ID")
		return uuid.Nil, protocol.EventUnknown, nil, false
	}

	var req PublishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return uuid.Nil, protocol.EventUnknown, nil, false
	}
	if !json.Valid(req.Data) {
		response.ValidationError(c, "data must be valid JSON")
		return uuid.Nil, protocol.EventUnknown, nil, false
	}

	kind, err := protocol.ParseEventKind(req.Event)
	if err != nil || !kind.IsConversationActivity() {
		response.ValidationError(c, "event is not a publishable conversation event")
		return uuid.Nil, protocol.EventUnknown, nil, false
	}
	return targetID, kind, &req, true
}

func (p *PushRequest) notification() *push.Notification {
	if p == nil {
		return nil
	}
	return &push.Notification{
		Title:    p.Title,
		Body:     p.Body,
		Data:     p.Data,
		Priority: "normal",
		Sound:    "default",
	}
}
