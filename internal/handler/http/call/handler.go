package call

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"chatcore-backend/internal/domain"
	"chatcore-backend/internal/middleware"
	callsvc "chatcore-backend/internal/service/call"
	"chatcore-backend/pkg/pagination"
	"chatcore-backend/pkg/response"
)

// Service is the call coordinator as seen by the HTTP surface
type Service interface {
	Initiate(ctx context.Context, input *callsvc.InitiateInput) (*domain.CallSession, error)
	Answer(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error)
	Reject(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error)
	End(ctx context.Context, callID, actorID uuid.UUID, durationSeconds int) (*domain.CallSession, error)
	Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error)
	History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error)
}

// EventReader lists a call's lifecycle log
type EventReader interface {
	ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error)
}

// Handler handles call HTTP requests
type Handler struct {
	calls  Service
	events EventReader
}

// NewHandler creates a new call handler. events may be nil.
func NewHandler(calls Service, events EventReader) *Handler {
	return &Handler{
		calls:  calls,
		events: events,
	}
}

// RegisterRoutes mounts the handler under rg (expected to be /v1/calls)
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("", h.InitiateCall)
	rg.GET("", h.ListCalls)
	rg.GET("/:id", h.GetCall)
	rg.GET("/:id/events", h.ListEvents)
	rg.POST("/:id/answer", h.AnswerCall)
	rg.POST("/:id/reject", h.RejectCall)
	rg.POST("/:id/end", h.EndCall)
}

// InitiateCall starts a new call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req callsvc.InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	input, err := req.Input(middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	session, err := h.calls.Initiate(c.Request.Context(), input)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusCreated, session.View())
}

// AnswerCall accepts a ringing call
// POST /v1/calls/:id/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	h.transition(c, h.calls.Answer)
}

// RejectCall declines a ringing call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	h.transition(c, h.calls.Reject)
}

// EndCallRequest carries the client-measured duration
type EndCallRequest struct {
	DurationSeconds int `json:"duration_seconds"`
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	session, err := h.calls.End(c.Request.Context(), callID, middleware.UserID(c), req.DurationSeconds)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, session.View())
}

// GetCall returns one call the user takes part in
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	session, err := h.calls.Get(c.Request.Context(), callID, middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, session.View())
}

// ListCalls returns the user's call history, most recent first
// GET /v1/calls?page=1&limit=20
func (h *Handler) ListCalls(c *gin.Context) {
	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	calls, err := h.calls.History(c.Request.Context(), middleware.UserID(c), params.Limit, params.Offset)
	if err != nil {
		response.FromError(c, err)
		return
	}

	views := make([]domain.CallView, 0, len(calls))
	for _, session := range calls {
		views = append(views, session.View())
	}
	response.Success(c, http.StatusOK, pagination.NewPage(params, views))
}

// ListEvents returns the call's lifecycle log to a participant
// GET /v1/calls/:id/events?limit=50
func (h *Handler) ListEvents(c *gin.Context) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}
	if h.events == nil {
		response.Success(c, http.StatusOK, []*domain.CallEvent{})
		return
	}

	// Participants only
	if _, err := h.calls.Get(c.Request.Context(), callID, middleware.UserID(c)); err != nil {
		response.FromError(c, err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.ValidationError(c, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := h.events.ListByCall(c.Request.Context(), callID, limit)
	if err != nil {
		response.InternalError(c, "Failed to list call events")
		return
	}
	if events == nil {
		events = []*domain.CallEvent{}
	}
	response.Success(c, http.StatusOK, events)
}

func (h *Handler) transition(c *gin.Context, fn func(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error)) {
	callID, ok := callIDParam(c)
	if !ok {
		return
	}

	session, err := fn(c.Request.Context(), callID, middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, session.View())
}

func callIDParam(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}
