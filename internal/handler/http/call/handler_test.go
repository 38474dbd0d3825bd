package call

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatcore-backend/internal/domain"
	callsvc "chatcore-backend/internal/service/call"
	apperrors "chatcore-backend/pkg/errors"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) Initiate(ctx context.Context, input *callsvc.InitiateInput) (*domain.CallSession, error) {
	args := m.Called(ctx, input)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) Answer(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, receiverID)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) Reject(ctx context.Context, callID, receiverID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, receiverID)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) End(ctx context.Context, callID, actorID uuid.UUID, durationSeconds int) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, actorID, durationSeconds)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) Get(ctx context.Context, callID, userID uuid.UUID) (*domain.CallSession, error) {
	args := m.Called(ctx, callID, userID)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) History(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit, offset)
	s, _ := args.Get(0).([]*domain.CallSession)
	return s, args.Error(1)
}

type stubEvents struct {
	events []*domain.CallEvent
}

func (s stubEvents) ListByCall(ctx context.Context, callID uuid.UUID, limit int) ([]*domain.CallEvent, error) {
	return s.events, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newRouter(h *Handler, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("user_id", userID)
		c.Next()
	})
	h.RegisterRoutes(r.Group("/v1/calls"))
	return r
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func session(initiator, receiver uuid.UUID, status domain.CallStatus) *domain.CallSession {
	return &domain.CallSession{
		CallID:         uuid.New(),
		InitiatorID:    initiator,
		Target:         domain.OneToOne{UserID: receiver},
		ConversationID: uuid.New(),
		CallType:       domain.CallTypeAudio,
		Status:         status,
		CreatedAt:      time.Now(),
		Participants: map[uuid.UUID]*domain.ParticipantMedia{
			initiator: {UserID: initiator, Joined: true},
			receiver:  {UserID: receiver},
		},
	}
}

func TestInitiateCall(t *testing.T) {
	svc := new(MockService)
	caller, callee := uuid.New(), uuid.New()
	conversationID := uuid.New()
	s := session(caller, callee, domain.CallStatusPending)

	svc.On("Initiate", mock.Anything, mock.MatchedBy(func(in *callsvc.InitiateInput) bool {
		return in.InitiatorID == caller && in.ConversationID == conversationID &&
			domain.ReceiverID(in.Target) == callee && in.CallType == domain.CallTypeAudio
	})).Return(s, nil)

	r := newRouter(NewHandler(svc, nil), caller)
	rec, env := do(t, r, http.MethodPost, "/v1/calls", map[string]any{
		"conversation_id": conversationID,
		"call_type":       "audio",
		"target_user_id":  callee,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var view domain.CallView
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, s.CallID, view.CallID)
	assert.Equal(t, domain.CallStatusPending, view.Status)
	svc.AssertExpectations(t)
}

func TestInitiateCallNeedsTarget(t *testing.T) {
	svc := new(MockService)
	r := newRouter(NewHandler(svc, nil), uuid.New())

	rec, env := do(t, r, http.MethodPost, "/v1/calls", map[string]any{
		"conversation_id": uuid.New(),
		"call_type":       "video",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(apperrors.ErrCodeMissingField), env.Error.Code)
	svc.AssertNotCalled(t, "Initiate", mock.Anything, mock.Anything)
}

func TestAnswerCallMapsAppErrors(t *testing.T) {
	svc := new(MockService)
	userID := uuid.New()
	callID := uuid.New()
	svc.On("Answer", mock.Anything, callID, userID).Return(nil, apperrors.InvalidStateError("call already answered"))

	r := newRouter(NewHandler(svc, nil), userID)
	rec, env := do(t, r, http.MethodPost, "/v1/calls/"+callID.String()+"/answer", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperrors.ErrCodeInvalidState), env.Error.Code)
}

func TestEndCallPassesDuration(t *testing.T) {
	svc := new(MockService)
	caller, callee := uuid.New(), uuid.New()
	s := session(caller, callee, domain.CallStatusCompleted)
	s.DurationSeconds = 42
	svc.On("End", mock.Anything, s.CallID, caller, 42).Return(s, nil)

	r := newRouter(NewHandler(svc, nil), caller)
	rec, _ := do(t, r, http.MethodPost, "/v1/calls/"+s.CallID.String()+"/end", EndCallRequest{DurationSeconds: 42})
	assert.Equal(t, http.StatusOK, rec.Code)
	svc.AssertExpectations(t)
}

func TestRejectsMalformedCallID(t *testing.T) {
	r := newRouter(NewHandler(new(MockService), nil), uuid.New())
	rec, _ := do(t, r, http.MethodGet, "/v1/calls/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListCallsPaginates(t *testing.T) {
	svc := new(MockService)
	userID := uuid.New()
	calls := []*domain.CallSession{
		session(userID, uuid.New(), domain.CallStatusCompleted),
		session(uuid.New(), userID, domain.CallStatusMissed),
	}
	svc.On("History", mock.Anything, userID, 2, 2).Return(calls, nil)

	r := newRouter(NewHandler(svc, nil), userID)
	rec, env := do(t, r, http.MethodGet, "/v1/calls?page=2&limit=2", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Items   []domain.CallView `json:"items"`
		Page    int               `json:"page"`
		HasMore bool              `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Len(t, page.Items, 2)
	assert.Equal(t, 2, page.Page)
	assert.True(t, page.HasMore)
}

func TestListEventsRequiresParticipant(t *testing.T) {
	svc := new(MockService)
	userID := uuid.New()
	callID := uuid.New()
	svc.On("Get", mock.Anything, callID, userID).Return(nil, apperrors.UnauthorizedError("not a participant of this call"))

	events := stubEvents{events: []*domain.CallEvent{{CallID: callID, Kind: domain.CallEventInitiated}}}
	r := newRouter(NewHandler(svc, events), userID)
	rec, _ := do(t, r, http.MethodGet, "/v1/calls/"+callID.String()+"/events", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListEvents(t *testing.T) {
	svc := new(MockService)
	caller, callee := uuid.New(), uuid.New()
	s := session(caller, callee, domain.CallStatusCompleted)
	svc.On("Get", mock.Anything, s.CallID, callee).Return(s, nil)

	events := stubEvents{events: []*domain.CallEvent{
		{CallID: s.CallID, Kind: domain.CallEventInitiated, ActorID: caller},
		{CallID: s.CallID, Kind: domain.CallEventAnswered, ActorID: callee},
	}}
	r := newRouter(NewHandler(svc, events), callee)
	rec, env := do(t, r, http.MethodGet, "/v1/calls/"+s.CallID.String()+"/events", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var got []domain.CallEvent
	require.NoError(t, json.Unmarshal(env.Data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, domain.CallEventAnswered, got[1].Kind)
}
