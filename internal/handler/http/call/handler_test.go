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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/middleware"
	callsvc "secureconnect-callcore/internal/service/call"
	apperrors "secureconnect-callcore/pkg/errors"
)

type MockService struct {
	mock.Mock
}

func (m *MockService) PlaceCall(ctx context.Context, in callsvc.PlaceCallInput) (*domain.CallSession, error) {
	args := m.Called(ctx, in)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) AcceptCall(ctx context.Context, sessionID, selfID string, kind domain.CallKind) (*domain.CallSession, error) {
	args := m.Called(ctx, sessionID, selfID, kind)
	s, _ := args.Get(0).(*domain.CallSession)
	return s, args.Error(1)
}

func (m *MockService) RejectCall(ctx context.Context, sessionID string) error {
	return m.Called(ctx, sessionID).Error(0)
}

func (m *MockService) EndCall(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockService) ToggleMicrophone(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

func (m *MockService) ToggleCamera(ctx context.Context, enabled bool) error {
	return m.Called(ctx, enabled).Error(0)
}

func (m *MockService) SwitchCamera(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockService) ActiveSession() (domain.CallSession, bool) {
	args := m.Called()
	return args.Get(0).(domain.CallSession), args.Bool(1)
}

func (m *MockService) CallHistory(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error) {
	args := m.Called(ctx, userID, limit)
	s, _ := args.Get(0).([]*domain.CallSession)
	return s, args.Error(1)
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, "alice")
		c.Next()
	})
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code      string `json:"code"`
		SessionID string `json:"session_id"`
	} `json:"error"`
}

func do(t *testing.T, r *gin.Engine, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestPlaceCall(t *testing.T) {
	svc := new(MockService)
	session := domain.NewCallSession("call-1", "alice", "bob", domain.CallKindVideo, t0)
	svc.On("PlaceCall", mock.Anything, callsvc.PlaceCallInput{
		InitiatorID: "alice", TargetID: "bob", Kind: domain.CallKindVideo, ConversationID: "conv-1",
	}).Return(&session, nil)

	code, env := do(t, newRouter(svc), http.MethodPost, "/v1/calls", gin.H{
		"target_id": "bob", "kind": "VIDEO", "conversation_id": "conv-1",
	})

	assert.Equal(t, http.StatusCreated, code)
	assert.True(t, env.Success)
	var got domain.CallSession
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "call-1", got.ID)
	svc.AssertExpectations(t)
}

func TestPlaceCall_Validation(t *testing.T) {
	svc := new(MockService)
	r := newRouter(svc)

	code, _ := do(t, r, http.MethodPost, "/v1/calls", gin.H{"target_id": "bob", "kind": "FAX"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, r, http.MethodPost, "/v1/calls", gin.H{"target_id": "alice", "kind": "VOICE"})
	assert.Equal(t, http.StatusBadRequest, code)

	svc.AssertNotCalled(t, "PlaceCall", mock.Anything, mock.Anything)
}

func TestPlaceCall_Busy(t *testing.T) {
	svc := new(MockService)
	svc.On("PlaceCall", mock.Anything, mock.Anything).Return(nil, apperrors.BusyError("call-0"))

	code, env := do(t, newRouter(svc), http.MethodPost, "/v1/calls", gin.H{"target_id": "bob", "kind": "VOICE"})

	assert.Equal(t, http.StatusConflict, code)
	require.NotNil(t, env.Error)
	assert.Equal(t, "CALL_BUSY", env.Error.Code)
	assert.Equal(t, "call-0", env.Error.SessionID)
}

func TestAcceptCall(t *testing.T) {
	svc := new(MockService)
	session := domain.NewCallSession("call-1", "bob", "alice", domain.CallKindVoice, t0)
	session.Status = domain.StatusRinging
	svc.On("AcceptCall", mock.Anything, "call-1", "alice", domain.CallKind("")).Return(&session, nil)
	svc.On("AcceptCall", mock.Anything, "gone", "alice", domain.CallKindVideo).Return(nil, apperrors.AlreadyTerminalError("gone"))

	r := newRouter(svc)
	code, _ := do(t, r, http.MethodPost, "/v1/calls/call-1/accept", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := do(t, r, http.MethodPost, "/v1/calls/gone/accept", gin.H{"kind": "VIDEO"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "ALREADY_TERMINAL", env.Error.Code)
	svc.AssertExpectations(t)
}

func TestRejectAndEnd(t *testing.T) {
	svc := new(MockService)
	svc.On("RejectCall", mock.Anything, "call-1").Return(nil)
	svc.On("EndCall", mock.Anything).Return(apperrors.NoActiveCallError()).Once()

	r := newRouter(svc)
	code, _ := do(t, r, http.MethodPost, "/v1/calls/call-1/reject", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := do(t, r, http.MethodPost, "/v1/calls/active/end", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NO_ACTIVE_CALL", env.Error.Code)
	svc.AssertExpectations(t)
}

func TestUpdateMedia(t *testing.T) {
	svc := new(MockService)
	svc.On("ToggleMicrophone", mock.Anything, false).Return(nil)
	svc.On("SwitchCamera", mock.Anything).Return(nil)

	r := newRouter(svc)
	code, _ := do(t, r, http.MethodPost, "/v1/calls/active/media", gin.H{"microphone": false, "switch_camera": true})
	assert.Equal(t, http.StatusOK, code)
	svc.AssertExpectations(t)
	svc.AssertNotCalled(t, "ToggleCamera", mock.Anything, mock.Anything)

	code, _ = do(t, r, http.MethodPost, "/v1/calls/active/media", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUpdateMedia_EngineFailure(t *testing.T) {
	svc := new(MockService)
	svc.On("ToggleCamera", mock.Anything, true).Return(apperrors.InternalError("camera toggle failed"))

	code, env := do(t, newRouter(svc), http.MethodPost, "/v1/calls/active/media", gin.H{"camera": true})

	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
}

func TestGetActive(t *testing.T) {
	svc := new(MockService)
	session := domain.NewCallSession("call-1", "alice", "bob", domain.CallKindVoice, t0)
	svc.On("ActiveSession").Return(session, true).Once()
	svc.On("ActiveSession").Return(domain.CallSession{}, false).Once()

	r := newRouter(svc)
	code, env := do(t, r, http.MethodGet, "/v1/calls/active", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"duration":"00:00"`)

	code, _ = do(t, r, http.MethodGet, "/v1/calls/active", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHistory(t *testing.T) {
	svc := new(MockService)
	ended := domain.NewCallSession("call-1", "alice", "bob", domain.CallKindVoice, t0)
	_, err := ended.Terminate(domain.StatusEnded, t0.Add(75*time.Second))
	require.NoError(t, err)
	svc.On("CallHistory", mock.Anything, "alice", 5).Return([]*domain.CallSession{&ended}, nil)

	r := newRouter(svc)
	code, env := do(t, r, http.MethodGet, "/v1/calls/history?limit=5", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"duration":"01:15"`)

	code, _ = do(t, r, http.MethodGet, "/v1/calls/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	svc.AssertExpectations(t)
}
