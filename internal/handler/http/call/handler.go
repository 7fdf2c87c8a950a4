package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"secureconnect-callcore/internal/domain"
	"secureconnect-callcore/internal/middleware"
	callsvc "secureconnect-callcore/internal/service/call"
	"secureconnect-callcore/pkg/pagination"
	"secureconnect-callcore/pkg/response"
)

// Service is the part of the call coordinator the HTTP API drives
type Service interface {
	PlaceCall(ctx context.Context, in callsvc.PlaceCallInput) (*domain.CallSession, error)
	AcceptCall(ctx context.Context, sessionID, selfID string, kind domain.CallKind) (*domain.CallSession, error)
	RejectCall(ctx context.Context, sessionID string) error
	EndCall(ctx context.Context) error
	ToggleMicrophone(ctx context.Context, enabled bool) error
	ToggleCamera(ctx context.Context, enabled bool) error
	SwitchCamera(ctx context.Context) error
	ActiveSession() (domain.CallSession, bool)
	CallHistory(ctx context.Context, userID string, limit int) ([]*domain.CallSession, error)
}

// Handler handles call control HTTP requests
type Handler struct {
	calls Service
}

// NewHandler creates a new call handler
func NewHandler(calls Service) *Handler {
	return &Handler{calls: calls}
}

// RegisterRoutes mounts the call API on rg
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	calls := rg.Group("/calls")
	calls.POST("", h.PlaceCall)
	calls.GET("/active", h.GetActive)
	calls.POST("/active/end", h.EndCall)
	calls.POST("/active/media", h.UpdateMedia)
	calls.GET("/history", h.History)
	calls.POST("/:id/accept", h.AcceptCall)
	calls.POST("/:id/reject", h.RejectCall)
}

// PlaceCallRequest represents call placement request
type PlaceCallRequest struct {
	TargetID       string `json:"target_id" binding:"required"`
	Kind           string `json:"kind" binding:"required,oneof=VOICE VIDEO"`
	ConversationID string `json:"conversation_id"`
}

// PlaceCall starts an outgoing call
// POST /v1/calls
func (h *Handler) PlaceCall(c *gin.Context) {
	var req PlaceCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if req.TargetID == userID {
		response.ValidationError(c, "Cannot call yourself")
		return
	}

	session, err := h.calls.PlaceCall(c.Request.Context(), callsvc.PlaceCallInput{
		InitiatorID:    userID,
		TargetID:       req.TargetID,
		Kind:           domain.CallKind(req.Kind),
		ConversationID: req.ConversationID,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, session)
}

// AcceptCallRequest optionally names the kind the callee expects. The stored kind wins.
type AcceptCallRequest struct {
	Kind string `json:"kind" binding:"omitempty,oneof=VOICE VIDEO"`
}

// AcceptCall answers an incoming call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	var req AcceptCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	session, err := h.calls.AcceptCall(c.Request.Context(), c.Param("id"), userID, domain.CallKind(req.Kind))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, session)
}

// RejectCall declines an incoming call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.calls.RejectCall(c.Request.Context(), sessionID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call rejected",
		"call_id": sessionID,
	})
}

// EndCall terminates the active call
// POST /v1/calls/active/end
func (h *Handler) EndCall(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context()); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Call ended"})
}

// MediaRequest changes local media on the active call. Omitted fields are left alone.
type MediaRequest struct {
	Microphone   *bool `json:"microphone"`
	Camera       *bool `json:"camera"`
	SwitchCamera bool  `json:"switch_camera"`
}

// UpdateMedia toggles microphone/camera or flips the camera
// POST /v1/calls/active/media
func (h *Handler) UpdateMedia(c *gin.Context) {
	var req MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	if req.Microphone == nil && req.Camera == nil && !req.SwitchCamera {
		response.ValidationError(c, "Nothing to change")
		return
	}

	ctx := c.Request.Context()
	if req.Microphone != nil {
		if err := h.calls.ToggleMicrophone(ctx, *req.Microphone); err != nil {
			response.FromError(c, err)
			return
		}
	}
	if req.Camera != nil {
		if err := h.calls.ToggleCamera(ctx, *req.Camera); err != nil {
			response.FromError(c, err)
			return
		}
	}
	if req.SwitchCamera {
		if err := h.calls.SwitchCamera(ctx); err != nil {
			response.FromError(c, err)
			return
		}
	}

	response.Success(c, http.StatusOK, req)
}

// GetActive returns the held call
// GET /v1/calls/active
func (h *Handler) GetActive(c *gin.Context) {
	session, ok := h.calls.ActiveSession()
	if !ok {
		response.NotFound(c, "No active call")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session":  session,
		"duration": session.FormattedDuration(),
	})
}

// History lists past calls, newest first
// GET /v1/calls/history?limit=20
func (h *Handler) History(c *gin.Context) {
	limit, err := pagination.ParseLimit(c.Query("limit"))
	if err != nil {
		response.ValidationError(c, "Invalid limit")
		return
	}

	userID, ok := currentUser(c)
	if !ok {
		return
	}

	sessions, err := h.calls.CallHistory(c.Request.Context(), userID, limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	items := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		items = append(items, gin.H{
			"session":  s,
			"duration": s.FormattedDuration(),
		})
	}
	response.Success(c, http.StatusOK, gin.H{"calls": items})
}

func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(middleware.ContextUserID)
	if userID == "" {
		response.Unauthorized(c, "Not authenticated")
		return "", false
	}
	return userID, true
}
